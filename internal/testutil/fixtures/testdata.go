// Package fixtures holds identity and endpoint values shared by authgate
// tests so the same subject, issuer and client id appear everywhere.
package fixtures

// Identity provider values.
const (
	// Region and UserPool combine into Issuer the way auth.CognitoIssuer does.
	Region   = "us-east-1"
	UserPool = "us-east-1_TestPool"
	Issuer   = "https://cognito-idp.us-east-1.amazonaws.com/us-east-1_TestPool"

	// ClientID is the app client the tokens are minted for.
	ClientID = "authgate-test-client"

	// KeyID and AltKeyID name signing keys in the test JWKS.
	KeyID    = "test-key-1"
	AltKeyID = "test-key-2"
)

// Subject values.
const (
	Subject     = "7f3c1e2a-0000-4000-8000-000000000001"
	Email       = "alice@example.com"
	AltSubject  = "7f3c1e2a-0000-4000-8000-000000000002"
	AltEmail    = "bob@example.com"
	Username    = "google_alice@example.com"
	DisplayName = "Alice Example"
)

// Authorization service values.
const (
	APIKey    = "test-api-key"
	ResourceA = "cust-a"
	ResourceB = "cust-b"
)

// Trust values. TrustedCIDR contains TrustedAddr; UntrustedAddr lies outside.
const (
	TrustedCIDR   = "10.20.0.0/16"
	TrustedAddr   = "10.20.1.5:44321"
	UntrustedAddr = "203.0.113.9:51000"
	GatewaySAN    = "gateway.internal.example.com"
)

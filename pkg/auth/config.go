package auth

import (
	"fmt"
	"net/netip"
	"net/url"
	"strings"
	"time"

	sserr "github.com/StricklySoft/authgate/pkg/errors"
)

// ---------------------------------------------------------------------------
// Secret type
// ---------------------------------------------------------------------------

// Secret redacts its value in String, GoString and MarshalText so API keys
// never reach logs or serialized config. Use [Secret.Value] where the raw
// value is needed.
type Secret string

const secretRedacted = "[REDACTED]"

func (s Secret) String() string   { return secretRedacted }
func (s Secret) GoString() string { return secretRedacted }
func (s Secret) Value() string    { return string(s) }

// MarshalText implements [encoding.TextMarshaler] with the redacted value.
func (s Secret) MarshalText() ([]byte, error) { return []byte(secretRedacted), nil }

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

const (
	DefaultKeySetTTL        = time.Hour
	DefaultFetchTimeout     = 5 * time.Second
	DefaultFetchRetries     = 2
	DefaultMinKeyRefresh    = 30 * time.Second
	DefaultClockSkew        = 30 * time.Second
	DefaultMaxTokenSize     = 8192
	DefaultGrantTTL         = 5 * time.Minute
	DefaultGrantPath        = "/customer"
	DefaultAPIKeyHeader     = "x-api-key"
	DefaultGrantKeyPrefix   = "authgate:grants:"
	DefaultMaxGrantEntries  = 10000
	maxClockSkew            = 10 * time.Minute
	jwksWellKnownPathSuffix = "/.well-known/jwks.json"
)

// CognitoIssuer returns the issuer URL of an AWS Cognito user pool.
func CognitoIssuer(region, userPoolID string) string {
	return fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s", region, userPoolID)
}

func checkHTTPURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return sserr.Wrapf(err, sserr.CodeValidationFormat, "auth: %s is not a valid URL", field)
	}
	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return sserr.Newf(sserr.CodeValidationFormat, "auth: %s must be an absolute http(s) URL", field)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Component configs
// ---------------------------------------------------------------------------

// KeySetConfig configures [KeySetCache]. URL may be left empty in a loaded
// [Config]; it is then derived from the issuer.
type KeySetConfig struct {
	// URL is the identity provider's JWKS endpoint.
	URL string `json:"url" yaml:"url" env:"URL"`

	// TTL bounds how long a fetched key set is served before a proactive
	// refresh.
	TTL time.Duration `json:"ttl" yaml:"ttl" env:"TTL" envDefault:"1h"`

	// FetchTimeout bounds each fetch attempt.
	FetchTimeout time.Duration `json:"fetch_timeout" yaml:"fetch_timeout" env:"FETCH_TIMEOUT" envDefault:"5s"`

	// FetchRetries is the number of retries after a failed attempt.
	FetchRetries int `json:"fetch_retries" yaml:"fetch_retries" env:"FETCH_RETRIES" envDefault:"2"`

	// MinRefreshInterval is the shortest age a fresh key set must reach
	// before an unknown key identifier may trigger another fetch.
	MinRefreshInterval time.Duration `json:"min_refresh_interval" yaml:"min_refresh_interval" env:"MIN_REFRESH_INTERVAL" envDefault:"30s"`
}

// Validate checks ranges and, when set, the URL format.
func (c KeySetConfig) Validate() error {
	if c.URL != "" {
		if err := checkHTTPURL("jwks url", c.URL); err != nil {
			return err
		}
	}
	if c.TTL <= 0 {
		return sserr.New(sserr.CodeValidationRange, "auth: jwks ttl must be positive")
	}
	if c.FetchTimeout <= 0 {
		return sserr.New(sserr.CodeValidationRange, "auth: jwks fetch timeout must be positive")
	}
	if c.FetchRetries < 0 {
		return sserr.New(sserr.CodeValidationRange, "auth: jwks fetch retries must not be negative")
	}
	if c.MinRefreshInterval < 0 {
		return sserr.New(sserr.CodeValidationRange, "auth: jwks min refresh interval must not be negative")
	}
	return nil
}

// ValidatorConfig configures [TokenValidator]. Either Issuer or both
// Region and UserPoolID must be set.
type ValidatorConfig struct {
	Issuer     string `json:"issuer" yaml:"issuer" env:"ISSUER"`
	Region     string `json:"region" yaml:"region" env:"REGION"`
	UserPoolID string `json:"user_pool_id" yaml:"user_pool_id" env:"USER_POOL_ID"`

	// ClientID is the expected audience (ID tokens) or client_id (access
	// tokens).
	ClientID string `json:"client_id" yaml:"client_id" env:"CLIENT_ID"`

	// ClockSkew is applied symmetrically to exp and nbf.
	ClockSkew time.Duration `json:"clock_skew" yaml:"clock_skew" env:"CLOCK_SKEW" envDefault:"30s"`

	MaxTokenSize int `json:"max_token_size" yaml:"max_token_size" env:"MAX_TOKEN_SIZE" envDefault:"8192"`
}

// ResolvedIssuer returns Issuer, or the Cognito issuer for Region and
// UserPoolID.
func (c ValidatorConfig) ResolvedIssuer() string {
	if c.Issuer != "" {
		return strings.TrimRight(c.Issuer, "/")
	}
	if c.Region != "" && c.UserPoolID != "" {
		return CognitoIssuer(c.Region, c.UserPoolID)
	}
	return ""
}

// Validate checks ranges and the issuer format when one is resolvable.
func (c ValidatorConfig) Validate() error {
	if iss := c.ResolvedIssuer(); iss != "" {
		if err := checkHTTPURL("issuer", iss); err != nil {
			return err
		}
	}
	if (c.Region == "") != (c.UserPoolID == "") {
		return sserr.New(sserr.CodeValidation, "auth: region and user_pool_id must be set together")
	}
	if c.ClockSkew < 0 || c.ClockSkew > maxClockSkew {
		return sserr.Newf(sserr.CodeValidationRange, "auth: clock skew must be within [0, %s]", maxClockSkew)
	}
	if c.MaxTokenSize <= 0 {
		return sserr.New(sserr.CodeValidationRange, "auth: max token size must be positive")
	}
	return nil
}

// PermissionConfig configures [PermissionResolver] and [PermissionCache].
type PermissionConfig struct {
	// URL is the authorization service base URL.
	URL  string `json:"url" yaml:"url" env:"URL"`
	Path string `json:"path" yaml:"path" env:"PATH" envDefault:"/customer"`

	APIKey       Secret `json:"api_key" yaml:"api_key" env:"API_KEY"`
	APIKeyHeader string `json:"api_key_header" yaml:"api_key_header" env:"API_KEY_HEADER" envDefault:"x-api-key"`

	// ForwardBearer sends the caller's bearer token along with the API key.
	ForwardBearer bool `json:"forward_bearer" yaml:"forward_bearer" env:"FORWARD_BEARER" envDefault:"true"`

	// TTL is the maximum age at which a grant is served.
	TTL time.Duration `json:"ttl" yaml:"ttl" env:"TTL" envDefault:"5m"`

	// Timeout bounds each authorization service attempt.
	Timeout time.Duration `json:"timeout" yaml:"timeout" env:"TIMEOUT" envDefault:"5s"`
	Retries int           `json:"retries" yaml:"retries" env:"RETRIES" envDefault:"2"`

	KeyPrefix  string `json:"key_prefix" yaml:"key_prefix" env:"KEY_PREFIX" envDefault:"authgate:grants:"`
	MaxEntries int    `json:"max_entries" yaml:"max_entries" env:"MAX_ENTRIES" envDefault:"10000"`
}

// Validate checks ranges and, when set, the URL format.
func (c PermissionConfig) Validate() error {
	if c.URL != "" {
		if err := checkHTTPURL("permissions url", c.URL); err != nil {
			return err
		}
	}
	if c.TTL <= 0 {
		return sserr.New(sserr.CodeValidationRange, "auth: permission ttl must be positive")
	}
	if c.Timeout <= 0 {
		return sserr.New(sserr.CodeValidationRange, "auth: permission timeout must be positive")
	}
	if c.Retries < 0 {
		return sserr.New(sserr.CodeValidationRange, "auth: permission retries must not be negative")
	}
	if c.MaxEntries < 0 {
		return sserr.New(sserr.CodeValidationRange, "auth: permission max entries must not be negative")
	}
	return nil
}

// TrustConfig configures [TrustGate]. Gateway assertions are accepted only
// when GatewayMode is on and the transport origin matches an allowed CIDR
// or a verified mTLS peer name.
type TrustConfig struct {
	GatewayMode bool `json:"gateway_mode" yaml:"gateway_mode" env:"GATEWAY_MODE"`

	// AllowedCIDRs lists upstream networks. A bare address means a single
	// host.
	AllowedCIDRs []string `json:"allowed_cidrs" yaml:"allowed_cidrs" env:"ALLOWED_CIDRS"`

	// AllowedPeers lists DNS SANs, URI SANs or common names of verified
	// client certificates.
	AllowedPeers []string `json:"allowed_peers" yaml:"allowed_peers" env:"ALLOWED_PEERS"`
}

func (c TrustConfig) prefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.AllowedCIDRs))
	for _, raw := range c.AllowedCIDRs {
		raw = strings.TrimSpace(raw)
		if p, err := netip.ParsePrefix(raw); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, sserr.Wrapf(err, sserr.CodeValidationFormat, "auth: invalid allowed cidr %q", raw)
		}
		out = append(out, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
	}
	return out, nil
}

// Validate checks every CIDR and requires an origin rule in gateway mode.
func (c TrustConfig) Validate() error {
	if _, err := c.prefixes(); err != nil {
		return err
	}
	if c.GatewayMode && len(c.AllowedCIDRs) == 0 && len(c.AllowedPeers) == 0 {
		return sserr.New(sserr.CodeValidation,
			"auth: gateway mode requires allowed_cidrs or allowed_peers")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Aggregate config
// ---------------------------------------------------------------------------

// Config aggregates every auth component's configuration. Load it with
// pkg/config; nested env prefixes are JWKS_, TOKEN_, PERMISSIONS_ and
// TRUST_.
type Config struct {
	Keys        KeySetConfig     `json:"jwks" yaml:"jwks" env:"JWKS"`
	Token       ValidatorConfig  `json:"token" yaml:"token" env:"TOKEN"`
	Permissions PermissionConfig `json:"permissions" yaml:"permissions" env:"PERMISSIONS"`
	Trust       TrustConfig      `json:"trust" yaml:"trust" env:"TRUST"`

	// PropagateHeaders controls whether identity headers are emitted to
	// downstream requests.
	PropagateHeaders bool `json:"propagate_headers" yaml:"propagate_headers" env:"PROPAGATE_HEADERS" envDefault:"true"`
}

// Validate derives the issuer-based JWKS URL when unset and checks that
// everything the engine needs is present. It mutates c.
func (c *Config) Validate() error {
	issuer := c.Token.ResolvedIssuer()
	if issuer == "" {
		return sserr.New(sserr.CodeValidationRequired, "auth: issuer or region and user_pool_id are required")
	}
	if c.Keys.URL == "" {
		c.Keys.URL = issuer + jwksWellKnownPathSuffix
	}
	if c.Token.ClientID == "" {
		return sserr.New(sserr.CodeValidationRequired, "auth: token client_id is required")
	}
	if c.Permissions.URL == "" {
		return sserr.New(sserr.CodeValidationRequired, "auth: permissions url is required")
	}
	for _, v := range []interface{ Validate() error }{c.Keys, c.Token, c.Permissions, c.Trust} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

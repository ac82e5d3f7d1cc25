package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/authgate/internal/testutil/fixtures"
)

// ---------------------------------------------------------------------------
// Keys and tokens
// ---------------------------------------------------------------------------

func testGenerateRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err, "failed to generate RSA key")
	return key
}

func testGenerateECKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err, "failed to generate ECDSA key")
	return key
}

// testSignToken signs claims with method and sets kid when non-empty.
func testSignToken(t *testing.T, method jwt.SigningMethod, key any, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(method, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	s, err := token.SignedString(key)
	require.NoError(t, err, "failed to sign token")
	return s
}

// testClaims returns claims that pass validation at now: correct issuer and
// audience, expiring in an hour.
func testClaims(now time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":       fixtures.Issuer,
		"sub":       fixtures.Subject,
		"aud":       fixtures.ClientID,
		"email":     fixtures.Email,
		"token_use": "id",
		"iat":       jwt.NewNumericDate(now),
		"exp":       jwt.NewNumericDate(now.Add(time.Hour)),
	}
}

// ---------------------------------------------------------------------------
// JWKS server
// ---------------------------------------------------------------------------

type testJWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Alg string `json:"alg,omitempty"`
	Use string `json:"use,omitempty"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
}

func testRSAJWK(kid string, pub *rsa.PublicKey) testJWK {
	return testJWK{
		Kty: "RSA",
		Kid: kid,
		Alg: "RS256",
		Use: "sig",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

func testECJWK(kid string, pub *ecdsa.PublicKey) testJWK {
	return testJWK{
		Kty: "EC",
		Kid: kid,
		Alg: "ES256",
		Use: "sig",
		Crv: "P-256",
		X:   base64.RawURLEncoding.EncodeToString(pub.X.FillBytes(make([]byte, 32))),
		Y:   base64.RawURLEncoding.EncodeToString(pub.Y.FillBytes(make([]byte, 32))),
	}
}

// testJWKSServer serves a mutable JWKS document and counts requests.
type testJWKSServer struct {
	*httptest.Server

	hits atomic.Int32

	mu     sync.Mutex
	keys   []testJWK
	status int
	delay  time.Duration
}

func newTestJWKSServer(t *testing.T, keys ...testJWK) *testJWKSServer {
	t.Helper()
	s := &testJWKSServer{keys: keys, status: http.StatusOK}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		s.mu.Lock()
		keys, status, delay := s.keys, s.status, s.delay
		s.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": keys})
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *testJWKSServer) setKeys(keys ...testJWK) {
	s.mu.Lock()
	s.keys = keys
	s.mu.Unlock()
}

func (s *testJWKSServer) setStatus(status int) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

func (s *testJWKSServer) setDelay(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Clock
// ---------------------------------------------------------------------------

// testClock is a settable clock for freshness and expiry tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(now time.Time) *testClock { return &testClock{now: now} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Component builders
// ---------------------------------------------------------------------------

func testKeySetCache(t *testing.T, url string, opts ...Option) *KeySetCache {
	t.Helper()
	opts = append([]Option{WithRetryInterval(time.Millisecond)}, opts...)
	cache, err := NewKeySetCache(KeySetConfig{
		URL:          url,
		TTL:          time.Hour,
		FetchTimeout: 2 * time.Second,
		FetchRetries: 1,
	}, opts...)
	require.NoError(t, err)
	return cache
}

func testValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		Region:       fixtures.Region,
		UserPoolID:   fixtures.UserPool,
		ClientID:     fixtures.ClientID,
		ClockSkew:    30 * time.Second,
		MaxTokenSize: DefaultMaxTokenSize,
	}
}

func testPermissionConfig(url string) PermissionConfig {
	return PermissionConfig{
		URL:           url,
		Path:          DefaultGrantPath,
		APIKey:        Secret(fixtures.APIKey),
		APIKeyHeader:  DefaultAPIKeyHeader,
		ForwardBearer: true,
		TTL:           time.Minute,
		Timeout:       2 * time.Second,
		Retries:       1,
		KeyPrefix:     DefaultGrantKeyPrefix,
		MaxEntries:    100,
	}
}

// stubFetcher is a GrantFetcher whose behavior tests control.
type stubFetcher struct {
	calls atomic.Int32
	fn    func(ctx context.Context, id *VerifiedIdentity, bearer string) (*ResourceGrant, error)
}

func (f *stubFetcher) Fetch(ctx context.Context, id *VerifiedIdentity, bearer string) (*ResourceGrant, error) {
	f.calls.Add(1)
	return f.fn(ctx, id, bearer)
}

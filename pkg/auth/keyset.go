package auth

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	sserr "github.com/StricklySoft/authgate/pkg/errors"
)

const (
	// maxJWKSBodySize caps the JWKS document read from the provider.
	maxJWKSBodySize = 1 << 20

	minRSAModulusBits = 2048

	refreshFlightKey = "jwks"
)

// ---------------------------------------------------------------------------
// SigningKey and KeySet
// ---------------------------------------------------------------------------

// SigningKey is one public key advertised by the identity provider.
// Algorithm is empty when the JWK did not pin one.
type SigningKey struct {
	ID        string
	Algorithm string
	Key       crypto.PublicKey
}

// KeySet is an immutable snapshot of the provider's signing keys. A
// refresh builds a new KeySet and swaps it in whole.
type KeySet struct {
	Keys      []SigningKey
	FetchedAt time.Time
	TTL       time.Duration

	byID map[string]int
}

func newKeySet(keys []SigningKey, fetchedAt time.Time, ttl time.Duration) *KeySet {
	byID := make(map[string]int, len(keys))
	for i, k := range keys {
		byID[k.ID] = i
	}
	return &KeySet{Keys: keys, FetchedAt: fetchedAt, TTL: ttl, byID: byID}
}

// Lookup returns the key with the given identifier.
func (s *KeySet) Lookup(kid string) (SigningKey, bool) {
	if s == nil {
		return SigningKey{}, false
	}
	i, ok := s.byID[kid]
	if !ok {
		return SigningKey{}, false
	}
	return s.Keys[i], true
}

// Fresh reports whether the set is younger than its TTL at now.
func (s *KeySet) Fresh(now time.Time) bool {
	return s != nil && now.Sub(s.FetchedAt) < s.TTL
}

// ---------------------------------------------------------------------------
// KeySetCache
// ---------------------------------------------------------------------------

// KeySetCache fetches and caches the identity provider's JWKS.
//
// Lookups read an atomically swapped snapshot and never block on a lock. A
// cold cache, an expired set or an unknown key identifier triggers a
// refresh; concurrent refreshes collapse into a single HTTP fetch whose
// result every waiter shares. An unknown key identifier does not trigger a
// refresh while the current set is younger than MinRefreshInterval, which
// bounds the fetches that forged tokens can cause. A failed refresh never
// replaces the current set.
//
// KeySetCache is safe for concurrent use.
type KeySetCache struct {
	cfg     KeySetConfig
	opts    options
	current atomic.Pointer[KeySet]
	group   singleflight.Group
}

// NewKeySetCache creates a cache for cfg.URL. No fetch happens until the
// first Resolve or an explicit [KeySetCache.Warm].
func NewKeySetCache(cfg KeySetConfig, opts ...Option) (*KeySetCache, error) {
	if cfg.URL == "" {
		return nil, sserr.New(sserr.CodeValidationRequired, "auth: jwks url is required")
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultKeySetTTL
	}
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.MinRefreshInterval == 0 {
		cfg.MinRefreshInterval = DefaultMinKeyRefresh
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &KeySetCache{cfg: cfg, opts: buildOptions(opts)}, nil
}

// Current returns the snapshot being served, or nil before the first
// successful fetch.
func (c *KeySetCache) Current() *KeySet {
	return c.current.Load()
}

// Warm fetches the key set ahead of the first request.
func (c *KeySetCache) Warm(ctx context.Context) error {
	_, err := c.Refresh(ctx)
	return err
}

// Resolve returns the signing key for kid.
//
// A hit in a fresh set returns immediately. A miss in a fresh set younger
// than MinRefreshInterval fails with [sserr.CodeKeyNotFound] without a
// fetch. Otherwise the set is refreshed and kid looked up again:
//   - still absent after a successful refresh: [sserr.CodeKeyNotFound]
//   - refresh failed but the previous set holds kid: that key is served
//   - refresh failed and kid is unknown: [sserr.CodeKeyFetchFailed]
func (c *KeySetCache) Resolve(ctx context.Context, kid string) (SigningKey, error) {
	set := c.current.Load()
	now := c.opts.now()
	if set.Fresh(now) {
		if key, ok := set.Lookup(kid); ok {
			return key, nil
		}
		if now.Sub(set.FetchedAt) < c.cfg.MinRefreshInterval {
			c.opts.metrics.keyFetch("throttled")
			return SigningKey{}, sserr.Newf(sserr.CodeKeyNotFound, "auth: signing key %q not found in key set", kid)
		}
	}

	refreshed, err := c.Refresh(ctx)
	if err != nil {
		if key, ok := set.Lookup(kid); ok {
			c.opts.logger.WarnContext(ctx, "auth: serving signing key from previous key set after failed refresh",
				"kid", kid,
				"fetched_at", set.FetchedAt,
				"error", err,
			)
			return key, nil
		}
		return SigningKey{}, err
	}

	if key, ok := refreshed.Lookup(kid); ok {
		return key, nil
	}
	return SigningKey{}, sserr.Newf(sserr.CodeKeyNotFound, "auth: signing key %q not found in key set", kid)
}

// Refresh fetches the key set now. Concurrent calls share one fetch. The
// fetch runs detached from ctx, so a caller that gives up early does not
// abort it for the others; it still completes and updates the cache.
func (c *KeySetCache) Refresh(ctx context.Context) (*KeySet, error) {
	ch := c.group.DoChan(refreshFlightKey, func() (any, error) {
		set, err := c.fetch(context.WithoutCancel(ctx))
		if err != nil {
			c.opts.metrics.keyFetch("error")
			return nil, err
		}
		c.current.Store(set)
		c.opts.metrics.keyFetch("ok")
		return set, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*KeySet), nil
	case <-ctx.Done():
		return nil, sserr.Wrap(ctx.Err(), sserr.CodeKeyFetchFailed, "auth: gave up waiting for key set refresh")
	}
}

func (c *KeySetCache) fetch(ctx context.Context) (*KeySet, error) {
	ctx, span := startSpan(ctx, c.opts.tracer, "auth.KeySetCache.fetch")
	span.SetAttributes(attribute.String("auth.jwks_url", c.cfg.URL))

	var keys []SigningKey
	attempts := 0
	op := func() error {
		attempts++
		var err error
		keys, err = c.fetchOnce(ctx)
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.opts.logger.WarnContext(ctx, "auth: jwks fetch failed, retrying",
			"attempt", attempts,
			"retry_in", wait,
			"error", err,
		)
	}

	err := backoff.RetryNotify(op, c.newBackOff(ctx, c.cfg.FetchRetries), notify)
	span.SetAttributes(attribute.Int("auth.attempts", attempts))
	if err != nil {
		wrapped := sserr.Wrap(err, sserr.CodeKeyFetchFailed, "auth: failed to fetch signing keys")
		finishSpan(span, wrapped)
		return nil, wrapped
	}

	span.SetAttributes(attribute.Int("auth.keys", len(keys)))
	finishSpan(span, nil)
	return newKeySet(keys, c.opts.now(), c.cfg.TTL), nil
}

func (c *KeySetCache) newBackOff(ctx context.Context, retries int) backoff.BackOff {
	return newRetryBackOff(ctx, c.opts.retryInterval, retries)
}

// newRetryBackOff builds the bounded exponential policy shared by key
// fetches and authorization service calls.
func newRetryBackOff(ctx context.Context, initial time.Duration, retries int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = 10 * initial
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// fetchOnce performs a single bounded GET. 4xx responses and unusable
// documents are permanent; network errors and 5xx are retried.
func (c *KeySetCache) fetchOnce(ctx context.Context) ([]SigningKey, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("auth: failed to create JWKS request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.opts.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth: JWKS request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("auth: JWKS endpoint returned status %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBodySize))
	if err != nil {
		return nil, fmt.Errorf("auth: failed to read JWKS response: %w", err)
	}

	keys, err := parseJWKS(body)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	return keys, nil
}

// ---------------------------------------------------------------------------
// JWKS parsing
// ---------------------------------------------------------------------------

type jwksDocument struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// parseJWKS converts a JWKS document into signing keys. Encryption keys,
// entries without a kid, malformed entries and duplicate kids are skipped.
// A document with no usable key is an error so that a broken response
// never replaces a working key set.
func parseJWKS(body []byte) ([]SigningKey, error) {
	var doc jwksDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("auth: failed to parse JWKS JSON: %w", err)
	}

	seen := make(map[string]struct{}, len(doc.Keys))
	keys := make([]SigningKey, 0, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kid == "" || k.Use == "enc" {
			continue
		}
		if _, dup := seen[k.Kid]; dup {
			continue
		}

		var pub crypto.PublicKey
		var err error
		switch k.Kty {
		case "RSA":
			pub, err = parseRSAPublicKey(k.N, k.E)
		case "EC":
			pub, err = parseECPublicKey(k.Crv, k.X, k.Y)
		default:
			continue
		}
		if err != nil {
			continue
		}

		seen[k.Kid] = struct{}{}
		keys = append(keys, SigningKey{ID: k.Kid, Algorithm: k.Alg, Key: pub})
	}

	if len(keys) == 0 {
		return nil, errors.New("auth: JWKS contains no usable signing keys")
	}
	return keys, nil
}

func parseRSAPublicKey(nBase64, eBase64 string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nBase64)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to decode RSA modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eBase64)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to decode RSA exponent: %w", err)
	}

	n := new(big.Int).SetBytes(nBytes)
	if n.BitLen() < minRSAModulusBits {
		return nil, fmt.Errorf("auth: RSA modulus of %d bits is too small", n.BitLen())
	}
	e := new(big.Int).SetBytes(eBytes)
	if !e.IsInt64() || e.Int64() < 3 || e.Int64() > 1<<31-1 || e.Bit(0) == 0 {
		return nil, errors.New("auth: RSA exponent out of range")
	}

	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

func parseECPublicKey(crv, xBase64, yBase64 string) (*ecdsa.PublicKey, error) {
	var curve elliptic.Curve
	switch crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("auth: unsupported EC curve %q", crv)
	}

	xBytes, err := base64.RawURLEncoding.DecodeString(xBase64)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to decode EC x coordinate: %w", err)
	}
	yBytes, err := base64.RawURLEncoding.DecodeString(yBase64)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to decode EC y coordinate: %w", err)
	}

	x, y := new(big.Int).SetBytes(xBytes), new(big.Int).SetBytes(yBytes)
	if !curve.IsOnCurve(x, y) {
		return nil, errors.New("auth: EC point is not on curve")
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

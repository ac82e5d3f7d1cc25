package auth

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/netip"
	"strings"

	sserr "github.com/StricklySoft/authgate/pkg/errors"
)

// TrustMode names the path a request took through the engine.
type TrustMode string

const (
	// ModeStandalone means the bearer token was verified locally and the
	// grant resolved through the permission cache.
	ModeStandalone TrustMode = "standalone"

	// ModeGateway means identity was taken from assertion headers sent by
	// an allow-listed upstream.
	ModeGateway TrustMode = "gateway"
)

// RequestMeta is the transport-level view of an inbound request that trust
// decisions are made on.
type RequestMeta struct {
	// Header holds the request headers, keyed canonically.
	Header http.Header

	// RemoteAddr is the address of the directly connected peer as
	// "host:port" or a bare IP. Forwarding headers never feed into it.
	RemoteAddr string

	// TLS is the connection state when the peer connected over TLS. Only
	// verified chains are considered.
	TLS *tls.ConnectionState
}

// RequestMetaFromHTTP builds a RequestMeta from an inbound HTTP request.
func RequestMetaFromHTTP(r *http.Request) RequestMeta {
	return RequestMeta{Header: r.Header, RemoteAddr: r.RemoteAddr, TLS: r.TLS}
}

// Assertion is the identity an allow-listed upstream asserted in headers.
type Assertion struct {
	Email         string
	Resources     []string
	CorrelationID string
}

// Decision is the outcome of [TrustGate.Decide]. Exactly one of Assertion
// (ModeGateway) or BearerToken (ModeStandalone) is set.
type Decision struct {
	Mode        TrustMode
	Assertion   *Assertion
	BearerToken string
}

// TrustGate decides per request whether to accept an upstream identity
// assertion or to require local token validation.
//
// Assertion headers are accepted only when the transport origin is
// allow-listed, either by remote address or by a verified mTLS peer name.
// The presence or content of headers never establishes trust. Assertions
// from any other origin are rejected with [sserr.CodeUntrustedOrigin]; they
// are never downgraded to local validation.
//
// TrustGate holds no mutable state and is safe for concurrent use.
type TrustGate struct {
	prefixes []netip.Prefix
	peers    map[string]struct{}
	opts     options
}

// NewTrustGate builds a gate from cfg. With GatewayMode off, no origin is
// trusted and every assertion is rejected.
func NewTrustGate(cfg TrustConfig, opts ...Option) (*TrustGate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &TrustGate{peers: make(map[string]struct{}), opts: buildOptions(opts)}
	if !cfg.GatewayMode {
		return g, nil
	}
	prefixes, err := cfg.prefixes()
	if err != nil {
		return nil, err
	}
	g.prefixes = prefixes
	for _, p := range cfg.AllowedPeers {
		if p = strings.TrimSpace(p); p != "" {
			g.peers[p] = struct{}{}
		}
	}
	return g, nil
}

// Decide classifies meta. It fails with:
//   - [sserr.CodeUntrustedOrigin] for assertion headers from an origin that
//     is not allow-listed
//   - [sserr.CodeTokenMalformed] for a malformed assertion from a trusted
//     origin
//   - [sserr.CodeCredentialMissing] when there is neither an assertion nor
//     a bearer token
func (g *TrustGate) Decide(ctx context.Context, meta RequestMeta) (Decision, error) {
	d, err := g.decide(ctx, meta)
	if err != nil {
		g.opts.metrics.trustDecision(string(KindOf(err)))
	} else {
		g.opts.metrics.trustDecision(string(d.Mode))
	}
	return d, err
}

func (g *TrustGate) decide(ctx context.Context, meta RequestMeta) (Decision, error) {
	if hasAssertion(meta.Header) {
		if !g.trustedOrigin(meta) {
			g.opts.logger.WarnContext(ctx, "auth: rejected identity assertion from untrusted origin, possible spoofing attempt",
				"remote_addr", meta.RemoteAddr,
				"tls", meta.TLS != nil,
			)
			return Decision{}, sserr.New(sserr.CodeUntrustedOrigin,
				"auth: identity assertion headers are not accepted from this origin")
		}
		a, err := parseAssertion(meta.Header)
		if err != nil {
			return Decision{}, err
		}
		return Decision{Mode: ModeGateway, Assertion: a}, nil
	}

	token, ok := ExtractBearerToken(meta.Header.Get(HeaderAuthorization))
	if !ok {
		return Decision{}, sserr.New(sserr.CodeCredentialMissing, "auth: bearer token is required")
	}
	return Decision{Mode: ModeStandalone, BearerToken: token}, nil
}

func hasAssertion(h http.Header) bool {
	return len(h.Values(HeaderIdentityEmail)) > 0 || len(h.Values(HeaderIdentityResources)) > 0
}

func parseAssertion(h http.Header) (*Assertion, error) {
	emails := h.Values(HeaderIdentityEmail)
	if len(emails) != 1 {
		return nil, errMalformed("assertion must carry exactly one "+HeaderIdentityEmail, nil)
	}
	email := strings.TrimSpace(emails[0])
	if email == "" || len(email) > MaxHeaderValueSize {
		return nil, errMalformed("assertion email is empty or too long", nil)
	}

	values := h.Values(HeaderIdentityResources)
	if len(values) != 1 {
		return nil, errMalformed("assertion must carry exactly one "+HeaderIdentityResources, nil)
	}
	resources, err := decodeResources(values[0])
	if err != nil {
		return nil, errMalformed("assertion resources are malformed", err)
	}

	a := &Assertion{Email: email, Resources: resources}
	if id := h.Get(HeaderCorrelationID); validCorrelationID(id) {
		a.CorrelationID = id
	}
	return a, nil
}

// trustedOrigin checks the transport origin against the allow-list.
func (g *TrustGate) trustedOrigin(meta RequestMeta) bool {
	if len(g.prefixes) > 0 {
		if addr, ok := remoteIP(meta.RemoteAddr); ok {
			for _, p := range g.prefixes {
				if p.Contains(addr) {
					return true
				}
			}
		}
	}
	if len(g.peers) > 0 && meta.TLS != nil {
		for _, name := range verifiedPeerNames(meta.TLS) {
			if _, ok := g.peers[name]; ok {
				return true
			}
		}
	}
	return false
}

func remoteIP(remoteAddr string) (netip.Addr, bool) {
	if ap, err := netip.ParseAddrPort(remoteAddr); err == nil {
		return ap.Addr().Unmap(), true
	}
	if a, err := netip.ParseAddr(remoteAddr); err == nil {
		return a.Unmap(), true
	}
	return netip.Addr{}, false
}

// verifiedPeerNames returns the DNS SANs, URI SANs and common name of the
// leaf of the first verified chain. Unverified peer certificates yield
// nothing.
func verifiedPeerNames(cs *tls.ConnectionState) []string {
	if len(cs.VerifiedChains) == 0 || len(cs.VerifiedChains[0]) == 0 {
		return nil
	}
	leaf := cs.VerifiedChains[0][0]
	names := make([]string, 0, len(leaf.DNSNames)+len(leaf.URIs)+1)
	names = append(names, leaf.DNSNames...)
	for _, u := range leaf.URIs {
		names = append(names, u.String())
	}
	if leaf.Subject.CommonName != "" {
		names = append(names, leaf.Subject.CommonName)
	}
	return names
}

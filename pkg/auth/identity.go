// Package auth resolves who is calling and which resources they may touch,
// once per inbound request, and renders the answer as headers that
// downstream services can trust.
//
// Resolution runs in one of two modes chosen by [TrustGate]:
//
//   - Standalone: the bearer token is verified locally by [TokenValidator]
//     against keys cached in [KeySetCache], and the caller's resource grant
//     comes from [PermissionCache], backed by [PermissionResolver].
//   - Gateway: an allow-listed upstream already did the work and sent the
//     identity in assertion headers, which are taken as-is.
//
// [Assembler] drives both paths and produces a [RequestIdentity].
//
// Security:
//
// Assertion headers are trusted only when the transport origin (remote
// address or verified mTLS peer) is allow-listed. The header contents
// never influence that decision. Assertions from any other origin are
// rejected with [sserr.CodeUntrustedOrigin] rather than downgraded to
// local validation. Grants are never served past their TTL, even when the
// authorization service is down.
package auth

import (
	"net/http"
	"time"
)

// VerifiedIdentity is the caller identity extracted from a verified token
// or from a trusted assertion. It lives only as long as the request.
type VerifiedIdentity struct {
	Subject   string    `json:"sub"`
	Email     string    `json:"email"`
	Issuer    string    `json:"iss,omitempty"`
	Audience  []string  `json:"aud,omitempty"`
	ExpiresAt time.Time `json:"exp,omitempty"`
	IssuedAt  time.Time `json:"iat,omitempty"`
	Name      string    `json:"name,omitempty"`
	TokenUse  string    `json:"token_use,omitempty"`
}

// RequestIdentity is the fully resolved identity of one request.
type RequestIdentity struct {
	Identity      VerifiedIdentity
	Grant         ResourceGrant
	CorrelationID string
	Mode          TrustMode
}

// Resources returns the sorted resource identifiers the caller may access.
func (r *RequestIdentity) Resources() []string {
	return r.Grant.Resources
}

// Headers renders the three propagation headers: Identity-Email,
// Identity-Resources (a JSON array, "[]" when empty) and
// Request-Correlation-Id.
func (r *RequestIdentity) Headers() http.Header {
	h := make(http.Header, 3)
	r.InjectHeaders(h)
	return h
}

// InjectHeaders sets the propagation headers on h, replacing any values
// already present.
func (r *RequestIdentity) InjectHeaders(h http.Header) {
	h.Set(HeaderIdentityEmail, r.Identity.Email)
	h.Set(HeaderIdentityResources, encodeResources(r.Grant.Resources))
	h.Set(HeaderCorrelationID, r.CorrelationID)
}

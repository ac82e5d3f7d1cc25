package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Propagation headers. A trusted gateway sets them on inbound requests, and
// the engine sets them on every downstream call it makes on the caller's
// behalf. Downstream services may rely on them only behind the trusted
// boundary.
const (
	// HeaderIdentityEmail carries the verified caller's email as a plain
	// string.
	HeaderIdentityEmail = "Identity-Email"

	// HeaderIdentityResources carries the caller's resource identifiers as a
	// JSON array of strings.
	HeaderIdentityResources = "Identity-Resources"

	// HeaderCorrelationID carries an opaque identifier unique to the
	// request.
	HeaderCorrelationID = "Request-Correlation-Id"

	// HeaderAuthorization carries the bearer token.
	HeaderAuthorization = "Authorization"
)

// identityHeaders lists every header the engine owns on the way out.
var identityHeaders = []string{HeaderIdentityEmail, HeaderIdentityResources, HeaderCorrelationID}

// MaxHeaderValueSize bounds a single propagation header value. Larger
// values are rejected by common HTTP/1.1 servers.
const MaxHeaderValueSize = 8192

// maxCorrelationIDLength bounds an upstream correlation id that is kept.
const maxCorrelationIDLength = 128

// bearerPrefix is the standard "Bearer " prefix for authorization tokens.
const bearerPrefix = "Bearer "

// ExtractBearerToken returns the token of an Authorization header value. The
// scheme is matched case-insensitively. ok is false when the value is not a
// non-empty bearer credential.
func ExtractBearerToken(authHeader string) (token string, ok bool) {
	if len(authHeader) <= len(bearerPrefix) {
		return "", false
	}
	if !strings.EqualFold(authHeader[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	token = strings.TrimSpace(authHeader[len(bearerPrefix):])
	return token, token != ""
}

// encodeResources renders resources as a JSON array. A nil or empty list is
// "[]".
func encodeResources(resources []string) string {
	if len(resources) == 0 {
		return "[]"
	}
	data, err := json.Marshal(resources)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// decodeResources parses an Identity-Resources value into a normalized
// list. Anything other than a JSON array of strings is an error.
func decodeResources(value string) ([]string, error) {
	if len(value) > MaxHeaderValueSize {
		return nil, fmt.Errorf("auth: %s value exceeds %d bytes", HeaderIdentityResources, MaxHeaderValueSize)
	}
	var resources []string
	if err := json.Unmarshal([]byte(value), &resources); err != nil {
		return nil, fmt.Errorf("auth: %s is not a JSON array of strings: %w", HeaderIdentityResources, err)
	}
	if resources == nil {
		return nil, fmt.Errorf("auth: %s is not a JSON array", HeaderIdentityResources)
	}
	return normalizeResources(resources), nil
}

// validCorrelationID reports whether an upstream correlation id is safe to
// keep: bounded length and printable ASCII only.
func validCorrelationID(id string) bool {
	if id == "" || len(id) > maxCorrelationIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if c := id[i]; c <= ' ' || c > '~' {
			return false
		}
	}
	return true
}

// StripIdentityHeaders removes the propagation headers from h. Call it on
// outbound requests built from inbound ones, so that upstream values never
// leak past the engine.
func StripIdentityHeaders(h http.Header) {
	for _, k := range identityHeaders {
		h.Del(k)
	}
}

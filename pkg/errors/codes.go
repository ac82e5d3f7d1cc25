package errors

// Code is a machine-readable error code of the form CATEGORY_NNN. Codes are
// stable once assigned; they appear in API responses, logs and metrics.
type Code string

const (
	// CodeValidation indicates a general validation failure.
	CodeValidation Code = "VAL_001"

	// CodeValidationRequired indicates a required field is missing.
	CodeValidationRequired Code = "VAL_002"

	// CodeValidationFormat indicates a field has an invalid format.
	CodeValidationFormat Code = "VAL_003"

	// CodeValidationRange indicates a value is outside acceptable range.
	CodeValidationRange Code = "VAL_004"

	// CodeAuthentication indicates a general authentication failure.
	CodeAuthentication Code = "AUTH_001"

	// CodeTokenMalformed indicates the bearer token could not be decoded
	// structurally, used a rejected algorithm, or lacked a key identifier.
	CodeTokenMalformed Code = "AUTH_002"

	// CodeTokenUnknownKey indicates the token names a key identifier that is
	// absent from both the cached and the freshly fetched key set.
	CodeTokenUnknownKey Code = "AUTH_003"

	// CodeTokenBadSignature indicates the signature did not verify against
	// the resolved key.
	CodeTokenBadSignature Code = "AUTH_004"

	// CodeTokenClaimInvalid indicates a standard claim (issuer, audience,
	// expiry, not-before) failed validation. Details["reason"] names it.
	CodeTokenClaimInvalid Code = "AUTH_005"

	// CodeCredentialMissing indicates the request carried neither a bearer
	// token nor a trusted identity assertion.
	CodeCredentialMissing Code = "AUTH_006"

	// CodeAuthorization indicates a general authorization failure.
	CodeAuthorization Code = "AUTHZ_001"

	// CodeUntrustedOrigin indicates identity assertion headers arrived from
	// an origin that is not on the upstream allow-list.
	CodeUntrustedOrigin Code = "AUTHZ_002"

	// CodeNotFound indicates a general not found error.
	CodeNotFound Code = "NF_001"

	// CodeKeyNotFound indicates a signing key identifier is absent from the
	// key set after a successful refresh.
	CodeKeyNotFound Code = "NF_002"

	// CodeConflict indicates the operation conflicts with current state,
	// such as an invalid lifecycle transition.
	CodeConflict Code = "CONF_001"

	// CodeInternal indicates a general internal error.
	CodeInternal Code = "INT_001"

	// CodeInternalStore indicates a grant store operation failed.
	CodeInternalStore Code = "INT_002"

	// CodeInternalConfiguration indicates a configuration error.
	CodeInternalConfiguration Code = "INT_003"

	// CodeUnavailable indicates a general service unavailable error.
	CodeUnavailable Code = "UNAVAIL_001"

	// CodeKeyFetchFailed indicates the identity provider's key set could not
	// be fetched and no usable cached key exists.
	CodeKeyFetchFailed Code = "UNAVAIL_002"

	// CodeResolutionFailed indicates the authorization service could not
	// produce a resource grant.
	CodeResolutionFailed Code = "UNAVAIL_003"

	// CodeTimeout indicates a general timeout error.
	CodeTimeout Code = "TIMEOUT_001"

	// CodeTimeoutStore indicates a grant store operation timed out.
	CodeTimeoutStore Code = "TIMEOUT_002"
)

// String returns the string representation of the error code.
func (c Code) String() string {
	return string(c)
}

// Category returns the category prefix of the error code (e.g., "VAL", "AUTH").
func (c Code) Category() string {
	s := string(c)
	for i, r := range s {
		if r == '_' {
			return s[:i]
		}
	}
	return s
}

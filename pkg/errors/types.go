package errors

import (
	"fmt"
	"maps"
	"net/http"
)

// Error is the structured error returned across authgate packages.
//
// The Code drives behavior: [Error.HTTPStatus] maps its category to a
// response status, and the Is* helpers classify errors by category. The
// Message is shown to callers as-is, while Cause stays server-side and is
// only reachable through errors.Unwrap, logs and %+v formatting.
//
// Create errors with [New], [Newf], [Wrap] or [Wrapf] and inspect them
// with [AsError], [GetCode] and [HasCode]:
//
//	if e, ok := sserr.AsError(err); ok && e.Code == sserr.CodeTokenClaimInvalid {
//	    log.Printf("claim %s rejected", e.Detail("reason"))
//	}
type Error struct {
	// Code is the machine-readable error code (e.g., "AUTH_005"). It is
	// stable and safe to match on.
	Code Code

	// Message is the human-readable error message. It must not contain
	// tokens, emails or other credentials.
	Message string

	// Cause is the underlying error, if any.
	Cause error

	// Details carries structured context such as the failed claim name.
	Details map[string]any
}

// Error implements the error interface. The result has the form
// "CODE: message" or "CODE: message: cause" and may include cause text,
// so it belongs in logs rather than responses.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, so that errors.Is and errors.As
// see through an Error to the failure it wraps, such as
// context.DeadlineExceeded or a go-redis sentinel.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the code category to an HTTP status code:
//
//   - VAL: 400 Bad Request
//   - AUTH: 401 Unauthorized
//   - AUTHZ: 403 Forbidden
//   - NF: 404 Not Found
//   - CONF: 409 Conflict
//   - UNAVAIL: 503 Service Unavailable
//   - TIMEOUT: 504 Gateway Timeout
//   - anything else, including INT: 500 Internal Server Error
func (e *Error) HTTPStatus() int {
	switch e.Code.Category() {
	case "VAL":
		return http.StatusBadRequest
	case "AUTH":
		return http.StatusUnauthorized
	case "AUTHZ":
		return http.StatusForbidden
	case "NF":
		return http.StatusNotFound
	case "CONF":
		return http.StatusConflict
	case "UNAVAIL":
		return http.StatusServiceUnavailable
	case "TIMEOUT":
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// WithDetail returns a copy of e with key set to value in Details.
// The receiver is not modified.
func (e *Error) WithDetail(key string, value any) *Error {
	details := make(map[string]any, len(e.Details)+1)
	maps.Copy(details, e.Details)
	details[key] = value
	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Cause:   e.Cause,
		Details: details,
	}
}

// Detail returns the string detail stored under key, or "".
func (e *Error) Detail(key string) string {
	if v, ok := e.Details[key].(string); ok {
		return v
	}
	return ""
}

// Format implements fmt.Formatter. %+v includes details and the cause chain.
func (e *Error) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			fmt.Fprintf(s, "Error{Code: %q, Message: %q", e.Code, e.Message)
			if len(e.Details) > 0 {
				fmt.Fprintf(s, ", Details: %v", e.Details)
			}
			if e.Cause != nil {
				fmt.Fprintf(s, ", Cause: %+v", e.Cause)
			}
			fmt.Fprint(s, "}")
			return
		}
		fallthrough
	case 's':
		fmt.Fprint(s, e.Error())
	case 'q':
		fmt.Fprintf(s, "%q", e.Error())
	}
}

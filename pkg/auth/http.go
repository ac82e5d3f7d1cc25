package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"

	sserr "github.com/StricklySoft/authgate/pkg/errors"
)

// ErrorResponse is the JSON body written for a rejected request.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}

// RetryAfterSeconds is the Retry-After value sent with rejections that may
// succeed on a later attempt.
const RetryAfterSeconds = "5"

// NewErrorResponse converts err into a response body and HTTP status.
// Errors without a code become a generic internal error so that causes
// never leak to the caller.
func NewErrorResponse(err error) (int, ErrorResponse) {
	e := sserr.FromError(err)
	if e == nil {
		e = sserr.Internal("internal error")
	}
	return e.HTTPStatus(), ErrorResponse{Code: string(e.Code), Message: e.Message}
}

// RejectionLevel is the log level for a rejected request: info for
// caller mistakes, warn for failures on the engine's side.
func RejectionLevel(err error) slog.Level {
	if sserr.IsClientError(err) {
		return slog.LevelInfo
	}
	return slog.LevelWarn
}

// Middleware returns net/http middleware that assembles the request
// identity before calling next.
//
// On success the identity is stored in the request context and the
// propagation headers on the request are replaced with the resolved
// values, so a reverse proxy behind the middleware forwards them as-is.
// On failure the request never reaches next; the rejection is written as a
// JSON [ErrorResponse] with the status of its code (see
// [NewErrorResponse]). Retryable rejections carry a Retry-After header.
//
// Example:
//
//	mux := http.NewServeMux()
//	mux.Handle("/", proxy)
//	http.ListenAndServe(":8080", auth.Middleware(assembler)(mux))
func Middleware(assembler RequestAssembler, opts ...Option) func(http.Handler) http.Handler {
	o := buildOptions(opts)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			id, err := assembler.Assemble(ctx, RequestMetaFromHTTP(r))
			if err != nil {
				o.logger.Log(ctx, RejectionLevel(err), "auth: request rejected",
					"kind", string(KindOf(err)),
					"path", r.URL.Path,
				)
				status, body := NewErrorResponse(err)
				if traceID, ok := TraceIDFromContext(ctx); ok {
					body.TraceID = traceID
				}
				if sserr.IsRetryable(err) {
					w.Header().Set("Retry-After", RetryAfterSeconds)
				}
				writeJSON(w, status, body)
				return
			}

			r = r.Clone(ContextWithRequestIdentity(ctx, id))
			StripIdentityHeaders(r.Header)
			id.InjectHeaders(r.Header)
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// PropagatingRoundTripper injects the propagation headers of the
// [RequestIdentity] in the request context into outgoing requests.
// Requests without an identity pass through with any inbound propagation
// headers removed.
//
// Example:
//
//	client := &http.Client{Transport: auth.NewPropagatingRoundTripper(nil)}
//	resp, err := client.Do(req.WithContext(ctx))
type PropagatingRoundTripper struct {
	wrapped http.RoundTripper
}

// NewPropagatingRoundTripper wraps transport, or [http.DefaultTransport]
// when nil.
func NewPropagatingRoundTripper(transport http.RoundTripper) *PropagatingRoundTripper {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &PropagatingRoundTripper{wrapped: transport}
}

// RoundTrip implements [http.RoundTripper]. The caller's request is never
// mutated.
func (t *PropagatingRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	clone := r.Clone(r.Context())
	StripIdentityHeaders(clone.Header)
	if id, ok := RequestIdentityFromContext(r.Context()); ok {
		id.InjectHeaders(clone.Header)
	}
	return t.wrapped.RoundTrip(clone)
}

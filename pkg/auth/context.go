package auth

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// contextKey is an unexported type used for context keys in this package.
type contextKey int

const (
	// requestIdentityKey stores the resolved *RequestIdentity.
	requestIdentityKey contextKey = iota
)

// ContextWithRequestIdentity returns a copy of ctx carrying id. The
// middleware and interceptors call it after a successful assembly so that
// later hooks can propagate headers without resolving again.
func ContextWithRequestIdentity(ctx context.Context, id *RequestIdentity) context.Context {
	return context.WithValue(ctx, requestIdentityKey, id)
}

// RequestIdentityFromContext returns the identity attached by
// [ContextWithRequestIdentity]. It never returns a nil identity with true.
//
// Example:
//
//	id, ok := auth.RequestIdentityFromContext(ctx)
//	if !ok || !id.Grant.Contains(customerID) {
//	    return sserr.New(sserr.CodeAuthorization, "access denied")
//	}
func RequestIdentityFromContext(ctx context.Context) (*RequestIdentity, bool) {
	id, ok := ctx.Value(requestIdentityKey).(*RequestIdentity)
	return id, ok && id != nil
}

// MustRequestIdentityFromContext is like [RequestIdentityFromContext] but
// panics when no identity is present. Use it only behind the middleware.
func MustRequestIdentityFromContext(ctx context.Context) *RequestIdentity {
	id, ok := RequestIdentityFromContext(ctx)
	if !ok {
		panic("auth: no request identity in context; ensure authentication middleware is configured")
	}
	return id
}

// TraceIDFromContext returns the active OpenTelemetry trace id as hex.
func TraceIDFromContext(ctx context.Context) (string, bool) {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if !spanCtx.HasTraceID() {
		return "", false
	}
	return spanCtx.TraceID().String(), true
}

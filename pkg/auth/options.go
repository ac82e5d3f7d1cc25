package auth

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the OpenTelemetry instrumentation scope for auth spans.
const tracerName = "github.com/StricklySoft/authgate/pkg/auth"

// defaultRetryInterval is the first backoff delay for key fetch and
// authorization service retries.
const defaultRetryInterval = 200 * time.Millisecond

// HTTPClient is the subset of [http.Client] used to reach the identity
// provider and the authorization service.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Option configures the ambient dependencies of an auth component.
type Option func(*options)

type options struct {
	logger        *slog.Logger
	tracer        trace.Tracer
	metrics       *Metrics
	httpClient    HTTPClient
	now           func() time.Time
	retryInterval time.Duration
}

// WithLogger sets the structured logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTracerProvider sets the provider spans are created from. Defaults to
// the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithMetrics sets the Prometheus collectors. Components record nothing
// when no metrics are configured.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithHTTPClient sets the client for outbound calls.
func WithHTTPClient(c HTTPClient) Option {
	return func(o *options) {
		if c != nil {
			o.httpClient = c
		}
	}
}

// WithClock overrides time.Now for freshness and expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithRetryInterval sets the initial backoff between retried outbound calls.
func WithRetryInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.retryInterval = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger:        slog.Default(),
		tracer:        otel.Tracer(tracerName),
		httpClient:    &http.Client{},
		now:           time.Now,
		retryInterval: defaultRetryInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func startSpan(ctx context.Context, tracer trace.Tracer, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name)
}

// finishSpan records err on the span, if any, and ends it.
func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

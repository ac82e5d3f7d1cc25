package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/authgate/pkg/errors"
)

const tracerName = "github.com/StricklySoft/authgate/pkg/lifecycle"

// Hook runs during Start or Stop. A non-nil error aborts the transition
// and moves the service to [StateFailed].
type Hook func(ctx context.Context) error

// StateChangeHandler observes transitions. Handlers run synchronously under
// the state lock; they must not call back into the service.
type StateChangeHandler func(old, new State)

// Info is a point-in-time snapshot of a service.
type Info struct {
	Name      string        `json:"name"`
	State     State         `json:"state"`
	StartedAt *time.Time    `json:"started_at,omitempty"`
	Uptime    time.Duration `json:"uptime,omitempty"`
}

// Service sequences the start and stop hooks of a process and tracks its
// state. Build one with [NewBuilder].
type Service struct {
	name string

	mu        sync.RWMutex
	state     State
	startedAt *time.Time

	tracer trace.Tracer
	logger *slog.Logger

	onStart       []namedHook
	onStop        []namedHook
	stateHandlers []StateChangeHandler
}

type namedHook struct {
	name string
	fn   Hook
}

// Name returns the service name.
func (s *Service) Name() string {
	return s.name
}

// State returns the current state.
func (s *Service) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Info returns a snapshot of the service. Uptime is set only while
// running.
func (s *Service) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := Info{Name: s.name, State: s.state}
	if s.startedAt != nil && s.state == StateRunning {
		t := *s.startedAt
		info.StartedAt = &t
		info.Uptime = time.Since(t)
	}
	return info
}

// Health returns nil while the service is running, and a
// [sserr.CodeUnavailable] error otherwise.
func (s *Service) Health(ctx context.Context) error {
	if state := s.State(); state != StateRunning {
		return sserr.Newf(sserr.CodeUnavailable,
			"lifecycle: %s is not running, current state is %q", s.name, state)
	}
	return nil
}

// setState validates and applies a transition, then notifies observers.
// An invalid transition returns a [sserr.CodeConflict] error.
func (s *Service) setState(new State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.state
	if !ValidTransition(old, new) {
		return sserr.Newf(sserr.CodeConflict,
			"lifecycle: invalid state transition from %q to %q", old, new)
	}
	s.state = new

	for _, h := range s.stateHandlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("lifecycle: state change handler panicked",
						"panic", r,
						"service", s.name,
						"old_state", string(old),
						"new_state", string(new),
					)
				}
			}()
			h(old, new)
		}()
	}
	return nil
}

// Start moves the service through [StateStarting] to [StateRunning],
// running start hooks in registration order. The first failing hook moves
// the service to [StateFailed]; its error is returned wrapped with
// [sserr.CodeInternal] unless it already carries a code.
//
// Start is valid from [StateUnknown], [StateStopped] or [StateFailed].
func (s *Service) Start(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "lifecycle.Start",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("service.name", s.name)),
	)
	defer span.End()

	if err := ctx.Err(); err != nil {
		return fail(span, sserr.Wrap(err, sserr.CodeTimeout,
			"lifecycle: start canceled before execution"))
	}
	if err := s.setState(StateStarting); err != nil {
		return fail(span, err)
	}
	s.logger.InfoContext(ctx, "lifecycle: starting", "service", s.name)

	for _, h := range s.onStart {
		if err := h.fn(ctx); err != nil {
			s.logger.ErrorContext(ctx, "lifecycle: start hook failed",
				"service", s.name,
				"hook", h.name,
				"error", err,
			)
			_ = s.setState(StateFailed)
			return fail(span, hookError(err, h.name, "start"))
		}
	}

	if err := s.setState(StateRunning); err != nil {
		return fail(span, err)
	}
	now := time.Now().UTC()
	s.mu.Lock()
	s.startedAt = &now
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "lifecycle: started", "service", s.name)
	span.SetStatus(codes.Ok, "")
	return nil
}

// Stop moves the service through [StateStopping] to [StateStopped],
// running stop hooks in reverse registration order. Every hook runs even
// if an earlier one fails; the first failure is returned and the service
// ends in [StateFailed].
//
// Stop on a service that never started or is already terminal is a no-op,
// so it is safe to defer.
func (s *Service) Stop(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "lifecycle.Stop",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("service.name", s.name)),
	)
	defer span.End()

	if state := s.State(); state.IsTerminal() || state == StateUnknown {
		span.SetStatus(codes.Ok, "")
		return nil
	}
	if err := s.setState(StateStopping); err != nil {
		return fail(span, err)
	}
	s.logger.InfoContext(ctx, "lifecycle: stopping", "service", s.name)

	var firstErr error
	for i := len(s.onStop) - 1; i >= 0; i-- {
		h := s.onStop[i]
		if err := h.fn(ctx); err != nil {
			s.logger.ErrorContext(ctx, "lifecycle: stop hook failed",
				"service", s.name,
				"hook", h.name,
				"error", err,
			)
			if firstErr == nil {
				firstErr = hookError(err, h.name, "stop")
			}
		}
	}
	if firstErr != nil {
		_ = s.setState(StateFailed)
		return fail(span, firstErr)
	}

	if err := s.setState(StateStopped); err != nil {
		return fail(span, err)
	}
	s.mu.Lock()
	s.startedAt = nil
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "lifecycle: stopped", "service", s.name)
	span.SetStatus(codes.Ok, "")
	return nil
}

func hookError(err error, hook, phase string) error {
	if _, ok := sserr.AsError(err); ok {
		return err
	}
	return sserr.Wrapf(err, sserr.CodeInternal, "lifecycle: %s hook %q failed", phase, hook)
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Builder assembles a [Service].
//
// Example:
//
//	svc, err := lifecycle.NewBuilder("authgate").
//	    WithLogger(logger).
//	    OnStart("warm-keys", keys.Warm).
//	    OnStop("close-redis", func(context.Context) error { return rdb.Close() }).
//	    Build()
type Builder struct {
	name          string
	logger        *slog.Logger
	tp            trace.TracerProvider
	onStart       []namedHook
	onStop        []namedHook
	stateHandlers []StateChangeHandler
}

// NewBuilder starts a builder for a service called name.
func NewBuilder(name string) *Builder {
	return &Builder{name: name}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithTracerProvider sets the span provider. Defaults to the global one.
func (b *Builder) WithTracerProvider(tp trace.TracerProvider) *Builder {
	b.tp = tp
	return b
}

// OnStart appends a start hook. A nil hook is ignored.
func (b *Builder) OnStart(name string, hook Hook) *Builder {
	if hook != nil {
		b.onStart = append(b.onStart, namedHook{name: name, fn: hook})
	}
	return b
}

// OnStop appends a stop hook. A nil hook is ignored.
func (b *Builder) OnStop(name string, hook Hook) *Builder {
	if hook != nil {
		b.onStop = append(b.onStop, namedHook{name: name, fn: hook})
	}
	return b
}

// OnStateChange registers an observer of state transitions.
func (b *Builder) OnStateChange(handler StateChangeHandler) *Builder {
	if handler != nil {
		b.stateHandlers = append(b.stateHandlers, handler)
	}
	return b
}

// Build returns the service, or a [sserr.CodeValidationRequired] error if
// the name is empty.
func (b *Builder) Build() (*Service, error) {
	if b.name == "" {
		return nil, sserr.New(sserr.CodeValidationRequired, "lifecycle: service name is required")
	}
	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}
	tp := b.tp
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Service{
		name:          b.name,
		state:         StateUnknown,
		tracer:        tp.Tracer(tracerName),
		logger:        logger,
		onStart:       append([]namedHook(nil), b.onStart...),
		onStop:        append([]namedHook(nil), b.onStop...),
		stateHandlers: append([]StateChangeHandler(nil), b.stateHandlers...),
	}, nil
}

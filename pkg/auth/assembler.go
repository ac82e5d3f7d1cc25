package auth

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/authgate/pkg/errors"
)

// Stage is a step of one request's resolution. Each transition is
// recorded as a span event named after the stage.
type Stage string

const (
	StageStart            Stage = "start"
	StageTrustCheck       Stage = "trust_check"
	StageFastAssert       Stage = "fast_assert"
	StageValidate         Stage = "validate"
	StagePermissionLookup Stage = "permission_lookup"
	StageAssembled        Stage = "assembled"
	StageRejected         Stage = "rejected"
)

// TrustDecider is implemented by [*TrustGate].
type TrustDecider interface {
	Decide(ctx context.Context, meta RequestMeta) (Decision, error)
}

// IdentityValidator is implemented by [*TokenValidator].
type IdentityValidator interface {
	Validate(ctx context.Context, raw string) (*VerifiedIdentity, error)
}

// GrantResolver is implemented by [*PermissionCache].
type GrantResolver interface {
	Resolve(ctx context.Context, id *VerifiedIdentity, bearer string) (*ResourceGrant, error)
}

// RequestAssembler is implemented by [*Assembler]. The HTTP middleware,
// gRPC interceptors and server depend on it.
type RequestAssembler interface {
	Assemble(ctx context.Context, meta RequestMeta) (*RequestIdentity, error)
}

// Assembler resolves the [RequestIdentity] of one inbound request:
//
//	start -> trust_check -> fast_assert                          -> assembled
//	                     -> validate -> permission_lookup        -> assembled
//	any stage                                                    -> rejected
//
// No stage is retried. Claim validation always completes before any
// permission lookup.
//
// Assembler is safe for concurrent use.
type Assembler struct {
	gate      TrustDecider
	validator IdentityValidator
	grants    GrantResolver
	opts      options
}

// NewAssembler wires the three resolution components together.
func NewAssembler(gate TrustDecider, validator IdentityValidator, grants GrantResolver, opts ...Option) (*Assembler, error) {
	if gate == nil || validator == nil || grants == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "auth: trust gate, validator and grant resolver are required")
	}
	return &Assembler{gate: gate, validator: validator, grants: grants, opts: buildOptions(opts)}, nil
}

// Assemble resolves meta into a RequestIdentity or fails with the error of
// the stage that rejected it. Use [KindOf] to classify the error.
func (a *Assembler) Assemble(ctx context.Context, meta RequestMeta) (*RequestIdentity, error) {
	start := a.opts.now()
	ctx, span := startSpan(ctx, a.opts.tracer, "auth.Assembler.Assemble")
	enter(span, StageStart)

	id, err := a.assemble(ctx, span, meta)

	mode := TrustMode("none")
	if id != nil {
		mode = id.Mode
		enter(span, StageAssembled)
		span.SetAttributes(attribute.String("auth.mode", string(mode)))
	} else {
		enter(span, StageRejected)
		span.SetAttributes(attribute.String("auth.rejection", string(KindOf(err))))
	}
	a.opts.metrics.assembly(mode, resultLabel(err), a.opts.now().Sub(start))
	finishSpan(span, err)
	return id, err
}

func (a *Assembler) assemble(ctx context.Context, span trace.Span, meta RequestMeta) (*RequestIdentity, error) {
	enter(span, StageTrustCheck)
	decision, err := a.gate.Decide(ctx, meta)
	if err != nil {
		return nil, err
	}

	switch decision.Mode {
	case ModeGateway:
		enter(span, StageFastAssert)
		return fromAssertion(decision.Assertion), nil

	case ModeStandalone:
		enter(span, StageValidate)
		verified, err := a.validator.Validate(ctx, decision.BearerToken)
		if err != nil {
			return nil, err
		}

		enter(span, StagePermissionLookup)
		grant, err := a.grants.Resolve(ctx, verified, decision.BearerToken)
		if err != nil {
			a.opts.logger.WarnContext(ctx, "auth: rejecting request, permissions unavailable",
				"subject_hash", SubjectHash(verified.Subject),
				"error", err,
			)
			return nil, err
		}
		return &RequestIdentity{
			Identity:      *verified,
			Grant:         *grant,
			CorrelationID: uuid.NewString(),
			Mode:          ModeStandalone,
		}, nil

	default:
		return nil, sserr.Newf(sserr.CodeInternal, "auth: unknown trust mode %q", decision.Mode)
	}
}

func fromAssertion(as *Assertion) *RequestIdentity {
	correlationID := as.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return &RequestIdentity{
		Identity:      VerifiedIdentity{Subject: as.Email, Email: as.Email},
		Grant:         ResourceGrant{Resources: as.Resources},
		CorrelationID: correlationID,
		Mode:          ModeGateway,
	}
}

func enter(span trace.Span, s Stage) {
	span.AddEvent(string(s))
}

package auth

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/attribute"

	sserr "github.com/StricklySoft/authgate/pkg/errors"
)

// allowedAlgorithms lists the asymmetric algorithms the validator accepts.
// Symmetric algorithms and "none" are rejected as malformed before any key
// lookup happens.
var allowedAlgorithms = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}

// KeyResolver resolves a signing key by identifier. [*KeySetCache]
// implements it.
type KeyResolver interface {
	Resolve(ctx context.Context, kid string) (SigningKey, error)
}

// Claims is the claim set accepted from the identity provider. Besides the
// registered claims it understands the Cognito user and client claims.
type Claims struct {
	jwt.RegisteredClaims

	Email           string `json:"email,omitempty"`
	Name            string `json:"name,omitempty"`
	Username        string `json:"username,omitempty"`
	CognitoUsername string `json:"cognito:username,omitempty"`
	ClientID        string `json:"client_id,omitempty"`
	TokenUse        string `json:"token_use,omitempty"`
}

// TokenValidator verifies bearer tokens against the provider's key set.
//
// Checks run in a fixed order and stop at the first failure:
//  1. structure, size, algorithm and kid: [sserr.CodeTokenMalformed]
//  2. key lookup: [sserr.CodeTokenUnknownKey] (or CodeKeyFetchFailed when
//     the provider is unreachable)
//  3. signature: [sserr.CodeTokenBadSignature]
//  4. issuer, audience, exp and nbf with symmetric skew:
//     [sserr.CodeTokenClaimInvalid] with a reason detail
//
// TokenValidator is safe for concurrent use.
type TokenValidator struct {
	cfg    ValidatorConfig
	issuer string
	keys   KeyResolver
	opts   options
}

// NewTokenValidator creates a validator for the issuer and client id in
// cfg, resolving keys through keys.
func NewTokenValidator(cfg ValidatorConfig, keys KeyResolver, opts ...Option) (*TokenValidator, error) {
	if keys == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "auth: key resolver is required")
	}
	if cfg.MaxTokenSize == 0 {
		cfg.MaxTokenSize = DefaultMaxTokenSize
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	issuer := cfg.ResolvedIssuer()
	if issuer == "" {
		return nil, sserr.New(sserr.CodeValidationRequired, "auth: issuer is required")
	}
	if cfg.ClientID == "" {
		return nil, sserr.New(sserr.CodeValidationRequired, "auth: client id is required")
	}
	return &TokenValidator{cfg: cfg, issuer: issuer, keys: keys, opts: buildOptions(opts)}, nil
}

// Validate verifies raw and returns the identity it carries.
func (v *TokenValidator) Validate(ctx context.Context, raw string) (*VerifiedIdentity, error) {
	ctx, span := startSpan(ctx, v.opts.tracer, "auth.TokenValidator.Validate")
	id, err := v.validate(ctx, raw)
	span.SetAttributes(attribute.String("auth.result", resultLabel(err)))
	finishSpan(span, err)
	v.opts.metrics.validation(resultLabel(err))
	return id, err
}

func (v *TokenValidator) validate(ctx context.Context, raw string) (*VerifiedIdentity, error) {
	if raw == "" {
		return nil, errMalformed("token is empty", nil)
	}
	if len(raw) > v.cfg.MaxTokenSize {
		return nil, errMalformed("token exceeds maximum size", nil)
	}

	unverified, _, err := jwt.NewParser().ParseUnverified(raw, &Claims{})
	if err != nil {
		return nil, errMalformed("token is malformed", err)
	}
	alg, _ := unverified.Header["alg"].(string)
	if !slices.Contains(allowedAlgorithms, alg) {
		return nil, errMalformed("signing algorithm is not permitted", nil).WithDetail("alg", alg)
	}
	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return nil, errMalformed("token header has no kid", nil)
	}

	key, err := v.keys.Resolve(ctx, kid)
	if err != nil {
		if sserr.HasCode(err, sserr.CodeKeyNotFound) {
			return nil, sserr.Wrap(err, sserr.CodeTokenUnknownKey, "auth: token signed with unknown key").
				WithDetail("kid", kid)
		}
		return nil, err
	}
	if key.Algorithm != "" && key.Algorithm != alg {
		return nil, sserr.New(sserr.CodeTokenBadSignature, "auth: token algorithm does not match signing key").
			WithDetail("kid", kid)
	}

	claims := &Claims{}
	_, err = jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return key.Key, nil },
		jwt.WithValidMethods([]string{alg}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrTokenUnverifiable) {
			return nil, sserr.Wrap(err, sserr.CodeTokenBadSignature, "auth: token signature is invalid")
		}
		return nil, errMalformed("token is malformed", err)
	}

	if err := v.checkClaims(claims); err != nil {
		return nil, err
	}
	return identityFromClaims(claims), nil
}

func (v *TokenValidator) checkClaims(c *Claims) error {
	err := jwt.NewValidator(
		jwt.WithIssuer(v.issuer),
		jwt.WithLeeway(v.cfg.ClockSkew),
		jwt.WithTimeFunc(v.opts.now),
		jwt.WithExpirationRequired(),
	).Validate(c)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
			return errClaimInvalid(ReasonMissingExpiry, "token has no expiry", err)
		case errors.Is(err, jwt.ErrTokenExpired):
			return errClaimInvalid(ReasonExpired, "token has expired", err)
		case errors.Is(err, jwt.ErrTokenNotValidYet):
			return errClaimInvalid(ReasonNotYetValid, "token is not valid yet", err)
		case errors.Is(err, jwt.ErrTokenInvalidIssuer):
			return errClaimInvalid(ReasonIssuer, "token issuer is invalid", err)
		default:
			return errClaimInvalid(ReasonInvalid, "token claims are invalid", err)
		}
	}

	if !v.audienceMatches(c) {
		return errClaimInvalid(ReasonAudience, "token audience is invalid", nil)
	}
	if c.Subject == "" {
		return errClaimInvalid(ReasonSubject, "token has no subject", nil)
	}
	switch c.TokenUse {
	case "", "id", "access":
	default:
		return errClaimInvalid(ReasonTokenUse, "token_use must be id or access", nil)
	}
	return nil
}

// audienceMatches accepts aud containing the client id. Access tokens
// carry no aud; their client_id must equal the client id instead.
func (v *TokenValidator) audienceMatches(c *Claims) bool {
	if len(c.Audience) > 0 {
		return slices.Contains(c.Audience, v.cfg.ClientID)
	}
	return c.ClientID != "" && c.ClientID == v.cfg.ClientID
}

func identityFromClaims(c *Claims) *VerifiedIdentity {
	id := &VerifiedIdentity{
		Subject:  c.Subject,
		Email:    emailFromClaims(c),
		Issuer:   c.Issuer,
		Audience: []string(c.Audience),
		Name:     c.Name,
		TokenUse: c.TokenUse,
	}
	if len(id.Audience) == 0 && c.ClientID != "" {
		id.Audience = []string{c.ClientID}
	}
	if c.ExpiresAt != nil {
		id.ExpiresAt = c.ExpiresAt.Time
	}
	if c.IssuedAt != nil {
		id.IssuedAt = c.IssuedAt.Time
	}
	return id
}

// emailFromClaims prefers the email claim. Federated usernames look like
// "<provider>_<email>", so the part after the first underscore is used when
// present. The subject is the last resort.
func emailFromClaims(c *Claims) string {
	if c.Email != "" {
		return c.Email
	}
	for _, u := range []string{c.Username, c.CognitoUsername} {
		if u == "" {
			continue
		}
		if _, after, ok := strings.Cut(u, "_"); ok && after != "" {
			return after
		}
		return u
	}
	return c.Subject
}

// resultLabel is the metric and span label for a validation or assembly
// outcome.
func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return string(KindOf(err))
}

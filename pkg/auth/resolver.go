package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"

	sserr "github.com/StricklySoft/authgate/pkg/errors"
)

// maxGrantBodySize caps the authorization service response.
const maxGrantBodySize = 1 << 20

// GrantFetcher fetches a subject's resource grant from the source of
// truth. [*PermissionResolver] implements it.
type GrantFetcher interface {
	Fetch(ctx context.Context, id *VerifiedIdentity, bearer string) (*ResourceGrant, error)
}

// PermissionResolver queries the authorization service for the resources
// a subject may access.
//
// The request is GET <URL><Path>?subject=<sub>&email=<email>, authenticated
// with the service API key and, when enabled, the caller's bearer token.
// A 403 means the subject has no access and yields an empty grant. Other
// 4xx responses fail at once; 5xx responses and transport errors are
// retried with exponential backoff. Every failure surfaces as
// [sserr.CodeResolutionFailed].
//
// PermissionResolver is safe for concurrent use.
type PermissionResolver struct {
	cfg      PermissionConfig
	endpoint *url.URL
	opts     options
}

// NewPermissionResolver creates a resolver for cfg.URL.
func NewPermissionResolver(cfg PermissionConfig, opts ...Option) (*PermissionResolver, error) {
	if cfg.URL == "" {
		return nil, sserr.New(sserr.CodeValidationRequired, "auth: permissions url is required")
	}
	if cfg.Path == "" {
		cfg.Path = DefaultGrantPath
	}
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = DefaultAPIKeyHeader
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultGrantTTL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultFetchTimeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	endpoint, err := url.Parse(strings.TrimRight(cfg.URL, "/") + "/" + strings.TrimLeft(cfg.Path, "/"))
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeValidationFormat, "auth: invalid permissions endpoint")
	}
	return &PermissionResolver{cfg: cfg, endpoint: endpoint, opts: buildOptions(opts)}, nil
}

// Fetch returns the grant for id. The grant is stamped with the fetch time
// and the configured TTL.
func (r *PermissionResolver) Fetch(ctx context.Context, id *VerifiedIdentity, bearer string) (*ResourceGrant, error) {
	if id == nil || id.Subject == "" {
		return nil, sserr.New(sserr.CodeValidationRequired, "auth: subject is required to resolve permissions")
	}

	ctx, span := startSpan(ctx, r.opts.tracer, "auth.PermissionResolver.Fetch")
	span.SetAttributes(attribute.String("auth.subject_hash", SubjectHash(id.Subject)))

	var grant *ResourceGrant
	attempts := 0
	op := func() error {
		attempts++
		var err error
		grant, err = r.fetchOnce(ctx, id, bearer)
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.opts.logger.WarnContext(ctx, "auth: authorization service call failed, retrying",
			"subject_hash", SubjectHash(id.Subject),
			"attempt", attempts,
			"retry_in", wait,
			"error", err,
		)
	}

	err := backoff.RetryNotify(op, newRetryBackOff(ctx, r.opts.retryInterval, r.cfg.Retries), notify)
	span.SetAttributes(attribute.Int("auth.attempts", attempts))
	if err != nil {
		wrapped := sserr.Wrap(err, sserr.CodeResolutionFailed, "auth: failed to resolve permissions")
		finishSpan(span, wrapped)
		return nil, wrapped
	}

	grant.FetchedAt = r.opts.now()
	grant.TTL = r.cfg.TTL
	span.SetAttributes(attribute.Int("auth.resources", len(grant.Resources)))
	finishSpan(span, nil)
	return grant, nil
}

func (r *PermissionResolver) fetchOnce(ctx context.Context, id *VerifiedIdentity, bearer string) (*ResourceGrant, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	u := *r.endpoint
	q := u.Query()
	q.Set("subject", id.Subject)
	if id.Email != "" {
		q.Set("email", id.Email)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("auth: failed to create permissions request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if key := r.cfg.APIKey.Value(); key != "" {
		req.Header.Set(r.cfg.APIKeyHeader, key)
	}
	if r.cfg.ForwardBearer && bearer != "" {
		req.Header.Set(HeaderAuthorization, bearerPrefix+bearer)
	}

	resp, err := r.opts.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth: permissions request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusForbidden:
		return &ResourceGrant{Resources: []string{}}, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, backoff.Permanent(fmt.Errorf("auth: authorization service returned status %d", resp.StatusCode))
	default:
		return nil, fmt.Errorf("auth: authorization service returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxGrantBodySize))
	if err != nil {
		return nil, fmt.Errorf("auth: failed to read permissions response: %w", err)
	}
	grant, err := parseGrant(body)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	return grant, nil
}

// ---------------------------------------------------------------------------
// Response parsing
// ---------------------------------------------------------------------------

var (
	grantListKeys  = []string{"resources", "customers", "data"}
	resourceIDKeys = []string{"cloud_id", "cloudId", "id"}
	roleKeys       = []string{"role", "permission_level"}

	// defaultListPermissions is granted when the service answers with a
	// bare list holding at least one resource. Bare lists carry no
	// permissions of their own.
	defaultListPermissions = []string{"read:logs", "read:metrics"}
)

// parseGrant accepts the response shapes the authorization service is known
// to produce: a bare list, or an object wrapping the list under one of
// grantListKeys. List items are identifiers or objects carrying one of
// resourceIDKeys and, optionally, a role. Items without an identifier are
// ignored. A wrapper object may also carry account-wide "roles" and
// "permissions" lists.
func parseGrant(body []byte) (*ResourceGrant, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("auth: failed to parse permissions response: %w", err)
	}

	var (
		items        []any
		bareList     bool
		accountRoles []string
		permissions  []string
	)
	switch v := doc.(type) {
	case []any:
		items = v
		bareList = true
	case map[string]any:
		for _, k := range grantListKeys {
			if list, ok := v[k].([]any); ok {
				items = list
				break
			}
		}
		accountRoles = scalarList(v["roles"])
		permissions = scalarList(v["permissions"])
	case nil:
	default:
		return nil, fmt.Errorf("auth: unexpected permissions response of type %T", doc)
	}

	resources := make([]string, 0, len(items))
	roles := make(map[string]string)
	for _, item := range items {
		switch v := item.(type) {
		case string:
			resources = append(resources, v)
		case json.Number:
			resources = append(resources, v.String())
		case map[string]any:
			id := firstScalar(v, resourceIDKeys)
			if id == "" {
				continue
			}
			resources = append(resources, id)
			if role := firstScalar(v, roleKeys); role != "" {
				roles[strings.TrimSpace(id)] = role
			}
		}
	}

	g := &ResourceGrant{Resources: normalizeResources(resources)}
	if len(roles) > 0 {
		g.Roles = roles
	}
	if bareList && len(g.Resources) > 0 {
		permissions = slices.Clone(defaultListPermissions)
	}
	if r := normalizeResources(accountRoles); len(r) > 0 {
		g.AccountRoles = r
	}
	if p := normalizeResources(permissions); len(p) > 0 {
		g.Permissions = p
	}
	return g, nil
}

// scalarList returns the string and number entries of a JSON list. Any
// other value yields nil.
func scalarList(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		switch s := item.(type) {
		case string:
			out = append(out, s)
		case json.Number:
			out = append(out, s.String())
		}
	}
	return out
}

func firstScalar(m map[string]any, keys []string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}

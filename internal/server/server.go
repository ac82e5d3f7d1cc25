// Package server exposes the auth engine over HTTP with gin.
//
// Routes:
//
//	GET    /v1/authorize         forward-auth check; 200 with identity headers
//	DELETE /v1/grants/:subject   drop a cached grant (admin bearer token)
//	GET    /healthz              lifecycle and dependency health
//	GET    /metrics              Prometheus exposition
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/StricklySoft/authgate/pkg/auth"
	sserr "github.com/StricklySoft/authgate/pkg/errors"
)

// GrantInvalidator drops the cached grant of a subject.
type GrantInvalidator interface {
	Invalidate(ctx context.Context, subject string) error
}

// HealthChecker reports whether a dependency is usable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// HealthFunc adapts a function to [HealthChecker].
type HealthFunc func(ctx context.Context) error

// Health implements [HealthChecker].
func (f HealthFunc) Health(ctx context.Context) error { return f(ctx) }

type namedCheck struct {
	name  string
	check HealthChecker
}

// Server is the authgate HTTP boundary.
type Server struct {
	cfg       Config
	engine    *gin.Engine
	http      *http.Server
	assembler auth.RequestAssembler
	grants    GrantInvalidator
	checks    []namedCheck
	gatherer  prometheus.Gatherer
	propagate bool
	logger    *slog.Logger
}

// Option configures a [Server].
type Option func(*Server)

// WithLogger sets the access and error logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithHealthCheck adds a named dependency to /healthz. Checks run in the
// order they are added.
func WithHealthCheck(name string, check HealthChecker) Option {
	return func(s *Server) {
		if check != nil {
			s.checks = append(s.checks, namedCheck{name: name, check: check})
		}
	}
}

// WithGatherer sets the registry served on /metrics. Defaults to
// [prometheus.DefaultGatherer].
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		if g != nil {
			s.gatherer = g
		}
	}
}

// WithHeaderPropagation controls whether /v1/authorize sets the identity
// headers on its response. On by default.
func WithHeaderPropagation(enabled bool) Option {
	return func(s *Server) { s.propagate = enabled }
}

// New builds the gin engine and the underlying [http.Server]. It does not
// start listening.
func New(cfg Config, assembler auth.RequestAssembler, grants GrantInvalidator, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if assembler == nil || grants == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "server: assembler and grant invalidator are required")
	}

	s := &Server{
		cfg:       cfg,
		assembler: assembler,
		grants:    grants,
		gatherer:  prometheus.DefaultGatherer,
		propagate: true,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), s.accessLog())
	s.routes()

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	return s, nil
}

func (s *Server) routes() {
	v1 := s.engine.Group("/v1")
	{
		v1.GET("/authorize", s.handleAuthorize)
		v1.DELETE("/grants/:subject", s.requireAdmin(), s.handleInvalidate)
	}
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
}

// Handler returns the gin engine, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe blocks serving on the configured address. It returns nil
// after [Server.Shutdown].
func (s *Server) ListenAndServe() error {
	s.logger.Info("server: listening", "addr", s.cfg.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return sserr.Wrap(err, sserr.CodeUnavailable, "server: listen failed")
	}
	return nil
}

// Shutdown drains in-flight requests within the configured shutdown
// timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		return sserr.Wrap(err, sserr.CodeTimeout, "server: shutdown did not complete")
	}
	return nil
}

// authorizeResponse is the body of a successful /v1/authorize call.
type authorizeResponse struct {
	Subject       string         `json:"subject"`
	Email         string         `json:"email"`
	Resources     []string       `json:"resources"`
	Roles         []string       `json:"roles,omitempty"`
	Permissions   []string       `json:"permissions,omitempty"`
	CorrelationID string         `json:"correlation_id"`
	Mode          auth.TrustMode `json:"mode"`
}

func (s *Server) handleAuthorize(c *gin.Context) {
	ctx := c.Request.Context()
	id, err := s.assembler.Assemble(ctx, auth.RequestMetaFromHTTP(c.Request))
	if err != nil {
		s.logger.Log(ctx, auth.RejectionLevel(err), "server: authorization rejected",
			"kind", string(auth.KindOf(err)),
		)
		abortWithError(c, err)
		return
	}

	if s.propagate {
		id.InjectHeaders(c.Writer.Header())
	}
	resources := id.Resources()
	if resources == nil {
		resources = []string{}
	}
	c.JSON(http.StatusOK, authorizeResponse{
		Subject:       id.Identity.Subject,
		Email:         id.Identity.Email,
		Resources:     resources,
		Roles:         id.Grant.AccountRoles,
		Permissions:   id.Grant.Permissions,
		CorrelationID: id.CorrelationID,
		Mode:          id.Mode,
	})
}

func (s *Server) handleInvalidate(c *gin.Context) {
	ctx := c.Request.Context()
	subject := c.Param("subject")
	if err := s.grants.Invalidate(ctx, subject); err != nil {
		s.logger.WarnContext(ctx, "server: grant invalidation failed",
			"subject_hash", auth.SubjectHash(subject),
			"error", err,
		)
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// requireAdmin checks the bearer token against the configured admin
// token in constant time.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		want := s.cfg.AdminToken.Value()
		if want == "" {
			abortWithError(c, sserr.New(sserr.CodeAuthorization, "server: admin endpoint is disabled"))
			return
		}
		got, ok := auth.ExtractBearerToken(c.GetHeader(auth.HeaderAuthorization))
		if !ok {
			abortWithError(c, sserr.New(sserr.CodeCredentialMissing, "server: admin bearer token is required"))
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			abortWithError(c, sserr.New(sserr.CodeAuthorization, "server: admin token rejected"))
			return
		}
		c.Next()
	}
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(s.checks))}
	status := http.StatusOK
	for _, nc := range s.checks {
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.HealthTimeout)
		err := nc.check.Health(ctx)
		cancel()
		if err != nil {
			s.logger.WarnContext(c.Request.Context(), "server: health check failed",
				"check", nc.name,
				"error", err,
			)
			e, ok := sserr.AsError(err)
			if !ok {
				e = sserr.Unavailable("server: " + nc.name + " is unhealthy")
			}
			resp.Status = "unavailable"
			resp.Checks[nc.name] = string(e.Code)
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[nc.name] = "ok"
	}
	c.JSON(status, resp)
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.DebugContext(c.Request.Context(), "server: request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func abortWithError(c *gin.Context, err error) {
	status, body := auth.NewErrorResponse(err)
	if traceID, ok := auth.TraceIDFromContext(c.Request.Context()); ok {
		body.TraceID = traceID
	}
	if sserr.IsRetryable(err) {
		c.Header("Retry-After", auth.RetryAfterSeconds)
	}
	c.AbortWithStatusJSON(status, body)
}

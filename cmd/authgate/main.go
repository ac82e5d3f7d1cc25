// Command authgate runs the request authentication engine as a
// forward-auth HTTP service.
//
// Configuration comes from AUTHGATE_* environment variables, optionally
// layered over a YAML or JSON file named by AUTHGATE_CONFIG_FILE:
//
//	AUTHGATE_TOKEN_REGION=us-east-1 \
//	AUTHGATE_TOKEN_USER_POOL_ID=us-east-1_abc \
//	AUTHGATE_TOKEN_CLIENT_ID=client \
//	AUTHGATE_PERMISSIONS_URL=https://authz.internal \
//	AUTHGATE_PERMISSIONS_API_KEY=... \
//	go run ./cmd/authgate
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/StricklySoft/authgate/internal/server"
	"github.com/StricklySoft/authgate/pkg/auth"
	"github.com/StricklySoft/authgate/pkg/clients/redis"
	"github.com/StricklySoft/authgate/pkg/config"
	"github.com/StricklySoft/authgate/pkg/lifecycle"
)

// Config is the full process configuration. auth.Config has no prefix of
// its own, so its sections read AUTHGATE_JWKS_*, AUTHGATE_TOKEN_* and so on.
type Config struct {
	LogLevel string        `json:"log_level" yaml:"log_level" env:"LOG_LEVEL" envDefault:"info"`
	Server   server.Config `json:"server" yaml:"server" env:"SERVER"`
	Auth     auth.Config   `json:"auth" yaml:"auth"`
	Redis    redis.Config  `json:"redis" yaml:"redis" env:"REDIS"`
}

func main() {
	cfg := config.MustLoad[Config](
		config.New().WithEnvPrefix("AUTHGATE").WithFileFromEnv("AUTHGATE_CONFIG_FILE"),
	)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("authgate exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("authgate stopped")
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	opts := []auth.Option{
		auth.WithLogger(logger),
		auth.WithMetrics(auth.NewMetrics(reg)),
	}

	keys, err := auth.NewKeySetCache(cfg.Auth.Keys, opts...)
	if err != nil {
		return err
	}
	validator, err := auth.NewTokenValidator(cfg.Auth.Token, keys, opts...)
	if err != nil {
		return err
	}
	resolver, err := auth.NewPermissionResolver(cfg.Auth.Permissions, opts...)
	if err != nil {
		return err
	}

	var (
		store auth.GrantStore
		rdb   *redis.Client
	)
	if cfg.Redis.Enabled() {
		rdb, err = redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		store = auth.NewRedisGrantStore(rdb)
		logger.Info("grant store: redis")
	} else {
		store = auth.NewMemoryGrantStore(cfg.Auth.Permissions.MaxEntries)
		logger.Info("grant store: in-process memory")
	}

	grants, err := auth.NewPermissionCache(cfg.Auth.Permissions, resolver, store, opts...)
	if err != nil {
		return err
	}
	gate, err := auth.NewTrustGate(cfg.Auth.Trust, opts...)
	if err != nil {
		return err
	}
	assembler, err := auth.NewAssembler(gate, validator, grants, opts...)
	if err != nil {
		return err
	}

	var svc *lifecycle.Service
	srvOpts := []server.Option{
		server.WithLogger(logger),
		server.WithGatherer(reg),
		server.WithHeaderPropagation(cfg.Auth.PropagateHeaders),
		server.WithHealthCheck("lifecycle", server.HealthFunc(func(ctx context.Context) error {
			return svc.Health(ctx)
		})),
	}
	if rdb != nil {
		srvOpts = append(srvOpts, server.WithHealthCheck("redis", rdb))
	}
	srv, err := server.New(cfg.Server, assembler, grants, srvOpts...)
	if err != nil {
		return err
	}

	svc, err = lifecycle.NewBuilder("authgate").
		WithLogger(logger).
		OnStart("warm-keys", func(ctx context.Context) error {
			// A cold cache still fetches on the first request.
			if err := keys.Warm(ctx); err != nil {
				logger.WarnContext(ctx, "signing keys not warmed", "error", err)
			}
			return nil
		}).
		OnStop("close-redis", func(context.Context) error {
			if rdb == nil {
				return nil
			}
			return rdb.Close()
		}).
		OnStop("http", srv.Shutdown).
		OnStateChange(func(old, new lifecycle.State) {
			logger.Info("state transition", "from", old.String(), "to", new.String())
		}).
		Build()
	if err != nil {
		return err
	}

	if err := svc.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case err := <-errCh:
		if err != nil {
			_ = svc.Stop(context.WithoutCancel(ctx))
			return err
		}
	}
	return svc.Stop(context.WithoutCancel(ctx))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

package server

import (
	"time"

	"github.com/StricklySoft/authgate/pkg/auth"
	sserr "github.com/StricklySoft/authgate/pkg/errors"
)

// Config configures the HTTP listener. Env tags are relative so the struct
// nests under a SERVER prefix.
type Config struct {
	Addr string `json:"addr" yaml:"addr" env:"ADDR" envDefault:":8080"`

	// AdminToken guards the grant invalidation endpoint. When empty the
	// endpoint rejects every call.
	AdminToken auth.Secret `json:"admin_token" yaml:"admin_token" env:"ADMIN_TOKEN"`

	ReadHeaderTimeout time.Duration `json:"read_header_timeout" yaml:"read_header_timeout" env:"READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `json:"read_timeout" yaml:"read_timeout" env:"READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout      time.Duration `json:"write_timeout" yaml:"write_timeout" env:"WRITE_TIMEOUT" envDefault:"10s"`
	IdleTimeout       time.Duration `json:"idle_timeout" yaml:"idle_timeout" env:"IDLE_TIMEOUT" envDefault:"60s"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`

	// HealthTimeout bounds each dependency check behind /healthz.
	HealthTimeout time.Duration `json:"health_timeout" yaml:"health_timeout" env:"HEALTH_TIMEOUT" envDefault:"2s"`
}

// Validate checks that the listener is fully specified.
func (c Config) Validate() error {
	if c.Addr == "" {
		return sserr.New(sserr.CodeValidationRequired, "server: addr is required")
	}
	for name, d := range map[string]time.Duration{
		"read_header_timeout": c.ReadHeaderTimeout,
		"read_timeout":        c.ReadTimeout,
		"write_timeout":       c.WriteTimeout,
		"idle_timeout":        c.IdleTimeout,
		"shutdown_timeout":    c.ShutdownTimeout,
		"health_timeout":      c.HealthTimeout,
	} {
		if d <= 0 {
			return sserr.Newf(sserr.CodeValidationRange, "server: %s must be positive", name)
		}
	}
	return nil
}

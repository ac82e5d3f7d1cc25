package redis

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_EmptyIsValidAndDisabled(t *testing.T) {
	t.Parallel()
	cfg := Config{}
	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.Enabled())
	assert.Zero(t, cfg.PoolSize, "defaults are not applied to a disabled config")
}

func TestConfig_DefaultsApplied(t *testing.T) {
	t.Parallel()
	cfg := Config{Host: "redis.internal"}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultPoolSize, cfg.PoolSize)
	assert.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
	assert.Equal(t, DefaultDialTimeout, cfg.DialTimeout)
}

func TestConfig_Validate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
	}{
		{"bad scheme", Config{URI: "postgres://x"}},
		{"bad port", Config{Host: "h", Port: 70000}},
		{"negative timeout", Config{Host: "h", ReadTimeout: -1}},
		{"negative pool", Config{Host: "h", PoolSize: -2}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := tc.cfg
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfig_OptionsFromURI(t *testing.T) {
	t.Parallel()
	cfg := Config{URI: "redis://:pw@cache:6380/2"}
	require.NoError(t, cfg.Validate())

	opts, err := cfg.options()
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, "pw", opts.Password)
	assert.Equal(t, DefaultPoolSize, opts.PoolSize)
}

func TestConfig_OptionsFromFields(t *testing.T) {
	t.Parallel()
	cfg := Config{Host: "cache", Port: 6390, Password: "pw", TLSEnabled: true}
	require.NoError(t, cfg.Validate())

	opts, err := cfg.options()
	require.NoError(t, err)
	assert.Equal(t, "cache:6390", opts.Addr)
	assert.Equal(t, "pw", opts.Password)
	require.NotNil(t, opts.TLSConfig)
}

func TestSecret_Redacted(t *testing.T) {
	t.Parallel()
	s := Secret("hunter2")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%#v", s))
	assert.Equal(t, "hunter2", s.Value())

	data, err := json.Marshal(struct{ P Secret }{s})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")
}

func TestTruncateStatement(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "GET k", truncateStatement("GET k"))
	long := strings.Repeat("x", 150)
	out := truncateStatement(long)
	assert.True(t, strings.HasSuffix(out, "..."))
	assert.Len(t, out, maxStatementTruncateLen+3)
}

package auth

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilSafe(t *testing.T) {
	t.Parallel()
	var m *Metrics
	assert.NotPanics(t, func() {
		m.keyFetch("ok")
		m.validation("ok")
		m.grantLookup("hit")
		m.trustDecision("standalone")
		m.assembly(ModeStandalone, "ok", time.Millisecond)
	})
}

func TestNewMetrics_Registers(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics(reg)

	m.keyFetch("ok")
	m.grantLookup("miss")
	m.grantLookup("miss")
	m.assembly(ModeGateway, "ok", 2*time.Millisecond)

	assert.Equal(t, 1.0, promtestutil.ToFloat64(m.keyFetches.WithLabelValues("ok")))
	assert.Equal(t, 2.0, promtestutil.ToFloat64(m.grantLookups.WithLabelValues("miss")))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(m.assemblies.WithLabelValues("gateway", "ok")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "authgate_key_fetches_total")
	assert.Contains(t, names, "authgate_assembly_duration_seconds")
}

func TestNewMetrics_NilRegistererStaysUnregistered(t *testing.T) {
	t.Parallel()
	// Two instances would collide on a shared registry.
	assert.NotPanics(t, func() {
		NewMetrics(nil)
		NewMetrics(nil)
	})
}

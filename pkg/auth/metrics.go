package auth

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "authgate"

// Metrics holds the Prometheus collectors recorded by the auth components.
// A nil *Metrics records nothing, so components can be built without one.
type Metrics struct {
	keyFetches       *prometheus.CounterVec
	validations      *prometheus.CounterVec
	grantLookups     *prometheus.CounterVec
	trustDecisions   *prometheus.CounterVec
	assemblies       *prometheus.CounterVec
	assemblyDuration prometheus.Histogram
}

// NewMetrics creates the auth collectors and registers them with reg. A
// nil reg leaves them unregistered, which is useful in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		keyFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "key_fetches_total",
			Help:      "Signing key set fetches by result.",
		}, []string{"result"}),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "token_validations_total",
			Help:      "Bearer token validations by result kind.",
		}, []string{"result"}),
		grantLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "grant_lookups_total",
			Help:      "Resource grant lookups by outcome.",
		}, []string{"outcome"}),
		trustDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "trust_decisions_total",
			Help:      "Trust gate decisions by mode or rejection kind.",
		}, []string{"decision"}),
		assemblies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "assemblies_total",
			Help:      "Request identity assemblies by mode and result.",
		}, []string{"mode", "result"}),
		assemblyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "assembly_duration_seconds",
			Help:      "Time to assemble a request identity.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.keyFetches,
			m.validations,
			m.grantLookups,
			m.trustDecisions,
			m.assemblies,
			m.assemblyDuration,
		)
	}
	return m
}

func (m *Metrics) keyFetch(result string) {
	if m != nil {
		m.keyFetches.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) validation(result string) {
	if m != nil {
		m.validations.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) grantLookup(outcome string) {
	if m != nil {
		m.grantLookups.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) trustDecision(decision string) {
	if m != nil {
		m.trustDecisions.WithLabelValues(decision).Inc()
	}
}

func (m *Metrics) assembly(mode TrustMode, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.assemblies.WithLabelValues(string(mode), result).Inc()
	m.assemblyDuration.Observe(elapsed.Seconds())
}

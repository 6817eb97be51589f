// Package metrics exposes the Prometheus-compatible metrics surface:
// decision counters and latency, constraint evaluations, cache hit rates,
// escalation activity, and per-tenant cache sizes.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector. Construct once at process start and thread
// through; tests build fresh instances with their own registry.
type Metrics struct {
	DecisionsTotal        *prometheus.CounterVec
	DecisionDuration      *prometheus.HistogramVec
	ConstraintEvaluations *prometheus.CounterVec
	CacheHits             *prometheus.CounterVec
	CacheMisses           *prometheus.CounterVec
	CacheSize             *prometheus.GaugeVec
	EscalationsTotal      *prometheus.CounterVec
	ActiveEscalations     *prometheus.GaugeVec
	RateLimitDenials      *prometheus.CounterVec
	AuditDropped          prometheus.Counter
}

// New creates and registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vorion_decisions_total",
			Help: "Decisions emitted, by tenant, final action, and cache status.",
		}, []string{"tenant", "action", "cached"}),
		DecisionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vorion_decision_duration_seconds",
			Help:    "Wall-clock decision latency.",
			Buckets: []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"tenant", "action"}),
		ConstraintEvaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vorion_constraint_evaluations_total",
			Help: "Constraint evaluations, by tenant, constraint type, and result.",
		}, []string{"tenant", "type", "passed"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vorion_cache_hits_total",
			Help: "Decision cache hits per tenant.",
		}, []string{"tenant"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vorion_cache_misses_total",
			Help: "Decision cache misses per tenant.",
		}, []string{"tenant"}),
		CacheSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vorion_cache_size",
			Help: "Live decision cache entries per tenant (local tier).",
		}, []string{"tenant"}),
		EscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vorion_escalations_total",
			Help: "Escalations raised, by tenant, rule, and priority.",
		}, []string{"tenant", "rule", "priority"}),
		ActiveEscalations: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vorion_active_escalations",
			Help: "Escalations currently pending, by tenant and priority.",
		}, []string{"tenant", "priority"}),
		RateLimitDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vorion_ratelimit_denials_total",
			Help: "Requests denied by the rate limiter, by tenant and window.",
		}, []string{"tenant", "window"}),
		AuditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vorion_audit_dropped_total",
			Help: "Audit records dropped because the buffer ceiling was hit.",
		}),
	}

	reg.MustRegister(
		m.DecisionsTotal, m.DecisionDuration, m.ConstraintEvaluations,
		m.CacheHits, m.CacheMisses, m.CacheSize,
		m.EscalationsTotal, m.ActiveEscalations,
		m.RateLimitDenials, m.AuditDropped,
	)
	return m
}

// NewTest creates metrics on a throwaway registry for tests.
func NewTest() *Metrics {
	return New(prometheus.NewRegistry())
}

// ObserveDecision records one decision's counter and latency samples.
func (m *Metrics) ObserveDecision(tenant, action string, cached bool, duration time.Duration) {
	cachedLabel := "false"
	if cached {
		cachedLabel = "true"
	}
	m.DecisionsTotal.WithLabelValues(tenant, action, cachedLabel).Inc()
	m.DecisionDuration.WithLabelValues(tenant, action).Observe(duration.Seconds())
}

package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EligibilityMetrics groups the collectors emitted by the eligibility engine.
type EligibilityMetrics struct {
	requests          *prometheus.CounterVec
	addresses         prometheus.Counter
	duration          prometheus.Histogram
	upstreamFailures  *prometheus.CounterVec
	grantDecisions    *prometheus.CounterVec
	grantSubmissions  *prometheus.CounterVec
	grantsInWindow    prometheus.Gauge
	grantWindowBudget prometheus.Gauge
}

var (
	eligibilityOnce     sync.Once
	eligibilityRegistry *EligibilityMetrics
)

// Eligibility returns the process-wide collectors, registering them on first use.
func Eligibility() *EligibilityMetrics {
	eligibilityOnce.Do(func() {
		eligibilityRegistry = &EligibilityMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "eligibility_requests_total",
				Help: "Eligibility computations by result.",
			}, []string{"result"}),
			addresses: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "eligibility_addresses_total",
				Help: "Unique addresses evaluated.",
			}),
			duration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "eligibility_duration_seconds",
				Help:    "Wall-clock time of one eligibility computation.",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			}),
			upstreamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "eligibility_upstream_failures_total",
				Help: "Degraded reads by upstream source and operation.",
			}, []string{"source", "operation"}),
			grantDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "eligibility_autogrant_decisions_total",
				Help: "Auto-grant decisions by outcome.",
			}, []string{"outcome"}),
			grantSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "eligibility_grant_submissions_total",
				Help: "Bootstrap grant submissions to the point ledger by result.",
			}, []string{"result"}),
			grantsInWindow: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "eligibility_grants_in_window",
				Help: "Grant events recorded in the trailing rate-limit window.",
			}),
			grantWindowBudget: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "eligibility_grant_window_max",
				Help: "Configured maximum grants per window.",
			}),
		}
		prometheus.MustRegister(
			eligibilityRegistry.requests,
			eligibilityRegistry.addresses,
			eligibilityRegistry.duration,
			eligibilityRegistry.upstreamFailures,
			eligibilityRegistry.grantDecisions,
			eligibilityRegistry.grantSubmissions,
			eligibilityRegistry.grantsInWindow,
			eligibilityRegistry.grantWindowBudget,
		)
	})
	return eligibilityRegistry
}

func (m *EligibilityMetrics) ObserveRequest(result string, addresses int, elapsed time.Duration) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.requests.WithLabelValues(result).Inc()
	m.addresses.Add(float64(addresses))
	m.duration.Observe(elapsed.Seconds())
}

func (m *EligibilityMetrics) ObserveUpstreamFailure(source, operation string) {
	if m == nil {
		return
	}
	m.upstreamFailures.WithLabelValues(source, operation).Inc()
}

func (m *EligibilityMetrics) ObserveGrantDecision(outcome string) {
	if m == nil {
		return
	}
	m.grantDecisions.WithLabelValues(outcome).Inc()
}

func (m *EligibilityMetrics) ObserveGrantSubmission(result string) {
	if m == nil {
		return
	}
	m.grantSubmissions.WithLabelValues(result).Inc()
}

// SetGrantWindow publishes the current window usage against its budget.
func (m *EligibilityMetrics) SetGrantWindow(used, max int) {
	if m == nil {
		return
	}
	m.grantsInWindow.Set(float64(used))
	m.grantWindowBudget.Set(float64(max))
}

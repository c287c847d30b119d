package settlement

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce sync.Once
	registry    *Metrics
)

// Metrics wraps collectors tracking payout health.
type Metrics struct {
	outcomes   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	feeBumps   *prometheus.CounterVec
	queueDepth *prometheus.GaugeVec
}

// DefaultMetrics returns the lazily registered collectors.
func DefaultMetrics() *Metrics {
	metricsOnce.Do(func() {
		registry = &Metrics{
			outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rewardhub",
				Subsystem: "settlement",
				Name:      "payouts_total",
				Help:      "Payout outcomes segmented by identity, kind and reason.",
			}, []string{"identity", "kind", "reason"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "rewardhub",
				Subsystem: "settlement",
				Name:      "payout_latency_seconds",
				Help:      "Time from submission to final outcome.",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 180, 300},
			}, []string{"identity"}),
			feeBumps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rewardhub",
				Subsystem: "settlement",
				Name:      "fee_bumps_total",
				Help:      "Resubmissions at the same nonce with raised fees.",
			}, []string{"identity"}),
			queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "rewardhub",
				Subsystem: "settlement",
				Name:      "queue_depth",
				Help:      "Payouts waiting for an identity's signer.",
			}, []string{"identity"}),
		}
		prometheus.MustRegister(
			registry.outcomes,
			registry.latency,
			registry.feeBumps,
			registry.queueDepth,
		)
	})
	return registry
}

// identityLabel folds per-user custodial identities into one series.
func identityLabel(identity string) string {
	if strings.HasPrefix(identity, "user:") {
		return "custodial"
	}
	if identity == "" {
		return "unknown"
	}
	return identity
}

func (m *Metrics) RecordOutcome(identity string, out Outcome) {
	if m == nil {
		return
	}
	reason := out.Reason
	if reason == "" {
		reason = "none"
	}
	m.outcomes.WithLabelValues(identityLabel(identity), string(out.Kind), reason).Inc()
}

func (m *Metrics) ObserveLatency(identity string, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(identityLabel(identity)).Observe(d.Seconds())
}

func (m *Metrics) RecordFeeBump(identity string) {
	if m == nil {
		return
	}
	m.feeBumps.WithLabelValues(identityLabel(identity)).Inc()
}

func (m *Metrics) AddQueued(identity string, delta float64) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(identityLabel(identity)).Add(delta)
}

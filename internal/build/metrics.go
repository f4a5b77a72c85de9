package build

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts build decisions. A nil *Metrics records nothing.
type Metrics struct {
	targets  *prometheus.CounterVec
	stale    *prometheus.CounterVec
	commands prometheus.Histogram
}

// NewMetrics creates the build collectors and registers them with reg. A nil
// reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		targets: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "autodep_targets_total",
			Help: "Targets resolved, by outcome",
		}, []string{"outcome"}),
		stale: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "autodep_stale_dependencies_total",
			Help: "Dependencies found stale, by reason",
		}, []string{"reason"}),
		commands: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "autodep_command_duration_seconds",
			Help:    "Wall time of rule commands",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}
}

func (m *Metrics) target(state TargetState) {
	if m == nil {
		return
	}
	m.targets.WithLabelValues(outcomeLabel(state)).Inc()
}

func (m *Metrics) staleDep(reason string) {
	if m == nil {
		return
	}
	m.stale.WithLabelValues(reason).Inc()
}

func (m *Metrics) command(d time.Duration) {
	if m == nil {
		return
	}
	m.commands.Observe(d.Seconds())
}

func outcomeLabel(s TargetState) string {
	switch s {
	case StateRebuilt:
		return "rebuilt"
	case StateUpToDate:
		return "up_to_date"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ignite/spamcheck-scheduler/internal/domain"
)

// Metrics exposes sweep activity to Prometheus. A nil *Metrics records
// nothing.
type Metrics struct {
	sweeps       *prometheus.CounterVec
	sweepSeconds *prometheus.HistogramVec
	items        *prometheus.CounterVec
	launches     prometheus.Counter
	failures     *prometheus.CounterVec
	gatewayErrs  *prometheus.CounterVec
}

// NewMetrics creates the scheduler metrics and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spamcheck_sweeps_total",
			Help: "Sweep executions by sweep and result",
		}, []string{"sweep", "result"}),
		sweepSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spamcheck_sweep_duration_seconds",
			Help:    "Duration of one sweep",
			Buckets: prometheus.DefBuckets,
		}, []string{"sweep"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spamcheck_sweep_items_total",
			Help: "Spamchecks handled by a sweep, by outcome",
		}, []string{"sweep", "outcome"}),
		launches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spamcheck_launches_total",
			Help: "Successful test launches",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spamcheck_failed_total",
			Help: "Spamchecks moved to failed, by code",
		}, []string{"code"}),
		gatewayErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spamcheck_gateway_errors_total",
			Help: "Classified gateway errors by step and kind",
		}, []string{"step", "kind"}),
	}
	reg.MustRegister(m.sweeps, m.sweepSeconds, m.items, m.launches, m.failures, m.gatewayErrs)
	return m
}

func (m *Metrics) observeSweep(sweep string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.sweeps.WithLabelValues(sweep, result).Inc()
	m.sweepSeconds.WithLabelValues(sweep).Observe(d.Seconds())
}

func (m *Metrics) observeStats(sweep string, st TickStats) {
	if m == nil {
		return
	}
	m.items.WithLabelValues(sweep, "processed").Add(float64(st.Processed))
	m.items.WithLabelValues(sweep, "skipped").Add(float64(st.Skipped))
	m.items.WithLabelValues(sweep, "errored").Add(float64(st.Errors))
}

func (m *Metrics) launched() {
	if m == nil {
		return
	}
	m.launches.Inc()
}

func (m *Metrics) failed(code string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(code).Inc()
}

func (m *Metrics) gatewayError(step string, kind domain.ErrorType) {
	if m == nil {
		return
	}
	m.gatewayErrs.WithLabelValues(step, string(kind)).Inc()
}

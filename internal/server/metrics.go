package server

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/patrickjm/funnelcheck/internal/invoker"
)

type metrics struct {
	runs     *prometheus.CounterVec
	duration prometheus.Histogram
	failures *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "funnelcheck",
			Name:      "runs_total",
			Help:      "Funnel runs by outcome (success, failure, timeout, error).",
		}, []string{"outcome"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "funnelcheck",
			Name:      "run_duration_seconds",
			Help:      "Wall clock of a funnel run including browser launch.",
			Buckets:   []float64{1, 2.5, 5, 10, 15, 20, 30, 45, 60},
		}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "funnelcheck",
			Name:      "step_failures_total",
			Help:      "Failed funnel runs by the step they stopped at.",
		}, []string{"step"}),
	}
}

func (m *metrics) observe(res invoker.Result, err error) {
	m.duration.Observe(res.Elapsed.Seconds())
	switch {
	case err == nil && res.Report.Success:
		m.runs.WithLabelValues("success").Inc()
		return
	case errors.Is(err, invoker.ErrBudgetExceeded):
		m.runs.WithLabelValues("timeout").Inc()
		return
	case res.HasReport():
		m.runs.WithLabelValues("failure").Inc()
		m.failures.WithLabelValues(failedStep(res.Report)).Inc()
	default:
		m.runs.WithLabelValues("error").Inc()
	}
}

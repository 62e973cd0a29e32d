package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline collectors on a dedicated registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Registry      *prometheus.Registry
	verifications *prometheus.CounterVec
	runs          *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	probeLatency  prometheus.Histogram
	alerts        *prometheus.CounterVec
	rollbacks     *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "releaseline_verifications_total",
			Help: "Verifications by result (ready or blocked).",
		}, []string{"result"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "releaseline_runs_total",
			Help: "Pipeline runs by final state.",
		}, []string{"final_state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "releaseline_state_transitions_total",
			Help: "State machine transitions.",
		}, []string{"from", "to"}),
		probeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "releaseline_probe_latency_seconds",
			Help:    "Health probe latency.",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "releaseline_alerts_total",
			Help: "Health alerts by action taken.",
		}, []string{"action"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "releaseline_rollbacks_total",
			Help: "Alias-switch rollbacks by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.verifications, m.runs, m.transitions, m.probeLatency, m.alerts, m.rollbacks)
	return m
}

func (m *Metrics) Verification(ready bool) {
	if m == nil {
		return
	}
	result := "blocked"
	if ready {
		result = "ready"
	}
	m.verifications.WithLabelValues(result).Inc()
}

func (m *Metrics) Run(finalState string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(finalState).Inc()
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ProbeLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.probeLatency.Observe(d.Seconds())
}

func (m *Metrics) Alert(action string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(action).Inc()
}

func (m *Metrics) Rollback(ok bool) {
	if m == nil {
		return
	}
	result := "failed"
	if ok {
		result = "succeeded"
	}
	m.rollbacks.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

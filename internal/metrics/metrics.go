// Package metrics holds the Prometheus collectors for session activity.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	verify   *prometheus.CounterVec
	refresh  *prometheus.CounterVec
	calls    *prometheus.CounterVec
	logouts  *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	sessions *prometheus.GaugeVec
}

func New() *Metrics {
	return &Metrics{
		verify: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atlantark_verify_total",
			Help: "Session verifications by outcome",
		}, []string{"outcome"}),
		refresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atlantark_refresh_total",
			Help: "Refresh attempts by outcome; shared counts callers that joined an in-flight refresh",
		}, []string{"outcome"}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atlantark_api_calls_total",
			Help: "Authenticated API calls by method and outcome",
		}, []string{"method", "outcome"}),
		logouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atlantark_logouts_total",
			Help: "Logouts by reason",
		}, []string{"reason"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "atlantark_remote_latency_ms",
			Help:    "Latency of identity provider and API round trips in milliseconds",
			Buckets: prometheus.ExponentialBuckets(5, 2, 10),
		}, []string{"op"}),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "atlantark_session_state",
			Help: "1 for the current session state, 0 otherwise",
		}, []string{"state"}),
	}
}

// Register adds every collector to reg, or the default registerer when reg
// is nil. Collectors that are already registered are not an error.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if m == nil {
		return nil
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{m.verify, m.refresh, m.calls, m.logouts, m.latency, m.sessions} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}

func (m *Metrics) Verify(outcome string) {
	if m == nil {
		return
	}
	m.verify.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Refresh(outcome string) {
	if m == nil {
		return
	}
	m.refresh.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Call(method, outcome string) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) Logout(reason string) {
	if m == nil {
		return
	}
	m.logouts.WithLabelValues(reason).Inc()
}

// Observe records the time since start for op.
func (m *Metrics) Observe(op string, start time.Time) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(op).Observe(float64(time.Since(start).Milliseconds()))
}

// SetState marks state as current among all.
func (m *Metrics) SetState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.sessions.WithLabelValues(s).Set(v)
	}
}

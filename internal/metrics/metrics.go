// Package metrics holds the Prometheus collectors for call orchestration.
//
// All methods are safe on a nil *Collectors so components can run without
// metrics in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "callbridge"

// Collectors groups every metric the bridge exports.
type Collectors struct {
	// InboundCalls counts inbound call webhooks by outcome (bridged, rejected, error).
	InboundCalls *prometheus.CounterVec

	// ActiveCalls tracks calls currently held by this process.
	ActiveCalls prometheus.Gauge

	// ForwardAttempts counts redirect attempts by outcome (ok, not_active, error).
	ForwardAttempts *prometheus.CounterVec

	// ForwardResults counts terminal forwarding states (forwarded, failed).
	ForwardResults *prometheus.CounterVec

	// RecordingTransitions counts start/stop attempts by action and outcome.
	RecordingTransitions *prometheus.CounterVec

	// RetrievalTurns counts per-turn retrieval outcomes.
	RetrievalTurns *prometheus.CounterVec

	// RetrievalSeconds measures retrieval latency including embedding.
	RetrievalSeconds prometheus.Histogram

	// ToolResolutions counts tool resolutions by tool and status (ok, error).
	ToolResolutions *prometheus.CounterVec
}

// New registers the collectors with reg. Passing nil registers with the
// default registry.
func New(reg prometheus.Registerer) *Collectors {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Collectors{
		InboundCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "inbound_calls_total",
			Help:      "Inbound call signals by outcome.",
		}, []string{"outcome"}),
		ActiveCalls: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "active_calls",
			Help:      "Calls currently tracked by the controller.",
		}),
		ForwardAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "forward",
			Name:      "attempts_total",
			Help:      "Telephony redirect attempts by outcome.",
		}, []string{"outcome"}),
		ForwardResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "forward",
			Name:      "results_total",
			Help:      "Terminal forwarding states.",
		}, []string{"state"}),
		RecordingTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recording",
			Name:      "transitions_total",
			Help:      "Recording start/stop attempts by outcome.",
		}, []string{"action", "outcome"}),
		RetrievalTurns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "turns_total",
			Help:      "Turn boundary retrieval outcomes.",
		}, []string{"outcome"}),
		RetrievalSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "duration_seconds",
			Help:      "Retrieval latency per turn.",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		ToolResolutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tools",
			Name:      "resolutions_total",
			Help:      "Tool invocation resolutions by tool and status.",
		}, []string{"tool", "status"}),
	}
}

func (c *Collectors) InboundCall(outcome string) {
	if c == nil {
		return
	}
	c.InboundCalls.WithLabelValues(outcome).Inc()
}

func (c *Collectors) CallStarted() {
	if c == nil {
		return
	}
	c.ActiveCalls.Inc()
}

func (c *Collectors) CallEnded() {
	if c == nil {
		return
	}
	c.ActiveCalls.Dec()
}

func (c *Collectors) ForwardAttempt(outcome string) {
	if c == nil {
		return
	}
	c.ForwardAttempts.WithLabelValues(outcome).Inc()
}

func (c *Collectors) ForwardResult(state string) {
	if c == nil {
		return
	}
	c.ForwardResults.WithLabelValues(state).Inc()
}

func (c *Collectors) RecordingTransition(action, outcome string) {
	if c == nil {
		return
	}
	c.RecordingTransitions.WithLabelValues(action, outcome).Inc()
}

func (c *Collectors) RetrievalTurn(outcome string, seconds float64) {
	if c == nil {
		return
	}
	c.RetrievalTurns.WithLabelValues(outcome).Inc()
	if seconds > 0 {
		c.RetrievalSeconds.Observe(seconds)
	}
}

func (c *Collectors) ToolResolution(tool, status string) {
	if c == nil {
		return
	}
	c.ToolResolutions.WithLabelValues(tool, status).Inc()
}

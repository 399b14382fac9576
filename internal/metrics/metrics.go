// Package metrics provides Prometheus instrumentation for the relay. It
// exposes gauges for connections and presence, counters for message outcomes,
// and a histogram for send latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Message outcomes recorded in MessagesTotal.
const (
	OutcomeDelivered   = "delivered"
	OutcomeInvalid     = "invalid"
	OutcomeRateLimited = "rate_limited"
	OutcomeModerated   = "moderated"
	OutcomeFailed      = "failed"
	OutcomeDropped     = "dropped" // sender left before routing
)

var (
	// ConnectionsTotal tracks the current number of open WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_total",
		Help: "Current number of open WebSocket connections",
	})

	// PresenceSize tracks the number of identified users.
	PresenceSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_presence_size",
		Help: "Current number of identified users",
	})

	// MessagesTotal counts send attempts by outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_total",
		Help: "Total number of send attempts by outcome",
	}, []string{"outcome"})

	// FramesTotal counts inbound frames by protocol type.
	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_frames_total",
		Help: "Total number of inbound frames by message type",
	}, []string{"type"})

	// MessageLatency records the time from frame receipt to routing.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_message_latency_seconds",
		Help:    "Send processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// FlaggedTotal counts audit findings by reason.
	FlaggedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_moderation_flagged_total",
		Help: "Total number of relayed messages flagged by the auditor",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		PresenceSize,
		MessagesTotal,
		FramesTotal,
		MessageLatency,
		FlaggedTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

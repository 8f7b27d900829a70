// Package metrics provides Prometheus instrumentation for the chat core and
// its gateway. It exposes gauges for connections, sessions and live
// subscriptions, counters for message throughput and status transitions, and
// histograms for latency tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatcore_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts send attempts labeled by outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatcore_messages_total",
		Help: "Total number of send attempts by outcome",
	}, []string{"outcome"}) // outcome = "sent", "rejected", "throttled", "failed"

	// SendLatency records the time spent persisting a message in seconds.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatcore_send_latency_seconds",
		Help:    "Message send latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// StatusTransitions counts message status transition requests.
	StatusTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatcore_status_transitions_total",
		Help: "Message status transition requests by target status and result",
	}, []string{"status", "result"}) // result = "applied", "noop", "rejected"

	// ActiveSubscriptions tracks live message and presence subscriptions.
	ActiveSubscriptions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chatcore_active_subscriptions",
		Help: "Current number of live store subscriptions",
	}, []string{"kind"}) // kind = "messages", "presence"

	// PresenceWrites counts presence records written.
	PresenceWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatcore_presence_writes_total",
		Help: "Total number of presence writes",
	}, []string{"state"}) // state = "online", "offline"

	// ActiveSessions tracks the current number of open chat sessions.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatcore_active_sessions",
		Help: "Current number of active chat sessions",
	})

	// SessionOpenDuration records the time from session open to Active.
	SessionOpenDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatcore_session_open_seconds",
		Help:    "Time from session open request to active state",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	// EventPublishErrors counts lifecycle events that could not be published.
	EventPublishErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatcore_event_publish_errors_total",
		Help: "Total number of lifecycle event publish failures",
	})

	// ChangePublishErrors counts store writes whose change event was not
	// published to other processes.
	ChangePublishErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatcore_store_change_publish_errors_total",
		Help: "Total number of document change events that failed to publish",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		SendLatency,
		StatusTransitions,
		ActiveSubscriptions,
		PresenceWrites,
		ActiveSessions,
		SessionOpenDuration,
		EventPublishErrors,
		ChangePublishErrors,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

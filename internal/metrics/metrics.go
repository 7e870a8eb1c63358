// Package metrics provides Prometheus instrumentation for the chat core:
// gauges for queue and session counts, counters for message and match
// throughput, and histograms for latency tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueueSize tracks the current number of waiting entries per group.
	QueueSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chat_queue_size",
		Help: "Current number of waiting entries in the matchmaking queue",
	}, []string{"looking_for"})

	// ActiveSessions tracks the current number of live chat sessions.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_active_sessions",
		Help: "Current number of active chat sessions",
	})

	// Subscribers tracks the current number of streaming connections.
	Subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_subscribers",
		Help: "Current number of connected event subscribers",
	})

	// MessagesTotal counts processed messages, labeled by outcome:
	// "accepted" or the block reason.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total number of messages processed by outcome",
	}, []string{"outcome"})

	// MatchesTotal counts committed matches.
	MatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_matches_total",
		Help: "Total number of committed matches",
	})

	// QueueTimeoutsTotal counts TTL-evicted queue entries.
	QueueTimeoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_queue_timeouts_total",
		Help: "Total number of queue entries evicted by TTL",
	})

	// SessionsEndedTotal counts ended sessions by reason.
	SessionsEndedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_sessions_ended_total",
		Help: "Total number of sessions ended by reason",
	}, []string{"reason"})

	// MatchWaitSeconds records the time from queue join to committed match.
	MatchWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_match_wait_seconds",
		Help:    "Time from queue join to committed match",
		Buckets: []float64{1, 2, 5, 10, 15, 30, 60, 120},
	})

	// MessageLatency records message handling latency in seconds.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_message_latency_seconds",
		Help:    "Message handling latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		QueueSize,
		ActiveSessions,
		Subscribers,
		MessagesTotal,
		MatchesTotal,
		QueueTimeoutsTotal,
		SessionsEndedTotal,
		MatchWaitSeconds,
		MessageLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

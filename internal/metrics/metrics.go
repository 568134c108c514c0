// Package metrics provides Prometheus instrumentation for the Whisper video
// matchmaking service. It exposes gauges for connections, queue depth and
// active sessions, counters for matches and relayed signaling messages, and
// histograms for wait and session durations.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "whisper_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MatchQueueSize tracks the current number of participants waiting.
	MatchQueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "whisper_match_queue_size",
		Help: "Current number of participants in the matching queue",
	})

	// ActiveSessions tracks the current number of paired sessions.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "whisper_active_sessions",
		Help: "Current number of active video sessions",
	})

	// MatchesTotal counts confirmed pairings, labeled by kind: "real" or "filler".
	MatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_matches_total",
		Help: "Total number of confirmed pairings",
	}, []string{"kind"})

	// MatchWait records how long a participant waited before being paired.
	MatchWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "whisper_match_wait_seconds",
		Help:    "Time from joining the queue to being paired",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	})

	// SessionDuration records the lifetime of closed sessions.
	SessionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "whisper_session_duration_seconds",
		Help:    "Lifetime of closed video sessions",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800},
	})

	// RelayMessagesTotal counts signaling messages, labeled by type
	// (offer, answer, candidate) and outcome (forwarded, rejected, failed).
	RelayMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_relay_messages_total",
		Help: "Total number of signaling messages handled by the relay",
	}, []string{"type", "outcome"})

	// QueueEvictions counts participants removed for waiting too long.
	QueueEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "whisper_queue_evictions_total",
		Help: "Total number of queue entries evicted after the maximum wait",
	})

	// DirectoryErrors counts failed directory lookups.
	DirectoryErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "whisper_directory_errors_total",
		Help: "Total number of failed candidate directory lookups",
	})

	// ClaimConflicts counts pairings abandoned because a participant was
	// already claimed by a concurrent attempt.
	ClaimConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "whisper_claim_conflicts_total",
		Help: "Total number of claim conflicts during match confirmation",
	})

	// FillersActive tracks the current number of live queue fillers.
	FillersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "whisper_fillers_active",
		Help: "Current number of active queue fillers",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MatchQueueSize,
		ActiveSessions,
		MatchesTotal,
		MatchWait,
		SessionDuration,
		RelayMessagesTotal,
		QueueEvictions,
		DirectoryErrors,
		ClaimConflicts,
		FillersActive,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

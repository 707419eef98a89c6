// Package metrics provides Prometheus instrumentation for the match server.
// It exposes gauges for connection, pool and session counts, counters for
// match and relay throughput, and histograms for match quality and wait time.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connections tracks the current number of active WebSocket connections.
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "peerprep_connections",
		Help: "Current number of active WebSocket connections",
	})

	// WaitingCandidates tracks the waiting-pool size per room.
	WaitingCandidates = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "peerprep_waiting_candidates",
		Help: "Current number of waiting candidates per room",
	}, []string{"room"})

	// ActiveSessions tracks the current number of active matched sessions.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "peerprep_active_sessions",
		Help: "Current number of active matched sessions",
	})

	// MatchesTotal counts committed matches.
	MatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "peerprep_matches_total",
		Help: "Total number of committed matches",
	})

	// MatchScore records the accepted score of committed matches.
	MatchScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "peerprep_match_score",
		Help:    "Compatibility score of committed matches",
		Buckets: []float64{20, 30, 40, 50, 60, 70, 80, 90, 100},
	})

	// MatchWaitSeconds records how long candidates waited before being matched.
	MatchWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "peerprep_match_wait_seconds",
		Help:    "Time from joining a room to being matched",
		Buckets: []float64{.5, 1, 2, 5, 10, 30, 60, 120, 300},
	})

	// SignalsTotal counts relayed signaling messages, labeled by event type
	// ("offer", "answer", "ice_candidate") and outcome ("delivered",
	// "forwarded", "dropped").
	SignalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "peerprep_signals_total",
		Help: "Total number of relayed signaling messages",
	}, []string{"event", "outcome"})

	// ChatMessagesTotal counts room chat broadcasts.
	ChatMessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "peerprep_chat_messages_total",
		Help: "Total number of room chat broadcasts",
	})
)

func init() {
	prometheus.MustRegister(
		Connections,
		WaitingCandidates,
		ActiveSessions,
		MatchesTotal,
		MatchScore,
		MatchWaitSeconds,
		SignalsTotal,
		ChatMessagesTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

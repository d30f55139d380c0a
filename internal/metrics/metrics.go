// Package metrics exposes the Prometheus instrumentation for the
// platform. All collectors are registered on the default registry and
// served from /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BotsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agond_bots_connected",
		Help: "Bots currently attached to this instance",
	})

	SpectatorsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agond_spectators_connected",
		Help: "Spectators currently attached to this instance",
	})

	ContestsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agond_contests_active",
		Help: "Contests owned and driven by this instance",
	})

	ContestsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agond_contests_completed_total",
		Help: "Contests finalized on this instance",
	})

	ContestsRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agond_contests_recovered_total",
		Help: "Contests adopted from a failed peer",
	})

	// Outcome is one of: ok, timeout, validation, not_connected, transport.
	BotRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agond_bot_requests_total",
		Help: "Bot round-trips by outcome",
	}, []string{"outcome"})

	BotRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agond_bot_request_duration_seconds",
		Help:    "Bot round-trip latency",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	CrossInstanceRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agond_cross_instance_requests_total",
		Help: "Bot requests routed to a peer instance over the bus",
	})

	VotesAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agond_votes_accepted_total",
		Help: "Votes persisted",
	})

	VotesRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agond_votes_rejected_total",
		Help: "Votes rejected as duplicate or out-of-window",
	})

	QueueSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agond_matchmaker_queue_size",
		Help: "Entries waiting in this instance's matchmaker queue",
	})

	PairsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agond_matchmaker_pairs_total",
		Help: "Pairings emitted by the matchmaker",
	})

	Broadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agond_spectator_broadcasts_total",
		Help: "Spectator envelopes fanned out locally",
	})

	DroppedBroadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agond_spectator_broadcasts_dropped_total",
		Help: "Spectator envelopes dropped on full client buffers",
	})

	OwnershipClaims = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agond_ownership_claims_total",
		Help: "Ownership claim attempts by result (won, lost)",
	}, []string{"result"})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

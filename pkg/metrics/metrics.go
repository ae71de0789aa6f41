package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Broker metrics
	MessagesSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_messages_submitted_total",
			Help: "Total number of messages accepted by submit, by channel and kind",
		},
		[]string{"channel", "kind"},
	)

	ClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_claims_total",
			Help: "Total number of claim attempts by outcome",
		},
		[]string{"outcome"},
	)

	MessagesPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "switchboard_messages_pending",
			Help: "Pending messages by channel",
		},
		[]string{"channel"},
	)

	MessagesExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "switchboard_messages_expired_total",
			Help: "Messages removed because their TTL passed",
		},
	)

	DeadLettersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "switchboard_dead_letters_total",
			Help: "Messages moved to the dead letter archive",
		},
	)

	AsksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_asks_total",
			Help: "Ask round trips by outcome",
		},
		[]string{"outcome"},
	)

	// Job board metrics
	TasksByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "switchboard_tasks",
			Help: "Tasks by status",
		},
		[]string{"status"},
	)

	TaskClaims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_task_claims_total",
			Help: "Task claim attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Voting metrics
	VotesOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "switchboard_votes_open",
			Help: "Votes currently open",
		},
	)

	BallotsCast = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "switchboard_ballots_cast_total",
			Help: "Ballots accepted across all votes",
		},
	)

	// Store metrics
	StoreRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "switchboard_store_retries_total",
			Help: "Write transactions retried after contention",
		},
	)

	OpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "switchboard_op_duration_seconds",
			Help:    "Core operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Guard metrics
	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "switchboard_rate_limited_total",
			Help: "Submits rejected by the per-agent token bucket",
		},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "switchboard_breaker_state",
			Help: "Circuit breaker state per operation (0 closed, 1 open, 2 half-open)",
		},
		[]string{"op"},
	)

	// Maintenance metrics
	MaintenanceRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "switchboard_maintenance_runs_total",
			Help: "Completed maintenance sweeps",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(MessagesSubmitted)
	prometheus.MustRegister(ClaimsTotal)
	prometheus.MustRegister(MessagesPending)
	prometheus.MustRegister(MessagesExpired)
	prometheus.MustRegister(DeadLettersTotal)
	prometheus.MustRegister(AsksTotal)
	prometheus.MustRegister(TasksByStatus)
	prometheus.MustRegister(TaskClaims)
	prometheus.MustRegister(VotesOpen)
	prometheus.MustRegister(BallotsCast)
	prometheus.MustRegister(StoreRetries)
	prometheus.MustRegister(OpDuration)
	prometheus.MustRegister(RateLimited)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(MaintenanceRuns)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

/*
Package metrics provides Prometheus metrics and health reporting for Switchboard.

All metrics are registered at package init and exposed through Handler(),
which wraps promhttp. Names follow the switchboard_* prefix with the
usual _total suffix on counters.

# Metric Groups

Broker:
  - switchboard_messages_submitted_total (channel, kind)
  - switchboard_claims_total (outcome)
  - switchboard_messages_pending (channel)
  - switchboard_messages_expired_total
  - switchboard_dead_letters_total
  - switchboard_asks_total (outcome)

Job board:
  - switchboard_tasks (status)
  - switchboard_task_claims_total (outcome)

Voting:
  - switchboard_votes_open
  - switchboard_ballots_cast_total

Store and guards:
  - switchboard_store_retries_total
  - switchboard_op_duration_seconds (op)
  - switchboard_rate_limited_total
  - switchboard_breaker_state (op; 0 closed, 1 open, 2 half-open)

Maintenance:
  - switchboard_maintenance_runs_total

# Health

The package also carries a small component health registry. Components
report their status with UpdateComponent; HealthHandler serves a JSON
summary and returns 503 when any component is unhealthy, which makes it
usable directly as a readiness endpoint.

# Usage

	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.OpDuration.WithLabelValues("submit"))
*/
package metrics

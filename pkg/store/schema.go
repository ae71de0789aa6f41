package store

import (
	"fmt"
	"time"

	"github.com/hivemesh/switchboard/pkg/clock"
	"github.com/hivemesh/switchboard/pkg/types"
)

// schema is applied idempotently at Open. Relations are enforced in the
// application, so no foreign keys here. Timestamps are TEXT in the
// canonical millisecond format: lexicographic order is chronological order.
const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id                TEXT PRIMARY KEY,
	type              TEXT NOT NULL,
	version           TEXT NOT NULL DEFAULT '1.0',
	correlation_id    TEXT,
	from_agent        TEXT NOT NULL,
	to_agent          TEXT,
	channel           TEXT NOT NULL DEFAULT 'general',
	priority          INTEGER NOT NULL DEFAULT 5,
	payload           TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'pending',
	created_at        TEXT NOT NULL,
	expires_at        TEXT,
	delivery_count    INTEGER NOT NULL DEFAULT 0,
	last_delivered_at TEXT,
	error             TEXT
);

CREATE INDEX IF NOT EXISTS idx_messages_pending
	ON messages(channel, status, priority DESC, created_at)
	WHERE status = 'pending';

CREATE INDEX IF NOT EXISTS idx_messages_correlation
	ON messages(correlation_id)
	WHERE correlation_id IS NOT NULL;

CREATE INDEX IF NOT EXISTS idx_messages_expiry
	ON messages(expires_at)
	WHERE expires_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS broadcast_deliveries (
	message_id TEXT NOT NULL,
	recipient  TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'delivered',
	updated_at TEXT NOT NULL,
	PRIMARY KEY (message_id, recipient)
);

CREATE INDEX IF NOT EXISTS idx_deliveries_recipient
	ON broadcast_deliveries(recipient, status);

CREATE TABLE IF NOT EXISTS channels (
	name       TEXT PRIMARY KEY,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS channel_subscriptions (
	channel       TEXT NOT NULL,
	agent_id      TEXT NOT NULL,
	subscribed_at TEXT NOT NULL,
	PRIMARY KEY (channel, agent_id)
);

CREATE TABLE IF NOT EXISTS agent_status (
	agent_id           TEXT PRIMARY KEY,
	status             TEXT NOT NULL,
	current_task       TEXT,
	last_heartbeat     TEXT NOT NULL,
	messages_pending   INTEGER NOT NULL DEFAULT 0,
	messages_processed INTEGER NOT NULL DEFAULT 0,
	error_count        INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS tasks (
	task_id      TEXT PRIMARY KEY,
	title        TEXT NOT NULL,
	description  TEXT NOT NULL,
	priority     INTEGER NOT NULL DEFAULT 5,
	status       TEXT NOT NULL DEFAULT 'open',
	assignee     TEXT,
	created_at   TEXT NOT NULL,
	started_at   TEXT,
	completed_at TEXT,
	dependencies TEXT NOT NULL DEFAULT '[]',
	history      TEXT NOT NULL DEFAULT '[]',
	result       TEXT,
	error        TEXT
);

CREATE INDEX IF NOT EXISTS idx_tasks_status
	ON tasks(task_id, status);

CREATE INDEX IF NOT EXISTS idx_tasks_available
	ON tasks(status, priority DESC, created_at);

CREATE TABLE IF NOT EXISTS votes (
	vote_id         TEXT PRIMARY KEY,
	topic           TEXT NOT NULL,
	options         TEXT NOT NULL,
	mechanism       TEXT NOT NULL,
	proposer        TEXT NOT NULL,
	eligible_voters TEXT NOT NULL,
	weights         TEXT,
	deadline        TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'open',
	ballots         TEXT NOT NULL DEFAULT '{}',
	result          TEXT,
	created_at      TEXT NOT NULL,
	closed_at       TEXT
);

CREATE INDEX IF NOT EXISTS idx_votes_id
	ON votes(vote_id);

CREATE INDEX IF NOT EXISTS idx_votes_open
	ON votes(status, deadline);

CREATE TABLE IF NOT EXISTS dead_letter (
	id          TEXT PRIMARY KEY,
	message_id  TEXT NOT NULL,
	envelope    TEXT NOT NULL,
	error       TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	archived_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	actor     TEXT NOT NULL,
	kind      TEXT NOT NULL,
	summary   TEXT
);

CREATE INDEX IF NOT EXISTS idx_audit_kind
	ON audit(kind, seq);
`

func (s *Store) applySchema() error {
	if _, err := s.writer.Exec(schema); err != nil {
		return err
	}
	now := clock.Format(time.Now())
	for _, ch := range types.DefaultChannels {
		_, err := s.writer.Exec(
			`INSERT OR IGNORE INTO channels (name, created_at) VALUES (?, ?)`, ch, now)
		if err != nil {
			return fmt.Errorf("failed to seed channel %s: %w", ch, err)
		}
	}
	return nil
}

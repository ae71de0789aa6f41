package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hivemesh/switchboard/pkg/clock"
	"github.com/hivemesh/switchboard/pkg/store"
	"github.com/hivemesh/switchboard/pkg/types"
)

// Event kinds, one per state-changing operation.
const (
	KindMessageSubmit   = "message.submit"
	KindMessageClaim    = "message.claim"
	KindMessageComplete = "message.complete"
	KindMessageSkip     = "message.skip"
	KindMessageExpired  = "message.expired"
	KindDeadLetter      = "message.dead_letter"
	KindTaskCreate      = "task.create"
	KindTaskClaim       = "task.claim"
	KindTaskUpdate      = "task.update"
	KindTaskComplete    = "task.complete"
	KindTaskRelease     = "task.release"
	KindVoteInitiate    = "vote.initiate"
	KindVoteCast        = "vote.cast"
	KindVoteTally       = "vote.tally"
	KindVoteCancel      = "vote.cancel"
	KindSubscribe       = "channel.subscribe"
	KindUnsubscribe     = "channel.unsubscribe"
	KindAgentRegister   = "agent.register"
)

// Append writes one audit record inside the caller's transaction, so the
// record commits (or rolls back) with the operation it describes. Sequence
// numbers are assigned by the database; under the single writer they are
// commit order.
func Append(tx *sql.Tx, now time.Time, actor, kind string, summary any) error {
	var body []byte
	if summary != nil {
		var err error
		body, err = json.Marshal(summary)
		if err != nil {
			return fmt.Errorf("failed to encode audit summary: %w", err)
		}
	}
	_, err := tx.Exec(
		`INSERT INTO audit (timestamp, actor, kind, summary) VALUES (?, ?, ?, ?)`,
		clock.Format(now), actor, kind, store.NullString(string(body)),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

// Log reads the audit stream. Consumers must treat it as append-only.
type Log struct {
	store *store.Store
}

// NewLog creates an audit reader over the store.
func NewLog(st *store.Store) *Log {
	return &Log{store: st}
}

// Recent returns the newest records first, optionally filtered by kind.
func (l *Log) Recent(ctx context.Context, limit int, kind string) ([]types.AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT seq, timestamp, actor, kind, summary FROM audit`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	var events []types.AuditEvent
	err := l.store.View(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				ev      types.AuditEvent
				ts      string
				summary sql.NullString
			)
			if err := rows.Scan(&ev.Seq, &ts, &ev.Actor, &ev.Kind, &summary); err != nil {
				return err
			}
			t, err := clock.Parse(ts)
			if err != nil {
				return fmt.Errorf("bad audit timestamp %q: %w", ts, err)
			}
			ev.Timestamp = t
			if summary.Valid {
				ev.Summary = types.Payload(summary.String)
			}
			events = append(events, ev)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	return events, nil
}

// CountByKind returns how many records exist per kind, for monitoring.
func (l *Log) CountByKind(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	err := l.store.View(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT kind, COUNT(*) FROM audit GROUP BY kind`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				kind string
				n    int
			)
			if err := rows.Scan(&kind, &n); err != nil {
				return err
			}
			counts[kind] = n
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count audit records: %w", err)
	}
	return counts, nil
}

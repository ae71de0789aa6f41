package maintenance

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"github.com/hivemesh/switchboard/pkg/audit"
	"github.com/hivemesh/switchboard/pkg/clock"
	"github.com/hivemesh/switchboard/pkg/log"
	"github.com/hivemesh/switchboard/pkg/metrics"
	"github.com/hivemesh/switchboard/pkg/store"
	"github.com/hivemesh/switchboard/pkg/voting"
)

// DefaultInterval is how often the sweep runs.
const DefaultInterval = 60 * time.Second

// Loop is the background janitor: it removes expired messages, archives
// repeatedly failed ones, closes overdue votes, refreshes queue gauges,
// and keeps the database file compact. One loop per process.
type Loop struct {
	store           *store.Store
	clock           *clock.Clock
	votes           *voting.Engine
	interval        time.Duration
	vacuumFreePages int
	stopCh          chan struct{}
	doneCh          chan struct{}
	logger          zerolog.Logger
}

// Options tunes the loop.
type Options struct {
	Interval        time.Duration
	VacuumFreePages int // vacuum when the freelist grows past this; 0 disables
}

// New creates a maintenance loop. The voting engine is optional; without
// it overdue votes stay open until someone tallies them explicitly.
func New(st *store.Store, clk *clock.Clock, votes *voting.Engine, opts Options) *Loop {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	return &Loop{
		store:           st,
		clock:           clk,
		votes:           votes,
		interval:        opts.Interval,
		vacuumFreePages: opts.VacuumFreePages,
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
		logger:          log.WithComponent("maintenance"),
	}
}

// Start begins the sweep loop.
func (l *Loop) Start() {
	go l.run()
}

// Stop stops the loop and waits for an in-flight sweep to finish.
func (l *Loop) Stop() {
	close(l.stopCh)
	<-l.doneCh
}

func (l *Loop) run() {
	defer close(l.doneCh)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := l.RunOnce(context.Background()); err != nil {
				l.logger.Error().Err(err).Msg("sweep failed")
			}
		case <-l.stopCh:
			return
		}
	}
}

// RunOnce performs one sweep. Each step is independent; a failure in one
// is logged and the rest still run.
func (l *Loop) RunOnce(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.OpDuration.WithLabelValues("maintenance"))
		metrics.MaintenanceRuns.Inc()
	}()

	if err := l.expireMessages(ctx); err != nil {
		l.logger.Error().Err(err).Msg("failed to expire messages")
	}
	if err := l.archiveFailed(ctx); err != nil {
		l.logger.Error().Err(err).Msg("failed to archive failed messages")
	}
	if l.votes != nil {
		l.closeOverdueVotes(ctx)
	}
	if err := l.refreshGauges(ctx); err != nil {
		l.logger.Debug().Err(err).Msg("failed to refresh gauges")
	}
	return l.compact(ctx)
}

// expireMessages deletes messages past their TTL along with their
// delivery rows.
func (l *Loop) expireMessages(ctx context.Context) error {
	now := l.clock.Now()
	cutoff := clock.Format(now)

	var expired int64
	err := l.store.Update(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			DELETE FROM broadcast_deliveries WHERE message_id IN (
				SELECT id FROM messages WHERE expires_at IS NOT NULL AND expires_at < ?)`,
			cutoff)
		if err != nil {
			return err
		}
		res, err := tx.Exec(`
			DELETE FROM messages WHERE expires_at IS NOT NULL AND expires_at < ?`, cutoff)
		if err != nil {
			return err
		}
		if expired, err = res.RowsAffected(); err != nil {
			return err
		}
		if expired == 0 {
			return nil
		}
		return audit.Append(tx, now, "maintenance", audit.KindMessageExpired, map[string]int64{
			"count": expired,
		})
	})
	if err != nil {
		return err
	}
	if expired > 0 {
		metrics.MessagesExpired.Add(float64(expired))
		l.logger.Info().Int64("count", expired).Msg("expired messages removed")
	}
	return nil
}

// archiveFailed moves failed messages at the delivery threshold into the
// dead letter table.
func (l *Loop) archiveFailed(ctx context.Context) error {
	now := l.clock.Now()

	var archived int
	err := l.store.Update(ctx, func(tx *sql.Tx) error {
		archived = 0
		rows, err := tx.Query(`
			SELECT id, payload, error, delivery_count FROM messages
			WHERE status = 'failed' AND delivery_count >= 3`)
		if err != nil {
			return err
		}
		type failed struct {
			id, payload, errMsg string
			count               int
		}
		var stale []failed
		for rows.Next() {
			var (
				f      failed
				errCol sql.NullString
			)
			if err := rows.Scan(&f.id, &f.payload, &errCol, &f.count); err != nil {
				rows.Close()
				return err
			}
			f.errMsg = errCol.String
			stale = append(stale, f)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, f := range stale {
			var envelope string
			err := tx.QueryRow(`SELECT json_object(
					'id', id, 'type', type, 'version', version,
					'from_agent', from_agent, 'to_agent', to_agent,
					'channel', channel, 'priority', priority,
					'payload', json(payload), 'status', status,
					'created_at', created_at, 'error', error)
				FROM messages WHERE id = ?`, f.id).Scan(&envelope)
			if err != nil {
				return err
			}
			_, err = tx.Exec(`
				INSERT INTO dead_letter (id, message_id, envelope, error, retry_count, archived_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				clock.NewID(), f.id, envelope, store.NullString(f.errMsg),
				f.count, clock.Format(now))
			if err != nil {
				return err
			}
			if _, err := tx.Exec(`DELETE FROM messages WHERE id = ?`, f.id); err != nil {
				return err
			}
			if err := audit.Append(tx, now, "maintenance", audit.KindDeadLetter, map[string]string{
				"message_id": f.id,
				"error":      f.errMsg,
			}); err != nil {
				return err
			}
			archived++
		}
		return nil
	})
	if err != nil {
		return err
	}
	if archived > 0 {
		metrics.DeadLettersTotal.Add(float64(archived))
		l.logger.Warn().Int("count", archived).Msg("failed messages dead lettered")
	}
	return nil
}

// closeOverdueVotes tallies open votes whose deadline passed. Tally is
// idempotent, so racing an explicit tally is harmless.
func (l *Loop) closeOverdueVotes(ctx context.Context) {
	ids, err := l.votes.OpenPastDeadline(ctx)
	if err != nil {
		l.logger.Error().Err(err).Msg("failed to list overdue votes")
		return
	}
	for _, id := range ids {
		if _, err := l.votes.Tally(ctx, id); err != nil {
			l.logger.Error().Str("vote_id", id).Err(err).Msg("failed to close overdue vote")
		}
	}
}

// refreshGauges samples queue depths into the Prometheus gauges.
func (l *Loop) refreshGauges(ctx context.Context) error {
	return l.store.View(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT channel, COUNT(*) FROM messages WHERE status = 'pending' GROUP BY channel`)
		if err != nil {
			return err
		}
		metrics.MessagesPending.Reset()
		for rows.Next() {
			var (
				channel string
				n       int
			)
			if err := rows.Scan(&channel, &n); err != nil {
				rows.Close()
				return err
			}
			metrics.MessagesPending.WithLabelValues(channel).Set(float64(n))
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		rows, err = tx.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
		if err != nil {
			return err
		}
		metrics.TasksByStatus.Reset()
		for rows.Next() {
			var (
				status string
				n      int
			)
			if err := rows.Scan(&status, &n); err != nil {
				rows.Close()
				return err
			}
			metrics.TasksByStatus.WithLabelValues(status).Set(float64(n))
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		var open int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM votes WHERE status = 'open'`).Scan(&open); err != nil {
			return err
		}
		metrics.VotesOpen.Set(float64(open))
		return nil
	})
}

// compact checkpoints the WAL and vacuums once the freelist is large
// enough to be worth the rewrite.
func (l *Loop) compact(ctx context.Context) error {
	if err := l.store.Checkpoint(ctx); err != nil {
		return err
	}
	if l.vacuumFreePages <= 0 {
		return nil
	}
	free, err := l.store.FreePages(ctx)
	if err != nil {
		return err
	}
	if free > l.vacuumFreePages {
		l.logger.Info().Int("free_pages", free).Msg("vacuuming")
		return l.store.Vacuum(ctx)
	}
	return nil
}

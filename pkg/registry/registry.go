package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hivemesh/switchboard/pkg/audit"
	"github.com/hivemesh/switchboard/pkg/clock"
	"github.com/hivemesh/switchboard/pkg/errdefs"
	"github.com/hivemesh/switchboard/pkg/log"
	"github.com/hivemesh/switchboard/pkg/store"
	"github.com/hivemesh/switchboard/pkg/types"
)

// Liveness thresholds. Readers classify an agent by heartbeat age; the
// registry never mutates rows on behalf of a silent agent.
const (
	DefaultActiveWithin   = 60 * time.Second
	DefaultDegradedWithin = 300 * time.Second
)

// Registry tracks agent heartbeats and channel subscriptions.
type Registry struct {
	store          *store.Store
	clock          *clock.Clock
	activeWithin   time.Duration
	degradedWithin time.Duration
	logger         zerolog.Logger
}

// Options tunes liveness classification.
type Options struct {
	ActiveWithin   time.Duration
	DegradedWithin time.Duration
}

// New creates a registry over the store.
func New(st *store.Store, clk *clock.Clock, opts Options) *Registry {
	if opts.ActiveWithin <= 0 {
		opts.ActiveWithin = DefaultActiveWithin
	}
	if opts.DegradedWithin <= opts.ActiveWithin {
		opts.DegradedWithin = DefaultDegradedWithin
	}
	return &Registry{
		store:          st,
		clock:          clk,
		activeWithin:   opts.ActiveWithin,
		degradedWithin: opts.DegradedWithin,
		logger:         log.WithComponent("registry"),
	}
}

// Heartbeat upserts the agent's status row with a fresh timestamp.
// Idempotent; repeated beats only move last_heartbeat forward. The first
// beat registers the agent and is the only one audited.
func (r *Registry) Heartbeat(ctx context.Context, agent string, status types.AgentState, currentTask string) error {
	if agent == "" {
		return fmt.Errorf("%w: empty agent id", errdefs.ErrInvalidAgent)
	}
	if !types.ValidAgentState(status) {
		return fmt.Errorf("%w: unknown status %q", errdefs.ErrInvalidAgent, status)
	}

	now := r.clock.Now()
	return r.store.Update(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRow(`SELECT 1 FROM agent_status WHERE agent_id = ?`, agent).Scan(&exists)
		first := errors.Is(err, sql.ErrNoRows)
		if err != nil && !first {
			return err
		}

		_, err = tx.Exec(`
			INSERT INTO agent_status (agent_id, status, current_task, last_heartbeat)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(agent_id) DO UPDATE SET
				status = excluded.status,
				current_task = excluded.current_task,
				last_heartbeat = excluded.last_heartbeat`,
			agent, string(status), store.NullString(currentTask), clock.Format(now),
		)
		if err != nil {
			return err
		}

		if first {
			r.logger.Info().Str("agent_id", agent).Msg("agent registered")
			return audit.Append(tx, now, agent, audit.KindAgentRegister, map[string]string{
				"status": string(status),
			})
		}
		return nil
	})
}

// Health returns the agent's row augmented with derived liveness.
func (r *Registry) Health(ctx context.Context, agent string) (*types.AgentHealth, error) {
	var info types.AgentInfo
	err := r.store.View(ctx, func(tx *sql.Tx) error {
		return r.scanAgent(tx.QueryRow(`
			SELECT agent_id, status, current_task, last_heartbeat,
			       messages_pending, messages_processed, error_count
			FROM agent_status WHERE agent_id = ?`, agent), &info)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: agent %s", errdefs.ErrNotFound, agent)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read agent %s: %w", agent, err)
	}
	h := r.classify(info)
	return &h, nil
}

// Fleet returns every known agent with derived liveness.
func (r *Registry) Fleet(ctx context.Context) ([]types.AgentHealth, error) {
	var fleet []types.AgentHealth
	err := r.store.View(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT agent_id, status, current_task, last_heartbeat,
			       messages_pending, messages_processed, error_count
			FROM agent_status ORDER BY agent_id`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var info types.AgentInfo
			if err := r.scanAgent(rows, &info); err != nil {
				return err
			}
			fleet = append(fleet, r.classify(info))
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return fleet, nil
}

// scanner covers both sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func (r *Registry) scanAgent(row scanner, info *types.AgentInfo) error {
	var (
		task sql.NullString
		beat string
	)
	if err := row.Scan(&info.ID, &info.Status, &task, &beat,
		&info.MessagesPending, &info.MessagesProcessed, &info.ErrorCount); err != nil {
		return err
	}
	info.CurrentTask = task.String
	t, err := clock.Parse(beat)
	if err != nil {
		return fmt.Errorf("bad heartbeat timestamp %q: %w", beat, err)
	}
	info.LastHeartbeat = t
	return nil
}

func (r *Registry) classify(info types.AgentInfo) types.AgentHealth {
	age := r.clock.Now().Sub(info.LastHeartbeat)
	liveness := types.LivenessStale
	switch {
	case age <= r.activeWithin:
		liveness = types.LivenessActive
	case age <= r.degradedWithin:
		liveness = types.LivenessDegraded
	}
	return types.AgentHealth{
		AgentInfo:      info,
		Liveness:       liveness,
		SecondsSinceHB: age.Seconds(),
	}
}

// Subscribe adds the agent to a channel. Idempotent; re-subscribing is a
// no-op and audits nothing. Subscribing never backfills delivery rows for
// broadcasts sent earlier.
func (r *Registry) Subscribe(ctx context.Context, agent, channel string) error {
	if agent == "" {
		return fmt.Errorf("%w: empty agent id", errdefs.ErrInvalidAgent)
	}

	now := r.clock.Now()
	return r.store.Update(ctx, func(tx *sql.Tx) error {
		known, err := store.ChannelExists(tx, channel)
		if err != nil {
			return err
		}
		if !known {
			return fmt.Errorf("%w: %s", errdefs.ErrUnknownChannel, channel)
		}

		res, err := tx.Exec(`
			INSERT OR IGNORE INTO channel_subscriptions (channel, agent_id, subscribed_at)
			VALUES (?, ?, ?)`, channel, agent, clock.Format(now))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		return audit.Append(tx, now, agent, audit.KindSubscribe, map[string]string{
			"channel": channel,
		})
	})
}

// Unsubscribe removes the agent from a channel. Idempotent.
func (r *Registry) Unsubscribe(ctx context.Context, agent, channel string) error {
	now := r.clock.Now()
	return r.store.Update(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			DELETE FROM channel_subscriptions WHERE channel = ? AND agent_id = ?`,
			channel, agent)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		return audit.Append(tx, now, agent, audit.KindUnsubscribe, map[string]string{
			"channel": channel,
		})
	})
}

// Channels returns the agent's subscriptions. Every known agent is
// implicitly on general, so it always appears.
func (r *Registry) Channels(ctx context.Context, agent string) ([]string, error) {
	channels := []string{"general"}
	err := r.store.View(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT channel FROM channel_subscriptions
			WHERE agent_id = ? ORDER BY channel`, agent)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var ch string
			if err := rows.Scan(&ch); err != nil {
				return err
			}
			if ch != "general" {
				channels = append(channels, ch)
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list channels for %s: %w", agent, err)
	}
	return channels, nil
}

// CreateChannel registers a new named channel. Idempotent.
func (r *Registry) CreateChannel(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty channel name", errdefs.ErrUnknownChannel)
	}
	now := r.clock.Now()
	return r.store.Update(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT OR IGNORE INTO channels (name, created_at) VALUES (?, ?)`,
			name, clock.Format(now))
		return err
	})
}

package broker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hivemesh/switchboard/pkg/audit"
	"github.com/hivemesh/switchboard/pkg/breaker"
	"github.com/hivemesh/switchboard/pkg/clock"
	"github.com/hivemesh/switchboard/pkg/errdefs"
	"github.com/hivemesh/switchboard/pkg/log"
	"github.com/hivemesh/switchboard/pkg/metrics"
	"github.com/hivemesh/switchboard/pkg/notify"
	"github.com/hivemesh/switchboard/pkg/ratelimit"
	"github.com/hivemesh/switchboard/pkg/store"
	"github.com/hivemesh/switchboard/pkg/types"
)

// Dead-letter threshold: a failed direct message with this many delivery
// attempts is archived instead of retried.
const maxDeliveries = 3

// Broker routes messages between agents: direct delivery with an atomic
// single-consumer claim, and broadcast fan-out with per-recipient rows.
// All state lives in the store; the broker itself is stateless and safe
// for concurrent use.
type Broker struct {
	store      *store.Store
	clock      *clock.Clock
	limiter    *ratelimit.Limiter
	guard      *breaker.Registry
	hub        *notify.Hub
	askTimeout time.Duration
	logger     zerolog.Logger
}

// Options tunes broker behavior.
type Options struct {
	AskTimeout time.Duration // default wait for Ask round trips
}

// New creates a broker over the store. The limiter charges submit paths;
// the breaker registry guards store access per operation.
func New(st *store.Store, clk *clock.Clock, rl *ratelimit.Limiter, guard *breaker.Registry, hub *notify.Hub, opts Options) *Broker {
	if opts.AskTimeout <= 0 {
		opts.AskTimeout = 30 * time.Second
	}
	return &Broker{
		store:      st,
		clock:      clk,
		limiter:    rl,
		guard:      guard,
		hub:        hub,
		askTimeout: opts.AskTimeout,
		logger:     log.WithComponent("broker"),
	}
}

// SubmitRequest carries everything Submit needs. Zero values take the
// documented defaults: channel general, priority 5, no recipient
// (broadcast), no correlation, no TTL.
type SubmitRequest struct {
	From          string
	Type          string
	Payload       types.Payload
	To            string
	Channel       string
	Priority      int
	CorrelationID string
	TTL           time.Duration
}

func (r *SubmitRequest) normalize() {
	if r.Channel == "" {
		r.Channel = "general"
	}
	if r.Priority == 0 {
		r.Priority = types.PriorityDefault
	}
}

func (r *SubmitRequest) validate() error {
	if r.From == "" {
		return fmt.Errorf("%w: missing sender", errdefs.ErrInvalidMessage)
	}
	if r.Type == "" {
		return fmt.Errorf("%w: missing type", errdefs.ErrInvalidMessage)
	}
	if r.Priority < types.PriorityMin || r.Priority > types.PriorityMax {
		return fmt.Errorf("%w: priority %d out of range [%d,%d]",
			errdefs.ErrInvalidMessage, r.Priority, types.PriorityMin, types.PriorityMax)
	}
	if !isJSONObject(r.Payload) {
		return fmt.Errorf("%w: payload must be a JSON object", errdefs.ErrInvalidMessage)
	}
	return nil
}

// isJSONObject accepts exactly one JSON object, nothing else.
func isJSONObject(p []byte) bool {
	trimmed := strings.TrimSpace(string(p))
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(p)
}

// Submit validates, charges the sender's token bucket, and inserts the
// message as pending. Broadcasts additionally get one delivery row per
// current subscriber of the channel; later subscribers get none.
// Returns the new message ID.
func (b *Broker) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	req.normalize()
	if err := req.validate(); err != nil {
		return "", err
	}
	if err := b.limiter.Charge(req.From); err != nil {
		return "", err
	}

	id := clock.NewID()
	now := b.clock.Now()
	expires := b.clock.Expiry(req.TTL)

	err := b.guard.Do("message.submit", func() error {
		return b.store.Update(ctx, func(tx *sql.Tx) error {
			known, err := store.ChannelExists(tx, req.Channel)
			if err != nil {
				return err
			}
			if !known {
				return fmt.Errorf("%w: %s", errdefs.ErrUnknownChannel, req.Channel)
			}

			_, err = tx.Exec(`
				INSERT INTO messages
					(id, type, version, correlation_id, from_agent, to_agent,
					 channel, priority, payload, status, created_at, expires_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?)`,
				id, req.Type, types.ProtocolVersion,
				store.NullString(req.CorrelationID), req.From, store.NullString(req.To),
				req.Channel, req.Priority, string(req.Payload),
				clock.Format(now), store.NullTime(expires),
			)
			if err != nil {
				return err
			}

			fanout := 0
			if req.To == "" {
				fanout, err = b.fanOut(tx, id, req.Channel, now)
				if err != nil {
					return err
				}
			}

			return audit.Append(tx, now, req.From, audit.KindMessageSubmit, map[string]any{
				"message_id": id,
				"type":       req.Type,
				"channel":    req.Channel,
				"to":         req.To,
				"priority":   req.Priority,
				"fanout":     fanout,
			})
		})
	})
	if err != nil {
		return "", err
	}

	kind := "direct"
	if req.To == "" {
		kind = "broadcast"
	}
	metrics.MessagesSubmitted.WithLabelValues(req.Channel, kind).Inc()
	b.logger.Debug().
		Str("message_id", id).
		Str("type", req.Type).
		Str("channel", req.Channel).
		Str("to", req.To).
		Msg("message submitted")

	// Wake any in-process waiter polling for this correlation ID.
	if req.CorrelationID != "" {
		b.hub.Notify(req.CorrelationID)
	}
	return id, nil
}

// fanOut inserts one delivery row per current subscriber of the channel.
// Every known agent is implicitly on general.
func (b *Broker) fanOut(tx *sql.Tx, messageID, channel string, now time.Time) (int, error) {
	query := `SELECT agent_id FROM channel_subscriptions WHERE channel = ?`
	if channel == "general" {
		query += ` UNION SELECT agent_id FROM agent_status`
	}
	rows, err := tx.Query(query, channel)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var recipients []string
	for rows.Next() {
		var agent string
		if err := rows.Scan(&agent); err != nil {
			return 0, err
		}
		recipients = append(recipients, agent)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	ts := clock.Format(now)
	for _, agent := range recipients {
		_, err := tx.Exec(`
			INSERT OR IGNORE INTO broadcast_deliveries (message_id, recipient, status, updated_at)
			VALUES (?, ?, 'delivered', ?)`, messageID, agent, ts)
		if err != nil {
			return 0, err
		}
	}
	return len(recipients), nil
}

// Peek returns pending messages visible to the agent on the given
// channels, best first: direct messages addressed to it, and broadcasts
// whose delivery row is still delivered. Read-only; nothing changes state
// until Claim.
func (b *Broker) Peek(ctx context.Context, agent string, channels []string, limit int) ([]types.Message, error) {
	if len(channels) == 0 {
		channels = []string{"general"}
	}
	if limit <= 0 {
		limit = 10
	}

	placeholders := strings.Repeat("?,", len(channels))
	placeholders = placeholders[:len(placeholders)-1]

	args := []any{}
	for _, ch := range channels {
		args = append(args, ch)
	}
	now := clock.Format(b.clock.Now())
	args = append(args, now, agent, agent, limit)

	var msgs []types.Message
	err := b.store.View(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, type, version, correlation_id, from_agent, to_agent, channel,
			       priority, payload, status, created_at, expires_at,
			       delivery_count, last_delivered_at, error
			FROM messages m
			WHERE m.status = 'pending'
			  AND m.channel IN (`+placeholders+`)
			  AND (m.expires_at IS NULL OR m.expires_at > ?)
			  AND (m.to_agent = ?
			       OR (m.to_agent IS NULL AND EXISTS (
			             SELECT 1 FROM broadcast_deliveries d
			             WHERE d.message_id = m.id
			               AND d.recipient = ?
			               AND d.status = 'delivered')))
			ORDER BY m.priority DESC, m.created_at ASC
			LIMIT ?`, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				return err
			}
			msgs = append(msgs, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to peek: %w", err)
	}
	return msgs, nil
}

// Claim atomically takes the message on behalf of the agent. For a direct
// message the row moves pending to processing; for a broadcast only the
// caller's delivery row moves delivered to acknowledged, leaving the
// message visible to other recipients. Among concurrent claimers exactly
// one sees true.
func (b *Broker) Claim(ctx context.Context, agent, messageID string) (bool, error) {
	now := b.clock.Now()
	var won bool

	err := b.guard.Do("message.claim", func() error {
		return b.store.Update(ctx, func(tx *sql.Tx) error {
			won = false
			var (
				to      sql.NullString
				status  string
				expires sql.NullString
			)
			err := tx.QueryRow(`SELECT to_agent, status, expires_at FROM messages WHERE id = ?`,
				messageID).Scan(&to, &status, &expires)
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			if err != nil {
				return err
			}
			if status != string(types.MessagePending) {
				return nil
			}
			if expires.Valid && expires.String <= clock.Format(now) {
				return nil
			}

			var res sql.Result
			if to.Valid {
				if to.String != agent {
					return nil
				}
				res, err = tx.Exec(`
					UPDATE messages
					SET status = 'processing',
					    delivery_count = delivery_count + 1,
					    last_delivered_at = ?
					WHERE id = ? AND status = 'pending'`,
					clock.Format(now), messageID)
			} else {
				res, err = tx.Exec(`
					UPDATE broadcast_deliveries
					SET status = 'acknowledged', updated_at = ?
					WHERE message_id = ? AND recipient = ? AND status = 'delivered'`,
					clock.Format(now), messageID, agent)
			}
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				return nil
			}
			won = true

			// Claim work counts toward the agent's processed tally.
			_, err = tx.Exec(`
				UPDATE agent_status SET messages_processed = messages_processed + 1
				WHERE agent_id = ?`, agent)
			if err != nil {
				return err
			}

			return audit.Append(tx, now, agent, audit.KindMessageClaim, map[string]string{
				"message_id": messageID,
			})
		})
	})
	if err != nil {
		return false, err
	}

	outcome := "lost"
	if won {
		outcome = "won"
	}
	metrics.ClaimsTotal.WithLabelValues(outcome).Inc()
	return won, nil
}

// Complete finishes a claimed direct message: done without an error, or
// failed with one. A failure at the delivery threshold moves the full
// envelope to the dead letter archive and deletes the row. Broadcast
// message rows are untouched by per-recipient completion; they die at TTL.
func (b *Broker) Complete(ctx context.Context, messageID, errMsg string) error {
	now := b.clock.Now()
	return b.guard.Do("message.complete", func() error {
		return b.store.Update(ctx, func(tx *sql.Tx) error {
			m, err := getMessage(tx, messageID)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: message %s", errdefs.ErrNotFound, messageID)
			}
			if err != nil {
				return err
			}
			if m.Broadcast() {
				return nil
			}
			if m.Status != types.MessageProcessing {
				return fmt.Errorf("%w: message %s is %s, not processing",
					errdefs.ErrInvalidTransition, messageID, m.Status)
			}

			actor := m.To
			if errMsg == "" {
				_, err = tx.Exec(`UPDATE messages SET status = 'done', error = NULL WHERE id = ?`,
					messageID)
				if err != nil {
					return err
				}
				return audit.Append(tx, now, actor, audit.KindMessageComplete, map[string]string{
					"message_id": messageID,
					"status":     "done",
				})
			}

			if m.DeliveryCount >= maxDeliveries {
				if err := deadLetter(tx, m, errMsg, now); err != nil {
					return err
				}
				metrics.DeadLettersTotal.Inc()
				b.logger.Warn().
					Str("message_id", messageID).
					Str("error", errMsg).
					Msg("message dead lettered")
				return audit.Append(tx, now, actor, audit.KindDeadLetter, map[string]string{
					"message_id": messageID,
					"error":      errMsg,
				})
			}

			_, err = tx.Exec(`UPDATE messages SET status = 'failed', error = ? WHERE id = ?`,
				errMsg, messageID)
			if err != nil {
				return err
			}
			_, err = tx.Exec(`
				UPDATE agent_status SET error_count = error_count + 1 WHERE agent_id = ?`, actor)
			if err != nil {
				return err
			}
			return audit.Append(tx, now, actor, audit.KindMessageComplete, map[string]string{
				"message_id": messageID,
				"status":     "failed",
				"error":      errMsg,
			})
		})
	})
}

// Skip dismisses a broadcast for one recipient without acknowledging it.
func (b *Broker) Skip(ctx context.Context, agent, messageID string) error {
	now := b.clock.Now()
	return b.store.Update(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE broadcast_deliveries
			SET status = 'skipped', updated_at = ?
			WHERE message_id = ? AND recipient = ? AND status = 'delivered'`,
			clock.Format(now), messageID, agent)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: no pending delivery of %s for %s",
				errdefs.ErrNotFound, messageID, agent)
		}
		return audit.Append(tx, now, agent, audit.KindMessageSkip, map[string]string{
			"message_id": messageID,
		})
	})
}

// Get returns one message by ID.
func (b *Broker) Get(ctx context.Context, messageID string) (*types.Message, error) {
	var m types.Message
	err := b.store.View(ctx, func(tx *sql.Tx) error {
		got, err := getMessage(tx, messageID)
		if err != nil {
			return err
		}
		m = got
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: message %s", errdefs.ErrNotFound, messageID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read message %s: %w", messageID, err)
	}
	return &m, nil
}

// DeadLetters returns archived envelopes, newest first.
func (b *Broker) DeadLetters(ctx context.Context, limit int) ([]types.DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	var letters []types.DeadLetter
	err := b.store.View(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, message_id, envelope, error, retry_count, archived_at
			FROM dead_letter ORDER BY archived_at DESC LIMIT ?`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				dl       types.DeadLetter
				envelope string
				errCol   sql.NullString
				archived string
			)
			if err := rows.Scan(&dl.ID, &dl.MessageID, &envelope, &errCol,
				&dl.RetryCount, &archived); err != nil {
				return err
			}
			dl.Envelope = types.Payload(envelope)
			dl.Error = errCol.String
			t, err := clock.Parse(archived)
			if err != nil {
				return err
			}
			dl.ArchivedAt = t
			letters = append(letters, dl)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letters: %w", err)
	}
	return letters, nil
}

// deadLetter archives the full message envelope and removes the row plus
// any delivery rows. Callers audit.
func deadLetter(tx *sql.Tx, m types.Message, errMsg string, now time.Time) error {
	m.Status = types.MessageFailed
	m.Error = errMsg
	envelope, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	_, err = tx.Exec(`
		INSERT INTO dead_letter (id, message_id, envelope, error, retry_count, archived_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		clock.NewID(), m.ID, string(envelope), store.NullString(errMsg),
		m.DeliveryCount, clock.Format(now))
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE id = ?`, m.ID); err != nil {
		return err
	}
	_, err = tx.Exec(`DELETE FROM broadcast_deliveries WHERE message_id = ?`, m.ID)
	return err
}

func getMessage(tx *sql.Tx, id string) (types.Message, error) {
	return scanMessage(tx.QueryRow(`
		SELECT id, type, version, correlation_id, from_agent, to_agent, channel,
		       priority, payload, status, created_at, expires_at,
		       delivery_count, last_delivered_at, error
		FROM messages WHERE id = ?`, id))
}

// rowScanner covers both sql.Row and sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (types.Message, error) {
	var (
		m                      types.Message
		corr, to, errCol       sql.NullString
		created                string
		expires, lastDelivered sql.NullString
		payload                string
	)
	err := row.Scan(&m.ID, &m.Type, &m.Version, &corr, &m.From, &to, &m.Channel,
		&m.Priority, &payload, &m.Status, &created, &expires,
		&m.DeliveryCount, &lastDelivered, &errCol)
	if err != nil {
		return m, err
	}
	m.CorrelationID = corr.String
	m.To = to.String
	m.Payload = types.Payload(payload)
	m.Error = errCol.String

	if m.CreatedAt, err = clock.Parse(created); err != nil {
		return m, fmt.Errorf("bad created_at: %w", err)
	}
	if m.ExpiresAt, err = store.ParseTime(expires); err != nil {
		return m, fmt.Errorf("bad expires_at: %w", err)
	}
	if m.LastDelivered, err = store.ParseTime(lastDelivered); err != nil {
		return m, fmt.Errorf("bad last_delivered_at: %w", err)
	}
	return m, nil
}

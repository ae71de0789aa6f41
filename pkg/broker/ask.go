package broker

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hivemesh/switchboard/pkg/clock"
	"github.com/hivemesh/switchboard/pkg/errdefs"
	"github.com/hivemesh/switchboard/pkg/metrics"
	"github.com/hivemesh/switchboard/pkg/types"
)

// Ask polling backoff: start small, cap well under a second so a prompt
// responder is seen quickly without hammering the reader pool.
const (
	askBackoffBase = 50 * time.Millisecond
	askBackoffCap  = 500 * time.Millisecond
)

// responseType derives the reply type from the request type by replacing
// the last dotted segment: context.query becomes context.response. An
// undotted type gains a .response suffix.
func responseType(requestType string) string {
	if i := strings.LastIndex(requestType, "."); i >= 0 {
		return requestType[:i] + ".response"
	}
	return requestType + ".response"
}

// Reply submits a response to an inbound request and completes the
// request as done. The response carries the request's correlation ID (or
// the request's own ID when it had none), swaps sender and recipient, and
// keeps channel and priority. An empty typeOverride derives the type from
// the request type.
func (b *Broker) Reply(ctx context.Context, replier string, inbound *types.Message, payload types.Payload, typeOverride string) (string, error) {
	if inbound == nil {
		return "", fmt.Errorf("%w: nil inbound message", errdefs.ErrInvalidMessage)
	}

	corrID := inbound.CorrelationID
	if corrID == "" {
		corrID = inbound.ID
	}
	respType := typeOverride
	if respType == "" {
		respType = responseType(inbound.Type)
	}

	id, err := b.Submit(ctx, SubmitRequest{
		From:          replier,
		Type:          respType,
		Payload:       payload,
		To:            inbound.From,
		Channel:       inbound.Channel,
		Priority:      inbound.Priority,
		CorrelationID: corrID,
	})
	if err != nil {
		return "", err
	}

	if err := b.Complete(ctx, inbound.ID, ""); err != nil {
		// The response is already on the wire; the stuck request will be
		// retried by its consumer or expire at TTL.
		b.logger.Warn().
			Str("message_id", inbound.ID).
			Err(err).
			Msg("reply sent but request completion failed")
	}
	return id, nil
}

// Ask submits a request to recipient and waits for the correlated
// response, polling with exponential backoff. The matching response is
// claimed, completed, and its payload returned. On deadline the request
// stays in flight; a late response is garbage collected at TTL.
func (b *Broker) Ask(ctx context.Context, agent, recipient, msgType string, payload types.Payload, timeout time.Duration) (types.Payload, error) {
	if timeout <= 0 {
		timeout = b.askTimeout
	}

	corrID := clock.NewID()
	hint := b.hub.Register(corrID)
	defer b.hub.Unregister(corrID)

	if _, err := b.Submit(ctx, SubmitRequest{
		From:          agent,
		Type:          msgType,
		Payload:       payload,
		To:            recipient,
		CorrelationID: corrID,
		TTL:           2 * timeout,
	}); err != nil {
		return nil, err
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	backoff := askBackoffBase
	for {
		resp, err := b.takeResponse(ctx, agent, corrID)
		if err != nil {
			return nil, err
		}
		if resp != nil {
			metrics.AsksTotal.WithLabelValues("answered").Inc()
			return resp, nil
		}

		select {
		case <-time.After(backoff):
		case <-hint:
			// A submit with our correlation ID just landed; poll now.
		case <-deadline.C:
			metrics.AsksTotal.WithLabelValues("timeout").Inc()
			return nil, fmt.Errorf("%w: no response from %s after %s",
				errdefs.ErrTimeout, recipient, timeout)
		case <-ctx.Done():
			metrics.AsksTotal.WithLabelValues("cancelled").Inc()
			return nil, fmt.Errorf("%w: %v", errdefs.ErrTimeout, ctx.Err())
		}
		if backoff *= 2; backoff > askBackoffCap {
			backoff = askBackoffCap
		}
	}
}

// takeResponse looks for a pending response addressed to the asker with
// the given correlation ID and drains it. A nil message with nil error
// means nothing has arrived yet.
func (b *Broker) takeResponse(ctx context.Context, agent, corrID string) (types.Payload, error) {
	msgs, err := b.findByCorrelation(ctx, agent, corrID)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		won, err := b.Claim(ctx, agent, m.ID)
		if err != nil {
			return nil, err
		}
		if !won {
			continue
		}
		if err := b.Complete(ctx, m.ID, ""); err != nil {
			return nil, err
		}
		return m.Payload, nil
	}
	return nil, nil
}

func (b *Broker) findByCorrelation(ctx context.Context, agent, corrID string) ([]types.Message, error) {
	var msgs []types.Message
	err := b.store.View(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, type, version, correlation_id, from_agent, to_agent, channel,
			       priority, payload, status, created_at, expires_at,
			       delivery_count, last_delivered_at, error
			FROM messages
			WHERE correlation_id = ? AND to_agent = ? AND status = 'pending'
			ORDER BY created_at ASC`, corrID, agent)
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
		return nil, fmt.Errorf("failed to poll for response: %w", err)
	}
	return msgs, nil
}

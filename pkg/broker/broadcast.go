package broker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hivemesh/switchboard/pkg/clock"
	"github.com/hivemesh/switchboard/pkg/errdefs"
	"github.com/hivemesh/switchboard/pkg/types"
)

// BroadcastStatus counts a broadcast's delivery rows by state. The voting
// engine uses it to spot voters who never saw an initiation; monitoring
// uses it to diagnose fan-out coverage.
func (b *Broker) BroadcastStatus(ctx context.Context, messageID string) (*types.BroadcastStatus, error) {
	status := &types.BroadcastStatus{MessageID: messageID}
	found := false

	err := b.store.View(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT status, COUNT(*) FROM broadcast_deliveries
			WHERE message_id = ? GROUP BY status`, messageID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				state string
				n     int
			)
			if err := rows.Scan(&state, &n); err != nil {
				return err
			}
			found = true
			status.Total += n
			switch types.DeliveryStatus(state) {
			case types.DeliveryDelivered:
				status.Delivered = n
			case types.DeliveryAcknowledged:
				status.Acknowledged = n
			case types.DeliverySkipped:
				status.Skipped = n
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read broadcast status: %w", err)
	}
	if !found {
		// Distinguish an unknown message from a broadcast nobody received.
		if _, err := b.Get(ctx, messageID); err != nil {
			return nil, err
		}
	}
	return status, nil
}

// Recipients returns each recipient's delivery state for a broadcast.
func (b *Broker) Recipients(ctx context.Context, messageID string) ([]types.Delivery, error) {
	var deliveries []types.Delivery
	err := b.store.View(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT message_id, recipient, status, updated_at
			FROM broadcast_deliveries
			WHERE message_id = ? ORDER BY recipient`, messageID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				d  types.Delivery
				ts string
			)
			if err := rows.Scan(&d.MessageID, &d.Recipient, &d.Status, &ts); err != nil {
				return err
			}
			t, err := clock.Parse(ts)
			if err != nil {
				return fmt.Errorf("bad delivery timestamp %q: %w", ts, err)
			}
			d.UpdatedAt = t
			deliveries = append(deliveries, d)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list recipients: %w", err)
	}
	if deliveries == nil {
		if _, err := b.Get(ctx, messageID); err != nil {
			return nil, err
		}
	}
	return deliveries, nil
}

// DeliveryState returns one recipient's state for a broadcast.
func (b *Broker) DeliveryState(ctx context.Context, messageID, recipient string) (types.DeliveryStatus, error) {
	var state string
	err := b.store.View(ctx, func(tx *sql.Tx) error {
		return tx.QueryRow(`
			SELECT status FROM broadcast_deliveries
			WHERE message_id = ? AND recipient = ?`, messageID, recipient).Scan(&state)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: no delivery of %s for %s", errdefs.ErrNotFound, messageID, recipient)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read delivery state: %w", err)
	}
	return types.DeliveryStatus(state), nil
}

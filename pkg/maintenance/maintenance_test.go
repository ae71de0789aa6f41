package maintenance

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemesh/switchboard/pkg/audit"
	"github.com/hivemesh/switchboard/pkg/breaker"
	"github.com/hivemesh/switchboard/pkg/broker"
	"github.com/hivemesh/switchboard/pkg/clock"
	"github.com/hivemesh/switchboard/pkg/errdefs"
	"github.com/hivemesh/switchboard/pkg/notify"
	"github.com/hivemesh/switchboard/pkg/ratelimit"
	"github.com/hivemesh/switchboard/pkg/registry"
	"github.com/hivemesh/switchboard/pkg/store"
	"github.com/hivemesh/switchboard/pkg/types"
	"github.com/hivemesh/switchboard/pkg/voting"
)

type fixture struct {
	loop     *Loop
	store    *store.Store
	broker   *broker.Broker
	votes    *voting.Engine
	registry *registry.Registry
	audit    *audit.Log
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(t.TempDir(), store.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{
		store: st,
		audit: audit.NewLog(st),
		now:   time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC),
	}
	clk := clock.New()
	clk.NowFunc = func() time.Time { return f.now }

	f.broker = broker.New(st, clk,
		ratelimit.New(1000, 1000),
		breaker.NewRegistry(breaker.DefaultThreshold, breaker.DefaultOpenFor),
		notify.NewHub(), broker.Options{})
	f.votes = voting.New(st, clk, f.broker)
	f.registry = registry.New(st, clk, registry.Options{})
	f.loop = New(st, clk, f.votes, Options{})
	return f
}

// TestExpireMessages: a message with a TTL outlives its usefulness, the
// sweep removes it, and the removal is audited. Messages without a TTL
// stay forever.
func TestExpireMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.registry.Heartbeat(ctx, "agent-b", types.AgentActive, ""))

	mortal, err := f.broker.Submit(ctx, broker.SubmitRequest{
		From: "agent-a", To: "agent-b", Type: "ephemeral",
		Payload: types.Payload(`{}`), TTL: 30 * time.Second,
	})
	require.NoError(t, err)
	immortal, err := f.broker.Submit(ctx, broker.SubmitRequest{
		From: "agent-a", To: "agent-b", Type: "durable",
		Payload: types.Payload(`{}`),
	})
	require.NoError(t, err)

	// Broadcast with TTL; its delivery rows must go with it.
	fanned, err := f.broker.Submit(ctx, broker.SubmitRequest{
		From: "agent-a", Type: "ephemeral.news",
		Payload: types.Payload(`{}`), TTL: 30 * time.Second,
	})
	require.NoError(t, err)

	f.now = f.now.Add(time.Minute)
	require.NoError(t, f.loop.RunOnce(ctx))

	_, err = f.broker.Get(ctx, mortal)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	_, err = f.broker.Get(ctx, fanned)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	m, err := f.broker.Get(ctx, immortal)
	require.NoError(t, err)
	assert.Equal(t, types.MessagePending, m.Status)

	var orphans int
	require.NoError(t, f.store.View(ctx, func(tx *sql.Tx) error {
		return tx.QueryRow(`SELECT COUNT(*) FROM broadcast_deliveries WHERE message_id = ?`,
			fanned).Scan(&orphans)
	}))
	assert.Zero(t, orphans, "delivery rows must die with their broadcast")

	events, err := f.audit.Recent(ctx, 10, audit.KindMessageExpired)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "maintenance", events[0].Actor)
}

func TestExpireNothingAuditsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.loop.RunOnce(ctx))

	events, err := f.audit.Recent(ctx, 10, audit.KindMessageExpired)
	require.NoError(t, err)
	assert.Empty(t, events)
}

// TestArchiveFailed: failed messages at the delivery threshold move to the
// dead letter table with their full envelope.
func TestArchiveFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	exhausted, err := f.broker.Submit(ctx, broker.SubmitRequest{
		From: "agent-a", To: "agent-b", Type: "work.item",
		Payload: types.Payload(`{"n":1}`),
	})
	require.NoError(t, err)
	retriable, err := f.broker.Submit(ctx, broker.SubmitRequest{
		From: "agent-a", To: "agent-b", Type: "work.item",
		Payload: types.Payload(`{"n":2}`),
	})
	require.NoError(t, err)

	require.NoError(t, f.store.Update(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			UPDATE messages SET status = 'failed', delivery_count = 3, error = 'handler crashed'
			WHERE id = ?`, exhausted); err != nil {
			return err
		}
		_, err := tx.Exec(`
			UPDATE messages SET status = 'failed', delivery_count = 1, error = 'flaky'
			WHERE id = ?`, retriable)
		return err
	}))

	require.NoError(t, f.loop.RunOnce(ctx))

	_, err = f.broker.Get(ctx, exhausted)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	_, err = f.broker.Get(ctx, retriable)
	assert.NoError(t, err, "a message below the threshold stays")

	letters, err := f.broker.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, exhausted, letters[0].MessageID)
	assert.Equal(t, "handler crashed", letters[0].Error)
	assert.Equal(t, 3, letters[0].RetryCount)
	assert.Contains(t, string(letters[0].Envelope), `"n":1`)
}

// TestCloseOverdueVotes: the sweep tallies open votes whose deadline
// passed; votes still inside their window are untouched.
func TestCloseOverdueVotes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	overdue, err := f.votes.Initiate(ctx, voting.InitiateRequest{
		Proposer:  "architect",
		Topic:     "library choice",
		Options:   []string{"a", "b"},
		Mechanism: types.MechanismSimpleMajority,
		Voters:    []string{"architect", "backend", "frontend"},
		Deadline:  f.now.Add(time.Hour),
	})
	require.NoError(t, err)
	current, err := f.votes.Initiate(ctx, voting.InitiateRequest{
		Proposer:  "architect",
		Topic:     "naming",
		Options:   []string{"x", "y"},
		Mechanism: types.MechanismSimpleMajority,
		Voters:    []string{"architect", "backend", "frontend"},
		Deadline:  f.now.Add(48 * time.Hour),
	})
	require.NoError(t, err)

	require.NoError(t, f.votes.Cast(ctx, "architect", overdue, "a", "", ""))
	require.NoError(t, f.votes.Cast(ctx, "backend", overdue, "a", "", ""))

	f.now = f.now.Add(2 * time.Hour)
	require.NoError(t, f.loop.RunOnce(ctx))

	vote, err := f.votes.Status(ctx, overdue)
	require.NoError(t, err)
	assert.Equal(t, types.VoteClosed, vote.Status)
	require.NotNil(t, vote.Result)
	assert.Equal(t, "a", vote.Result.Winner)

	vote, err = f.votes.Status(ctx, current)
	require.NoError(t, err)
	assert.Equal(t, types.VoteOpen, vote.Status)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	loop := New(f.store, f.loop.clock, f.votes, Options{Interval: 10 * time.Millisecond})

	loop.Start()
	time.Sleep(50 * time.Millisecond)
	loop.Stop() // must return, not hang
}

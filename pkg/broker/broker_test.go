package broker

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemesh/switchboard/pkg/breaker"
	"github.com/hivemesh/switchboard/pkg/clock"
	"github.com/hivemesh/switchboard/pkg/errdefs"
	"github.com/hivemesh/switchboard/pkg/notify"
	"github.com/hivemesh/switchboard/pkg/ratelimit"
	"github.com/hivemesh/switchboard/pkg/registry"
	"github.com/hivemesh/switchboard/pkg/store"
	"github.com/hivemesh/switchboard/pkg/types"
)

type fixture struct {
	broker   *Broker
	store    *store.Store
	clock    *clock.Clock
	registry *registry.Registry

	// now backs the fake clock; tests move it forward.
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(t.TempDir(), store.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{
		store: st,
		now:   time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC),
	}
	f.clock = clock.New()
	f.clock.NowFunc = func() time.Time { return f.now }

	f.broker = New(st, f.clock,
		ratelimit.New(1000, 1000),
		breaker.NewRegistry(breaker.DefaultThreshold, breaker.DefaultOpenFor),
		notify.NewHub(), Options{})
	f.registry = registry.New(st, f.clock, registry.Options{})
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func (f *fixture) register(t *testing.T, agents ...string) {
	t.Helper()
	for _, a := range agents {
		require.NoError(t, f.registry.Heartbeat(context.Background(), a, types.AgentActive, ""))
	}
}

func (f *fixture) subscribe(t *testing.T, channel string, agents ...string) {
	t.Helper()
	for _, a := range agents {
		require.NoError(t, f.registry.Subscribe(context.Background(), a, channel))
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  SubmitRequest
		want error
	}{
		{"missing sender", SubmitRequest{Type: "x", Payload: types.Payload(`{}`)}, errdefs.ErrInvalidMessage},
		{"missing type", SubmitRequest{From: "a", Payload: types.Payload(`{}`)}, errdefs.ErrInvalidMessage},
		{"priority too high", SubmitRequest{From: "a", Type: "x", Priority: 11, Payload: types.Payload(`{}`)}, errdefs.ErrInvalidMessage},
		{"priority too low", SubmitRequest{From: "a", Type: "x", Priority: -1, Payload: types.Payload(`{}`)}, errdefs.ErrInvalidMessage},
		{"array payload", SubmitRequest{From: "a", Type: "x", Payload: types.Payload(`[1,2]`)}, errdefs.ErrInvalidMessage},
		{"scalar payload", SubmitRequest{From: "a", Type: "x", Payload: types.Payload(`42`)}, errdefs.ErrInvalidMessage},
		{"malformed payload", SubmitRequest{From: "a", Type: "x", Payload: types.Payload(`{"k":`)}, errdefs.ErrInvalidMessage},
		{"empty payload", SubmitRequest{From: "a", Type: "x"}, errdefs.ErrInvalidMessage},
		{"unknown channel", SubmitRequest{From: "a", Type: "x", Channel: "nope", Payload: types.Payload(`{}`)}, errdefs.ErrUnknownChannel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.broker.Submit(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSubmitDefaults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.broker.Submit(ctx, SubmitRequest{
		From: "agent-a", To: "agent-b", Type: "context.query",
		Payload: types.Payload(`{"q":"schema"}`),
	})
	require.NoError(t, err)

	m, err := f.broker.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "general", m.Channel)
	assert.Equal(t, types.PriorityDefault, m.Priority)
	assert.Equal(t, types.ProtocolVersion, m.Version)
	assert.Equal(t, types.MessagePending, m.Status)
	assert.Zero(t, m.DeliveryCount)
	assert.True(t, m.ExpiresAt.IsZero())
}

func TestDirectLifecycle(t *testing.T) {
	f := newFixture(t)
	f.register(t, "agent-b")
	ctx := context.Background()

	id, err := f.broker.Submit(ctx, SubmitRequest{
		From: "agent-a", To: "agent-b", Type: "context.query",
		Payload: types.Payload(`{"q":"x"}`),
	})
	require.NoError(t, err)

	// Visible to the recipient, invisible to everyone else.
	msgs, err := f.broker.Peek(ctx, "agent-b", nil, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)

	msgs, err = f.broker.Peek(ctx, "agent-c", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// The wrong agent cannot claim a message addressed elsewhere.
	won, err := f.broker.Claim(ctx, "agent-c", id)
	require.NoError(t, err)
	assert.False(t, won)

	won, err = f.broker.Claim(ctx, "agent-b", id)
	require.NoError(t, err)
	assert.True(t, won)

	m, err := f.broker.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.MessageProcessing, m.Status)
	assert.Equal(t, 1, m.DeliveryCount)
	assert.False(t, m.LastDelivered.IsZero())

	// Claimed messages leave the pending view.
	msgs, err = f.broker.Peek(ctx, "agent-b", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, f.broker.Complete(ctx, id, ""))
	m, err = f.broker.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.MessageDone, m.Status)
}

// TestConcurrentClaimSingleWinner races claimers for one direct message;
// exactly one may win and the delivery count must reflect one delivery.
func TestConcurrentClaimSingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.broker.Submit(ctx, SubmitRequest{
		From: "agent-a", To: "agent-b", Type: "work.item",
		Payload: types.Payload(`{}`),
	})
	require.NoError(t, err)

	const claimers = 3
	results := make(chan bool, claimers)
	for i := 0; i < claimers; i++ {
		go func() {
			won, err := f.broker.Claim(ctx, "agent-b", id)
			assert.NoError(t, err)
			results <- won
		}()
	}

	wins := 0
	for i := 0; i < claimers; i++ {
		if <-results {
			wins++
		}
	}
	assert.Equal(t, 1, wins)

	m, err := f.broker.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, m.DeliveryCount)
	assert.Equal(t, types.MessageProcessing, m.Status)
}

func TestClaimMissingAndExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	won, err := f.broker.Claim(ctx, "agent-b", "no-such-id")
	require.NoError(t, err)
	assert.False(t, won)

	id, err := f.broker.Submit(ctx, SubmitRequest{
		From: "agent-a", To: "agent-b", Type: "work.item",
		Payload: types.Payload(`{}`), TTL: time.Minute,
	})
	require.NoError(t, err)

	f.advance(2 * time.Minute)

	// Past the TTL the message is invisible and unclaimable even though
	// the sweep has not removed it yet.
	msgs, err := f.broker.Peek(ctx, "agent-b", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	won, err = f.broker.Claim(ctx, "agent-b", id)
	require.NoError(t, err)
	assert.False(t, won)
}

func TestPeekOrdering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []string
	for _, pri := range []int{3, 9, 5, 9, 1} {
		id, err := f.broker.Submit(ctx, SubmitRequest{
			From: "agent-a", To: "agent-b", Type: "work.item",
			Priority: pri, Payload: types.Payload(`{}`),
		})
		require.NoError(t, err)
		ids = append(ids, id)
		f.advance(10 * time.Millisecond)
	}

	msgs, err := f.broker.Peek(ctx, "agent-b", nil, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 5)

	// Priority descending, then age ascending within equal priority.
	assert.Equal(t, ids[1], msgs[0].ID) // first 9
	assert.Equal(t, ids[3], msgs[1].ID) // second 9
	assert.Equal(t, ids[2], msgs[2].ID) // 5
	assert.Equal(t, ids[0], msgs[3].ID) // 3
	assert.Equal(t, ids[4], msgs[4].ID) // 1
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Priority == msgs[i-1].Priority {
			assert.False(t, msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt))
		} else {
			assert.Less(t, msgs[i].Priority, msgs[i-1].Priority)
		}
	}
}

func TestCompleteTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.broker.Complete(ctx, "no-such-id", "")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	id, err := f.broker.Submit(ctx, SubmitRequest{
		From: "agent-a", To: "agent-b", Type: "work.item",
		Payload: types.Payload(`{}`),
	})
	require.NoError(t, err)

	// Pending messages cannot be completed; they were never claimed.
	err = f.broker.Complete(ctx, id, "")
	assert.ErrorIs(t, err, errdefs.ErrInvalidTransition)

	won, err := f.broker.Claim(ctx, "agent-b", id)
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, f.broker.Complete(ctx, id, "worker crashed"))
	m, err := f.broker.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.MessageFailed, m.Status)
	assert.Equal(t, "worker crashed", m.Error)
}

// TestDeadLetterAtThreshold drives a direct message to the delivery
// threshold and fails it; the envelope must move to the archive and the
// live row must disappear.
func TestDeadLetterAtThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.broker.Submit(ctx, SubmitRequest{
		From: "agent-a", To: "agent-b", Type: "work.item",
		Payload: types.Payload(`{"n":1}`),
	})
	require.NoError(t, err)

	// Two failed deliveries already behind it.
	require.NoError(t, f.store.Update(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE messages SET delivery_count = 2 WHERE id = ?`, id)
		return err
	}))

	won, err := f.broker.Claim(ctx, "agent-b", id)
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, f.broker.Complete(ctx, id, "still broken"))

	_, err = f.broker.Get(ctx, id)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	letters, err := f.broker.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, id, letters[0].MessageID)
	assert.Equal(t, "still broken", letters[0].Error)
	assert.Equal(t, 3, letters[0].RetryCount)

	var envelope types.Message
	require.NoError(t, json.Unmarshal(letters[0].Envelope, &envelope))
	assert.Equal(t, id, envelope.ID)
	assert.Equal(t, types.MessageFailed, envelope.Status)
	assert.JSONEq(t, `{"n":1}`, string(envelope.Payload))
}

func TestSubmitRateLimited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// One token, no meaningful refill within the test.
	f.broker.limiter = ratelimit.New(0.001, 1)

	_, err := f.broker.Submit(ctx, SubmitRequest{
		From: "chatty", To: "agent-b", Type: "x", Payload: types.Payload(`{}`),
	})
	require.NoError(t, err)

	_, err = f.broker.Submit(ctx, SubmitRequest{
		From: "chatty", To: "agent-b", Type: "x", Payload: types.Payload(`{}`),
	})
	assert.ErrorIs(t, err, errdefs.ErrRateLimited)

	// Other senders are unaffected.
	_, err = f.broker.Submit(ctx, SubmitRequest{
		From: "quiet", To: "agent-b", Type: "x", Payload: types.Payload(`{}`),
	})
	assert.NoError(t, err)
}

// TestBroadcastFanOut covers the broadcast lifecycle: fan-out at submit,
// one claim per recipient, skip, and no retroactive delivery for late
// subscribers.
func TestBroadcastFanOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "agent-a", "agent-b", "agent-c")
	f.subscribe(t, "technical", "agent-a", "agent-b", "agent-c")

	id, err := f.broker.Submit(ctx, SubmitRequest{
		From: "agent-a", Channel: "technical", Type: "announce",
		Payload: types.Payload(`{"note":"deploy at noon"}`),
	})
	require.NoError(t, err)

	status, err := f.broker.BroadcastStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, status.Total)
	assert.Equal(t, 3, status.Delivered)
	assert.Zero(t, status.Acknowledged)
	assert.Zero(t, status.Skipped)

	// Each subscriber sees it pending.
	for _, agent := range []string{"agent-a", "agent-b", "agent-c"} {
		msgs, err := f.broker.Peek(ctx, agent, []string{"technical"}, 10)
		require.NoError(t, err)
		require.Len(t, msgs, 1, "agent %s", agent)
	}

	// One recipient acknowledges; the message stays visible to the rest.
	won, err := f.broker.Claim(ctx, "agent-b", id)
	require.NoError(t, err)
	assert.True(t, won)

	status, err = f.broker.BroadcastStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, status.Delivered)
	assert.Equal(t, 1, status.Acknowledged)

	msgs, err := f.broker.Peek(ctx, "agent-b", []string{"technical"}, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	msgs, err = f.broker.Peek(ctx, "agent-c", []string{"technical"}, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	// Claiming twice loses.
	won, err = f.broker.Claim(ctx, "agent-b", id)
	require.NoError(t, err)
	assert.False(t, won)

	// Skip dismisses without acknowledging.
	require.NoError(t, f.broker.Skip(ctx, "agent-c", id))
	state, err := f.broker.DeliveryState(ctx, id, "agent-c")
	require.NoError(t, err)
	assert.Equal(t, types.DeliverySkipped, state)
	assert.ErrorIs(t, f.broker.Skip(ctx, "agent-c", id), errdefs.ErrNotFound)

	// A late subscriber gets no delivery row for the old broadcast.
	f.register(t, "agent-d")
	f.subscribe(t, "technical", "agent-d")
	msgs, err = f.broker.Peek(ctx, "agent-d", []string{"technical"}, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	_, err = f.broker.DeliveryState(ctx, id, "agent-d")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	// The message row itself never leaves pending for broadcasts.
	m, err := f.broker.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.MessagePending, m.Status)

	recipients, err := f.broker.Recipients(ctx, id)
	require.NoError(t, err)
	assert.Len(t, recipients, 3)
}

// TestGeneralImplicitSubscription: every registered agent receives general
// broadcasts without an explicit subscription row.
func TestGeneralImplicitSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "agent-a", "agent-b", "agent-c")

	id, err := f.broker.Submit(ctx, SubmitRequest{
		From: "agent-a", Type: "status.report",
		Payload: types.Payload(`{"ok":true}`),
	})
	require.NoError(t, err)

	status, err := f.broker.BroadcastStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, status.Total, "sender included, being a registered agent")

	msgs, err := f.broker.Peek(ctx, "agent-c", nil, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
}

func TestBroadcastCompleteIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "agent-a", "agent-b")

	id, err := f.broker.Submit(ctx, SubmitRequest{
		From: "agent-a", Type: "announce", Payload: types.Payload(`{}`),
	})
	require.NoError(t, err)

	require.NoError(t, f.broker.Complete(ctx, id, ""))
	m, err := f.broker.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.MessagePending, m.Status)
}

func TestBroadcastStatusUnknownMessage(t *testing.T) {
	f := newFixture(t)
	_, err := f.broker.BroadcastStatus(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

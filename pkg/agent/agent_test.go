package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemesh/switchboard/pkg/config"
	"github.com/hivemesh/switchboard/pkg/core"
	"github.com/hivemesh/switchboard/pkg/jobboard"
	"github.com/hivemesh/switchboard/pkg/types"
	"github.com/hivemesh/switchboard/pkg/voting"
)

func openTestCore(t *testing.T) *core.Core {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	c, err := core.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func newMessenger(t *testing.T, c *core.Core, id string, opts Options) *Messenger {
	t.Helper()
	m, err := New(context.Background(), c, id, opts)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close(context.Background()) })
	return m
}

func TestNewRegistersAndSubscribes(t *testing.T) {
	c := openTestCore(t)
	ctx := context.Background()

	m := newMessenger(t, c, "frontend", Options{Channels: []string{"technical", "review"}})

	health, err := c.Registry.Health(ctx, "frontend")
	require.NoError(t, err)
	assert.Equal(t, types.AgentRegistered, health.Status)

	channels, err := m.Channels(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"general", "review", "technical"}, channels)
}

func TestSendReceiveDrain(t *testing.T) {
	c := openTestCore(t)
	ctx := context.Background()

	sender := newMessenger(t, c, "backend", Options{})
	receiver := newMessenger(t, c, "frontend", Options{})

	id, err := sender.Send(ctx, "frontend", "context.response",
		types.Payload(`{"framework":"React 18"}`), WithPriority(8))
	require.NoError(t, err)

	msgs, err := receiver.Receive(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.Equal(t, 8, msgs[0].Priority)

	won, err := receiver.Claim(ctx, id)
	require.NoError(t, err)
	require.True(t, won)
	require.NoError(t, receiver.Complete(ctx, id, ""))

	msgs, err = receiver.Receive(ctx, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestBroadcastReachesFleet(t *testing.T) {
	c := openTestCore(t)
	ctx := context.Background()

	announcer := newMessenger(t, c, "architect", Options{})
	listener := newMessenger(t, c, "backend", Options{})

	id, err := announcer.Broadcast(ctx, "general", "decision.made",
		types.Payload(`{"decision":"sqlite"}`), WithTTL(time.Hour))
	require.NoError(t, err)

	msgs, err := listener.Receive(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.False(t, msgs[0].ExpiresAt.IsZero())

	require.NoError(t, listener.Skip(ctx, id))
	msgs, err = listener.Receive(ctx, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestAskReplyThroughMessengers(t *testing.T) {
	c := openTestCore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	asker := newMessenger(t, c, "frontend", Options{})
	oracle := newMessenger(t, c, "architect", Options{})

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(20 * time.Millisecond):
			}
			msgs, err := oracle.Receive(ctx, nil, 10)
			if err != nil {
				continue
			}
			for i := range msgs {
				if won, _ := oracle.Claim(ctx, msgs[i].ID); won {
					oracle.Reply(ctx, &msgs[i], types.Payload(`{"framework":"React 18"}`))
				}
			}
		}
	}()

	answer, err := asker.Ask(ctx, "architect", "context.query",
		types.Payload(`{"about":"frontend"}`), 5*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"framework":"React 18"}`, string(answer))
}

func TestTaskFlow(t *testing.T) {
	c := openTestCore(t)
	ctx := context.Background()

	planner := newMessenger(t, c, "planner", Options{})
	worker := newMessenger(t, c, "worker", Options{})

	id, err := planner.CreateTask(ctx, jobboard.TaskSpec{
		Title:       "wire login",
		Description: "OAuth against the new IdP",
		Priority:    7,
	})
	require.NoError(t, err)

	available, err := worker.AvailableTasks(ctx)
	require.NoError(t, err)
	require.Len(t, available, 1)

	task, err := worker.ClaimTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "worker", task.Assignee)

	require.NoError(t, worker.UpdateTask(ctx, id, types.TaskInProgress, "on it"))
	require.NoError(t, worker.CompleteTask(ctx, id, "merged", ""))

	done, err := c.Board.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskDone, done.Status)

	// Completing reported the worker idle.
	health, err := c.Registry.Health(ctx, "worker")
	require.NoError(t, err)
	assert.Equal(t, "worker", health.ID)
}

func TestVoteThroughMessengers(t *testing.T) {
	c := openTestCore(t)
	ctx := context.Background()

	proposer := newMessenger(t, c, "architect", Options{})
	newMessenger(t, c, "backend", Options{})
	newMessenger(t, c, "frontend", Options{})

	id, err := proposer.InitiateVote(ctx, voting.InitiateRequest{
		Topic:     "ORM or raw SQL?",
		Options:   []string{"orm", "raw"},
		Mechanism: types.MechanismSimpleMajority,
		Voters:    []string{"architect", "backend", "frontend"},
		Deadline:  time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	// Voters see the initiation in their urgent inbox.
	msgs, err := c.Broker.Peek(ctx, "backend", []string{"urgent"}, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, types.TypeVoteInitiate, msgs[0].Type)

	require.NoError(t, proposer.CastVote(ctx, id, "raw", "", ""))

	vote, err := c.Votes.Status(ctx, id)
	require.NoError(t, err)
	assert.Len(t, vote.Ballots, 1)
	assert.Equal(t, "architect", vote.Proposer)
}

func TestHeartbeatLoop(t *testing.T) {
	c := openTestCore(t)
	ctx := context.Background()

	m := newMessenger(t, c, "beater", Options{HeartbeatInterval: 20 * time.Millisecond})
	m.SetStatus(types.AgentActive, "task-9")

	require.Eventually(t, func() bool {
		health, err := c.Registry.Health(ctx, "beater")
		return err == nil && health.Status == types.AgentActive && health.CurrentTask == "task-9"
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, m.Close(ctx))
	health, err := c.Registry.Health(ctx, "beater")
	require.NoError(t, err)
	assert.Equal(t, types.AgentIdle, health.Status)
}

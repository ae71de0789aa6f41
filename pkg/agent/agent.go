package agent

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hivemesh/switchboard/pkg/broker"
	"github.com/hivemesh/switchboard/pkg/core"
	"github.com/hivemesh/switchboard/pkg/jobboard"
	"github.com/hivemesh/switchboard/pkg/log"
	"github.com/hivemesh/switchboard/pkg/types"
	"github.com/hivemesh/switchboard/pkg/voting"
)

// DefaultHeartbeatInterval keeps an agent comfortably inside the
// registry's active window.
const DefaultHeartbeatInterval = 20 * time.Second

// Messenger is the convenience facade an agent author works with: one
// identity bound to the core's engines, with an optional heartbeat
// goroutine keeping the registry fresh. The engines stay independently
// usable; nothing here adds semantics.
type Messenger struct {
	core    *core.Core
	agentID string
	logger  zerolog.Logger

	mu          sync.Mutex
	currentTask string
	status      types.AgentState
	stopCh      chan struct{}
	doneCh      chan struct{}
}

// Options tunes the facade.
type Options struct {
	// HeartbeatInterval enables the background heartbeat loop when
	// positive.
	HeartbeatInterval time.Duration
	// Channels to subscribe on startup, besides the implicit general.
	Channels []string
}

// New binds an agent identity to the core. With a heartbeat interval the
// messenger registers immediately and keeps beating until Close.
func New(ctx context.Context, c *core.Core, agentID string, opts Options) (*Messenger, error) {
	m := &Messenger{
		core:    c,
		agentID: agentID,
		status:  types.AgentActive,
		logger:  log.WithAgent(agentID),
	}

	if err := c.Registry.Heartbeat(ctx, agentID, types.AgentRegistered, ""); err != nil {
		return nil, err
	}
	for _, ch := range opts.Channels {
		if err := c.Registry.Subscribe(ctx, agentID, ch); err != nil {
			return nil, err
		}
	}

	if opts.HeartbeatInterval > 0 {
		m.stopCh = make(chan struct{})
		m.doneCh = make(chan struct{})
		go m.heartbeatLoop(opts.HeartbeatInterval)
	}
	return m, nil
}

// ID returns the bound agent identity.
func (m *Messenger) ID() string {
	return m.agentID
}

// heartbeatLoop beats until Close.
func (m *Messenger) heartbeatLoop(interval time.Duration) {
	defer close(m.doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			status, task := m.status, m.currentTask
			m.mu.Unlock()
			if err := m.core.Registry.Heartbeat(context.Background(), m.agentID, status, task); err != nil {
				m.logger.Warn().Err(err).Msg("heartbeat failed")
			}
		case <-m.stopCh:
			return
		}
	}
}

// SetStatus changes what the heartbeat loop reports.
func (m *Messenger) SetStatus(status types.AgentState, currentTask string) {
	m.mu.Lock()
	m.status = status
	m.currentTask = currentTask
	m.mu.Unlock()
}

// Heartbeat beats once, explicitly.
func (m *Messenger) Heartbeat(ctx context.Context, status types.AgentState, currentTask string) error {
	m.SetStatus(status, currentTask)
	return m.core.Registry.Heartbeat(ctx, m.agentID, status, currentTask)
}

// Send submits a direct message to another agent.
func (m *Messenger) Send(ctx context.Context, to, msgType string, payload types.Payload, opts ...SendOption) (string, error) {
	req := broker.SubmitRequest{From: m.agentID, To: to, Type: msgType, Payload: payload}
	for _, opt := range opts {
		opt(&req)
	}
	return m.core.Broker.Submit(ctx, req)
}

// Broadcast submits a message to every subscriber of the channel.
func (m *Messenger) Broadcast(ctx context.Context, channel, msgType string, payload types.Payload, opts ...SendOption) (string, error) {
	req := broker.SubmitRequest{From: m.agentID, Channel: channel, Type: msgType, Payload: payload}
	for _, opt := range opts {
		opt(&req)
	}
	return m.core.Broker.Submit(ctx, req)
}

// SendOption adjusts an outgoing message.
type SendOption func(*broker.SubmitRequest)

// WithPriority sets the message priority.
func WithPriority(p int) SendOption {
	return func(r *broker.SubmitRequest) { r.Priority = p }
}

// WithChannel routes a direct message over a specific channel.
func WithChannel(ch string) SendOption {
	return func(r *broker.SubmitRequest) { r.Channel = ch }
}

// WithTTL expires the message after d.
func WithTTL(d time.Duration) SendOption {
	return func(r *broker.SubmitRequest) { r.TTL = d }
}

// WithCorrelation ties the message to an existing exchange.
func WithCorrelation(id string) SendOption {
	return func(r *broker.SubmitRequest) { r.CorrelationID = id }
}

// Receive peeks at pending messages without claiming them.
func (m *Messenger) Receive(ctx context.Context, channels []string, limit int) ([]types.Message, error) {
	return m.core.Broker.Peek(ctx, m.agentID, channels, limit)
}

// Claim atomically takes a message.
func (m *Messenger) Claim(ctx context.Context, messageID string) (bool, error) {
	return m.core.Broker.Claim(ctx, m.agentID, messageID)
}

// Complete finishes a claimed message.
func (m *Messenger) Complete(ctx context.Context, messageID, errMsg string) error {
	return m.core.Broker.Complete(ctx, messageID, errMsg)
}

// Skip dismisses a broadcast without acknowledging it.
func (m *Messenger) Skip(ctx context.Context, messageID string) error {
	return m.core.Broker.Skip(ctx, m.agentID, messageID)
}

// Reply answers an inbound request and completes it.
func (m *Messenger) Reply(ctx context.Context, inbound *types.Message, payload types.Payload) (string, error) {
	return m.core.Broker.Reply(ctx, m.agentID, inbound, payload, "")
}

// Ask sends a request and waits for the correlated response.
func (m *Messenger) Ask(ctx context.Context, recipient, msgType string, payload types.Payload, timeout time.Duration) (types.Payload, error) {
	return m.core.Broker.Ask(ctx, m.agentID, recipient, msgType, payload, timeout)
}

// Subscribe joins a channel.
func (m *Messenger) Subscribe(ctx context.Context, channel string) error {
	return m.core.Registry.Subscribe(ctx, m.agentID, channel)
}

// Unsubscribe leaves a channel.
func (m *Messenger) Unsubscribe(ctx context.Context, channel string) error {
	return m.core.Registry.Unsubscribe(ctx, m.agentID, channel)
}

// Channels lists the agent's subscriptions.
func (m *Messenger) Channels(ctx context.Context) ([]string, error) {
	return m.core.Registry.Channels(ctx, m.agentID)
}

// AvailableTasks lists tasks the agent could claim.
func (m *Messenger) AvailableTasks(ctx context.Context) ([]types.Task, error) {
	return m.core.Board.Available(ctx, m.agentID)
}

// ClaimTask atomically takes a task from the board.
func (m *Messenger) ClaimTask(ctx context.Context, taskID string) (*types.Task, error) {
	task, err := m.core.Board.Claim(ctx, m.agentID, taskID)
	if err != nil {
		return nil, err
	}
	m.SetStatus(types.AgentActive, taskID)
	return task, nil
}

// CreateTask puts a new task on the board.
func (m *Messenger) CreateTask(ctx context.Context, spec jobboard.TaskSpec) (string, error) {
	spec.CreatedBy = m.agentID
	return m.core.Board.Create(ctx, spec)
}

// UpdateTask moves a claimed task along its lifecycle.
func (m *Messenger) UpdateTask(ctx context.Context, taskID string, status types.TaskStatus, note string) error {
	return m.core.Board.Update(ctx, m.agentID, taskID, status, note)
}

// CompleteTask finishes a task.
func (m *Messenger) CompleteTask(ctx context.Context, taskID, result, errMsg string) error {
	err := m.core.Board.Complete(ctx, m.agentID, taskID, result, errMsg)
	if err == nil {
		m.SetStatus(types.AgentIdle, "")
	}
	return err
}

// InitiateVote opens a vote proposed by this agent.
func (m *Messenger) InitiateVote(ctx context.Context, req voting.InitiateRequest) (string, error) {
	req.Proposer = m.agentID
	return m.core.Votes.Initiate(ctx, req)
}

// CastVote records this agent's ballot.
func (m *Messenger) CastVote(ctx context.Context, voteID, choice string, stance types.Stance, reasoning string) error {
	return m.core.Votes.Cast(ctx, m.agentID, voteID, choice, stance, reasoning)
}

// Close stops the heartbeat loop and reports the agent idle.
func (m *Messenger) Close(ctx context.Context) error {
	if m.stopCh != nil {
		close(m.stopCh)
		<-m.doneCh
		m.stopCh = nil
	}
	return m.core.Registry.Heartbeat(ctx, m.agentID, types.AgentIdle, "")
}

package types

import (
	"encoding/json"
	"time"
)

// ProtocolVersion is the wire version stamped on every message.
const ProtocolVersion = "1.0"

// DefaultChannels are created when a data directory is initialized.
var DefaultChannels = []string{"general", "urgent", "technical", "review"}

// Payload is an opaque structured message body. It must be a JSON object;
// validation happens at submit time and the bytes travel untouched after that.
type Payload = json.RawMessage

// Message represents a routed unit of communication between agents
type Message struct {
	ID            string        `json:"id"`
	Type          string        `json:"type"`
	Version       string        `json:"version"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	From          string        `json:"from_agent"`
	To            string        `json:"to_agent,omitempty"` // empty = broadcast
	Channel       string        `json:"channel"`
	Priority      int           `json:"priority"`
	Payload       Payload       `json:"payload"`
	Status        MessageStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	ExpiresAt     time.Time     `json:"expires_at,omitzero"`
	DeliveryCount int           `json:"delivery_count"`
	LastDelivered time.Time     `json:"last_delivered_at,omitzero"`
	Error         string        `json:"error,omitempty"`
}

// Broadcast reports whether the message fans out to channel subscribers.
func (m *Message) Broadcast() bool {
	return m.To == ""
}

// MessageStatus represents the lifecycle state of a message
type MessageStatus string

const (
	MessagePending    MessageStatus = "pending"
	MessageProcessing MessageStatus = "processing"
	MessageDone       MessageStatus = "done"
	MessageFailed     MessageStatus = "failed"
)

// Priority bounds and defaults. 1-3 background, 4-6 normal, 7-8 important,
// 9-10 urgent.
const (
	PriorityMin     = 1
	PriorityMax     = 10
	PriorityDefault = 5
)

// DeliveryStatus represents the per-recipient state of a broadcast
type DeliveryStatus string

const (
	DeliveryDelivered    DeliveryStatus = "delivered"
	DeliveryAcknowledged DeliveryStatus = "acknowledged"
	DeliverySkipped      DeliveryStatus = "skipped"
)

// Delivery represents one recipient's view of a broadcast message
type Delivery struct {
	MessageID string         `json:"message_id"`
	Recipient string         `json:"recipient"`
	Status    DeliveryStatus `json:"status"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// BroadcastStatus summarizes fan-out coverage for one broadcast message
type BroadcastStatus struct {
	MessageID    string `json:"message_id"`
	Total        int    `json:"total"`
	Delivered    int    `json:"delivered"`
	Acknowledged int    `json:"acknowledged"`
	Skipped      int    `json:"skipped"`
}

// Subscription represents a (channel, agent) routing entry
type Subscription struct {
	Channel      string    `json:"channel"`
	Agent        string    `json:"agent"`
	SubscribedAt time.Time `json:"subscribed_at"`
}

// AgentState represents the self-reported status of an agent
type AgentState string

const (
	AgentActive     AgentState = "active"
	AgentIdle       AgentState = "idle"
	AgentDegraded   AgentState = "degraded"
	AgentFailed     AgentState = "failed"
	AgentRegistered AgentState = "registered"
)

// ValidAgentState reports whether s is one of the known agent states.
func ValidAgentState(s AgentState) bool {
	switch s {
	case AgentActive, AgentIdle, AgentDegraded, AgentFailed, AgentRegistered:
		return true
	}
	return false
}

// Liveness classifies heartbeat freshness as seen by readers
type Liveness string

const (
	LivenessActive   Liveness = "active"   // heartbeat within 60s
	LivenessDegraded Liveness = "degraded" // heartbeat within 60-300s
	LivenessStale    Liveness = "stale"    // beyond 300s
)

// AgentInfo represents one row of the agent registry
type AgentInfo struct {
	ID                string     `json:"agent_id"`
	Status            AgentState `json:"status"`
	CurrentTask       string     `json:"current_task,omitempty"`
	LastHeartbeat     time.Time  `json:"last_heartbeat"`
	MessagesPending   int        `json:"messages_pending"`
	MessagesProcessed int        `json:"messages_processed"`
	ErrorCount        int        `json:"error_count"`
}

// AgentHealth is an AgentInfo augmented with derived liveness
type AgentHealth struct {
	AgentInfo
	Liveness       Liveness `json:"liveness"`
	SecondsSinceHB float64  `json:"seconds_since_heartbeat"`
}

// Task represents a unit of work on the job board
type Task struct {
	ID           string      `json:"task_id"`
	Title        string      `json:"title"`
	Description  string      `json:"description"`
	Priority     int         `json:"priority"`
	Status       TaskStatus  `json:"status"`
	Assignee     string      `json:"assignee,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	StartedAt    time.Time   `json:"started_at,omitzero"`
	CompletedAt  time.Time   `json:"completed_at,omitzero"`
	Dependencies []string    `json:"dependencies,omitempty"`
	History      []TaskEvent `json:"history,omitempty"`
	Result       string      `json:"result,omitempty"`
	Error        string      `json:"error,omitempty"`
}

// TaskEvent is one history entry on a task
type TaskEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Event     string    `json:"event"`
	Agent     string    `json:"agent,omitempty"`
	Note      string    `json:"note,omitempty"`
}

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskOpen       TaskStatus = "open"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in-progress"
	TaskBlocked    TaskStatus = "blocked"
	TaskDone       TaskStatus = "done"
	TaskFailed     TaskStatus = "failed"
)

// VoteMechanism selects how ballots are tallied
type VoteMechanism string

const (
	MechanismSimpleMajority VoteMechanism = "simple_majority"
	MechanismWeighted       VoteMechanism = "weighted"
	MechanismConsensus      VoteMechanism = "consensus"
)

// ValidMechanism reports whether m is a known tally mechanism.
func ValidMechanism(m VoteMechanism) bool {
	switch m {
	case MechanismSimpleMajority, MechanismWeighted, MechanismConsensus:
		return true
	}
	return false
}

// VoteStatus represents the lifecycle state of a vote
type VoteStatus string

const (
	VoteOpen      VoteStatus = "open"
	VoteClosed    VoteStatus = "closed"
	VoteCancelled VoteStatus = "cancelled"
)

// Stance classifies a consensus ballot
type Stance string

const (
	StanceSupport    Stance = "support"
	StanceAcceptable Stance = "acceptable"
	StanceBlock      Stance = "block"
)

// ValidStance reports whether s is a known consensus stance.
func ValidStance(s Stance) bool {
	switch s {
	case StanceSupport, StanceAcceptable, StanceBlock:
		return true
	}
	return false
}

// Ballot is one voter's recorded choice
type Ballot struct {
	Choice    string    `json:"choice"`
	Stance    Stance    `json:"stance,omitempty"`
	Reasoning string    `json:"reasoning,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Vote represents a decision in progress or concluded
type Vote struct {
	ID             string            `json:"vote_id"`
	Topic          string            `json:"topic"`
	Options        []string          `json:"options"`
	Mechanism      VoteMechanism     `json:"mechanism"`
	Proposer       string            `json:"proposer"`
	EligibleVoters []string          `json:"eligible_voters"`
	Weights        map[string]int    `json:"weights,omitempty"`
	Deadline       time.Time         `json:"deadline"`
	Status         VoteStatus        `json:"status"`
	Ballots        map[string]Ballot `json:"votes_cast"`
	Result         *VoteResult       `json:"result,omitempty"`
	CreatedAt      time.Time         `json:"proposed_at"`
	ClosedAt       time.Time         `json:"closed_at,omitzero"`
}

// Eligible reports whether agent may cast a ballot in v.
func (v *Vote) Eligible(agent string) bool {
	for _, e := range v.EligibleVoters {
		if e == agent {
			return true
		}
	}
	return false
}

// HasOption reports whether choice is one of the vote's options.
func (v *Vote) HasOption(choice string) bool {
	for _, o := range v.Options {
		if o == choice {
			return true
		}
	}
	return false
}

// Vote outcome values beyond a winning option name
const (
	OutcomeTie      = "tie"
	OutcomeNoQuorum = "no_quorum"
	OutcomePassed   = "passed"
	OutcomeBlocked  = "blocked"
)

// Blocker records who blocked a consensus vote and why
type Blocker struct {
	Voter     string `json:"voter"`
	Reasoning string `json:"reasoning,omitempty"`
}

// VoteResult is the stored outcome of a tallied vote
type VoteResult struct {
	Outcome    string         `json:"outcome"`
	Winner     string         `json:"winner,omitempty"`
	Tally      map[string]int `json:"tally"`
	TotalVotes int            `json:"total_votes"`
	Eligible   int            `json:"eligible"`
	Mechanism  VoteMechanism  `json:"mechanism"`
	Blockers   []Blocker      `json:"blockers,omitempty"`
}

// DeadLetter is an archived failed message
type DeadLetter struct {
	ID         string    `json:"id"`
	MessageID  string    `json:"message_id"`
	Envelope   Payload   `json:"envelope"`
	Error      string    `json:"error,omitempty"`
	RetryCount int       `json:"retry_count"`
	ArchivedAt time.Time `json:"archived_at"`
}

// AuditEvent is one append-only record of a state-changing operation
type AuditEvent struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Kind      string    `json:"kind"`
	Summary   Payload   `json:"summary,omitempty"`
}

// Standard message types used as routing labels
const (
	TypeContextQuery    = "context.query"
	TypeContextResponse = "context.response"
	TypeTaskClaim       = "task.claim"
	TypeTaskUpdate      = "task.update"
	TypeVoteInitiate    = "vote.initiate"
	TypeVoteCast        = "vote.cast"
	TypeVoteRecorded    = "vote.recorded"
	TypeVoteResult      = "vote.result"
	TypeHeartbeat       = "heartbeat"
	TypeBroadcast       = "broadcast"
)

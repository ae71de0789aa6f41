/*
Package types defines the core data structures used throughout Switchboard.

This package contains the fundamental types of the coordination domain:
messages and their delivery records, agents and their liveness, tasks on
the job board, votes and ballots, dead letters, and audit events. All
other packages build on these types for persistence, routing, and
tallying logic.

# Core Types

Messaging:
  - Message: One routed unit of communication. To set = direct,
    To empty = broadcast on Channel.
  - MessageStatus: pending, processing, done, failed.
  - Delivery: One recipient's view of a broadcast (delivered,
    acknowledged, skipped).
  - BroadcastStatus: Fan-out coverage counters for one broadcast.
  - DeadLetter: An archived failed message with its frozen envelope.
  - Payload: An opaque JSON object body, validated at submit time and
    carried untouched afterwards.

Agents:
  - AgentInfo: One registry row (self-reported status, counters).
  - AgentHealth: AgentInfo plus derived Liveness.
  - Liveness: active within 60s, degraded within 300s, stale beyond.
    Derived on read; no reaper mutates agent rows.

Job board:
  - Task: A unit of work with dependencies and an append-only History.
  - TaskStatus: open, assigned, in-progress, blocked, done, failed.

Voting:
  - Vote: A decision in progress or concluded, with eligible voters,
    per-voter Ballots, and a stored Result once tallied.
  - VoteMechanism: simple_majority, weighted, consensus.
  - Stance: support, acceptable, block (consensus only).
  - VoteResult: Outcome plus tally; Outcome is a winning option name or
    one of the Outcome* constants (tie, no_quorum, passed, blocked).

# State Machines

Messages:

	pending → processing → done
	             ↓
	           failed → (pending again, until the delivery limit)

Tasks:

	open → assigned → in-progress ⇄ blocked
	                      ↓
	                 done | failed

done and failed are terminal. A task is claimable only while open and
only once every dependency is done.

# Conventions

All enums are typed string constants so they read naturally in SQL rows
and JSON payloads. Timestamps use time.Time in memory and a fixed
millisecond UTC format on disk (see pkg/clock). Optional times carry
omitzero so absent values disappear from JSON.

# See Also

  - pkg/store for the schema these types map onto
  - pkg/broker, pkg/jobboard, pkg/voting for the operations over them
*/
package types

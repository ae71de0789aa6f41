/*
Package broker implements message submission, delivery, and the ask/reply
request-response pattern.

The broker is the routing core of Switchboard. Every message travels
through it: direct messages addressed to one agent, broadcasts fanned
out to channel subscribers, and correlated ask/reply round trips.

# Architecture

	┌─────────────────────── BROKER ────────────────────────┐
	│                                                        │
	│  Submit ──┬── validate (payload object, channel,       │
	│           │   priority, TTL) + rate limit + breaker    │
	│           │                                            │
	│           ├── direct: one messages row, status pending │
	│           │                                            │
	│           └── broadcast: messages row + one            │
	│               broadcast_deliveries row per subscriber  │
	│               captured at submit time                  │
	│                                                        │
	│  Peek ──── visibility without state change             │
	│  Claim ─── exactly-once transfer of ownership          │
	│  Complete ─ done, or failed with retry accounting      │
	│  Reply ─── response correlated to an inbound message   │
	│  Ask ───── Submit + wait for the correlated response   │
	└────────────────────────────────────────────────────────┘

# Delivery Semantics

Claim is the only way a message changes hands. For direct messages it is
a single conditional UPDATE from pending, so exactly one of any number
of concurrent claimers wins; the rest see won == false. For broadcasts
the same conditional UPDATE runs against the claimer's own delivery row,
so each recipient acknowledges independently and the shared message row
stays pending.

Broadcast membership is frozen at submit time. Agents subscribing after
a broadcast was submitted never see it. The general channel implicitly
includes every registered agent, sender included.

A failed Complete re-queues the message until the delivery limit is
reached, at which point it moves to the dead letter archive with its
full envelope.

# Ask / Reply

Ask submits a request carrying a correlation ID and blocks until a
response with that correlation ID lands, the timeout passes, or ctx is
cancelled. Waiting is a poll with growing backoff, cut short by an
in-process notify hint when the responder lives in the same process.
Reply derives the response type from the request type (last dotted
segment becomes "response"), mirrors the correlation ID, and completes
the request message in the same transaction.

	answer, err := b.Ask(ctx, "frontend", "architect", "context.query",
	    types.Payload(`{"about":"frontend"}`), 30*time.Second)

# Guards

Submit charges a per-agent token bucket (pkg/ratelimit) and every store
round trip runs through a per-operation circuit breaker (pkg/breaker).
Both reject before any SQL runs.
*/
package broker

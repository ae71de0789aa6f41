/*
Package audit records state-changing operations in an append-only log.

Every mutating operation of consequence (registration, subscription,
message expiry, task transitions, vote lifecycle) appends one event with
a monotonic sequence number, an actor, a kind, and a small JSON summary.
Events are never updated or deleted. Recent reads newest first with an
optional kind filter.
*/
package audit

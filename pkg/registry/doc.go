/*
Package registry tracks agents, their heartbeats, and channel membership.

An agent exists once it has heartbeaten. The first beat registers it
(and audits the registration); every beat after that is a plain upsert
of status, current task, and timestamp. Nothing ever reaps an agent row:
liveness is derived at read time from heartbeat age (active within 60s,
degraded within 300s, stale beyond), so a recovered agent is active
again the moment it beats.

Channels are explicit rows. Subscribing to an unknown channel is an
error until CreateChannel adds it; the general channel needs no
subscription because every registered agent is implicitly on it.
Subscribe and Unsubscribe are idempotent, and only a subscription that
actually changed state is audited.
*/
package registry

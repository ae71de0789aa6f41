/*
Package maintenance runs the periodic housekeeping sweep.

Each sweep, in order:

  - expires messages whose TTL passed, together with their broadcast
    delivery rows, and audits the batch
  - archives failed messages that exhausted their delivery attempts
    into the dead letter table
  - tallies open votes whose deadline passed
  - releases stale task claims back to open
  - checkpoints the WAL and vacuums when enough pages are free

Every step is independently safe to rerun; a sweep that finds nothing
to do changes nothing and audits nothing. RunOnce executes a single
sweep synchronously, which is also how tests drive it. Start runs the
loop on a ticker until Stop.
*/
package maintenance

/*
Package store owns the SQLite data directory that backs Switchboard.

One process opens one data directory. The directory is created on first
open with the full schema, the default channels, and a protocol_version
marker; subsequent opens verify the marker and are otherwise idempotent.

# Layout

	<data-dir>/
	    switchboard.db      SQLite database (WAL mode)
	    artifacts/          large payload spill-over, keyed by message ID
	    protocol_version    wire version marker, refused if foreign

# Concurrency Model

SQLite allows one writer at a time, so the store splits its pools:

	┌───────────────────────────────────────────────┐
	│                    Store                       │
	│                                                │
	│  writer *sql.DB     MaxOpenConns(1)            │
	│    BEGIN IMMEDIATE, busy_timeout, WAL          │
	│                                                │
	│  reader *sql.DB     pooled, read-only use      │
	└───────────────────────────────────────────────┘

Update runs fn inside an immediate write transaction on the single
writer connection and retries on SQLITE_BUSY/SQLITE_LOCKED with jittered
backoff, a bounded number of times. When retries are exhausted the error
wraps errdefs.ErrStoreUnavailable so callers and circuit breakers can
classify it. View runs fn read-only against the reader pool.

	err := st.Update(ctx, func(tx *sql.Tx) error {
	    _, err := tx.Exec(`UPDATE messages SET status = 'done' WHERE id = ?`, id)
	    return err
	})

# Timestamps

All timestamps are stored as TEXT in a fixed millisecond UTC format so
that lexicographic order is chronological order and SQL comparisons
against a formatted cutoff are correct. See pkg/clock.

# Maintenance Hooks

Checkpoint, FreePages, and Vacuum expose the WAL checkpoint and vacuum
controls the maintenance loop uses; Ping verifies both pools.
*/
package store

/*
Package breaker implements a per-operation circuit breaker over the store.

Only errors wrapping errdefs.ErrStoreUnavailable count as failures;
domain errors pass through untouched. After a run of consecutive
failures the breaker opens and fast-fails callers without touching the
store, then allows a single half-open probe once the open window has
passed. A successful probe closes the breaker; a failed one reopens it
with a fresh window.

Registry hands out one breaker per named operation so a melted-down
write path does not block reads.
*/
package breaker

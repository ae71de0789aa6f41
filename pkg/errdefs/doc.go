/*
Package errdefs defines the sentinel errors shared across Switchboard.

Every operation returns one of these sentinels (wrapped with context) so
callers can classify failures with errors.Is instead of matching
strings. The Is* helpers group them: IsValidation for caller mistakes,
IsConflict for lost races and bad transitions, Retryable for transient
store contention. DependenciesUnmetError is the one structured error; it
wraps ErrDependenciesUnmet and carries the missing task IDs.
*/
package errdefs

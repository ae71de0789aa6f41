/*
Package clock provides time and identifier generation for the store.

Timestamps are formatted as millisecond-precision UTC strings whose
lexicographic order matches chronological order, so SQL string
comparisons against a formatted cutoff are correct. The clock clamps
small backwards steps of the wall clock so stored timestamps never run
backwards within a process.

Tests replace NowFunc to drive time by hand. NewID returns random UUIDs
for message, task, and vote identifiers.
*/
package clock

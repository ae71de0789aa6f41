/*
Package ratelimit provides per-agent token buckets for message submission.

Built on golang.org/x/time/rate. Each agent gets its own bucket, created
on first use; Charge takes a token or returns ErrRateLimited, Wait
blocks for one within the context deadline. Cleanup drops idle buckets
so the map stays bounded.
*/
package ratelimit

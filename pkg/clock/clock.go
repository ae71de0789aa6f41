package clock

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Timestamp is the canonical wire format: UTC ISO-8601 with millisecond
// precision, fixed width so lexicographic order is chronological order.
const Timestamp = "2006-01-02T15:04:05.000Z"

// Clock hands out timestamps that never move backwards by more than the
// one-second skew already promised to callers. Wall clocks can step; the
// guard clamps instead of exposing the step.
type Clock struct {
	mu   sync.Mutex
	last time.Time

	// NowFunc supplies wall time; tests may replace it.
	NowFunc func() time.Time
}

// New creates a Clock backed by the system wall clock.
func New() *Clock {
	return &Clock{NowFunc: time.Now}
}

// Now returns the current UTC time truncated to millisecond precision.
// If the wall clock stepped backwards past the skew allowance, the previous
// reading is returned instead.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.NowFunc().UTC().Truncate(time.Millisecond)
	if !c.last.IsZero() && now.Before(c.last.Add(-time.Second)) {
		return c.last
	}
	if now.After(c.last) {
		c.last = now
	}
	return now
}

// Expiry returns the expiration instant for a TTL measured from now.
// A zero ttl means no expiration and returns the zero time.
func (c *Clock) Expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return c.Now().Add(ttl)
}

// Format renders t in the canonical wire format.
func Format(t time.Time) string {
	return t.UTC().Format(Timestamp)
}

// Parse reads a canonical timestamp. RFC3339 variants with other fractional
// widths are accepted for compatibility.
func Parse(s string) (time.Time, error) {
	if t, err := time.Parse(Timestamp, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC().Truncate(time.Millisecond), nil
}

// NewID returns a 128-bit random identifier rendered as a 36-character
// string. Used for messages, tasks, votes, and dead-letter rows alike.
func NewID() string {
	return uuid.New().String()
}

package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hivemesh/switchboard/pkg/errdefs"
	"github.com/hivemesh/switchboard/pkg/log"
	"github.com/hivemesh/switchboard/pkg/metrics"
)

// State represents the breaker position
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Defaults per the coordination contract: five consecutive failures trip
// the breaker and it stays open for at least a minute.
const (
	DefaultThreshold = 5
	DefaultOpenFor   = 60 * time.Second
)

// Breaker guards one protected operation. Only store unavailability counts
// as a failure; validation and conflict outcomes pass through untouched.
// State lives in process memory and resets on restart.
type Breaker struct {
	mu        sync.Mutex
	name      string
	threshold int
	openFor   time.Duration
	state     State
	failures  int
	openedAt  time.Time
	probing   bool

	// nowFunc supplies wall time; tests may replace it.
	nowFunc func() time.Time
}

// New creates a closed breaker for the named operation.
func New(name string, threshold int, openFor time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if openFor < DefaultOpenFor {
		openFor = DefaultOpenFor
	}
	return &Breaker{
		name:      name,
		threshold: threshold,
		openFor:   openFor,
		nowFunc:   time.Now,
	}
}

// Allow reports whether a call may proceed. An open breaker fast-fails
// with ErrCircuitOpen until its timer elapses, then admits exactly one
// probe in half-open state.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.nowFunc().Sub(b.openedAt) < b.openFor {
			return fmt.Errorf("%w: %s", errdefs.ErrCircuitOpen, b.name)
		}
		b.setState(StateHalfOpen)
		b.probing = true
		return nil
	default: // half-open
		if b.probing {
			return fmt.Errorf("%w: %s probe in flight", errdefs.ErrCircuitOpen, b.name)
		}
		b.probing = true
		return nil
	}
}

// Success records a successful call. A half-open probe success closes the
// breaker and resets its counters.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probing = false
	if b.state != StateClosed {
		logger := log.WithComponent("breaker")
		logger.Info().Str("op", b.name).Msg("circuit closed")
		b.setState(StateClosed)
	}
}

// Failure records a failed call. Consecutive failures past the threshold,
// or any half-open probe failure, open the breaker with a fresh timer.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.threshold {
		if b.state != StateOpen {
			logger := log.WithComponent("breaker")
			logger.Warn().
				Str("op", b.name).
				Int("failures", b.failures).
				Msg("circuit opened")
		}
		b.setState(StateOpen)
		b.openedAt = b.nowFunc()
	}
}

// Do runs fn behind the breaker. Only store unavailability counts against
// the failure threshold; every other error is the operation's own business.
func (b *Breaker) Do(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	if errors.Is(err, errdefs.ErrStoreUnavailable) {
		b.Failure()
	} else {
		b.Success()
	}
	return err
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// setState updates the state and its gauge. Callers hold the lock.
func (b *Breaker) setState(s State) {
	b.state = s
	metrics.BreakerState.WithLabelValues(b.name).Set(float64(s))
}

// Registry hands out one breaker per protected operation.
type Registry struct {
	mu        sync.Mutex
	breakers  map[string]*Breaker
	threshold int
	openFor   time.Duration
}

// NewRegistry creates a registry; every breaker it mints shares the given
// threshold and open duration.
func NewRegistry(threshold int, openFor time.Duration) *Registry {
	return &Registry{
		breakers:  make(map[string]*Breaker),
		threshold: threshold,
		openFor:   openFor,
	}
}

// Get returns the breaker for op, creating it closed on first use.
func (r *Registry) Get(op string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[op]
	if !ok {
		b = New(op, r.threshold, r.openFor)
		r.breakers[op] = b
	}
	return b
}

// Do runs fn behind the breaker for op.
func (r *Registry) Do(op string, fn func() error) error {
	return r.Get(op).Do(fn)
}

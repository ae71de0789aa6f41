package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

// Validation errors: the request itself is malformed. Never retried.
var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrInvalidTask    = errors.New("invalid task")
	ErrInvalidVote    = errors.New("invalid vote")
	ErrInvalidAgent   = errors.New("invalid agent")
	ErrUnknownChannel = errors.New("unknown channel")
)

// Conflict errors: the request lost a race or arrived out of order.
// Surfaced verbatim so the caller can decide.
var (
	ErrAlreadyClaimed    = errors.New("already claimed")
	ErrAlreadyVoted      = errors.New("already voted")
	ErrVoteClosed        = errors.New("vote closed")
	ErrInvalidTransition = errors.New("invalid transition")
)

// Precondition errors: state the request depends on is missing.
var (
	ErrNotFound           = errors.New("not found")
	ErrNotEligible        = errors.New("not eligible")
	ErrInsufficientVoters = errors.New("insufficient voters")
)

// Resource errors: local guards or the store pushed back. Callers may retry.
var (
	ErrRateLimited      = errors.New("rate limited")
	ErrCircuitOpen      = errors.New("circuit open")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrTimeout          = errors.New("timeout")
)

// DependenciesUnmetError reports the unfinished dependencies that keep a
// task from being claimed.
type DependenciesUnmetError struct {
	TaskID  string
	Missing []string
}

func (e *DependenciesUnmetError) Error() string {
	return fmt.Sprintf("task %s has unmet dependencies: %s",
		e.TaskID, strings.Join(e.Missing, ", "))
}

// IsDependenciesUnmet reports whether err is a DependenciesUnmetError and
// returns it when so.
func IsDependenciesUnmet(err error) (*DependenciesUnmetError, bool) {
	var du *DependenciesUnmetError
	if errors.As(err, &du) {
		return du, true
	}
	return nil, false
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err is one of the conflict kinds.
func IsConflict(err error) bool {
	if _, ok := IsDependenciesUnmet(err); ok {
		return true
	}
	return errors.Is(err, ErrAlreadyClaimed) ||
		errors.Is(err, ErrAlreadyVoted) ||
		errors.Is(err, ErrVoteClosed) ||
		errors.Is(err, ErrInvalidTransition)
}

// IsValidation reports whether err is one of the validation kinds.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidMessage) ||
		errors.Is(err, ErrInvalidTask) ||
		errors.Is(err, ErrInvalidVote) ||
		errors.Is(err, ErrInvalidAgent) ||
		errors.Is(err, ErrUnknownChannel)
}

// Retryable reports whether the caller may reasonably retry the operation.
// Validation and conflict errors are final; resource errors are not.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrTimeout)
}

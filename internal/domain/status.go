package domain

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state of an invocation. The set is open: job logic
// may write its own values, which order after everything the dispatcher writes.
type Status string

const (
	Created    Status = "created"
	Queuing    Status = "queuing"
	Queued     Status = "queued"
	InProgress Status = "in_progress"
	Completed  Status = "completed"
	Failed     Status = "failed"
)

var ErrInvalidTransition = errors.New("invq/domain: invalid status transition")

// Rank orders statuses along created -> queuing -> queued -> in_progress -> terminal.
func (s Status) Rank() int {
	switch s {
	case "", Created:
		return 0
	case Queuing:
		return 1
	case Queued:
		return 2
	case Completed, Failed:
		return 4
	default:
		return 3
	}
}

func (s Status) Terminal() bool { return s == Completed || s == Failed }

func (s Status) String() string {
	if s == "" {
		return string(Created)
	}
	return string(s)
}

// CanAdvance reports whether moving from s to next keeps the status monotonic.
// Re-writing the same non-terminal status is allowed so interrupted steps can
// be re-driven.
func (s Status) CanAdvance(next Status) bool {
	if s.Terminal() {
		return false
	}
	return next.Rank() >= s.Rank()
}

func transitionError(from, to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

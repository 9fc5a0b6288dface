package dispatch

import (
	"errors"
	"fmt"

	"github.com/SirClappington/invq/internal/queue"
	"github.com/SirClappington/invq/internal/retry"
	"github.com/SirClappington/invq/internal/storage"
)

var (
	ErrMalformedMessage = errors.New("invq/dispatch: malformed message body")
	ErrMissingRecord    = errors.New("invq/dispatch: message references a missing invocation record")
	ErrInvalidState     = errors.New("invq/dispatch: invocation cannot be enqueued in its current status")
	ErrInvalidArgument  = errors.New("invq/dispatch: invalid argument")
)

// MalformedMessageError is returned by Dequeue when a message body is not an
// invocation identifier. The message stays leased; pass Message to Discard to
// drop it, or leave it to reappear when the lease lapses.
type MalformedMessageError struct {
	Message *queue.Message
	Err     error
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("%s: message %s body %q: %v", ErrMalformedMessage, e.Message.ID, e.Message.Body, e.Err)
}

func (e *MalformedMessageError) Is(target error) bool { return target == ErrMalformedMessage }

func (e *MalformedMessageError) Unwrap() error { return e.Err }

// Retriable reports whether err is worth retrying after a refresh: exhausted
// transient retries and write conflicts. Format errors, missing records and
// lost leases are not.
func Retriable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrMalformedMessage), errors.Is(err, ErrMissingRecord):
		return false
	case errors.Is(err, queue.ErrReceiptMismatch), errors.Is(err, queue.ErrMessageNotFound):
		return false
	case errors.Is(err, retry.ErrExhausted), errors.Is(err, storage.ErrConflict):
		return true
	default:
		return false
	}
}

// Package queue is the message channel adapter: a durable, visibility-timeout
// queue whose messages carry nothing but a short string body.
//
// A received message stays in the channel, hidden for the requested
// invisibility window. Delete removes it for good; if the window lapses first
// the message becomes receivable again (at-least-once). Every receive rotates
// the pop receipt, so only the latest receiver can delete or extend.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	ErrMessageNotFound = errors.New("invq/queue: message not found")
	ErrReceiptMismatch = errors.New("invq/queue: pop receipt does not match (lease lost)")
	ErrInvalidArgument = errors.New("invq/queue: invalid argument")
)

// DefaultName is the well-known channel name used when none is configured.
const DefaultName = "invocations"

// Message is one delivery of a channel message. ID and PopReceipt are issued
// by the channel and are required to delete or extend the delivery.
type Message struct {
	ID            string
	Body          string
	PopReceipt    string
	InsertedAt    time.Time
	ExpiresAt     time.Time // zero means the message never expires
	NextVisibleAt time.Time
	DequeueCount  int64
}

// Handle rebuilds a message reference from a handle the channel issued
// earlier, e.g. one a remote worker sent back over HTTP.
func Handle(id, popReceipt string) *Message {
	return &Message{ID: id, PopReceipt: popReceipt}
}

// SendOptions tune a single Send. Zero values mean no expiry and immediately
// visible.
type SendOptions struct {
	TTL             time.Duration
	VisibilityDelay time.Duration
}

// Channel is implemented by RedisQ and MemQ.
type Channel interface {
	Send(ctx context.Context, body string, opts SendOptions) (*Message, error)
	// Receive leases one message for invisibleFor. It returns (nil, nil) when
	// nothing is visible and ctx.Err() when cancelled before a message was taken.
	Receive(ctx context.Context, invisibleFor time.Duration) (*Message, error)
	Delete(ctx context.Context, msg *Message) error
	// ExtendVisibility hides msg for d from now and refreshes its PopReceipt
	// and NextVisibleAt in place.
	ExtendVisibility(ctx context.Context, msg *Message, d time.Duration) error
	Len(ctx context.Context) (int64, error)
}

func validHandle(msg *Message) error {
	if msg == nil || msg.ID == "" || msg.PopReceipt == "" {
		return ErrInvalidArgument
	}
	return nil
}

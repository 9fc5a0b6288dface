package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/SirClappington/invq/internal/domain"
	"github.com/SirClappington/invq/internal/queue"
)

// Request pairs one delivery with the invocation record loaded when it was
// dequeued. It lives for one worker's handling of that delivery.
//
// A Request may carry no message (see NewRequest). Acknowledge and Extend are
// then no-ops.
//
// The delivery handle may be renewed by Extend from another goroutine while a
// handler works. A renewal swaps in a new handle rather than writing the old
// one, so a *queue.Message returned by Message is never modified afterwards.
// Extend never touches the invocation.
type Request struct {
	inv   *domain.Invocation
	owner *Dispatcher

	mu  sync.Mutex
	msg *queue.Message
}

// NewRequest returns a record-only request, e.g. for running a handler
// synchronously or in tests.
func NewRequest(inv *domain.Invocation) *Request {
	return &Request{inv: inv}
}

func (r *Request) Invocation() *domain.Invocation { return r.inv }

// Message returns the current delivery handle, or nil for a record-only
// request. Treat it as read-only.
func (r *Request) Message() *queue.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.msg
}

func (r *Request) HasMessage() bool { return r.Message() != nil }

func (r *Request) ID() uuid.UUID {
	if r.inv == nil {
		return uuid.Nil
	}
	return r.inv.ID
}

func (r *Request) Acknowledge(ctx context.Context) error {
	if r.owner == nil || !r.HasMessage() {
		return nil
	}
	return r.owner.Acknowledge(ctx, r)
}

func (r *Request) Extend(ctx context.Context, by time.Duration) error {
	if r.owner == nil || !r.HasMessage() {
		return nil
	}
	return r.owner.Extend(ctx, r, by)
}

// renew replaces the handle if it is still the one the renewal started from.
func (r *Request) renew(from, to *queue.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.msg == from {
		r.msg = to
	}
}

func (r *Request) attributes(msg *queue.Message) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String("invq.message.id", msg.ID)}
	if r.inv != nil {
		attrs = append(attrs, attribute.String("invq.invocation.id", r.inv.ID.String()))
	}
	return attrs
}

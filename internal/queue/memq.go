package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

var _ Channel = (*MemQ)(nil)

type memEntry struct {
	msg       Message
	visibleAt time.Time
	seq       uint64
}

// MemQ is an in-process Channel with the same visibility semantics as RedisQ.
// Safe for concurrent use.
type MemQ struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	seq     uint64
	clock   clockwork.Clock
}

func NewMemQ(clock clockwork.Clock) *MemQ {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemQ{entries: make(map[string]*memEntry), clock: clock}
}

func (q *MemQ) Send(_ context.Context, body string, opts SendOptions) (*Message, error) {
	if opts.TTL < 0 || opts.VisibilityDelay < 0 {
		return nil, fmt.Errorf("%w: negative ttl or delay", ErrInvalidArgument)
	}
	now := q.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	e := &memEntry{
		msg: Message{
			ID:         uuid.NewString(),
			Body:       body,
			InsertedAt: now,
		},
		visibleAt: now.Add(opts.VisibilityDelay),
		seq:       q.seq,
	}
	if opts.TTL > 0 {
		e.msg.ExpiresAt = now.Add(opts.TTL)
	}
	e.msg.NextVisibleAt = e.visibleAt
	q.entries[e.msg.ID] = e

	out := e.msg
	return &out, nil
}

func (q *MemQ) Receive(ctx context.Context, invisibleFor time.Duration) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if invisibleFor <= 0 {
		return nil, fmt.Errorf("%w: invisibility must be positive", ErrInvalidArgument)
	}
	now := q.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	var next *memEntry
	for id, e := range q.entries {
		if !e.msg.ExpiresAt.IsZero() && !now.Before(e.msg.ExpiresAt) {
			delete(q.entries, id)
			continue
		}
		if e.visibleAt.After(now) {
			continue
		}
		if next == nil || e.visibleAt.Before(next.visibleAt) ||
			(e.visibleAt.Equal(next.visibleAt) && e.seq < next.seq) {
			next = e
		}
	}
	if next == nil {
		return nil, nil
	}

	next.visibleAt = now.Add(invisibleFor)
	next.msg.NextVisibleAt = next.visibleAt
	next.msg.PopReceipt = uuid.NewString()
	next.msg.DequeueCount++

	out := next.msg
	return &out, nil
}

func (q *MemQ) lookup(msg *Message) (*memEntry, error) {
	if err := validHandle(msg); err != nil {
		return nil, err
	}
	e, ok := q.entries[msg.ID]
	if !ok {
		return nil, ErrMessageNotFound
	}
	if e.msg.PopReceipt != msg.PopReceipt {
		return nil, ErrReceiptMismatch
	}
	return e, nil
}

func (q *MemQ) Delete(_ context.Context, msg *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.lookup(msg); err != nil {
		return err
	}
	delete(q.entries, msg.ID)
	return nil
}

func (q *MemQ) ExtendVisibility(_ context.Context, msg *Message, d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("%w: negative extension", ErrInvalidArgument)
	}
	now := q.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.lookup(msg)
	if err != nil {
		return err
	}
	e.visibleAt = now.Add(d)
	e.msg.NextVisibleAt = e.visibleAt
	e.msg.PopReceipt = uuid.NewString()

	msg.PopReceipt = e.msg.PopReceipt
	msg.NextVisibleAt = e.visibleAt
	return nil
}

func (q *MemQ) Len(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.entries)), nil
}

// Package dispatch composes the record store and the message channel into
// the invocation lifecycle operations: Enqueue, Dequeue, Acknowledge, Extend
// and Update.
//
// The two stores are never written atomically. Enqueue persists the record as
// Queuing before sending and as Queued after, so a crash in between leaves a
// Queuing record that the reconcile sweeper can find and re-drive. Messages
// are delivered at least once; job logic must tolerate re-execution.
//
// The Dispatcher keeps no mutable state of its own and never logs. Every
// failure is returned to the caller.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"

	"github.com/SirClappington/invq/internal/domain"
	"github.com/SirClappington/invq/internal/queue"
	"github.com/SirClappington/invq/internal/storage"
)

const tracerName = "github.com/SirClappington/invq/internal/dispatch"

// DefaultInvisibility is used by Dequeue when the caller passes no duration.
const DefaultInvisibility = 60 * time.Second

type Dispatcher struct {
	records storage.Table[*domain.Invocation]
	ch      queue.Channel

	clock               clockwork.Clock
	tracer              trace.Tracer
	instance            string
	defaultInvisibility time.Duration
}

type Option func(*Dispatcher)

func WithClock(c clockwork.Clock) Option { return func(d *Dispatcher) { d.clock = c } }

func WithTracer(t trace.Tracer) Option { return func(d *Dispatcher) { d.tracer = t } }

// WithInstanceName sets the name recorded as LastInstanceName on dequeue.
func WithInstanceName(name string) Option { return func(d *Dispatcher) { d.instance = name } }

func WithDefaultInvisibility(v time.Duration) Option {
	return func(d *Dispatcher) {
		if v > 0 {
			d.defaultInvisibility = v
		}
	}
}

func New(records storage.Table[*domain.Invocation], ch queue.Channel, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		records:             records,
		ch:                  ch,
		clock:               clockwork.NewRealClock(),
		tracer:              otel.Tracer(tracerName),
		defaultInvisibility: DefaultInvisibility,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

type enqueueOptions struct {
	delay time.Duration
	ttl   time.Duration
}

type EnqueueOption func(*enqueueOptions)

// WithVisibilityDelay keeps the message hidden for delay after it is sent.
func WithVisibilityDelay(delay time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.delay = delay }
}

// WithTTL expires the message if nobody acknowledges it within ttl. The
// default is no expiry.
func WithTTL(ttl time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.ttl = ttl }
}

// Enqueue makes inv durable and receivable.
//
// On success inv is Queued in the store and a message carrying its identifier
// exists. If the send or the second write fails, the record may be left in
// Queuing; the error is returned either way.
//
// An inv loaded from the store (non-empty ETag) is written with merges guarded
// by that ETag, so re-driving a stale copy fails with storage.ErrConflict
// instead of overwriting a record that has moved on. The Queued write is always
// guarded by the ETag of the Queuing write; if a worker already received the
// message and wrote the record, its status is kept.
func (d *Dispatcher) Enqueue(ctx context.Context, inv *domain.Invocation, opts ...EnqueueOption) (err error) {
	if inv == nil || inv.ID == uuid.Nil {
		return fmt.Errorf("%w: invocation without identifier", ErrInvalidArgument)
	}
	var eo enqueueOptions
	for _, o := range opts {
		o(&eo)
	}
	if eo.delay < 0 || eo.ttl < 0 {
		return fmt.Errorf("%w: negative delay or ttl", ErrInvalidArgument)
	}

	ctx, op := d.begin(ctx, "enqueue", attribute.String("invq.invocation.id", inv.ID.String()))
	defer func() { op.end(err, "ok") }()

	if err := inv.Advance(domain.Queuing); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidState, err)
	}
	persist := d.records.InsertOrReplace
	if inv.ETag() != "" {
		persist = d.records.Merge
	}
	if err := persist(ctx, inv); err != nil {
		return fmt.Errorf("invq/dispatch: enqueue %s: persist queuing: %w", inv.ID, err)
	}

	if _, err := d.ch.Send(ctx, inv.ID.String(), queue.SendOptions{TTL: eo.ttl, VisibilityDelay: eo.delay}); err != nil {
		return fmt.Errorf("invq/dispatch: enqueue %s: send: %w", inv.ID, err)
	}

	now := d.clock.Now().UTC()
	inv.Status = domain.Queued
	inv.QueuedAt = &now
	inv.EstimatedNextVisibleTime = nil
	if eo.delay > 0 {
		visible := now.Add(eo.delay)
		inv.EstimatedNextVisibleTime = &visible
	}
	if err := d.persistQueued(ctx, inv); err != nil {
		return fmt.Errorf("invq/dispatch: enqueue %s: persist queued: %w", inv.ID, err)
	}
	return nil
}

const queuedWriteAttempts = 3

// persistQueued merges the Queued step. On a conflict it reloads the record:
// a status at or past Queued is kept and copied into inv, anything earlier is
// advanced to Queued and merged again.
func (d *Dispatcher) persistQueued(ctx context.Context, inv *domain.Invocation) error {
	for attempt := 1; ; attempt++ {
		err := d.records.Merge(ctx, inv)
		if err == nil || !errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) ||
			attempt == queuedWriteAttempts {
			return err
		}
		current, gerr := d.records.Get(ctx, inv.PartitionKey(), inv.RowKey())
		if gerr != nil {
			return multierr.Append(err, gerr)
		}
		if current.Status.Rank() < domain.Queued.Rank() {
			current.Status = domain.Queued
			current.QueuedAt = inv.QueuedAt
			if current.EstimatedNextVisibleTime == nil {
				current.EstimatedNextVisibleTime = inv.EstimatedNextVisibleTime
			}
			*inv = *current
			continue
		}
		*inv = *current
		return nil
	}
}

// Dequeue leases at most one message for invisibleFor (the default when zero
// or negative) and returns it paired with its refreshed record. It returns
// (nil, nil) when nothing is receivable and ctx.Err() when cancelled while
// waiting.
//
// Dequeue does not change the record's status. It refreshes the lease view
// (DequeueCount, LastDequeuedAt, EstimatedNextVisibleTime, LastInstanceName)
// with a merge guarded by the ETag just read, so a concurrent writer surfaces
// as storage.ErrConflict. In that case the message stays leased and is
// redelivered when the lease lapses.
func (d *Dispatcher) Dequeue(ctx context.Context, invisibleFor time.Duration) (req *Request, err error) {
	if invisibleFor <= 0 {
		invisibleFor = d.defaultInvisibility
	}
	ctx, op := d.begin(ctx, "dequeue")
	result := "ok"
	defer func() { op.end(err, result) }()

	msg, err := d.ch.Receive(ctx, invisibleFor)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("invq/dispatch: dequeue: receive: %w", err)
	}
	if msg == nil {
		result = "empty"
		return nil, nil
	}
	op.span.SetAttributes(
		attribute.String("invq.message.id", msg.ID),
		attribute.Int64("invq.message.dequeue_count", msg.DequeueCount),
	)
	if msg.DequeueCount > 1 {
		getMetrics().redelivery.Inc()
	}

	id, perr := uuid.Parse(msg.Body)
	if perr != nil {
		getMetrics().malformed.Inc()
		return nil, &MalformedMessageError{Message: msg, Err: perr}
	}
	op.span.SetAttributes(attribute.String("invq.invocation.id", id.String()))

	inv, err := d.records.Get(ctx, domain.InvocationPartition, domain.RowKey(id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			getMetrics().missing.Inc()
			return nil, fmt.Errorf("%w: invocation %s (message %s): %w", ErrMissingRecord, id, msg.ID, err)
		}
		return nil, fmt.Errorf("invq/dispatch: dequeue: load %s: %w", id, err)
	}

	now := d.clock.Now().UTC()
	nextVisible := msg.NextVisibleAt.UTC()
	inv.DequeueCount = msg.DequeueCount
	inv.LastDequeuedAt = &now
	inv.EstimatedNextVisibleTime = &nextVisible
	if d.instance != "" {
		inv.LastInstanceName = d.instance
	}
	if err := d.records.Merge(ctx, inv); err != nil {
		return nil, fmt.Errorf("invq/dispatch: dequeue: refresh %s: %w", id, err)
	}

	return &Request{msg: msg, inv: inv, owner: d}, nil
}

// Acknowledge deletes the request's message. Call it only after every durable
// update for the completed work is committed. It is a no-op for a request
// without a message.
func (d *Dispatcher) Acknowledge(ctx context.Context, req *Request) (err error) {
	if req == nil {
		return nil
	}
	msg := req.Message()
	if msg == nil {
		return nil
	}
	ctx, op := d.begin(ctx, "acknowledge", req.attributes(msg)...)
	defer func() { op.end(err, "ok") }()

	if err := d.ch.Delete(ctx, msg); err != nil {
		return fmt.Errorf("invq/dispatch: acknowledge message %s: %w", msg.ID, err)
	}
	return nil
}

// Extend hides the request's message for by from now. It is a no-op for a
// request without a message. On success the request carries the renewed
// handle; neither the record nor the request's invocation is written, so it
// is safe to call while a handler uses the invocation.
func (d *Dispatcher) Extend(ctx context.Context, req *Request, by time.Duration) (err error) {
	if req == nil {
		return nil
	}
	msg := req.Message()
	if msg == nil {
		return nil
	}
	if by < 0 {
		return fmt.Errorf("%w: negative extension", ErrInvalidArgument)
	}
	ctx, op := d.begin(ctx, "extend", req.attributes(msg)...)
	defer func() { op.end(err, "ok") }()

	renewed := *msg
	if err := d.ch.ExtendVisibility(ctx, &renewed, by); err != nil {
		return fmt.Errorf("invq/dispatch: extend message %s: %w", msg.ID, err)
	}
	req.renew(msg, &renewed)
	return nil
}

// Update merges inv's current fields into the store. A non-empty ETag makes
// the write conditional.
func (d *Dispatcher) Update(ctx context.Context, inv *domain.Invocation) (err error) {
	if inv == nil || inv.ID == uuid.Nil {
		return fmt.Errorf("%w: invocation without identifier", ErrInvalidArgument)
	}
	ctx, op := d.begin(ctx, "update", attribute.String("invq.invocation.id", inv.ID.String()))
	defer func() { op.end(err, "ok") }()

	if err := d.records.Merge(ctx, inv); err != nil {
		return fmt.Errorf("invq/dispatch: update %s: %w", inv.ID, err)
	}
	return nil
}

// Get loads the current record for id.
func (d *Dispatcher) Get(ctx context.Context, id uuid.UUID) (*domain.Invocation, error) {
	inv, err := d.records.Get(ctx, domain.InvocationPartition, domain.RowKey(id))
	if err != nil {
		return nil, fmt.Errorf("invq/dispatch: get %s: %w", id, err)
	}
	return inv, nil
}

// Discard deletes msg from the channel without touching any record. It is
// meant for messages Dequeue rejected as malformed.
func (d *Dispatcher) Discard(ctx context.Context, msg *queue.Message) (err error) {
	ctx, op := d.begin(ctx, "discard")
	defer func() { op.end(err, "ok") }()

	if err := d.ch.Delete(ctx, msg); err != nil {
		return fmt.Errorf("invq/dispatch: discard: %w", err)
	}
	return nil
}

// Attach rebuilds a request from a handle the channel issued earlier, so a
// remote worker can acknowledge or extend its lease. inv may be nil.
func (d *Dispatcher) Attach(msg *queue.Message, inv *domain.Invocation) *Request {
	return &Request{msg: msg, inv: inv, owner: d}
}

// Depth reports how many messages the channel holds, leased ones included.
func (d *Dispatcher) Depth(ctx context.Context) (int64, error) {
	n, err := d.ch.Len(ctx)
	if err != nil {
		return 0, fmt.Errorf("invq/dispatch: depth: %w", err)
	}
	return n, nil
}

type operation struct {
	name  string
	span  trace.Span
	start time.Time
	clock clockwork.Clock
}

func (d *Dispatcher) begin(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, *operation) {
	ctx, span := d.tracer.Start(ctx, "invq."+name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	return ctx, &operation{name: name, span: span, start: d.clock.Now(), clock: d.clock}
}

func (o *operation) end(err error, result string) {
	if err != nil {
		result = "error"
		o.span.RecordError(err)
		o.span.SetStatus(codes.Error, err.Error())
	} else {
		o.span.SetStatus(codes.Ok, "")
	}
	o.span.SetAttributes(attribute.String("invq.result", result))
	o.span.End()

	m := getMetrics()
	m.opsTotal.WithLabelValues(o.name, result).Inc()
	m.opLatency.WithLabelValues(o.name, result).Observe(o.clock.Since(o.start).Seconds())
}

// Package worker runs a Handler against dequeued invocations: it keeps the
// lease alive while the handler works, records the outcome, and acknowledges
// only after the outcome is durable.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/SirClappington/invq/internal/dispatch"
	"github.com/SirClappington/invq/internal/domain"
	"github.com/SirClappington/invq/internal/queue"
)

// ErrLeaseLost is the cancellation cause a handler sees when its lease could
// not be extended because another receiver took the message.
var ErrLeaseLost = errors.New("invq/worker: lease lost")

// Handler executes one invocation. Returning nil completes it; an error
// leaves the message to be redelivered until the attempt limit is reached.
// Handlers must tolerate running more than once for the same invocation.
type Handler interface {
	Handle(ctx context.Context, req *dispatch.Request) error
}

type HandlerFunc func(ctx context.Context, req *dispatch.Request) error

func (f HandlerFunc) Handle(ctx context.Context, req *dispatch.Request) error { return f(ctx, req) }

type Runner struct {
	d *dispatch.Dispatcher
	h Handler

	log              *zap.Logger
	clock            clockwork.Clock
	concurrency      int
	maxAttempts      int64
	invisibleFor     time.Duration
	extendEvery      time.Duration
	idleWait         time.Duration
	limiter          *rate.Limiter
	discardMalformed bool
}

type Option func(*Runner)

func WithLogger(l *zap.Logger) Option { return func(r *Runner) { r.log = l } }

func WithClock(c clockwork.Clock) Option { return func(r *Runner) { r.clock = c } }

func WithConcurrency(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithMaxAttempts sets the delivery count at which a failing invocation is
// marked Failed and its message acknowledged.
func WithMaxAttempts(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxAttempts = int64(n)
		}
	}
}

func WithInvisibility(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.invisibleFor = d
		}
	}
}

// WithExtendEvery sets the heartbeat period. Zero means half the invisibility.
func WithExtendEvery(d time.Duration) Option { return func(r *Runner) { r.extendEvery = d } }

func WithIdleWait(d time.Duration) Option { return func(r *Runner) { r.idleWait = d } }

// WithMaxDequeueRate caps dequeues per second across all loops. Zero or less
// disables the cap.
func WithMaxDequeueRate(perSecond float64) Option {
	return func(r *Runner) {
		if perSecond <= 0 {
			r.limiter = nil
			return
		}
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func WithDiscardMalformed(discard bool) Option { return func(r *Runner) { r.discardMalformed = discard } }

func New(d *dispatch.Dispatcher, h Handler, opts ...Option) *Runner {
	r := &Runner{
		d:            d,
		h:            h,
		log:          zap.NewNop(),
		clock:        clockwork.NewRealClock(),
		concurrency:  1,
		maxAttempts:  5,
		invisibleFor: dispatch.DefaultInvisibility,
		idleWait:     time.Second,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run processes invocations on the configured number of loops until ctx is
// done. Per-invocation failures are logged, not returned.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.concurrency; i++ {
		log := r.log.With(zap.Int("loop", i))
		g.Go(func() error { return r.loop(gctx, log) })
	}
	return g.Wait()
}

func (r *Runner) loop(ctx context.Context, log *zap.Logger) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		worked, err := r.ProcessOne(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("process invocation", zap.Error(err), zap.Bool("retriable", dispatch.Retriable(err)))
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-r.clock.After(r.idleWait):
		}
	}
}

// ProcessOne dequeues and handles at most one invocation. It reports whether
// a message was taken off the channel.
func (r *Runner) ProcessOne(ctx context.Context) (bool, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return false, err
		}
	}

	req, err := r.d.Dequeue(ctx, r.invisibleFor)
	if err != nil {
		var malformed *dispatch.MalformedMessageError
		if errors.As(err, &malformed) && r.discardMalformed {
			r.log.Warn("discarding malformed message",
				zap.String("message_id", malformed.Message.ID),
				zap.String("body", malformed.Message.Body))
			if derr := r.d.Discard(ctx, malformed.Message); derr != nil {
				return true, multierr.Append(err, derr)
			}
			getMetrics().handled.WithLabelValues("discarded").Inc()
			return true, nil
		}
		return false, err
	}
	if req == nil {
		return false, nil
	}
	return true, r.handle(ctx, req)
}

func (r *Runner) handle(ctx context.Context, req *dispatch.Request) error {
	inv := req.Invocation()
	log := r.log.With(
		zap.Stringer("invocation_id", inv.ID),
		zap.String("job", inv.Job),
		zap.Int64("attempt", inv.DequeueCount),
	)

	if !inv.Status.Terminal() {
		if err := inv.Advance(domain.InProgress); err != nil {
			return fmt.Errorf("invq/worker: start %s: %w", inv.ID, err)
		}
		if err := r.d.Update(ctx, inv); err != nil {
			return fmt.Errorf("invq/worker: mark %s in progress: %w", inv.ID, err)
		}
	}

	hctx, cancel := context.WithCancelCause(ctx)
	beat := make(chan struct{})
	go func() {
		defer close(beat)
		r.heartbeat(hctx, req, cancel, log)
	}()
	herr := r.h.Handle(hctx, req)
	lost := errors.Is(context.Cause(hctx), ErrLeaseLost)
	cancel(nil)
	<-beat

	m := getMetrics()
	if lost {
		m.handled.WithLabelValues("lease_lost").Inc()
		return fmt.Errorf("invq/worker: %s: %w", inv.ID, ErrLeaseLost)
	}

	if herr == nil {
		if !inv.Status.Terminal() {
			if err := inv.Advance(domain.Completed); err != nil {
				return fmt.Errorf("invq/worker: complete %s: %w", inv.ID, err)
			}
		}
		if err := r.finish(ctx, req); err != nil {
			return err
		}
		m.handled.WithLabelValues("completed").Inc()
		log.Debug("invocation completed")
		return nil
	}

	if inv.DequeueCount < r.maxAttempts {
		m.handled.WithLabelValues("retry").Inc()
		return fmt.Errorf("invq/worker: handle %s (attempt %d/%d): %w", inv.ID, inv.DequeueCount, r.maxAttempts, herr)
	}

	if !inv.Status.Terminal() {
		if err := inv.Advance(domain.Failed); err != nil {
			return fmt.Errorf("invq/worker: fail %s: %w", inv.ID, err)
		}
	}
	inv.ResultMessage = herr.Error()
	if err := r.finish(ctx, req); err != nil {
		return multierr.Append(herr, err)
	}
	m.handled.WithLabelValues("failed").Inc()
	log.Error("invocation failed permanently", zap.Error(herr))
	return nil
}

// finish persists the outcome and only then removes the message. If the
// update fails the lease lapses and the invocation is redelivered.
func (r *Runner) finish(ctx context.Context, req *dispatch.Request) error {
	inv := req.Invocation()
	now := r.clock.Now().UTC()
	inv.CompletedAt = &now
	if err := r.d.Update(ctx, inv); err != nil {
		return fmt.Errorf("invq/worker: record outcome of %s: %w", inv.ID, err)
	}
	if err := req.Acknowledge(ctx); err != nil {
		return fmt.Errorf("invq/worker: acknowledge %s: %w", inv.ID, err)
	}
	return nil
}

func (r *Runner) heartbeat(ctx context.Context, req *dispatch.Request, cancel context.CancelCauseFunc, log *zap.Logger) {
	if !req.HasMessage() {
		return
	}
	every := r.extendEvery
	if every <= 0 {
		every = r.invisibleFor / 2
	}
	tick := r.clock.NewTicker(every)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.Chan():
		}
		// An extend cut short by cancellation may still rotate the receipt
		// server side, so it runs to completion.
		err := req.Extend(context.WithoutCancel(ctx), r.invisibleFor)
		switch {
		case err == nil:
		case errors.Is(err, queue.ErrReceiptMismatch), errors.Is(err, queue.ErrMessageNotFound):
			log.Warn("lease lost while handling", zap.Error(err))
			cancel(ErrLeaseLost)
			return
		default:
			log.Warn("extend lease", zap.Error(err))
		}
	}
}

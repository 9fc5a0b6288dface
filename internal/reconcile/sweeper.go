// Package reconcile finds invocations whose enqueue stopped between the
// Queuing write and the send, and re-drives them through the dispatcher.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/invq/internal/dispatch"
	"github.com/SirClappington/invq/internal/domain"
	"github.com/SirClappington/invq/internal/storage"
)

// LeaderKey is the advisory lock key schedulers compete for.
const LeaderKey int64 = 42

// Locker grants leadership for one sweep. storage.AdvisoryLocker implements it.
type Locker interface {
	TryLock(ctx context.Context) (release func(), ok bool, err error)
}

type Sweeper struct {
	d       *dispatch.Dispatcher
	records storage.Table[*domain.Invocation]

	locker     Locker
	clock      clockwork.Clock
	log        *zap.Logger
	interval   time.Duration
	staleAfter time.Duration
	batch      int
}

type Option func(*Sweeper)

func WithLocker(l Locker) Option { return func(s *Sweeper) { s.locker = l } }

func WithClock(c clockwork.Clock) Option { return func(s *Sweeper) { s.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(s *Sweeper) { s.log = l } }

func WithInterval(d time.Duration) Option { return func(s *Sweeper) { s.interval = d } }

// WithStaleAfter sets how long a record must sit in Queuing before it is
// considered abandoned. Keep it well above the slowest expected send.
func WithStaleAfter(d time.Duration) Option { return func(s *Sweeper) { s.staleAfter = d } }

func WithBatch(n int) Option { return func(s *Sweeper) { s.batch = n } }

func New(d *dispatch.Dispatcher, records storage.Table[*domain.Invocation], opts ...Option) *Sweeper {
	s := &Sweeper{
		d:          d,
		records:    records,
		clock:      clockwork.NewRealClock(),
		log:        zap.NewNop(),
		interval:   time.Second,
		staleAfter: 30 * time.Second,
		batch:      500,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RunOnce performs one sweep and returns how many invocations it re-drove.
// It returns (0, nil) when another instance holds the leader lock. Re-driving
// may duplicate a message whose original send did succeed; delivery is
// at-least-once anyway.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	m := getMetrics()
	if s.locker != nil {
		release, ok, err := s.locker.TryLock(ctx)
		if err != nil {
			return 0, fmt.Errorf("invq/reconcile: leader lock: %w", err)
		}
		if !ok {
			m.leader.Set(0)
			return 0, nil
		}
		defer release()
	}
	m.leader.Set(1)

	stuck, err := s.records.Query(ctx, storage.Query{
		PartitionKey:  domain.InvocationPartition,
		Where:         map[string]string{"status": string(domain.Queuing)},
		UpdatedBefore: s.clock.Now().Add(-s.staleAfter),
		Limit:         s.batch,
	})
	if err != nil {
		return 0, fmt.Errorf("invq/reconcile: query queuing: %w", err)
	}

	var (
		n    int
		errs error
	)
	for _, inv := range stuck {
		// inv carries the ETag read by the query, so a record that moved on
		// since then fails the guarded Queuing write and nothing is sent.
		err := s.d.Enqueue(ctx, inv)
		switch {
		case err == nil:
			n++
		case errors.Is(err, storage.ErrConflict) && !errors.Is(err, storage.ErrNotFound):
			s.log.Debug("skip redrive of changed record", zap.Stringer("invocation_id", inv.ID))
		default:
			errs = multierr.Append(errs, fmt.Errorf("redrive %s: %w", inv.ID, err))
		}
	}
	m.redriven.Add(float64(n))
	if errs != nil {
		m.failed.Add(float64(len(multierr.Errors(errs))))
		return n, fmt.Errorf("invq/reconcile: %w", errs)
	}
	return n, nil
}

// Run sweeps every interval until ctx is done. Sweep failures are logged and
// do not stop the loop.
func (s *Sweeper) Run(ctx context.Context) error {
	tick := s.clock.NewTicker(s.interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.Chan():
		}

		n, err := s.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("reconcile sweep failed", zap.Int("redriven", n), zap.Error(err))
			continue
		}
		if n > 0 {
			s.log.Info("re-drove stalled invocations", zap.Int("count", n))
		}
	}
}

type metrics struct {
	redriven prometheus.Counter
	failed   prometheus.Counter
	leader   prometheus.Gauge
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		redriven: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "invq",
			Subsystem: "reconcile",
			Name:      "redriven_total",
			Help:      "Invocations found stuck in queuing and enqueued again.",
		}),
		failed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "invq",
			Subsystem: "reconcile",
			Name:      "failed_total",
			Help:      "Re-drive attempts that failed.",
		}),
		leader: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "invq",
			Subsystem: "reconcile",
			Name:      "leader",
			Help:      "Whether this instance held the sweep lock on its last attempt (1/0).",
		}),
	}
})

func getMetrics() *metrics {
	return metricsSingleton()
}

// Package app builds the record store, channel and dispatcher a binary needs
// from configuration.
package app

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/invq/internal/config"
	"github.com/SirClappington/invq/internal/dispatch"
	"github.com/SirClappington/invq/internal/domain"
	"github.com/SirClappington/invq/internal/queue"
	"github.com/SirClappington/invq/internal/reconcile"
	"github.com/SirClappington/invq/internal/retry"
	"github.com/SirClappington/invq/internal/storage"
	"github.com/SirClappington/invq/internal/worker"
)

// RecordTable is the logical table invocation records are kept in.
const RecordTable = "invocations"

type App struct {
	Config     config.Config
	Log        *zap.Logger
	Clock      clockwork.Clock
	Records    storage.Table[*domain.Invocation]
	Channel    queue.Channel
	Dispatcher *dispatch.Dispatcher

	locker  reconcile.Locker
	closers []func() error
}

func newInvocation() *domain.Invocation { return &domain.Invocation{} }

// Open connects every backend cfg selects. On error, anything already opened
// is closed again.
func Open(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log, Clock: clockwork.NewRealClock()}
	if err := a.open(ctx); err != nil {
		return nil, multierr.Append(err, a.Close())
	}
	log.Info("dispatch ready",
		zap.String("record_backend", cfg.RecordBackend),
		zap.String("queue", cfg.QueueName),
		zap.String("instance", cfg.InstanceName))
	return a, nil
}

func (a *App) open(ctx context.Context) error {
	cfg := a.Config

	policy := retry.Policy{
		MaxAttempts: cfg.RetryMaxAttempts,
		Initial:     cfg.RetryInitial,
		Max:         cfg.RetryMax,
	}

	switch cfg.RecordBackend {
	case config.BackendPostgres:
		if cfg.MigrateOnStart {
			if err := storage.Migrate(ctx, cfg.PostgresDSN); err != nil {
				return errors.Wrap(err, "migrate")
			}
		}
		db, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return errors.Wrap(err, "connect postgres")
		}
		a.closers = append(a.closers, func() error { db.Close(); return nil })
		if err := db.Ping(ctx); err != nil {
			return errors.Wrap(err, "ping postgres")
		}
		a.Records = storage.NewPostgresTable(db, RecordTable, newInvocation, policy)
		a.locker = storage.NewAdvisoryLocker(db, reconcile.LeaderKey)
	case config.BackendPebble:
		db, err := storage.OpenPebble(cfg.PebbleDir)
		if err != nil {
			return errors.Wrap(err, "open pebble")
		}
		a.closers = append(a.closers, db.Close)
		a.Records = storage.NewPebbleTable(db, RecordTable, newInvocation, a.Clock)
	case config.BackendMemory:
		a.Records = storage.NewMemoryTable(newInvocation, a.Clock)
	default:
		return errors.Errorf("unknown record backend %q", cfg.RecordBackend)
	}

	rdb := r.NewUniversalClient(&r.UniversalOptions{
		Addrs:    []string{cfg.RedisAddr},
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	a.closers = append(a.closers, rdb.Close)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "ping redis")
	}
	a.Channel = queue.New(rdb, cfg.QueueName,
		queue.WithRetry(policy),
		queue.WithReceiveWait(cfg.ReceiveWait),
		queue.WithPollInterval(cfg.PollInterval),
	)

	a.Dispatcher = dispatch.New(a.Records, a.Channel,
		dispatch.WithClock(a.Clock),
		dispatch.WithInstanceName(cfg.InstanceName),
		dispatch.WithDefaultInvisibility(cfg.VisibilityTimeout()),
	)
	return nil
}

// Sweeper returns a reconcile sweeper. With the postgres backend it competes
// for the advisory lock; other backends are single-process and sweep
// unconditionally.
func (a *App) Sweeper() *reconcile.Sweeper {
	opts := []reconcile.Option{
		reconcile.WithClock(a.Clock),
		reconcile.WithLogger(a.Log.Named("reconcile")),
		reconcile.WithInterval(a.Config.Reconcile.Interval),
		reconcile.WithStaleAfter(a.Config.Reconcile.StaleAfter),
		reconcile.WithBatch(a.Config.Reconcile.Batch),
	}
	if a.locker != nil {
		opts = append(opts, reconcile.WithLocker(a.locker))
	}
	return reconcile.New(a.Dispatcher, a.Records, opts...)
}

func (a *App) Worker(h worker.Handler) *worker.Runner {
	wc := a.Config.Worker
	return worker.New(a.Dispatcher, h,
		worker.WithClock(a.Clock),
		worker.WithLogger(a.Log.Named("worker")),
		worker.WithConcurrency(wc.Concurrency),
		worker.WithMaxAttempts(wc.MaxAttempts),
		worker.WithInvisibility(a.Config.VisibilityTimeout()),
		worker.WithExtendEvery(wc.ExtendEvery),
		worker.WithIdleWait(wc.IdleWait),
		worker.WithMaxDequeueRate(wc.MaxDequeueRate),
		worker.WithDiscardMalformed(true),
	)
}

// Close releases backends in reverse order of opening.
func (a *App) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	a.closers = nil
	return err
}

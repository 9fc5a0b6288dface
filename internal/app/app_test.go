package app

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SirClappington/invq/internal/config"
	"github.com/SirClappington/invq/internal/domain"
	"github.com/SirClappington/invq/internal/storage"
)

func TestOpenRejectsUnknownBackend(t *testing.T) {
	t.Parallel()

	a, err := Open(context.Background(), config.Config{RecordBackend: "sqlite"}, zap.NewNop())
	assert.ErrorContains(t, err, "sqlite")
	assert.Nil(t, a)
}

func TestOpenClosesPebbleWhenRedisIsDown(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	dir := t.TempDir()
	cfg := config.Config{
		RecordBackend: config.BackendPebble,
		PebbleDir:     dir,
		RedisAddr:     addr,
		QueueName:     "app-down",
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, err := Open(ctx, cfg, zap.NewNop())
	require.ErrorContains(t, err, "ping redis")
	assert.Nil(t, a)

	db, err := storage.OpenPebble(dir)
	require.NoError(t, err, "the pebble store opened first was closed again")
	require.NoError(t, db.Close())
}

func TestOpenPebbleWithRedis(t *testing.T) {
	addr := os.Getenv("INVQ_TEST_REDIS_ADDR")
	if addr == "" {
		addr = miniredis.RunT(t).Addr()
	}

	cfg := config.Config{
		RecordBackend:    config.BackendPebble,
		PebbleDir:        t.TempDir(),
		RedisAddr:        addr,
		QueueName:        "app-it-" + time.Now().Format("150405.000000"),
		DefaultVT:        30,
		InstanceName:     "test",
		RetryMaxAttempts: 3,
		PollInterval:     50 * time.Millisecond,
	}
	cfg.Reconcile.Interval = time.Second
	cfg.Reconcile.Batch = 10
	cfg.Worker.Concurrency = 1
	cfg.Worker.MaxAttempts = 3

	ctx := context.Background()
	a, err := Open(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close()) })

	inv := domain.NewInvocation("smoke", nil)
	require.NoError(t, a.Dispatcher.Enqueue(ctx, inv))

	req, err := a.Dispatcher.Dequeue(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, inv.ID, req.ID())
	assert.Equal(t, "test", req.Invocation().LastInstanceName)
	require.NoError(t, req.Acknowledge(ctx))

	n, err := a.Sweeper().RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("RECORD_BACKEND", "memory")
	t.Setenv("INSTANCE_NAME", "box-1")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "development", c.AppEnv)
	assert.Equal(t, ":8080", c.APIAddr)
	assert.Equal(t, "invocations", c.QueueName)
	assert.Equal(t, 60*time.Second, c.VisibilityTimeout())
	assert.Equal(t, 250*time.Millisecond, c.PollInterval)
	assert.Equal(t, 5, c.RetryMaxAttempts)
	assert.Equal(t, 30*time.Second, c.Reconcile.StaleAfter)
	assert.Equal(t, 500, c.Reconcile.Batch)
	assert.Equal(t, 4, c.Worker.Concurrency)
	assert.Equal(t, "box-1", c.InstanceName)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RECORD_BACKEND", "pebble")
	t.Setenv("PEBBLE_DIR", "/var/lib/invq")
	t.Setenv("QUEUE_NAME", "reindex")
	t.Setenv("DEFAULT_VISIBILITY_TIMEOUT_SEC", "15")
	t.Setenv("WORKER_CONCURRENCY", "16")
	t.Setenv("WORKER_EXTEND_EVERY", "5s")
	t.Setenv("RECONCILE_INTERVAL", "10s")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/invq", c.PebbleDir)
	assert.Equal(t, "reindex", c.QueueName)
	assert.Equal(t, 15*time.Second, c.VisibilityTimeout())
	assert.Equal(t, 16, c.Worker.Concurrency)
	assert.Equal(t, 5*time.Second, c.Worker.ExtendEvery)
	assert.Equal(t, 10*time.Second, c.Reconcile.Interval)
}

func TestLoadValidation(t *testing.T) {
	t.Setenv("RECORD_BACKEND", "postgres")
	t.Setenv("POSTGRES_DSN", "")
	t.Setenv("DEFAULT_VISIBILITY_TIMEOUT_SEC", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POSTGRES_DSN")
	assert.Contains(t, err.Error(), "DEFAULT_VISIBILITY_TIMEOUT_SEC")

	t.Setenv("RECORD_BACKEND", "sqlite")
	_, err = Load()
	assert.ErrorContains(t, err, "RECORD_BACKEND")
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("RECORD_BACKEND", "memory")
	t.Setenv("POLL_INTERVAL", "soon")

	_, err := Load()
	assert.Error(t, err)
}

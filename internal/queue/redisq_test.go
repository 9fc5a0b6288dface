package queue

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/invq/internal/retry"
)

// openTestRedisQ runs against INVQ_TEST_REDIS_ADDR when set and an in-process
// miniredis otherwise.
func openTestRedisQ(t *testing.T, opts ...Option) (*RedisQ, *r.Client) {
	t.Helper()
	addr := os.Getenv("INVQ_TEST_REDIS_ADDR")
	if addr == "" {
		addr = miniredis.RunT(t).Addr()
	}

	rdb := r.NewClient(&r.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, rdb.Ping(context.Background()).Err())

	opts = append([]Option{WithRetry(retry.Policy{MaxAttempts: 3, Initial: time.Millisecond, Max: time.Millisecond})}, opts...)
	q := New(rdb, "test-"+uuid.NewString()[:8], opts...)
	t.Cleanup(func() {
		keys, _ := rdb.Keys(context.Background(), "invq:{"+q.Name()+"}:*").Result()
		if len(keys) > 0 {
			_ = rdb.Del(context.Background(), keys...).Err()
		}
	})
	return q, rdb
}

func newTestClock() *clockwork.FakeClock {
	return clockwork.NewFakeClockAt(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC))
}

type replyTimeout struct{}

func (replyTimeout) Error() string   { return "read tcp: i/o timeout" }
func (replyTimeout) Timeout() bool   { return true }
func (replyTimeout) Temporary() bool { return true }

// lostReply lets the next script call reach the server and then reports a
// read timeout, as if the reply had been lost on the way back.
type lostReply struct {
	armed atomic.Bool
}

func (h *lostReply) DialHook(next r.DialHook) r.DialHook { return next }

func (h *lostReply) ProcessHook(next r.ProcessHook) r.ProcessHook {
	return func(ctx context.Context, cmd r.Cmder) error {
		err := next(ctx, cmd)
		if err == nil && strings.HasPrefix(cmd.Name(), "eval") && h.armed.CompareAndSwap(true, false) {
			return replyTimeout{}
		}
		return err
	}
}

func (h *lostReply) ProcessPipelineHook(next r.ProcessPipelineHook) r.ProcessPipelineHook {
	return next
}

func TestRedisQRoundTrip(t *testing.T) {
	t.Parallel()
	q, _ := openTestRedisQ(t)
	ctx := context.Background()

	sent, err := q.Send(ctx, "payload", SendOptions{TTL: time.Hour})
	require.NoError(t, err)
	assert.ErrorIs(t, q.Delete(ctx, Handle(sent.ID, "never-issued")), ErrReceiptMismatch)

	msg, err := q.Receive(ctx, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, sent.ID, msg.ID)
	assert.Equal(t, "payload", msg.Body)
	assert.EqualValues(t, 1, msg.DequeueCount)
	assert.False(t, msg.ExpiresAt.IsZero())
	assert.False(t, msg.InsertedAt.IsZero())

	empty, err := q.Receive(ctx, time.Second)
	require.NoError(t, err)
	assert.Nil(t, empty)

	old := msg.PopReceipt
	require.NoError(t, q.ExtendVisibility(ctx, msg, 5*time.Second))
	assert.NotEqual(t, old, msg.PopReceipt)
	assert.ErrorIs(t, q.ExtendVisibility(ctx, Handle(msg.ID, old), time.Second), ErrReceiptMismatch)
	assert.ErrorIs(t, q.Delete(ctx, Handle(msg.ID, old)), ErrReceiptMismatch)

	require.NoError(t, q.Delete(ctx, msg))
	assert.ErrorIs(t, q.Delete(ctx, msg), ErrMessageNotFound)
	assert.ErrorIs(t, q.ExtendVisibility(ctx, msg, time.Second), ErrMessageNotFound)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisQRedeliversAfterLeaseLapses(t *testing.T) {
	t.Parallel()
	clock := newTestClock()
	q, _ := openTestRedisQ(t, WithClock(clock))
	ctx := context.Background()

	_, err := q.Send(ctx, "again", SendOptions{})
	require.NoError(t, err)

	first, err := q.Receive(ctx, 10*time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)

	clock.Advance(11 * time.Second)
	second, err := q.Receive(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
	assert.EqualValues(t, 2, second.DequeueCount)
	assert.NotEqual(t, first.PopReceipt, second.PopReceipt)

	assert.ErrorIs(t, q.Delete(ctx, first), ErrReceiptMismatch)
	require.NoError(t, q.Delete(ctx, second))
}

func TestRedisQReceiveWaitPicksUpDelayedMessage(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	clock := newTestClock()
	q, _ := openTestRedisQ(t, WithClock(clock), WithReceiveWait(time.Minute), WithPollInterval(time.Second))

	_, err := q.Send(ctx, "soon", SendOptions{VisibilityDelay: 500 * time.Millisecond})
	require.NoError(t, err)

	got := make(chan *Message, 1)
	go func() {
		msg, err := q.Receive(ctx, time.Minute)
		assert.NoError(t, err)
		got <- msg
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Second)
	msg := <-got
	require.NotNil(t, msg)
	assert.Equal(t, "soon", msg.Body)
}

func TestRedisQReceiveCancelledMidWait(t *testing.T) {
	t.Parallel()
	clock := newTestClock()
	q, _ := openTestRedisQ(t, WithClock(clock), WithReceiveWait(time.Hour), WithPollInterval(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		msg, err := q.Receive(ctx, time.Minute)
		assert.Nil(t, msg)
		done <- err
	}()

	waitCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1), "receive is parked between polls")
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-waitCtx.Done():
		t.Fatal("receive did not return after cancellation")
	}

	bg := context.Background()
	_, err := q.Send(bg, "after", SendOptions{})
	require.NoError(t, err)
	msg, err := q.Receive(bg, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.EqualValues(t, 1, msg.DequeueCount, "the cancelled receive consumed nothing")
}

func TestRedisQTTLExpiry(t *testing.T) {
	t.Parallel()
	clock := newTestClock()
	q, _ := openTestRedisQ(t, WithClock(clock))
	ctx := context.Background()

	sent, err := q.Send(ctx, "short-lived", SendOptions{TTL: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, sent.InsertedAt.Add(time.Minute), sent.ExpiresAt)

	_, err = q.Send(ctx, "keeper", SendOptions{VisibilityDelay: 2 * time.Minute})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	msg, err := q.Receive(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "keeper", msg.Body, "the expired message is dropped, not delivered")

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestRedisQExtendAppliedDespiteLostReply(t *testing.T) {
	t.Parallel()
	q, rdb := openTestRedisQ(t)
	hook := &lostReply{}
	rdb.AddHook(hook)
	ctx := context.Background()

	_, err := q.Send(ctx, "slow job", SendOptions{})
	require.NoError(t, err)
	msg, err := q.Receive(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, msg)
	old := msg.PopReceipt

	hook.armed.Store(true)
	require.NoError(t, q.ExtendVisibility(ctx, msg, 5*time.Minute), "the retry sees its own receipt")
	assert.False(t, hook.armed.Load())
	assert.NotEqual(t, old, msg.PopReceipt)

	require.NoError(t, q.Delete(ctx, msg), "the new receipt owns the lease")
}

func TestRedisQDeleteAppliedDespiteLostReply(t *testing.T) {
	t.Parallel()
	q, rdb := openTestRedisQ(t)
	hook := &lostReply{}
	rdb.AddHook(hook)
	ctx := context.Background()

	_, err := q.Send(ctx, "done job", SendOptions{})
	require.NoError(t, err)
	msg, err := q.Receive(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, msg)

	hook.armed.Store(true)
	require.NoError(t, q.Delete(ctx, msg))
	assert.False(t, hook.armed.Load())

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.ErrorIs(t, q.Delete(ctx, msg), ErrMessageNotFound, "a fresh delete still reports the missing message")
}

func TestRedisQTouchesOnlyDeclaredKeys(t *testing.T) {
	t.Parallel()
	q, rdb := openTestRedisQ(t)
	ctx := context.Background()

	_, err := q.Send(ctx, "a", SendOptions{TTL: time.Hour})
	require.NoError(t, err)
	_, err = q.Send(ctx, "b", SendOptions{})
	require.NoError(t, err)
	msg, err := q.Receive(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.NoError(t, q.ExtendVisibility(ctx, msg, time.Minute))

	keys, err := rdb.Keys(ctx, "invq:{"+q.Name()+"}:*").Result()
	require.NoError(t, err)
	assert.NotEmpty(t, keys)
	assert.Subset(t, q.keys(), keys, "every key the scripts write is passed in KEYS")
}

func TestIsTransientRedis(t *testing.T) {
	t.Parallel()

	assert.True(t, isTransientRedis(io.EOF))
	assert.True(t, isTransientRedis(replyTimeout{}))
	assert.True(t, isTransientRedis(errors.New("LOADING Redis is loading the dataset in memory")))
	assert.True(t, isTransientRedis(errors.New("TRYAGAIN Multiple keys request during rehashing of slot")))
	assert.False(t, isTransientRedis(r.Nil))
	assert.False(t, isTransientRedis(context.Canceled))
	assert.False(t, isTransientRedis(errors.New("ERR wrong number of arguments")))
}

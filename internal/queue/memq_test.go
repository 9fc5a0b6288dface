package queue

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemQ() (*MemQ, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewMemQ(clock), clock
}

func TestMemQReceiveEmpty(t *testing.T) {
	t.Parallel()
	q, _ := newTestMemQ()

	msg, err := q.Receive(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestMemQLeaseHidesThenRedelivers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, clock := newTestMemQ()

	sent, err := q.Send(ctx, "body-1", SendOptions{})
	require.NoError(t, err)

	first, err := q.Receive(ctx, 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, sent.ID, first.ID)
	assert.Equal(t, "body-1", first.Body)
	assert.EqualValues(t, 1, first.DequeueCount)
	assert.Equal(t, clock.Now().Add(30*time.Second), first.NextVisibleAt)

	hidden, err := q.Receive(ctx, 30*time.Second)
	require.NoError(t, err)
	assert.Nil(t, hidden, "leased message must stay invisible")

	clock.Advance(31 * time.Second)
	second, err := q.Receive(ctx, 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.EqualValues(t, 2, second.DequeueCount)
	assert.NotEqual(t, first.PopReceipt, second.PopReceipt)

	assert.ErrorIs(t, q.Delete(ctx, first), ErrReceiptMismatch)
	require.NoError(t, q.Delete(ctx, second))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemQVisibilityDelay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, clock := newTestMemQ()

	_, err := q.Send(ctx, "later", SendOptions{VisibilityDelay: time.Minute})
	require.NoError(t, err)

	msg, err := q.Receive(ctx, time.Second)
	require.NoError(t, err)
	assert.Nil(t, msg)

	clock.Advance(time.Minute)
	msg, err = q.Receive(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "later", msg.Body)
}

func TestMemQReceivesOldestVisibleFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, _ := newTestMemQ()

	for _, body := range []string{"a", "b", "c"} {
		_, err := q.Send(ctx, body, SendOptions{})
		require.NoError(t, err)
	}
	for _, want := range []string{"a", "b", "c"} {
		msg, err := q.Receive(ctx, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, want, msg.Body)
	}
}

func TestMemQExtendVisibility(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, clock := newTestMemQ()

	_, err := q.Send(ctx, "slow", SendOptions{})
	require.NoError(t, err)
	msg, err := q.Receive(ctx, 10*time.Second)
	require.NoError(t, err)
	old := msg.PopReceipt

	clock.Advance(5 * time.Second)
	require.NoError(t, q.ExtendVisibility(ctx, msg, time.Minute))
	assert.NotEqual(t, old, msg.PopReceipt)
	assert.Equal(t, clock.Now().Add(time.Minute), msg.NextVisibleAt)

	clock.Advance(30 * time.Second)
	again, err := q.Receive(ctx, time.Second)
	require.NoError(t, err)
	assert.Nil(t, again, "extended lease still hides the message")

	stale := Handle(msg.ID, old)
	assert.ErrorIs(t, q.ExtendVisibility(ctx, stale, time.Minute), ErrReceiptMismatch)
	require.NoError(t, q.Delete(ctx, msg))
}

func TestMemQTTLExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, clock := newTestMemQ()

	sent, err := q.Send(ctx, "short-lived", SendOptions{TTL: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, sent.InsertedAt.Add(time.Minute), sent.ExpiresAt)

	clock.Advance(2 * time.Minute)
	msg, err := q.Receive(ctx, time.Second)
	require.NoError(t, err)
	assert.Nil(t, msg)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemQInvalidArguments(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, _ := newTestMemQ()

	_, err := q.Send(ctx, "x", SendOptions{TTL: -time.Second})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = q.Receive(ctx, 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	assert.ErrorIs(t, q.Delete(ctx, nil), ErrInvalidArgument)
	assert.ErrorIs(t, q.Delete(ctx, Handle("id", "")), ErrInvalidArgument)
	assert.ErrorIs(t, q.Delete(ctx, Handle("missing", "r")), ErrMessageNotFound)
}

func TestMemQReceiveCancelled(t *testing.T) {
	t.Parallel()
	q, _ := newTestMemQ()
	_, err := q.Send(context.Background(), "x", SendOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	msg, err := q.Receive(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, msg)

	n, _ := q.Len(context.Background())
	assert.EqualValues(t, 1, n)
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	r "github.com/redis/go-redis/v9"

	"github.com/SirClappington/invq/internal/retry"
)

var _ Channel = (*RedisQ)(nil)

// Keyspace, all under one hash tag so a queue stays on a single cluster slot.
// Every key a script touches is passed in KEYS, in this order:
//
//	invq:{name}:visible   zset  id scored by next-visible unix ms
//	invq:{name}:body      hash  id -> body
//	invq:{name}:inserted  hash  id -> inserted unix ms
//	invq:{name}:expires   hash  id -> expiry unix ms, 0 for none
//	invq:{name}:dequeues  hash  id -> delivery count
//	invq:{name}:receipt   hash  id -> pop receipt of the latest delivery
//
// Expired messages are removed when they reach the head of the visible set.
var (
	sendScript = r.NewScript(`
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[3])
redis.call('HSET', KEYS[4], ARGV[1], ARGV[5])
redis.call('HSET', KEYS[5], ARGV[1], 0)
redis.call('ZADD', KEYS[1], ARGV[4], ARGV[1])
return 1
`)

	receiveScript = r.NewScript(`
for _ = 1, 64 do
  local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
  if #ids == 0 then
    return false
  end
  local id = ids[1]
  local body = redis.call('HGET', KEYS[2], id)
  local expires = tonumber(redis.call('HGET', KEYS[4], id)) or 0
  if not body or (expires > 0 and expires <= tonumber(ARGV[1])) then
    redis.call('ZREM', KEYS[1], id)
    for i = 2, 6 do
      redis.call('HDEL', KEYS[i], id)
    end
  else
    redis.call('ZADD', KEYS[1], ARGV[2], id)
    local n = redis.call('HINCRBY', KEYS[5], id, 1)
    redis.call('HSET', KEYS[6], id, ARGV[3])
    local inserted = redis.call('HGET', KEYS[3], id) or '0'
    return {id, body, inserted, tostring(expires), tostring(n)}
  end
end
return false
`)

	deleteScript = r.NewScript(`
if redis.call('HEXISTS', KEYS[2], ARGV[1]) == 0 then
  redis.call('ZREM', KEYS[1], ARGV[1])
  return -1
end
if redis.call('HGET', KEYS[6], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
for i = 2, 6 do
  redis.call('HDEL', KEYS[i], ARGV[1])
end
return 1
`)

	// A receipt already equal to ARGV[3] means this extend was applied by an
	// earlier attempt whose reply was lost.
	extendScript = r.NewScript(`
if redis.call('HEXISTS', KEYS[2], ARGV[1]) == 0 then
  return -1
end
local receipt = redis.call('HGET', KEYS[6], ARGV[1])
if receipt == ARGV[3] then
  return 1
end
if receipt ~= ARGV[2] then
  return 0
end
redis.call('HSET', KEYS[6], ARGV[1], ARGV[3])
redis.call('ZADD', KEYS[1], ARGV[4], ARGV[1])
return 1
`)
)

// RedisQ is a Channel backed by Redis. Receive, Delete and ExtendVisibility
// are single Lua scripts, so each is atomic on the server.
type RedisQ struct {
	rdb   r.UniversalClient
	name  string
	clock clockwork.Clock
	retry retry.Policy

	wait time.Duration
	poll time.Duration
}

// Option configures a RedisQ.
type Option func(*RedisQ)

func WithClock(c clockwork.Clock) Option { return func(q *RedisQ) { q.clock = c } }

func WithRetry(p retry.Policy) Option { return func(q *RedisQ) { q.retry = p } }

// WithReceiveWait makes Receive poll for up to w before reporting an empty queue.
func WithReceiveWait(w time.Duration) Option { return func(q *RedisQ) { q.wait = w } }

func WithPollInterval(p time.Duration) Option { return func(q *RedisQ) { q.poll = p } }

// New returns a RedisQ for the named channel. An empty name selects
// DefaultName. The caller owns the client.
func New(rdb r.UniversalClient, name string, opts ...Option) *RedisQ {
	if name == "" {
		name = DefaultName
	}
	q := &RedisQ{
		rdb:   rdb,
		name:  name,
		clock: clockwork.NewRealClock(),
		retry: retry.DefaultPolicy(),
		poll:  250 * time.Millisecond,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *RedisQ) Name() string { return q.name }

func (q *RedisQ) key(part string) string { return "invq:{" + q.name + "}:" + part }

func (q *RedisQ) visibleKey() string { return q.key("visible") }

// keys returns the script KEYS in keyspace order.
func (q *RedisQ) keys() []string {
	return []string{
		q.visibleKey(),
		q.key("body"),
		q.key("inserted"),
		q.key("expires"),
		q.key("dequeues"),
		q.key("receipt"),
	}
}

func (q *RedisQ) do(ctx context.Context, op func(ctx context.Context) error) error {
	return retry.Do(ctx, q.retry, isTransientRedis, op)
}

func (q *RedisQ) Send(ctx context.Context, body string, opts SendOptions) (*Message, error) {
	if opts.TTL < 0 || opts.VisibilityDelay < 0 {
		return nil, fmt.Errorf("%w: negative ttl or delay", ErrInvalidArgument)
	}
	now := q.clock.Now()
	msg := &Message{
		ID:            uuid.NewString(),
		Body:          body,
		InsertedAt:    now,
		NextVisibleAt: now.Add(opts.VisibilityDelay),
	}
	var expiresMs int64
	if opts.TTL > 0 {
		msg.ExpiresAt = now.Add(opts.TTL)
		expiresMs = msg.ExpiresAt.UnixMilli()
	}

	err := q.do(ctx, func(ctx context.Context) error {
		return sendScript.Run(ctx, q.rdb, q.keys(),
			msg.ID, body, now.UnixMilli(), msg.NextVisibleAt.UnixMilli(), expiresMs,
		).Err()
	})
	if err != nil {
		return nil, fmt.Errorf("invq/queue: send: %w", err)
	}
	return msg, nil
}

func (q *RedisQ) Receive(ctx context.Context, invisibleFor time.Duration) (*Message, error) {
	if invisibleFor <= 0 {
		return nil, fmt.Errorf("%w: invisibility must be positive", ErrInvalidArgument)
	}
	deadline := q.clock.Now().Add(q.wait)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msg, err := q.receiveOnce(ctx, invisibleFor)
		if err != nil || msg != nil {
			return msg, err
		}
		if q.wait <= 0 || !q.clock.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.clock.After(q.poll):
		}
	}
}

func (q *RedisQ) receiveOnce(ctx context.Context, invisibleFor time.Duration) (*Message, error) {
	now := q.clock.Now()
	receipt := uuid.NewString()
	var res []interface{}
	err := q.do(ctx, func(ctx context.Context) error {
		var err error
		res, err = receiveScript.Run(ctx, q.rdb, q.keys(),
			now.UnixMilli(), now.Add(invisibleFor).UnixMilli(), receipt,
		).Slice()
		return err
	})
	if errors.Is(err, r.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("invq/queue: receive: %w", err)
	}
	if len(res) != 5 {
		return nil, fmt.Errorf("invq/queue: receive: unexpected reply of %d elements", len(res))
	}

	field := func(i int) string { s, _ := res[i].(string); return s }
	msg := &Message{
		ID:            field(0),
		Body:          field(1),
		PopReceipt:    receipt,
		InsertedAt:    parseMillis(field(2)),
		ExpiresAt:     parseMillis(field(3)),
		NextVisibleAt: now.Add(invisibleFor),
	}
	msg.DequeueCount, _ = strconv.ParseInt(field(4), 10, 64)
	return msg, nil
}

func (q *RedisQ) Delete(ctx context.Context, msg *Message) error {
	if err := validHandle(msg); err != nil {
		return err
	}
	var (
		code     int64
		attempts int
	)
	err := q.do(ctx, func(ctx context.Context) error {
		attempts++
		var err error
		code, err = deleteScript.Run(ctx, q.rdb, q.keys(), msg.ID, msg.PopReceipt).Int64()
		return err
	})
	if err != nil {
		return fmt.Errorf("invq/queue: delete %s: %w", msg.ID, err)
	}
	// A retried delete finding nothing was applied by an attempt whose reply
	// was lost.
	if code == -1 && attempts > 1 {
		return nil
	}
	return scriptResult(code)
}

func (q *RedisQ) ExtendVisibility(ctx context.Context, msg *Message, d time.Duration) error {
	if err := validHandle(msg); err != nil {
		return err
	}
	if d < 0 {
		return fmt.Errorf("%w: negative extension", ErrInvalidArgument)
	}
	visibleAt := q.clock.Now().Add(d)
	receipt := uuid.NewString()

	var code int64
	err := q.do(ctx, func(ctx context.Context) error {
		var err error
		code, err = extendScript.Run(ctx, q.rdb, q.keys(),
			msg.ID, msg.PopReceipt, receipt, visibleAt.UnixMilli(),
		).Int64()
		return err
	})
	if err != nil {
		return fmt.Errorf("invq/queue: extend %s: %w", msg.ID, err)
	}
	if err := scriptResult(code); err != nil {
		return err
	}
	msg.PopReceipt = receipt
	msg.NextVisibleAt = visibleAt
	return nil
}

func (q *RedisQ) Len(ctx context.Context) (int64, error) {
	var n int64
	err := q.do(ctx, func(ctx context.Context) error {
		var err error
		n, err = q.rdb.ZCard(ctx, q.visibleKey()).Result()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("invq/queue: len: %w", err)
	}
	return n, nil
}

func scriptResult(code int64) error {
	switch code {
	case 1:
		return nil
	case 0:
		return ErrReceiptMismatch
	default:
		return ErrMessageNotFound
	}
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

var transientRedisPrefixes = []string{"LOADING", "BUSY", "TRYAGAIN", "CLUSTERDOWN", "MASTERDOWN", "READONLY"}

// isTransientRedis reports timeouts, dropped connections and the server
// replies Redis uses for "try again shortly".
func isTransientRedis(err error) bool {
	if errors.Is(err, r.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	msg := err.Error()
	for _, p := range transientRedisPrefixes {
		if strings.HasPrefix(msg, p+" ") || msg == p {
			return true
		}
	}
	return false
}

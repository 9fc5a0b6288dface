package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/jonboulle/clockwork"
)

var _ Table[Entity] = (*PebbleTable[Entity])(nil)

// OpenPebble opens (or creates) an embedded record store in dir.
func OpenPebble(dir string) (*pebble.DB, error) {
	if dir == "" {
		return nil, errors.New("invq/storage: pebble data dir is required")
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("invq/storage: open pebble %s: %w", dir, err)
	}
	return db, nil
}

// pebbleEnvelope is the stored value: the record body plus its version and
// store timestamp.
type pebbleEnvelope struct {
	Version int64           `json:"v"`
	Updated int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
}

// PebbleTable keeps records of one logical table in an embedded Pebble
// database. Keyspace:
//
//	rec/{table}/{partition}/{row} -> envelope
//
// Read-modify-write paths (Merge, version bumps) are serialized per table
// and committed with Sync.
type PebbleTable[T Entity] struct {
	db    *pebble.DB
	table string
	newT  func() T
	clock clockwork.Clock

	mu sync.Mutex
}

// NewPebbleTable binds a logical table name to db. The caller owns db.
func NewPebbleTable[T Entity](db *pebble.DB, table string, newT func() T, clock clockwork.Clock) *PebbleTable[T] {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PebbleTable[T]{db: db, table: table, newT: newT, clock: clock}
}

func (t *PebbleTable[T]) partitionPrefix(pk string) []byte {
	return []byte("rec/" + t.table + "/" + pk + "/")
}

func (t *PebbleTable[T]) key(pk, rk string) []byte {
	return append(t.partitionPrefix(pk), rk...)
}

func (t *PebbleTable[T]) load(key []byte) (*pebbleEnvelope, error) {
	val, closer, err := t.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("invq/storage: pebble get: %w", err)
	}
	defer closer.Close()

	var env pebbleEnvelope
	if err := json.Unmarshal(val, &env); err != nil {
		return nil, fmt.Errorf("invq/storage: pebble decode envelope: %w", err)
	}
	return &env, nil
}

func (t *PebbleTable[T]) store(key []byte, env *pebbleEnvelope) error {
	val, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("invq/storage: pebble encode envelope: %w", err)
	}
	b := t.db.NewBatch()
	defer b.Close()
	if err := b.Set(key, val, nil); err != nil {
		return fmt.Errorf("invq/storage: pebble set: %w", err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("invq/storage: pebble commit: %w", err)
	}
	return nil
}

func (t *PebbleTable[T]) Get(_ context.Context, pk, rk string) (T, error) {
	env, err := t.load(t.key(pk, rk))
	if err != nil {
		var zero T
		return zero, err
	}
	return decode(t.newT, env.Data, env.Version, unixNanoTime(env.Updated))
}

func (t *PebbleTable[T]) InsertOrReplace(_ context.Context, e T) error {
	data, err := encode(e)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := t.key(e.PartitionKey(), e.RowKey())
	env, err := t.load(key)
	switch {
	case errors.Is(err, ErrNotFound):
		env = &pebbleEnvelope{}
	case err != nil:
		return err
	}
	env.Version++
	env.Updated = t.clock.Now().UnixNano()
	env.Data = data
	if err := t.store(key, env); err != nil {
		return err
	}
	e.SetMeta(formatETag(env.Version), unixNanoTime(env.Updated))
	return nil
}

func (t *PebbleTable[T]) Merge(_ context.Context, e T) error {
	want, err := parseETag(e.ETag())
	if err != nil {
		return err
	}
	patch, err := encode(e)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := t.key(e.PartitionKey(), e.RowKey())
	env, err := t.load(key)
	if errors.Is(err, ErrNotFound) {
		return missingForMerge(e.PartitionKey(), e.RowKey())
	}
	if err != nil {
		return err
	}
	if want != 0 && want != env.Version {
		return staleETag(e.PartitionKey(), e.RowKey(), e.ETag())
	}
	merged, err := mergeJSON(env.Data, patch)
	if err != nil {
		return err
	}
	env.Version++
	env.Updated = t.clock.Now().UnixNano()
	env.Data = merged
	if err := t.store(key, env); err != nil {
		return err
	}
	e.SetMeta(formatETag(env.Version), unixNanoTime(env.Updated))
	return nil
}

func (t *PebbleTable[T]) Query(_ context.Context, q Query) ([]T, error) {
	prefix := []byte("rec/" + t.table + "/")
	if q.PartitionKey != "" {
		prefix = t.partitionPrefix(q.PartitionKey)
	}
	upper := append(bytes.Clone(prefix), 0xFF)

	iter, err := t.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("invq/storage: pebble iter: %w", err)
	}
	defer iter.Close()

	var envs []pebbleEnvelope
	for ok := iter.First(); ok; ok = iter.Next() {
		var env pebbleEnvelope
		if err := json.Unmarshal(iter.Value(), &env); err != nil {
			return nil, fmt.Errorf("invq/storage: pebble decode envelope: %w", err)
		}
		if !q.UpdatedBefore.IsZero() && env.Updated >= q.UpdatedBefore.UnixNano() {
			continue
		}
		if !matches(env.Data, q.Where) {
			continue
		}
		envs = append(envs, env)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("invq/storage: pebble iterate: %w", err)
	}

	sort.SliceStable(envs, func(i, j int) bool { return envs[i].Updated < envs[j].Updated })
	if q.Limit > 0 && len(envs) > q.Limit {
		envs = envs[:q.Limit]
	}

	out := make([]T, 0, len(envs))
	for _, env := range envs {
		e, err := decode(t.newT, env.Data, env.Version, unixNanoTime(env.Updated))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

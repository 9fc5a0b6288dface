package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
)

var _ Table[Entity] = (*MemoryTable[Entity])(nil)

type memoryRow struct {
	pk, rk  string
	data    []byte
	version int64
	updated int64
}

// MemoryTable is an in-process Table. Safe for concurrent use. Intended for
// tests and local development.
type MemoryTable[T Entity] struct {
	mu    sync.RWMutex
	rows  map[string]*memoryRow
	newT  func() T
	clock clockwork.Clock
}

// NewMemoryTable returns an empty table. newT must return a fresh zero entity.
func NewMemoryTable[T Entity](newT func() T, clock clockwork.Clock) *MemoryTable[T] {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryTable[T]{rows: make(map[string]*memoryRow), newT: newT, clock: clock}
}

func memoryKey(pk, rk string) string { return pk + "\x00" + rk }

func (t *MemoryTable[T]) Get(_ context.Context, pk, rk string) (T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	row, ok := t.rows[memoryKey(pk, rk)]
	if !ok {
		var zero T
		return zero, ErrNotFound
	}
	return decode(t.newT, row.data, row.version, unixNanoTime(row.updated))
}

func (t *MemoryTable[T]) InsertOrReplace(_ context.Context, e T) error {
	data, err := encode(e)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := memoryKey(e.PartitionKey(), e.RowKey())
	row, ok := t.rows[key]
	if !ok {
		row = &memoryRow{pk: e.PartitionKey(), rk: e.RowKey()}
		t.rows[key] = row
	}
	row.data = data
	row.version++
	row.updated = t.clock.Now().UnixNano()
	e.SetMeta(formatETag(row.version), unixNanoTime(row.updated))
	return nil
}

func (t *MemoryTable[T]) Merge(_ context.Context, e T) error {
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

	row, ok := t.rows[memoryKey(e.PartitionKey(), e.RowKey())]
	if !ok {
		return missingForMerge(e.PartitionKey(), e.RowKey())
	}
	if want != 0 && want != row.version {
		return staleETag(e.PartitionKey(), e.RowKey(), e.ETag())
	}
	merged, err := mergeJSON(row.data, patch)
	if err != nil {
		return err
	}
	row.data = merged
	row.version++
	row.updated = t.clock.Now().UnixNano()
	e.SetMeta(formatETag(row.version), unixNanoTime(row.updated))
	return nil
}

func (t *MemoryTable[T]) Query(_ context.Context, q Query) ([]T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rows := make([]*memoryRow, 0)
	for _, row := range t.rows {
		if q.PartitionKey != "" && row.pk != q.PartitionKey {
			continue
		}
		if !q.UpdatedBefore.IsZero() && row.updated >= q.UpdatedBefore.UnixNano() {
			continue
		}
		if !matches(row.data, q.Where) {
			continue
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].updated != rows[j].updated {
			return rows[i].updated < rows[j].updated
		}
		return rows[i].rk < rows[j].rk
	})
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}

	out := make([]T, 0, len(rows))
	for _, row := range rows {
		e, err := decode(t.newT, row.data, row.version, unixNanoTime(row.updated))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

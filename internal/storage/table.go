// Package storage is the durable record store adapter. Records are addressed by
// a (partition, row) key pair, stored as JSON objects, and versioned so that
// merges can detect concurrent writers.
//
// Three backends implement Table: Postgres (pgx), Pebble (embedded) and an
// in-memory table for tests and local development.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	ErrNotFound = errors.New("invq/storage: record not found")
	ErrConflict = errors.New("invq/storage: write conflict")
)

// Entity is a record that knows its own key and carries store metadata.
type Entity interface {
	PartitionKey() string
	RowKey() string
	ETag() string
	Timestamp() time.Time
	SetMeta(etag string, ts time.Time)
}

// Table is the capability set every backend offers for one entity type.
//
// Merge overlays the entity's top-level JSON fields on the stored record.
// It fails with ErrConflict when the record is missing (the error also
// matches ErrNotFound) or when the entity carries an ETag that no longer
// matches. An empty ETag merges unconditionally.
type Table[T Entity] interface {
	Get(ctx context.Context, partitionKey, rowKey string) (T, error)
	InsertOrReplace(ctx context.Context, e T) error
	Merge(ctx context.Context, e T) error
	Query(ctx context.Context, q Query) ([]T, error)
}

// Query selects records in one partition. Where compares top-level fields by
// their text value; UpdatedBefore filters on the store timestamp.
type Query struct {
	PartitionKey  string
	Where         map[string]string
	UpdatedBefore time.Time
	Limit         int
}

// Meta holds the ETag and server timestamp of a stored record. Embed it in an
// entity to satisfy the metadata half of Entity; it never reaches the JSON body.
type Meta struct {
	etag string
	ts   time.Time
}

func (m *Meta) ETag() string { return m.etag }

func (m *Meta) Timestamp() time.Time { return m.ts }

func (m *Meta) SetMeta(etag string, ts time.Time) {
	m.etag = etag
	m.ts = ts
}

func missingForMerge(pk, rk string) error {
	return fmt.Errorf("%w: merge %s/%s: %w", ErrConflict, pk, rk, ErrNotFound)
}

func staleETag(pk, rk, etag string) error {
	return fmt.Errorf("%w: %s/%s etag %s is stale", ErrConflict, pk, rk, etag)
}

func formatETag(version int64) string { return strconv.FormatInt(version, 10) }

func parseETag(etag string) (int64, error) {
	if etag == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(etag, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invq/storage: bad etag %q: %w", etag, err)
	}
	return v, nil
}

func encode[T Entity](e T) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("invq/storage: encode %s/%s: %w", e.PartitionKey(), e.RowKey(), err)
	}
	return b, nil
}

func decode[T Entity](newT func() T, data []byte, version int64, ts time.Time) (T, error) {
	e := newT()
	if err := json.Unmarshal(data, e); err != nil {
		var zero T
		return zero, fmt.Errorf("invq/storage: decode record: %w", err)
	}
	e.SetMeta(formatETag(version), ts)
	return e, nil
}

// mergeJSON overlays the top-level fields of patch onto base.
func mergeJSON(base, patch []byte) ([]byte, error) {
	dst := map[string]json.RawMessage{}
	if err := json.Unmarshal(base, &dst); err != nil {
		return nil, fmt.Errorf("invq/storage: merge base: %w", err)
	}
	src := map[string]json.RawMessage{}
	if err := json.Unmarshal(patch, &src); err != nil {
		return nil, fmt.Errorf("invq/storage: merge patch: %w", err)
	}
	for k, v := range src {
		dst[k] = v
	}
	return json.Marshal(dst)
}

// matches evaluates Query.Where against a stored JSON body the way Postgres
// evaluates data->>'field' = value.
func matches(data []byte, where map[string]string) bool {
	if len(where) == 0 {
		return true
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return false
	}
	for k, want := range where {
		raw, ok := fields[k]
		if !ok {
			return false
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if s != want {
				return false
			}
			continue
		}
		if string(raw) != want {
			return false
		}
	}
	return true
}

func unixNanoTime(n int64) time.Time { return time.Unix(0, n).UTC() }

package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/SirClappington/invq/internal/retry"
)

var _ Table[Entity] = (*PostgresTable[Entity])(nil)

// PostgresTable stores records of one logical table in the shared
// invq_records relation (source of truth). Bodies are JSONB, so Merge is a
// single `data || patch` statement.
type PostgresTable[T Entity] struct {
	db    *pgxpool.Pool
	table string
	newT  func() T
	retry retry.Policy
}

// NewPostgresTable binds a logical table name to the pool. The pool lifecycle
// stays with the caller.
func NewPostgresTable[T Entity](db *pgxpool.Pool, table string, newT func() T, policy retry.Policy) *PostgresTable[T] {
	return &PostgresTable[T]{db: db, table: table, newT: newT, retry: policy}
}

func (s *PostgresTable[T]) Get(ctx context.Context, pk, rk string) (T, error) {
	var (
		data    []byte
		version int64
		updated time.Time
	)
	err := s.do(ctx, func(ctx context.Context) error {
		return s.db.QueryRow(ctx, `
select data, version, updated_at
  from invq_records
 where table_name = $1 and partition_key = $2 and row_key = $3`,
			s.table, pk, rk,
		).Scan(&data, &version, &updated)
	})
	if err != nil {
		var zero T
		if errors.Is(err, pgx.ErrNoRows) {
			return zero, ErrNotFound
		}
		return zero, fmt.Errorf("invq/storage: get %s/%s: %w", pk, rk, err)
	}
	return decode(s.newT, data, version, updated.UTC())
}

func (s *PostgresTable[T]) InsertOrReplace(ctx context.Context, e T) error {
	data, err := encode(e)
	if err != nil {
		return err
	}

	var (
		version int64
		updated time.Time
	)
	err = s.do(ctx, func(ctx context.Context) error {
		return s.db.QueryRow(ctx, `
insert into invq_records (table_name, partition_key, row_key, data, version, updated_at)
values ($1, $2, $3, $4::jsonb, 1, now())
on conflict (table_name, partition_key, row_key) do update
   set data = excluded.data,
       version = invq_records.version + 1,
       updated_at = now()
returning version, updated_at`,
			s.table, e.PartitionKey(), e.RowKey(), data,
		).Scan(&version, &updated)
	})
	if err != nil {
		return fmt.Errorf("invq/storage: insert or replace %s/%s: %w", e.PartitionKey(), e.RowKey(), err)
	}
	e.SetMeta(formatETag(version), updated.UTC())
	return nil
}

func (s *PostgresTable[T]) Merge(ctx context.Context, e T) error {
	want, err := parseETag(e.ETag())
	if err != nil {
		return err
	}
	patch, err := encode(e)
	if err != nil {
		return err
	}

	var (
		version int64
		updated time.Time
	)
	err = s.do(ctx, func(ctx context.Context) error {
		return s.db.QueryRow(ctx, `
update invq_records
   set data = data || $4::jsonb,
       version = version + 1,
       updated_at = now()
 where table_name = $1 and partition_key = $2 and row_key = $3
   and ($5::bigint = 0 or version = $5)
returning version, updated_at`,
			s.table, e.PartitionKey(), e.RowKey(), patch, want,
		).Scan(&version, &updated)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.Get(ctx, e.PartitionKey(), e.RowKey()); errors.Is(getErr, ErrNotFound) {
			return missingForMerge(e.PartitionKey(), e.RowKey())
		}
		return staleETag(e.PartitionKey(), e.RowKey(), e.ETag())
	}
	if err != nil {
		return fmt.Errorf("invq/storage: merge %s/%s: %w", e.PartitionKey(), e.RowKey(), err)
	}
	e.SetMeta(formatETag(version), updated.UTC())
	return nil
}

func (s *PostgresTable[T]) Query(ctx context.Context, q Query) ([]T, error) {
	var (
		sb   strings.Builder
		args = []any{s.table}
	)
	sb.WriteString(`select data, version, updated_at from invq_records where table_name = $1`)
	if q.PartitionKey != "" {
		args = append(args, q.PartitionKey)
		fmt.Fprintf(&sb, " and partition_key = $%d", len(args))
	}
	for field, value := range q.Where {
		args = append(args, field, value)
		fmt.Fprintf(&sb, " and data->>$%d = $%d", len(args)-1, len(args))
	}
	if !q.UpdatedBefore.IsZero() {
		args = append(args, q.UpdatedBefore)
		fmt.Fprintf(&sb, " and updated_at < $%d", len(args))
	}
	sb.WriteString(" order by updated_at asc, row_key asc")
	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&sb, " limit $%d", len(args))
	}

	var out []T
	err := s.do(ctx, func(ctx context.Context) error {
		out = out[:0]
		rows, err := s.db.Query(ctx, sb.String(), args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				data    []byte
				version int64
				updated time.Time
			)
			if err := rows.Scan(&data, &version, &updated); err != nil {
				return err
			}
			e, err := decode(s.newT, data, version, updated.UTC())
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("invq/storage: query %s: %w", s.table, err)
	}
	return out, nil
}

func (s *PostgresTable[T]) do(ctx context.Context, op func(ctx context.Context) error) error {
	return retry.Do(ctx, s.retry, isTransientPg, op)
}

// isTransientPg reports connection-level failures and the SQLSTATEs Postgres
// documents as safe to retry.
func isTransientPg(err error) bool {
	if errors.Is(err, pgx.ErrNoRows) {
		return false
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "53300", "57P03":
			return true
		}
		return strings.HasPrefix(pgErr.Code, "08")
	}
	return false
}

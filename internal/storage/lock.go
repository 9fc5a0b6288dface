package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// unlockTimeout bounds the unlock a release func runs.
const unlockTimeout = 5 * time.Second

// AdvisoryLocker elects a single leader across processes with a session-level
// Postgres advisory lock. The lock lives on a dedicated pooled connection
// until the returned release func runs.
type AdvisoryLocker struct {
	db  *pgxpool.Pool
	key int64
}

func NewAdvisoryLocker(db *pgxpool.Pool, key int64) *AdvisoryLocker {
	return &AdvisoryLocker{db: db, key: key}
}

// TryLock returns ok=false without blocking when another session holds the lock.
func (l *AdvisoryLocker) TryLock(ctx context.Context) (release func(), ok bool, err error) {
	conn, err := l.db.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("invq/storage: acquire lock conn: %w", err)
	}
	if err := conn.QueryRow(ctx, `select pg_try_advisory_lock($1)`, l.key).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("invq/storage: try advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}
	return func() { releaseLock(pooledSession{conn}, l.key, unlockTimeout) }, true, nil
}

// lockSession is the part of a pooled connection a held lock needs.
type lockSession interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close(ctx context.Context) error
	Release()
}

type pooledSession struct{ conn *pgxpool.Conn }

func (s pooledSession) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return s.conn.QueryRow(ctx, sql, args...)
}

func (s pooledSession) Close(ctx context.Context) error { return s.conn.Conn().Close(ctx) }

func (s pooledSession) Release() { s.conn.Release() }

// releaseLock unlocks key and hands the connection back. If the unlock fails
// the session is closed instead, which drops every advisory lock it holds, so
// the pool never reuses a connection that still owns the lock.
func releaseLock(s lockSession, key int64, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var unlocked bool
	if err := s.QueryRow(ctx, `select pg_advisory_unlock($1)`, key).Scan(&unlocked); err != nil {
		closeCtx, cancelClose := context.WithTimeout(context.Background(), timeout)
		_ = s.Close(closeCtx)
		cancelClose()
	}
	s.Release()
}

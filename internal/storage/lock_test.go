package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
)

type scanRow struct {
	unlocked bool
	err      error
}

func (r scanRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*bool) = r.unlocked
	return nil
}

type fakeSession struct {
	row         scanRow
	hasDeadline bool
	calls       []string
}

func (s *fakeSession) QueryRow(ctx context.Context, sql string, _ ...any) pgx.Row {
	_, s.hasDeadline = ctx.Deadline()
	s.calls = append(s.calls, sql)
	return s.row
}

func (s *fakeSession) Close(context.Context) error {
	s.calls = append(s.calls, "close")
	return nil
}

func (s *fakeSession) Release() { s.calls = append(s.calls, "release") }

func TestReleaseLockUnlocksThenReleases(t *testing.T) {
	t.Parallel()
	s := &fakeSession{row: scanRow{unlocked: true}}

	releaseLock(s, 42, time.Second)
	assert.True(t, s.hasDeadline, "the unlock is bounded")
	assert.Equal(t, []string{"select pg_advisory_unlock($1)", "release"}, s.calls)
}

func TestReleaseLockClosesSessionWhenUnlockFails(t *testing.T) {
	t.Parallel()
	s := &fakeSession{row: scanRow{err: errors.New("conn busy")}}

	releaseLock(s, 42, time.Second)
	assert.Equal(t, []string{"select pg_advisory_unlock($1)", "close", "release"}, s.calls,
		"a session that may still hold the lock never goes back to the pool open")
}

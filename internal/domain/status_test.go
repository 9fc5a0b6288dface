package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCanAdvance(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to Status
		ok       bool
	}{
		{Created, Queuing, true},
		{"", Queuing, true},
		{Queuing, Queuing, true},
		{Queuing, Queued, true},
		{Queued, Queuing, false},
		{Queued, InProgress, true},
		{InProgress, Completed, true},
		{Queued, Failed, true},
		{Completed, Failed, false},
		{Failed, Failed, false},
		{Queued, "transcoding", true},
		{"transcoding", Queued, false},
		{"transcoding", Completed, true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanAdvance(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestInvocationAdvance(t *testing.T) {
	t.Parallel()

	inv := NewInvocation("reindex", nil)
	assert.Equal(t, Created, inv.Status)
	require.NoError(t, inv.Advance(Queuing))
	require.NoError(t, inv.Advance(Queued))

	err := inv.Advance(Queuing)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, Queued, inv.Status, "a rejected transition leaves the status alone")
}

func TestInvocationKeys(t *testing.T) {
	t.Parallel()

	inv := NewInvocation("reindex", json.RawMessage(`{}`))
	assert.Equal(t, InvocationPartition, inv.PartitionKey())
	assert.Equal(t, inv.ID.String(), inv.RowKey())
	assert.Equal(t, inv.RowKey(), RowKey(inv.ID))

	b, err := json.Marshal(inv)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "etag", "store metadata stays out of the record body")
}

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/SirClappington/invq/internal/storage"
)

// InvocationPartition is the fixed partition every invocation record lives in.
const InvocationPartition = "invocation"

// Invocation is the durable, authoritative description of one job instance.
// The dispatcher owns Status up to Queued and the queue bookkeeping fields;
// everything else belongs to job logic and is passed through untouched.
type Invocation struct {
	storage.Meta

	ID      uuid.UUID       `json:"id"`
	Job     string          `json:"job"`
	Source  string          `json:"source,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Status  Status          `json:"status"`

	DequeueCount             int64      `json:"dequeue_count,omitempty"`
	LastInstanceName         string     `json:"last_instance_name,omitempty"`
	LastDequeuedAt           *time.Time `json:"last_dequeued_at,omitempty"`
	QueuedAt                 *time.Time `json:"queued_at,omitempty"`
	EstimatedNextVisibleTime *time.Time `json:"estimated_next_visible_at,omitempty"`

	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	ResultMessage string     `json:"result_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewInvocation returns a Created invocation with a fresh identifier.
func NewInvocation(job string, payload json.RawMessage) *Invocation {
	return &Invocation{
		ID:        uuid.New(),
		Job:       job,
		Payload:   payload,
		Status:    Created,
		CreatedAt: time.Now().UTC(),
	}
}

func (i *Invocation) PartitionKey() string { return InvocationPartition }

func (i *Invocation) RowKey() string { return RowKey(i.ID) }

// RowKey derives the record row key for an invocation identifier.
func RowKey(id uuid.UUID) string { return id.String() }

// Advance moves the invocation to next, refusing to go backwards or to leave
// a terminal status.
func (i *Invocation) Advance(next Status) error {
	if !i.Status.CanAdvance(next) {
		return transitionError(i.Status, next)
	}
	i.Status = next
	return nil
}

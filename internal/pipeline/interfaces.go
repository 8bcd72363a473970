package pipeline

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors surfaced to callers initiating new work. In-flight work is
// never interrupted by these conditions.
var (
	// ErrDailyCapExceeded means the trailing-24h request budget for a source
	// is spent.
	ErrDailyCapExceeded = errors.New("daily request cap exceeded")

	// ErrBanSuspected means consecutive failures for a source crossed the
	// ban-detection threshold.
	ErrBanSuspected = errors.New("ban suspected for source")

	// ErrBatchNotFound distinguishes an absent batch from one with zero jobs.
	ErrBatchNotFound = errors.New("batch not found")

	// ErrQueueClosed is returned by queue operations after shutdown.
	ErrQueueClosed = errors.New("queue closed")
)

// Processor executes the content-understanding work for one item. The
// scheduler is agnostic to its internals; it returns a result or an error.
type Processor interface {
	Process(ctx context.Context, item WorkItem) (*Result, error)
}

// Queue provides priority enqueue/dequeue plus per-item lifecycle tracking.
// Defer returns a dequeued item for a later attempt without spending retry
// budget; workers use it when a source is not currently admissible.
type Queue interface {
	Enqueue(ctx context.Context, item WorkItem) error
	Dequeue(ctx context.Context) (WorkItem, error)
	Defer(id string) error
	MarkProcessing(id string)
	MarkCompleted(id string)
	MarkFailed(ctx context.Context, id string, reason error) error
	Status() QueueStatus
}

// BatchStore persists batch snapshots as human-inspectable JSON.
type BatchStore interface {
	SaveSnapshot(ctx context.Context, snap BatchSnapshot) error
	LoadSnapshot(ctx context.Context, batchID string) (BatchSnapshot, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces batch and job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

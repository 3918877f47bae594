// Package queue provides the durable delayed-job queue substrate used by
// the notification workers, backed by Redis sorted sets, plus the fixed
// queue topology of the three channel families.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrMoved is returned by handlers that already advanced the job
// themselves (escalation, parking). The consumer neither completes nor
// retries such a job.
var ErrMoved = errors.New("job moved by handler")

// Job is a unit of work owned by exactly one named queue at a time.
// Escalation moves a job between queues; the job ID stays stable so
// re-submissions are idempotent.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	TraceID     string          `json:"trace_id,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

// EnqueueOptions control placement of a job.
type EnqueueOptions struct {
	// Delay defers visibility of the job by the given duration.
	Delay time.Duration
	// Priority orders jobs within a queue (higher first, then FIFO).
	Priority int
}

// Stats holds per-queue counters.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// Handler processes one job. A non-nil error tells the substrate to
// re-attempt the job under back-off; returning nil advances it.
type Handler func(ctx context.Context, job *Job) error

// Substrate is the durable delayed-job queue contract. The platform
// assumes at-least-once delivery: a job is only removed once its handler
// returns nil or the job is explicitly moved or failed.
type Substrate interface {
	// Enqueue adds a job to the named queue. Enqueueing an existing job
	// ID refreshes its position and is otherwise a no-op.
	Enqueue(ctx context.Context, queue string, job *Job, opts EnqueueOptions) error

	// Dequeue returns up to limit jobs ready for processing, ordered by
	// (priority desc, enqueue time asc). Jobs remain owned by the queue
	// until completed, retried, or moved.
	Dequeue(ctx context.Context, queue string, limit int) ([]*Job, error)

	// Retry re-schedules the job on its current queue after delay.
	Retry(ctx context.Context, job *Job, delay time.Duration) error

	// MoveToQueue transfers the job to another queue, resetting its
	// substrate attempt counter. Used for tier escalation.
	MoveToQueue(ctx context.Context, job *Job, target string, opts EnqueueOptions) error

	// Complete removes the job from its queue.
	Complete(ctx context.Context, job *Job) error

	// Fail parks the job in the queue's failed set.
	Fail(ctx context.Context, job *Job, reason string) error

	// RetryFailed moves up to max parked jobs back onto the queue.
	RetryFailed(ctx context.Context, queue string, max int) (int, error)

	// ReplayFailed moves up to max parked jobs from queue's failed set
	// onto target's pending set, resetting their attempt counters.
	// Returns the moved job IDs. Used for operator DLQ replay.
	ReplayFailed(ctx context.Context, queue, target string, max int) ([]string, error)

	// PromoteDelayed moves due jobs from the delayed set to pending.
	PromoteDelayed(ctx context.Context, queue string, now time.Time) (int, error)

	// AcquireLock takes a processing lock for the job; ReleaseLock frees
	// it if still held by workerID.
	AcquireLock(ctx context.Context, jobID, workerID string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, jobID, workerID string) error

	// MarkActive adjusts the queue's in-flight counter.
	MarkActive(ctx context.Context, queue string, delta int) error

	// Stats returns the queue's counters.
	Stats(ctx context.Context, queue string) (*Stats, error)

	// Pause stops consumers from dequeuing; Resume re-enables them.
	Pause(ctx context.Context, queue string) error
	Resume(ctx context.Context, queue string) error
	Paused(ctx context.Context, queue string) (bool, error)

	// Clean removes completed bookkeeping and failed jobs parked longer
	// than olderThan.
	Clean(ctx context.Context, queue string, olderThan time.Duration) (int, error)

	// Close releases the underlying connection.
	Close() error
}

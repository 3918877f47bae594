package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSubstrate(t *testing.T) (*RedisSubstrate, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisSubstrateFromClient(client), mr
}

func testJob(id string, priority int) *Job {
	payload, _ := json.Marshal(map[string]string{"notification_id": id})
	return &Job{
		ID:       id,
		Type:     "signup",
		Payload:  payload,
		Priority: priority,
	}
}

func TestEnqueueDequeuePriorityOrder(t *testing.T) {
	s, _ := newTestSubstrate(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, "email:primary", testJob("low", 3), EnqueueOptions{}))
	require.NoError(t, s.Enqueue(ctx, "email:primary", testJob("high", 10), EnqueueOptions{}))
	require.NoError(t, s.Enqueue(ctx, "email:primary", testJob("mid", 5), EnqueueOptions{}))

	jobs, err := s.Dequeue(ctx, "email:primary", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 3)

	assert.Equal(t, "high", jobs[0].ID)
	assert.Equal(t, "mid", jobs[1].ID)
	assert.Equal(t, "low", jobs[2].ID)
}

func TestEnqueueFIFOWithinPriority(t *testing.T) {
	s, _ := newTestSubstrate(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, "email:primary", testJob("first", 5), EnqueueOptions{}))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, s.Enqueue(ctx, "email:primary", testJob("second", 5), EnqueueOptions{}))

	jobs, err := s.Dequeue(ctx, "email:primary", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "first", jobs[0].ID)
	assert.Equal(t, "second", jobs[1].ID)
}

func TestEnqueueIdempotent(t *testing.T) {
	s, _ := newTestSubstrate(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, "email:primary", testJob("dup", 5), EnqueueOptions{}))
	require.NoError(t, s.Enqueue(ctx, "email:primary", testJob("dup", 5), EnqueueOptions{}))

	jobs, err := s.Dequeue(ctx, "email:primary", 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestEnqueueDelayedAndPromote(t *testing.T) {
	s, _ := newTestSubstrate(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, "email:retry-1", testJob("later", 5), EnqueueOptions{Delay: time.Minute}))

	jobs, err := s.Dequeue(ctx, "email:retry-1", 10)
	require.NoError(t, err)
	assert.Empty(t, jobs, "delayed job must not be visible before its due time")

	// Not due yet.
	promoted, err := s.PromoteDelayed(ctx, "email:retry-1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, promoted)

	promoted, err = s.PromoteDelayed(ctx, "email:retry-1", time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	jobs, err = s.Dequeue(ctx, "email:retry-1", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "later", jobs[0].ID)
	assert.Equal(t, 5, jobs[0].Priority, "promotion keeps the job priority")
}

func TestRetryPersistsAttempts(t *testing.T) {
	s, _ := newTestSubstrate(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, "push:primary", testJob("j1", 8), EnqueueOptions{}))
	jobs, err := s.Dequeue(ctx, "push:primary", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	job := jobs[0]
	job.Attempts = 2
	require.NoError(t, s.Retry(ctx, job, time.Second))

	// Gone from pending, visible again after promotion.
	jobs, err = s.Dequeue(ctx, "push:primary", 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	_, err = s.PromoteDelayed(ctx, "push:primary", time.Now().Add(time.Minute))
	require.NoError(t, err)

	jobs, err = s.Dequeue(ctx, "push:primary", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 2, jobs[0].Attempts)
}

func TestMoveToQueueResetsAttempts(t *testing.T) {
	s, _ := newTestSubstrate(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, "email:primary", testJob("esc", 10), EnqueueOptions{}))
	jobs, err := s.Dequeue(ctx, "email:primary", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	job := jobs[0]
	job.Attempts = 4
	require.NoError(t, s.MoveToQueue(ctx, job, "email:retry-1", EnqueueOptions{Delay: 5 * time.Minute}))

	assert.Equal(t, "email:retry-1", job.Queue)
	assert.Equal(t, 0, job.Attempts)

	jobs, err = s.Dequeue(ctx, "email:primary", 10)
	require.NoError(t, err)
	assert.Empty(t, jobs, "job must leave the source queue")

	stats, err := s.Stats(ctx, "email:retry-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Delayed)
}

func TestCompleteRemovesJob(t *testing.T) {
	s, mr := newTestSubstrate(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, "in_app:primary", testJob("done", 3), EnqueueOptions{}))
	jobs, err := s.Dequeue(ctx, "in_app:primary", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	require.NoError(t, s.Complete(ctx, jobs[0]))

	jobs, err = s.Dequeue(ctx, "in_app:primary", 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.False(t, mr.Exists(keyJobPrefix+"done"), "job body deleted on completion")

	stats, err := s.Stats(ctx, "in_app:primary")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Completed)
}

func TestFailAndRetryFailed(t *testing.T) {
	s, _ := newTestSubstrate(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, "email:dlq", testJob("stuck", 1), EnqueueOptions{}))
	jobs, err := s.Dequeue(ctx, "email:dlq", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	require.NoError(t, s.Fail(ctx, jobs[0], "handler kept failing"))

	stats, err := s.Stats(ctx, "email:dlq")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(0), stats.Waiting)

	n, err := s.RetryFailed(ctx, "email:dlq", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	jobs, err = s.Dequeue(ctx, "email:dlq", 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestReplayFailedMovesToTarget(t *testing.T) {
	s, _ := newTestSubstrate(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, "email:dlq", testJob("dead", 10), EnqueueOptions{}))
	jobs, err := s.Dequeue(ctx, "email:dlq", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	jobs[0].Attempts = 1
	require.NoError(t, s.Fail(ctx, jobs[0], "max retries exceeded"))

	moved, err := s.ReplayFailed(ctx, "email:dlq", "email:primary", 10)
	require.NoError(t, err)
	require.Equal(t, []string{"dead"}, moved)

	replayed, err := s.Dequeue(ctx, "email:primary", 10)
	require.NoError(t, err)
	require.Len(t, replayed, 1)
	assert.Equal(t, "email:primary", replayed[0].Queue)
	assert.Equal(t, 0, replayed[0].Attempts)
	assert.Equal(t, 10, replayed[0].Priority)

	stats, err := s.Stats(ctx, "email:dlq")
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestPauseResume(t *testing.T) {
	s, _ := newTestSubstrate(t)
	ctx := context.Background()

	paused, err := s.Paused(ctx, "push:primary")
	require.NoError(t, err)
	assert.False(t, paused)

	require.NoError(t, s.Pause(ctx, "push:primary"))
	paused, err = s.Paused(ctx, "push:primary")
	require.NoError(t, err)
	assert.True(t, paused)

	require.NoError(t, s.Resume(ctx, "push:primary"))
	paused, err = s.Paused(ctx, "push:primary")
	require.NoError(t, err)
	assert.False(t, paused)
}

func TestAcquireReleaseLock(t *testing.T) {
	s, _ := newTestSubstrate(t)
	ctx := context.Background()

	ok, err := s.AcquireLock(ctx, "job-1", "worker-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireLock(ctx, "job-1", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second worker must not steal the lock")

	// Release by a non-owner is a no-op.
	require.NoError(t, s.ReleaseLock(ctx, "job-1", "worker-b"))
	ok, err = s.AcquireLock(ctx, "job-1", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.ReleaseLock(ctx, "job-1", "worker-a"))
	ok, err = s.AcquireLock(ctx, "job-1", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCleanRemovesStaleParkedJobs(t *testing.T) {
	s, mr := newTestSubstrate(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, "email:dlq", testJob("old", 1), EnqueueOptions{}))
	jobs, err := s.Dequeue(ctx, "email:dlq", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NoError(t, s.Fail(ctx, jobs[0], "x"))

	// Parked just now: a 1h window keeps it.
	n, err := s.Clean(ctx, "email:dlq", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Backdate the parked timestamp past the retention window.
	mr.ZAdd(keyFailed("email:dlq"), float64(time.Now().Add(-2*time.Hour).Unix()), "old")
	n, err = s.Clean(ctx, "email:dlq", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, mr.Exists(keyJobPrefix+"old"))
}

func TestMarkActiveCounter(t *testing.T) {
	s, _ := newTestSubstrate(t)
	ctx := context.Background()

	require.NoError(t, s.MarkActive(ctx, "email:primary", 1))
	require.NoError(t, s.MarkActive(ctx, "email:primary", 1))
	require.NoError(t, s.MarkActive(ctx, "email:primary", -1))

	stats, err := s.Stats(ctx, "email:primary")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Active)
}

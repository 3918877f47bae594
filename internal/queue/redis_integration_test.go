package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startRedis boots a throwaway Redis container and returns a substrate
// connected to it.
func startRedis(t *testing.T) *RedisSubstrate {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine",
		testcontainers.WithWaitStrategy(wait.ForLog("Ready to accept connections")))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	substrate, err := NewRedisSubstrate(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = substrate.Close() })
	return substrate
}

// TestSubstrateIntegration exercises the full job lifecycle against a
// real Redis instance: enqueue, dequeue, escalation, parking, replay.
func TestSubstrateIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	s := startRedis(t)

	newJob := func(id string) *Job {
		payload, _ := json.Marshal(map[string]string{"id": id})
		return &Job{ID: id, Type: "test", Payload: payload}
	}

	t.Run("Enqueue and Dequeue", func(t *testing.T) {
		require.NoError(t, s.Enqueue(ctx, "email:primary", newJob("email:a"), EnqueueOptions{}))

		jobs, err := s.Dequeue(ctx, "email:primary", 10)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, "email:a", jobs[0].ID)
		assert.Equal(t, "email:primary", jobs[0].Queue)

		require.NoError(t, s.Complete(ctx, jobs[0]))
		jobs, err = s.Dequeue(ctx, "email:primary", 10)
		require.NoError(t, err)
		assert.Empty(t, jobs)
	})

	t.Run("Duplicate enqueue is idempotent", func(t *testing.T) {
		require.NoError(t, s.Enqueue(ctx, "email:dup", newJob("email:d"), EnqueueOptions{}))
		require.NoError(t, s.Enqueue(ctx, "email:dup", newJob("email:d"), EnqueueOptions{}))

		jobs, err := s.Dequeue(ctx, "email:dup", 10)
		require.NoError(t, err)
		assert.Len(t, jobs, 1)
	})

	t.Run("Priority ordering", func(t *testing.T) {
		low := newJob("prio:low")
		low.Priority = 1
		high := newJob("prio:high")
		high.Priority = 10
		require.NoError(t, s.Enqueue(ctx, "prio:q", low, EnqueueOptions{Priority: 1}))
		require.NoError(t, s.Enqueue(ctx, "prio:q", high, EnqueueOptions{Priority: 10}))

		jobs, err := s.Dequeue(ctx, "prio:q", 2)
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		assert.Equal(t, "prio:high", jobs[0].ID)
	})

	t.Run("Delayed jobs promote when due", func(t *testing.T) {
		require.NoError(t, s.Enqueue(ctx, "delay:q", newJob("delay:a"), EnqueueOptions{Delay: time.Hour}))

		jobs, err := s.Dequeue(ctx, "delay:q", 10)
		require.NoError(t, err)
		assert.Empty(t, jobs)

		n, err := s.PromoteDelayed(ctx, "delay:q", time.Now())
		require.NoError(t, err)
		assert.Zero(t, n)

		n, err = s.PromoteDelayed(ctx, "delay:q", time.Now().Add(2*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		jobs, err = s.Dequeue(ctx, "delay:q", 10)
		require.NoError(t, err)
		assert.Len(t, jobs, 1)
	})

	t.Run("MoveToQueue resets attempts", func(t *testing.T) {
		job := newJob("move:a")
		job.Attempts = 4
		require.NoError(t, s.Enqueue(ctx, "move:src", job, EnqueueOptions{}))
		require.NoError(t, s.MoveToQueue(ctx, job, "move:dst", EnqueueOptions{}))

		jobs, err := s.Dequeue(ctx, "move:src", 10)
		require.NoError(t, err)
		assert.Empty(t, jobs)

		jobs, err = s.Dequeue(ctx, "move:dst", 10)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Zero(t, jobs[0].Attempts)
		assert.Equal(t, "move:dst", jobs[0].Queue)
	})

	t.Run("Fail parks and ReplayFailed resurrects", func(t *testing.T) {
		job := newJob("park:a")
		job.Attempts = 9
		require.NoError(t, s.Enqueue(ctx, "park:dlq", job, EnqueueOptions{}))
		require.NoError(t, s.Fail(ctx, job, "dead letter"))

		jobs, err := s.Dequeue(ctx, "park:dlq", 10)
		require.NoError(t, err)
		assert.Empty(t, jobs)

		stats, err := s.Stats(ctx, "park:dlq")
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.Failed)

		moved, err := s.ReplayFailed(ctx, "park:dlq", "park:primary", 10)
		require.NoError(t, err)
		require.Equal(t, []string{"park:a"}, moved)

		jobs, err = s.Dequeue(ctx, "park:primary", 10)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Zero(t, jobs[0].Attempts)
	})

	t.Run("Locks are exclusive per worker", func(t *testing.T) {
		ok, err := s.AcquireLock(ctx, "lock:a", "worker-1", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.AcquireLock(ctx, "lock:a", "worker-2", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		// Release by the wrong holder is a no-op.
		require.NoError(t, s.ReleaseLock(ctx, "lock:a", "worker-2"))
		ok, err = s.AcquireLock(ctx, "lock:a", "worker-2", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.ReleaseLock(ctx, "lock:a", "worker-1"))
		ok, err = s.AcquireLock(ctx, "lock:a", "worker-2", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Pause and Resume", func(t *testing.T) {
		require.NoError(t, s.Pause(ctx, "pause:q"))
		paused, err := s.Paused(ctx, "pause:q")
		require.NoError(t, err)
		assert.True(t, paused)

		require.NoError(t, s.Resume(ctx, "pause:q"))
		paused, err = s.Paused(ctx, "pause:q")
		require.NoError(t, err)
		assert.False(t, paused)
	})

	t.Run("Clean removes stale parked jobs", func(t *testing.T) {
		job := newJob("clean:a")
		require.NoError(t, s.Enqueue(ctx, "clean:q", job, EnqueueOptions{}))
		require.NoError(t, s.Fail(ctx, job, "dead letter"))

		// Parked just now, so nothing older than an hour.
		n, err := s.Clean(ctx, "clean:q", time.Hour)
		require.NoError(t, err)
		assert.Zero(t, n)

		n, err = s.Clean(ctx, "clean:q", -time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		stats, err := s.Stats(ctx, "clean:q")
		require.NoError(t, err)
		assert.Zero(t, stats.Failed)
	})
}

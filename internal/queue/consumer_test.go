package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifyhub/notifyhub/internal/telemetry"
)

func testLogger(t *testing.T) *telemetry.Logger {
	t.Helper()
	logger, err := telemetry.NewLogger(&telemetry.LogConfig{Level: telemetry.ErrorLevel, Format: "text", Output: "stderr"})
	require.NoError(t, err)
	return logger
}

func startConsumer(t *testing.T, s Substrate, cfg ConsumerConfig, handler Handler) *Consumer {
	t.Helper()

	c := NewConsumer(s, cfg, handler, testLogger(t))
	go func() { _ = c.Start(context.Background()) }()
	t.Cleanup(c.Stop)

	require.Eventually(t, c.IsRunning, time.Second, 10*time.Millisecond)
	return c
}

func TestConsumerProcessesJob(t *testing.T) {
	s, _ := newTestSubstrate(t)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []string
	handler := func(ctx context.Context, job *Job) error {
		mu.Lock()
		seen = append(seen, job.ID)
		mu.Unlock()
		return nil
	}

	startConsumer(t, s, ConsumerConfig{
		Queue:        "email:primary",
		Concurrency:  2,
		MaxAttempts:  3,
		Backoff:      time.Second,
		PollInterval: 10 * time.Millisecond,
	}, handler)

	require.NoError(t, s.Enqueue(ctx, "email:primary", testJob("c1", 5), EnqueueOptions{}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Job is removed once the handler succeeds.
	require.Eventually(t, func() bool {
		stats, err := s.Stats(ctx, "email:primary")
		return err == nil && stats.Waiting == 0 && stats.Completed == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConsumerRetriesFailedJob(t *testing.T) {
	s, _ := newTestSubstrate(t)
	ctx := context.Background()

	var mu sync.Mutex
	calls := 0
	handler := func(ctx context.Context, job *Job) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("smtp timeout")
	}

	startConsumer(t, s, ConsumerConfig{
		Queue:        "email:primary",
		Concurrency:  1,
		MaxAttempts:  3,
		Backoff:      time.Hour, // keep the retry parked in delayed
		PollInterval: 10 * time.Millisecond,
	}, handler)

	require.NoError(t, s.Enqueue(ctx, "email:primary", testJob("c2", 5), EnqueueOptions{}))

	require.Eventually(t, func() bool {
		stats, err := s.Stats(ctx, "email:primary")
		return err == nil && stats.Delayed == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}

func TestConsumerParksJobPastBudget(t *testing.T) {
	s, _ := newTestSubstrate(t)
	ctx := context.Background()

	handler := func(ctx context.Context, job *Job) error {
		return errors.New("always fails")
	}

	startConsumer(t, s, ConsumerConfig{
		Queue:        "push:dlq",
		Concurrency:  1,
		MaxAttempts:  1,
		Backoff:      time.Hour,
		PollInterval: 10 * time.Millisecond,
	}, handler)

	job := testJob("c3", 1)
	job.Attempts = 1 // already at the budget; next error parks it
	require.NoError(t, s.Enqueue(ctx, "push:dlq", job, EnqueueOptions{}))

	require.Eventually(t, func() bool {
		stats, err := s.Stats(ctx, "push:dlq")
		return err == nil && stats.Failed == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConsumerSkipsPausedQueue(t *testing.T) {
	s, _ := newTestSubstrate(t)
	ctx := context.Background()

	var mu sync.Mutex
	calls := 0
	handler := func(ctx context.Context, job *Job) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}

	require.NoError(t, s.Pause(ctx, "in_app:primary"))

	startConsumer(t, s, ConsumerConfig{
		Queue:        "in_app:primary",
		Concurrency:  1,
		PollInterval: 10 * time.Millisecond,
	}, handler)

	require.NoError(t, s.Enqueue(ctx, "in_app:primary", testJob("c4", 3), EnqueueOptions{}))

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 0, calls, "paused queue must not be consumed")
	mu.Unlock()

	require.NoError(t, s.Resume(ctx, "in_app:primary"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConsumerPropagatesTraceID(t *testing.T) {
	s, _ := newTestSubstrate(t)
	ctx := context.Background()

	var mu sync.Mutex
	var gotTrace string
	handler := func(ctx context.Context, job *Job) error {
		mu.Lock()
		gotTrace = telemetry.GetTraceID(ctx)
		mu.Unlock()
		return nil
	}

	startConsumer(t, s, ConsumerConfig{
		Queue:        "email:primary",
		Concurrency:  1,
		PollInterval: 10 * time.Millisecond,
	}, handler)

	job := testJob("c5", 5)
	job.TraceID = "trace-xyz"
	require.NoError(t, s.Enqueue(ctx, "email:primary", job, EnqueueOptions{}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotTrace == "trace-xyz"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConsumerForBuildsConfigFromTier(t *testing.T) {
	topo := DefaultTopology()
	email, _ := topo.Family(ChannelEmail)
	tier, _ := email.Tier(TierRetry1)

	cfg := ConsumerFor(email, tier)
	assert.Equal(t, "email:retry-1", cfg.Queue)
	assert.Equal(t, 2, cfg.Concurrency)
	assert.Equal(t, 3, cfg.MaxAttempts)
}

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key patterns. Queue state lives under queues:{name}:* while job
// bodies and locks are keyed by job ID, since escalation moves a job
// between queues without rewriting its body.
const (
	keyJobPrefix  = "queues:job:"
	keyLockPrefix = "queues:lock:"

	promoteBatchSize = 100
)

func keyPending(queue string) string   { return "queues:" + queue + ":pending" }
func keyDelayed(queue string) string   { return "queues:" + queue + ":delayed" }
func keyFailed(queue string) string    { return "queues:" + queue + ":failed" }
func keyPaused(queue string) string    { return "queues:" + queue + ":paused" }
func keyActive(queue string) string    { return "queues:" + queue + ":active" }
func keyCompleted(queue string) string { return "queues:" + queue + ":completed" }

// RedisSubstrate implements Substrate using Redis sorted sets.
type RedisSubstrate struct {
	client *redis.Client
}

// NewRedisSubstrate creates a substrate from a connection URL.
// URL format: redis://[:password@]host:port[/db]
func NewRedisSubstrate(redisURL string) (*RedisSubstrate, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisSubstrate{client: client}, nil
}

// NewRedisSubstrateFromClient creates a substrate from an existing client.
func NewRedisSubstrateFromClient(client *redis.Client) *RedisSubstrate {
	return &RedisSubstrate{client: client}
}

// pendingScore orders pending jobs by priority first, then FIFO.
// Priority is multiplied by 1e19 so it dominates the nanosecond timestamp
// (~1.7e18); subtracting the timestamp makes older items score higher
// within the same priority.
func pendingScore(priority int, at time.Time) float64 {
	return float64(priority)*1e19 - float64(at.UnixNano())
}

// Enqueue adds a job to the named queue. ZADD on an existing member only
// updates the score, so enqueueing the same job ID twice never duplicates
// the job.
func (s *RedisSubstrate) Enqueue(ctx context.Context, queue string, job *Job, opts EnqueueOptions) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if opts.Priority != 0 {
		job.Priority = opts.Priority
	}
	job.Queue = queue
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, keyJobPrefix+job.ID, body, 0)
	if opts.Delay > 0 {
		pipe.ZAdd(ctx, keyDelayed(queue), redis.Z{
			Score:  float64(time.Now().Add(opts.Delay).Unix()),
			Member: job.ID,
		})
	} else {
		pipe.ZAdd(ctx, keyPending(queue), redis.Z{
			Score:  pendingScore(job.Priority, time.Now()),
			Member: job.ID,
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	return nil
}

// Dequeue retrieves up to limit jobs ready for processing, highest score
// first. Jobs stay in the pending set until completed or moved; the
// processing lock prevents two workers from picking up the same job.
func (s *RedisSubstrate) Dequeue(ctx context.Context, queue string, limit int) ([]*Job, error) {
	ids, err := s.client.ZRevRange(ctx, keyPending(queue), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue jobs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyJobPrefix + id
	}
	bodies, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load job bodies: %w", err)
	}

	jobs := make([]*Job, 0, len(ids))
	for i, raw := range bodies {
		body, ok := raw.(string)
		if !ok {
			// Body missing: orphaned queue entry, drop it.
			s.client.ZRem(ctx, keyPending(queue), ids[i])
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(body), &job); err != nil {
			s.client.ZRem(ctx, keyPending(queue), ids[i])
			continue
		}
		jobs = append(jobs, &job)
	}

	return jobs, nil
}

// Retry moves the job to its queue's delayed set, persisting the updated
// attempt counter so the next dequeue sees it.
func (s *RedisSubstrate) Retry(ctx context.Context, job *Job, delay time.Duration) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, keyJobPrefix+job.ID, body, 0)
	pipe.ZRem(ctx, keyPending(job.Queue), job.ID)
	pipe.ZAdd(ctx, keyDelayed(job.Queue), redis.Z{
		Score:  float64(time.Now().Add(delay).Unix()),
		Member: job.ID,
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to retry job: %w", err)
	}

	return nil
}

// MoveToQueue transfers the job to target, resetting its attempt counter.
func (s *RedisSubstrate) MoveToQueue(ctx context.Context, job *Job, target string, opts EnqueueOptions) error {
	source := job.Queue
	job.Queue = target
	job.Attempts = 0
	if opts.Priority != 0 {
		job.Priority = opts.Priority
	}

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.ZRem(ctx, keyPending(source), job.ID)
	pipe.ZRem(ctx, keyDelayed(source), job.ID)
	pipe.Set(ctx, keyJobPrefix+job.ID, body, 0)
	if opts.Delay > 0 {
		pipe.ZAdd(ctx, keyDelayed(target), redis.Z{
			Score:  float64(time.Now().Add(opts.Delay).Unix()),
			Member: job.ID,
		})
	} else {
		pipe.ZAdd(ctx, keyPending(target), redis.Z{
			Score:  pendingScore(job.Priority, time.Now()),
			Member: job.ID,
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to move job to %s: %w", target, err)
	}

	return nil
}

// Complete removes the job from its queue and deletes its body.
func (s *RedisSubstrate) Complete(ctx context.Context, job *Job) error {
	pipe := s.client.Pipeline()
	pipe.ZRem(ctx, keyPending(job.Queue), job.ID)
	pipe.ZRem(ctx, keyDelayed(job.Queue), job.ID)
	pipe.Del(ctx, keyJobPrefix+job.ID)
	pipe.Incr(ctx, keyCompleted(job.Queue))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	return nil
}

// Fail parks the job in the queue's failed set. Parked jobs keep their
// bodies so RetryFailed can resurrect them.
func (s *RedisSubstrate) Fail(ctx context.Context, job *Job, reason string) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.ZRem(ctx, keyPending(job.Queue), job.ID)
	pipe.ZRem(ctx, keyDelayed(job.Queue), job.ID)
	pipe.Set(ctx, keyJobPrefix+job.ID, body, 0)
	pipe.ZAdd(ctx, keyFailed(job.Queue), redis.Z{
		Score:  float64(time.Now().Unix()),
		Member: job.ID,
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to park job: %w", err)
	}

	return nil
}

// RetryFailed moves up to max parked jobs back onto the pending set.
func (s *RedisSubstrate) RetryFailed(ctx context.Context, queue string, max int) (int, error) {
	if max <= 0 {
		max = promoteBatchSize
	}

	ids, err := s.client.ZRange(ctx, keyFailed(queue), 0, int64(max-1)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list parked jobs: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := s.client.Pipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, keyFailed(queue), id)
		pipe.ZAdd(ctx, keyPending(queue), redis.Z{
			Score:  pendingScore(0, time.Now()),
			Member: id,
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to retry parked jobs: %w", err)
	}

	return len(ids), nil
}

// ReplayFailed moves parked jobs onto another queue, resetting their
// attempt counters. Jobs whose bodies are missing are dropped.
func (s *RedisSubstrate) ReplayFailed(ctx context.Context, queue, target string, max int) ([]string, error) {
	if max <= 0 {
		max = promoteBatchSize
	}

	ids, err := s.client.ZRange(ctx, keyFailed(queue), 0, int64(max-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list parked jobs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyJobPrefix + id
	}
	bodies, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load parked job bodies: %w", err)
	}

	pipe := s.client.Pipeline()
	moved := make([]string, 0, len(ids))
	for i, id := range ids {
		pipe.ZRem(ctx, keyFailed(queue), id)

		body, ok := bodies[i].(string)
		if !ok {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(body), &job); err != nil {
			continue
		}
		job.Queue = target
		job.Attempts = 0
		rewritten, err := json.Marshal(&job)
		if err != nil {
			continue
		}

		pipe.Set(ctx, keyJobPrefix+id, rewritten, 0)
		pipe.ZAdd(ctx, keyPending(target), redis.Z{
			Score:  pendingScore(job.Priority, time.Now()),
			Member: id,
		})
		moved = append(moved, id)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to replay parked jobs: %w", err)
	}

	return moved, nil
}

// PromoteDelayed moves due jobs from the delayed set to pending.
// Returns the number of jobs promoted.
func (s *RedisSubstrate) PromoteDelayed(ctx context.Context, queue string, now time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, keyDelayed(queue), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: promoteBatchSize,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get delayed jobs: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	// Promotion loses the original priority score; re-read bodies so
	// high-priority retries still jump the line.
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyJobPrefix + id
	}
	bodies, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to load delayed job bodies: %w", err)
	}

	pipe := s.client.Pipeline()
	for i, id := range ids {
		priority := 0
		if body, ok := bodies[i].(string); ok {
			var job Job
			if err := json.Unmarshal([]byte(body), &job); err == nil {
				priority = job.Priority
			}
		}

		pipe.ZRem(ctx, keyDelayed(queue), id)
		pipe.ZAdd(ctx, keyPending(queue), redis.Z{
			Score:  pendingScore(priority, now),
			Member: id,
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to promote delayed jobs: %w", err)
	}

	return len(ids), nil
}

// AcquireLock acquires a processing lock for a job.
// Uses SET NX EX for atomic lock acquisition.
func (s *RedisSubstrate) AcquireLock(ctx context.Context, jobID, workerID string, ttl time.Duration) (bool, error) {
	success, err := s.client.SetNX(ctx, keyLockPrefix+jobID, workerID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return success, nil
}

// releaseScript deletes the lock only if still held by the caller.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// ReleaseLock releases a processing lock if held by workerID.
func (s *RedisSubstrate) ReleaseLock(ctx context.Context, jobID, workerID string) error {
	_, err := releaseScript.Run(ctx, s.client, []string{keyLockPrefix + jobID}, workerID).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// MarkActive adjusts the queue's in-flight counter.
func (s *RedisSubstrate) MarkActive(ctx context.Context, queue string, delta int) error {
	if err := s.client.IncrBy(ctx, keyActive(queue), int64(delta)).Err(); err != nil {
		return fmt.Errorf("failed to update active counter: %w", err)
	}
	return nil
}

// Stats returns the queue's counters.
func (s *RedisSubstrate) Stats(ctx context.Context, queue string) (*Stats, error) {
	pipe := s.client.Pipeline()
	pendingCmd := pipe.ZCard(ctx, keyPending(queue))
	delayedCmd := pipe.ZCard(ctx, keyDelayed(queue))
	failedCmd := pipe.ZCard(ctx, keyFailed(queue))
	activeCmd := pipe.Get(ctx, keyActive(queue))
	completedCmd := pipe.Get(ctx, keyCompleted(queue))

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to get queue stats: %w", err)
	}

	active, _ := activeCmd.Int64()
	completed, _ := completedCmd.Int64()

	return &Stats{
		Waiting:   pendingCmd.Val(),
		Active:    active,
		Completed: completed,
		Failed:    failedCmd.Val(),
		Delayed:   delayedCmd.Val(),
	}, nil
}

// Pause stops consumers from dequeuing the queue.
func (s *RedisSubstrate) Pause(ctx context.Context, queue string) error {
	if err := s.client.Set(ctx, keyPaused(queue), "1", 0).Err(); err != nil {
		return fmt.Errorf("failed to pause queue: %w", err)
	}
	return nil
}

// Resume re-enables a paused queue.
func (s *RedisSubstrate) Resume(ctx context.Context, queue string) error {
	if err := s.client.Del(ctx, keyPaused(queue)).Err(); err != nil {
		return fmt.Errorf("failed to resume queue: %w", err)
	}
	return nil
}

// Paused reports whether the queue is paused.
func (s *RedisSubstrate) Paused(ctx context.Context, queue string) (bool, error) {
	n, err := s.client.Exists(ctx, keyPaused(queue)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check pause flag: %w", err)
	}
	return n > 0, nil
}

// Clean removes failed jobs parked longer than olderThan, including their
// bodies, and resets the completed counter.
func (s *RedisSubstrate) Clean(ctx context.Context, queue string, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).Unix()

	ids, err := s.client.ZRangeByScore(ctx, keyFailed(queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list stale parked jobs: %w", err)
	}

	pipe := s.client.Pipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, keyFailed(queue), id)
		pipe.Del(ctx, keyJobPrefix+id)
	}
	pipe.Del(ctx, keyCompleted(queue))

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to clean queue: %w", err)
	}

	return len(ids), nil
}

// Close closes the Redis connection.
func (s *RedisSubstrate) Close() error {
	return s.client.Close()
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"github.com/notifyhub/notifyhub/internal/telemetry"
)

// ConsumerConfig controls a single queue consumer.
type ConsumerConfig struct {
	// Queue is the substrate queue name to consume.
	Queue string
	// Concurrency is the number of parallel processors.
	Concurrency int
	// MaxAttempts is the substrate safety budget. Handlers own the real
	// retry decision; this bound only parks jobs whose handlers keep
	// failing without advancing them.
	MaxAttempts int
	// Backoff is the base for exponential retry delays.
	Backoff time.Duration
	// BatchSize is how many jobs one poll fetches. Defaults to Concurrency.
	BatchSize int
	// PollInterval is the pending queue poll cadence. Defaults to 100ms.
	PollInterval time.Duration
	// DelayedPollInterval is the delayed promotion cadence. Defaults to 1s.
	DelayedPollInterval time.Duration
	// LockTTL bounds how long one attempt may hold a job. Defaults to 60s.
	LockTTL time.Duration
	// RateLimit caps dispatched jobs per second. Zero means unlimited.
	RateLimit int
}

func (c *ConsumerConfig) defaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.BatchSize <= 0 {
		c.BatchSize = c.Concurrency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.DelayedPollInterval <= 0 {
		c.DelayedPollInterval = time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 60 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = 30 * time.Second
	}
}

// ConsumerFor builds a consumer config from a topology tier.
func ConsumerFor(family Family, tier Tier) ConsumerConfig {
	return ConsumerConfig{
		Queue:       family.QueueName(tier.Name),
		Concurrency: tier.Concurrency,
		MaxAttempts: tier.MaxAttempts,
		Backoff:     tier.Backoff,
	}
}

// Consumer polls one queue and dispatches jobs to a handler across a
// pool of processors. It owns in-tier retry back-off; handlers decide
// escalation by moving the job themselves and returning nil.
type Consumer struct {
	substrate Substrate
	config    ConsumerConfig
	handler   Handler
	logger    *telemetry.ContextualLogger

	workerID  string
	stopCh    chan struct{}
	wg        sync.WaitGroup
	isRunning bool
	mu        sync.Mutex
}

// NewConsumer creates a consumer for the configured queue.
func NewConsumer(substrate Substrate, config ConsumerConfig, handler Handler, logger *telemetry.Logger) *Consumer {
	config.defaults()
	return &Consumer{
		substrate: substrate,
		config:    config,
		handler:   handler,
		logger: logger.WithContext(context.Background()).
			WithField("queue", config.Queue),
		workerID: fmt.Sprintf("%s-%s", config.Queue, uuid.New().String()[:8]),
		stopCh:   make(chan struct{}),
	}
}

// Start begins consuming. This is a blocking call; run it in a goroutine
// and call Stop to shut down gracefully.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.isRunning {
		c.mu.Unlock()
		return fmt.Errorf("consumer already running")
	}
	c.isRunning = true
	c.mu.Unlock()

	c.logger.WithField("concurrency", c.config.Concurrency).Info("Starting queue consumer")

	jobCh := make(chan *Job, c.config.BatchSize*2)

	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.processLoop(ctx, jobCh, i)
	}

	c.wg.Add(1)
	go c.promoteDelayedLoop(ctx)

	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	var limiter *time.Ticker
	if c.config.RateLimit > 0 {
		limiter = time.NewTicker(time.Second / time.Duration(c.config.RateLimit))
		defer limiter.Stop()
	}

	backoff := c.config.PollInterval

	for {
		select {
		case <-ctx.Done():
			c.Stop()
			return ctx.Err()
		case <-c.stopCh:
			close(jobCh)
			return nil
		case <-ticker.C:
			paused, err := c.substrate.Paused(ctx, c.config.Queue)
			if err == nil && paused {
				continue
			}

			jobs, err := c.substrate.Dequeue(ctx, c.config.Queue, c.config.BatchSize)
			if err != nil {
				c.logger.WithError(err).Error("Error fetching from queue")
				// Back off polling while the substrate is unreachable.
				backoff = minDuration(backoff*2, 30*time.Second)
				ticker.Reset(backoff)
				continue
			}
			if backoff != c.config.PollInterval {
				backoff = c.config.PollInterval
				ticker.Reset(backoff)
			}

			for _, job := range jobs {
				if limiter != nil {
					select {
					case <-limiter.C:
					case <-c.stopCh:
						close(jobCh)
						return nil
					}
				}
				select {
				case jobCh <- job:
				case <-c.stopCh:
					close(jobCh)
					return nil
				}
			}
		}
	}
}

// processLoop handles jobs from the channel.
func (c *Consumer) processLoop(ctx context.Context, ch <-chan *Job, workerNum int) {
	defer c.wg.Done()

	processorID := fmt.Sprintf("%s-%d", c.workerID, workerNum)

	for job := range ch {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		c.process(ctx, job, processorID)
	}
}

func (c *Consumer) process(ctx context.Context, job *Job, processorID string) {
	locked, err := c.substrate.AcquireLock(ctx, job.ID, processorID, c.config.LockTTL)
	if err != nil {
		c.logger.WithError(err).WithField("job_id", job.ID).Error("Error acquiring job lock")
		return
	}
	if !locked {
		// Another processor owns this job.
		return
	}
	defer func() {
		if err := c.substrate.ReleaseLock(ctx, job.ID, processorID); err != nil {
			c.logger.WithError(err).WithField("job_id", job.ID).Warn("Error releasing job lock")
		}
	}()

	_ = c.substrate.MarkActive(ctx, c.config.Queue, 1)
	defer func() { _ = c.substrate.MarkActive(ctx, c.config.Queue, -1) }()

	jobCtx := ctx
	if job.TraceID != "" {
		jobCtx = telemetry.WithTraceID(ctx, job.TraceID)
	}

	start := time.Now()
	handlerErr := c.handler(jobCtx, job)

	if errors.Is(handlerErr, ErrMoved) {
		return
	}

	if handlerErr == nil {
		if err := c.substrate.Complete(ctx, job); err != nil {
			c.logger.WithError(err).WithField("job_id", job.ID).Error("Error completing job")
		}
		return
	}

	c.logger.WithError(handlerErr).
		WithField("job_id", job.ID).
		WithField("attempts", job.Attempts+1).
		WithField("duration", time.Since(start).String()).
		Error("Error processing job")
	c.captureJobError(handlerErr, job, processorID)

	job.Attempts++
	// Handlers escalate exhausted jobs themselves and return nil, so a
	// job that keeps erroring past its budget is stuck. Park it.
	if job.Attempts > c.config.MaxAttempts {
		if err := c.substrate.Fail(ctx, job, handlerErr.Error()); err != nil {
			c.logger.WithError(err).WithField("job_id", job.ID).Error("Error parking job")
		}
		return
	}

	delay := backoffDelay(c.config.Backoff, job.Attempts)
	if err := c.substrate.Retry(ctx, job, delay); err != nil {
		c.logger.WithError(err).WithField("job_id", job.ID).Error("Error scheduling job retry")
	}
}

// promoteDelayedLoop moves due jobs from delayed to pending.
func (c *Consumer) promoteDelayedLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.DelayedPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			promoted, err := c.substrate.PromoteDelayed(ctx, c.config.Queue, time.Now())
			if err != nil {
				c.logger.WithError(err).Error("Error promoting delayed jobs")
				continue
			}
			if promoted > 0 {
				c.logger.WithField("promoted", promoted).Debug("Promoted delayed jobs")
			}
		}
	}
}

// Stop gracefully stops the consumer.
func (c *Consumer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isRunning {
		return
	}

	close(c.stopCh)
	c.wg.Wait()
	c.isRunning = false

	c.logger.Info("Queue consumer stopped")
}

// IsRunning reports whether the consumer is currently running.
func (c *Consumer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isRunning
}

// backoffDelay returns the exponential delay for the given attempt count.
func backoffDelay(base time.Duration, attempts int) time.Duration {
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay > 30*time.Minute {
			return 30 * time.Minute
		}
	}
	return delay
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// captureJobError reports a handler error to Sentry.
func (c *Consumer) captureJobError(err error, job *Job, processorID string) {
	if err == nil {
		return
	}

	hub := sentry.CurrentHub().Clone()
	scope := hub.Scope()

	scope.SetTag("service", "queue_consumer")
	scope.SetTag("queue", c.config.Queue)
	scope.SetTag("processor_id", processorID)

	scope.SetExtra("job_id", job.ID)
	scope.SetExtra("job_type", job.Type)
	scope.SetExtra("attempts", job.Attempts)

	hub.CaptureException(err)
}

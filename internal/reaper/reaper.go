// Package reaper runs the periodic maintenance jobs: stale token
// sweeps, expired token deletion, in-app expiry, tracking record
// retention, and queue bookkeeping cleanup.
package reaper

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/notifyhub/notifyhub/internal/config"
	"github.com/notifyhub/notifyhub/internal/notification"
	"github.com/notifyhub/notifyhub/internal/queue"
	"github.com/notifyhub/notifyhub/internal/telemetry"
	"github.com/notifyhub/notifyhub/internal/tokens"
)

// Task type names.
const (
	TaskMarkStaleTokens     = "tokens:mark-stale"
	TaskDeleteExpiredTokens = "tokens:delete-expired"
	TaskExpireInApp         = "inapp:expire"
	TaskPurgeRecords        = "records:purge"
	TaskCleanQueues         = "queues:clean"
)

// purgeBatchSize bounds one purge pass so long-retained tables never
// hold a delete lock for minutes.
const purgeBatchSize = 5000

// expireBatchSize bounds one in-app expiry sweep.
const expireBatchSize = 1000

// purgeableStatuses are the terminal statuses eligible for retention
// deletes. Non-terminal records are never purged.
var purgeableStatuses = []string{
	notification.StatusDelivered,
	notification.StatusFailed,
	notification.StatusExpired,
	notification.StatusClicked,
}

// Reaper owns the asynq scheduler and worker for maintenance tasks.
type Reaper struct {
	cfg       config.Config
	registry  *tokens.Registry
	emails    notification.EmailRepository
	inApps    notification.InAppRepository
	pushes    notification.PushRepository
	substrate queue.Substrate
	topology  *queue.Topology
	logger    *telemetry.Logger

	server    *asynq.Server
	scheduler *asynq.Scheduler
}

// New wires the reaper.
func New(
	cfg config.Config,
	registry *tokens.Registry,
	emails notification.EmailRepository,
	inApps notification.InAppRepository,
	pushes notification.PushRepository,
	substrate queue.Substrate,
	topology *queue.Topology,
	logger *telemetry.Logger,
) *Reaper {
	return &Reaper{
		cfg:       cfg,
		registry:  registry,
		emails:    emails,
		inApps:    inApps,
		pushes:    pushes,
		substrate: substrate,
		topology:  topology,
		logger:    logger,
	}
}

func (r *Reaper) redisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     fmt.Sprintf("%s:%d", r.cfg.Redis.Host, r.cfg.Redis.Port),
		Username: r.cfg.Redis.Username,
		Password: r.cfg.Redis.Password,
		DB:       r.cfg.Redis.DB,
	}
}

// Run starts the scheduler and worker and blocks until ctx ends.
func (r *Reaper) Run(ctx context.Context) error {
	opt := r.redisOpt()

	r.scheduler = asynq.NewScheduler(opt, &asynq.SchedulerOpts{
		Logger: asynqLogger{r.logger},
	})
	schedule := []struct {
		spec string
		task string
	}{
		{"@every 24h", TaskMarkStaleTokens},
		{"@every 24h", TaskDeleteExpiredTokens},
		{"@every 5m", TaskExpireInApp},
		{"@every 24h", TaskPurgeRecords},
		{"@every 1h", TaskCleanQueues},
	}
	for _, entry := range schedule {
		if _, err := r.scheduler.Register(entry.spec, asynq.NewTask(entry.task, nil)); err != nil {
			return err
		}
	}

	r.server = asynq.NewServer(opt, asynq.Config{
		Concurrency: 2,
		Logger:      asynqLogger{r.logger},
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskMarkStaleTokens, r.handleMarkStaleTokens)
	mux.HandleFunc(TaskDeleteExpiredTokens, r.handleDeleteExpiredTokens)
	mux.HandleFunc(TaskExpireInApp, r.handleExpireInApp)
	mux.HandleFunc(TaskPurgeRecords, r.handlePurgeRecords)
	mux.HandleFunc(TaskCleanQueues, r.handleCleanQueues)

	if err := r.scheduler.Start(); err != nil {
		return err
	}
	if err := r.server.Start(mux); err != nil {
		r.scheduler.Shutdown()
		return err
	}

	<-ctx.Done()
	r.scheduler.Shutdown()
	r.server.Shutdown()
	return nil
}

func (r *Reaper) handleMarkStaleTokens(ctx context.Context, _ *asynq.Task) error {
	cutoff := time.Now().Add(-tokens.TokenTTL)
	n, err := r.registry.MarkStaleInactive(ctx, cutoff)
	if err != nil {
		return err
	}
	r.logger.WithContext(ctx).WithField("marked", n).Info("Marked inactive tokens stale")
	return nil
}

func (r *Reaper) handleDeleteExpiredTokens(ctx context.Context, _ *asynq.Task) error {
	n, err := r.registry.DeleteExpired(ctx, time.Now())
	if err != nil {
		return err
	}
	r.logger.WithContext(ctx).WithField("deleted", n).Info("Deleted expired tokens")
	return nil
}

func (r *Reaper) handleExpireInApp(ctx context.Context, _ *asynq.Task) error {
	n, err := r.inApps.ExpireUndelivered(ctx, time.Now(), expireBatchSize)
	if err != nil {
		return err
	}
	if n > 0 {
		r.logger.WithContext(ctx).WithField("expired", n).Info("Expired undelivered in-app notifications")
	}
	return nil
}

func (r *Reaper) handlePurgeRecords(ctx context.Context, _ *asynq.Task) error {
	cutoff := time.Now().AddDate(0, 0, -r.cfg.CleanupDays)
	logger := r.logger.WithContext(ctx).WithField("cutoff", cutoff)

	emails, err := r.emails.DeleteOlderThan(ctx, cutoff, purgeableStatuses, purgeBatchSize)
	if err != nil {
		return err
	}
	inApps, err := r.inApps.DeleteOlderThan(ctx, cutoff, purgeableStatuses, purgeBatchSize)
	if err != nil {
		return err
	}
	pushes, err := r.pushes.DeleteOlderThan(ctx, cutoff, purgeableStatuses, purgeBatchSize)
	if err != nil {
		return err
	}
	logger.WithField("emails", emails).
		WithField("in_app", inApps).
		WithField("push", pushes).
		Info("Purged old tracking records")
	return nil
}

func (r *Reaper) handleCleanQueues(ctx context.Context, _ *asynq.Task) error {
	total := 0
	for _, name := range r.topology.AllQueues() {
		n, err := r.substrate.Clean(ctx, name, 24*time.Hour)
		if err != nil {
			return err
		}
		total += n
	}
	if total > 0 {
		r.logger.WithContext(ctx).WithField("cleaned", total).Info("Cleaned queue bookkeeping")
	}
	return nil
}

// asynqLogger adapts the platform logger to asynq's interface.
type asynqLogger struct {
	logger *telemetry.Logger
}

func (l asynqLogger) Debug(args ...interface{}) { l.logger.Debug(args...) }
func (l asynqLogger) Info(args ...interface{})  { l.logger.Info(args...) }
func (l asynqLogger) Warn(args ...interface{})  { l.logger.Warn(args...) }
func (l asynqLogger) Error(args ...interface{}) { l.logger.Error(args...) }
func (l asynqLogger) Fatal(args ...interface{}) { l.logger.Fatal(args...) }

package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/notifyhub/notifyhub/internal/queue"
	"github.com/notifyhub/notifyhub/internal/telemetry"
)

// WorkerDeps holds the collaborators shared by all channel workers.
type WorkerDeps struct {
	Substrate queue.Substrate
	Topology  *queue.Topology
	Mirrors   MirrorWriter
	Tracker   *telemetry.Tracker
	Logger    *telemetry.Logger
}

// recordEscalator is the repository subset the escalation helper needs.
// All three tracking-record repositories satisfy it.
type recordEscalator interface {
	Escalate(ctx context.Context, id uuid.UUID, entry EscalationEntry, newMaxAttempts int) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
}

// decodePayload unmarshals a job's payload and validates the record ID.
func decodePayload(job *queue.Job) (JobPayload, error) {
	var payload JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return payload, fmt.Errorf("failed to decode job payload: %w", err)
	}
	if payload.NotificationID == uuid.Nil {
		return payload, fmt.Errorf("job payload has no notification id")
	}
	return payload, nil
}

// jobTier resolves the family and tier a job currently sits in.
func (d *WorkerDeps) jobTier(job *queue.Job) (queue.Family, queue.Tier, error) {
	channel, tierName, err := queue.SplitQueueName(job.Queue)
	if err != nil {
		return queue.Family{}, queue.Tier{}, err
	}
	family, ok := d.Topology.Family(channel)
	if !ok {
		return queue.Family{}, queue.Tier{}, fmt.Errorf("unknown channel %q", channel)
	}
	tier, ok := family.Tier(tierName)
	if !ok {
		return queue.Family{}, queue.Tier{}, fmt.Errorf("unknown tier %q", tierName)
	}
	return family, tier, nil
}

// escalate moves a tracking record and its job to the next tier. Entering
// the DLQ additionally marks the record failed: the DLQ performs no
// delivery, so the record's final state is decided here. Returns
// queue.ErrMoved for the consumer.
func (d *WorkerDeps) escalate(
	ctx context.Context,
	repo recordEscalator,
	job *queue.Job,
	family queue.Family,
	current queue.Tier,
	payload JobPayload,
	channel string,
	attempts int,
	reason string,
) error {
	next, ok := family.Next(current.Name)
	if !ok {
		// Already in the DLQ; nothing to escalate to.
		return queue.ErrMoved
	}

	entry := EscalationEntry{
		FromQueue: family.QueueName(current.Name),
		ToQueue:   family.QueueName(next.Name),
		Timestamp: time.Now().UTC(),
		Reason:    reason,
		Attempts:  attempts,
	}

	logger := d.Logger.WithContext(ctx).
		WithField("notification_id", payload.NotificationID).
		WithField("from_queue", entry.FromQueue).
		WithField("to_queue", entry.ToQueue)

	if err := repo.Escalate(ctx, payload.NotificationID, entry, next.MaxAttempts); err != nil {
		logger.WithError(err).Error("Failed to escalate tracking record")
		// Let the substrate retry; the record was not advanced.
		return fmt.Errorf("escalation failed: %w", err)
	}

	summary := MirrorSummary{
		Status:         StatusPending,
		Attempts:       0,
		NotificationID: payload.NotificationID.String(),
		QueueJobID:     job.ID,
	}
	if family.IsTerminal(next.Name) {
		if err := repo.MarkFailed(ctx, payload.NotificationID, "max retries exceeded"); err != nil {
			logger.WithError(err).Error("Failed to mark record failed on DLQ entry")
		}
		summary.Status = StatusFailed
		summary.FailureReason = "max retries exceeded"
	}
	d.writeMirror(ctx, payload, channel, summary)

	job.MaxAttempts = next.MaxAttempts
	if err := d.Substrate.MoveToQueue(ctx, job, entry.ToQueue, queue.EnqueueOptions{
		Delay:    next.Delay,
		Priority: job.Priority,
	}); err != nil {
		logger.WithError(err).Error("Failed to move job to next tier")
		return fmt.Errorf("tier move failed: %w", err)
	}

	logger.WithField("reason", reason).Info("Escalated notification to next tier")
	d.trace(payload.Context.TraceID, channel, "escalate", "ok", map[string]string{
		"from": entry.FromQueue, "to": entry.ToQueue,
	})
	return queue.ErrMoved
}

// parkInDLQ is the DLQ tier handler tail: the record is already terminal,
// so the job is parked for operator inspection and never redelivered.
func (d *WorkerDeps) parkInDLQ(ctx context.Context, job *queue.Job, payload JobPayload, channel string) error {
	d.Logger.WithContext(ctx).
		WithField("notification_id", payload.NotificationID).
		WithField("queue", job.Queue).
		Warn("Notification parked in dead letter queue")

	if err := d.Substrate.Fail(ctx, job, "dead letter"); err != nil {
		return fmt.Errorf("failed to park DLQ job: %w", err)
	}
	d.trace(payload.Context.TraceID, channel, "dlq", "parked", nil)
	return queue.ErrMoved
}

// writeMirror pushes a summary onto the originating entity, best effort.
func (d *WorkerDeps) writeMirror(ctx context.Context, payload JobPayload, channel string, summary MirrorSummary) {
	if d.Mirrors == nil || payload.Context.SourceEntityID == "" {
		return
	}
	model, field, ok := MirrorBinding(payload.Event.Type, channel)
	if !ok {
		return
	}
	entityID, err := uuid.Parse(payload.Context.SourceEntityID)
	if err != nil {
		return
	}
	if err := d.Mirrors.WriteMirror(ctx, MirrorRef{Model: model, EntityID: entityID, Field: field}, summary); err != nil {
		d.Logger.WithContext(ctx).WithError(err).
			WithField("model", model).
			WithField("entity_id", entityID).
			Warn("Failed to update entity mirror")
	}
}

// trace records a delivery stage, never blocking the worker.
func (d *WorkerDeps) trace(traceID, channel, stage, status string, metadata map[string]string) {
	if d.Tracker == nil {
		return
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadata["channel"] = channel
	d.Tracker.Record(traceID, telemetry.Stage{
		Component: "worker",
		Stage:     stage,
		Status:    status,
		Metadata:  metadata,
	})
}

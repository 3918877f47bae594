package notification

import (
	"context"
	"time"

	"github.com/notifyhub/notifyhub/internal/queue"
)

// EmailSender delivers one rendered message over SMTP, returning the
// provider message ID.
type EmailSender interface {
	Send(ctx context.Context, to, toName, subject, htmlBody, textBody string) (messageID string, err error)
}

// EmailWorker consumes the email channel family.
type EmailWorker struct {
	deps   *WorkerDeps
	repo   EmailRepository
	sender EmailSender
}

// NewEmailWorker creates the email channel worker.
func NewEmailWorker(deps *WorkerDeps, repo EmailRepository, sender EmailSender) *EmailWorker {
	return &EmailWorker{deps: deps, repo: repo, sender: sender}
}

// Handle processes one email job. Transient and permanent SMTP errors are
// treated alike: the tiered escalation is the answer to both.
func (w *EmailWorker) Handle(ctx context.Context, job *queue.Job) error {
	payload, err := decodePayload(job)
	if err != nil {
		return err
	}
	family, tier, err := w.deps.jobTier(job)
	if err != nil {
		return err
	}

	logger := w.deps.Logger.WithContext(ctx).
		WithField("notification_id", payload.NotificationID).
		WithField("queue", job.Queue)

	rec, err := w.repo.GetByID(ctx, payload.NotificationID)
	if err == ErrNotFound {
		rec, err = w.recreate(ctx, payload, job, family)
	}
	if err != nil {
		return err
	}

	// The record is already failed on DLQ entry; park the job so operator
	// replay can find it.
	if family.IsTerminal(tier.Name) {
		return w.deps.parkInDLQ(ctx, job, payload, ChannelEmail)
	}

	// Replay after a crash-after-delivery: already terminal, nothing to do.
	switch rec.Status {
	case StatusDelivered, StatusFailed:
		return nil
	}

	attempts, err := w.repo.BeginAttempt(ctx, payload.NotificationID, job.Queue)
	if err == ErrTerminal {
		// Lost the race against a concurrent finisher: the job is done.
		return nil
	}
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	w.deps.writeMirror(ctx, payload, ChannelEmail, MirrorSummary{
		Status:         StatusProcessing,
		Attempts:       attempts,
		NotificationID: rec.ID.String(),
		QueueJobID:     job.ID,
		LastAttemptAt:  &now,
	})

	messageID, sendErr := w.sender.Send(ctx, rec.RecipientEmail, rec.RecipientUsername, rec.Subject, rec.BodyHTML, rec.BodyText)

	entry := RetryEntry{Attempt: attempts, Timestamp: time.Now().UTC(), Queue: job.Queue}
	if sendErr != nil {
		entry.Error = sendErr.Error()
	}
	if err := w.repo.AppendRetry(ctx, payload.NotificationID, entry); err != nil {
		logger.WithError(err).Warn("Failed to append retry history")
	}

	if sendErr == nil {
		if err := w.repo.MarkDelivered(ctx, payload.NotificationID, messageID); err != nil {
			// Record update failure: let the substrate retry; the replay
			// hits the terminal-status check above once the write lands.
			return err
		}
		deliveredAt := time.Now().UTC()
		w.deps.writeMirror(ctx, payload, ChannelEmail, MirrorSummary{
			Status:         StatusDelivered,
			Attempts:       attempts,
			NotificationID: rec.ID.String(),
			QueueJobID:     job.ID,
			DeliveredAt:    &deliveredAt,
		})
		w.deps.trace(payload.Context.TraceID, ChannelEmail, "deliver", "ok", map[string]string{"message_id": messageID})
		logger.WithField("message_id", messageID).Info("Email delivered")
		return nil
	}

	logger.WithError(sendErr).WithField("attempts", attempts).Warn("Email delivery failed")
	w.deps.trace(payload.Context.TraceID, ChannelEmail, "deliver", "failed", nil)

	if attempts < tier.MaxAttempts {
		return sendErr
	}
	return w.deps.escalate(ctx, w.repo, job, family, tier, payload, ChannelEmail, attempts, sendErr.Error())
}

// recreate rebuilds a missing tracking record from the job payload so a
// lost write cannot strand the job (idempotent fallback).
func (w *EmailWorker) recreate(ctx context.Context, payload JobPayload, job *queue.Job, family queue.Family) (*EmailNotification, error) {
	body, err := RenderEmail(payload.Event)
	if err != nil {
		return nil, err
	}
	email, username := recipientEmail(payload.Event)
	primary, _ := family.Tier(queue.TierPrimary)

	rec := &EmailNotification{
		ID:                payload.NotificationID,
		EventType:         payload.Event.Type,
		UserID:            payload.Event.UserID(),
		RecipientEmail:    email,
		RecipientUsername: username,
		Subject:           body.Subject,
		BodyHTML:          body.HTML,
		BodyText:          body.Text,
		MaxAttempts:       primary.MaxAttempts,
		CurrentQueue:      job.Queue,
		JobID:             job.ID,
		TraceID:           payload.Context.TraceID,
	}
	if err := w.repo.Create(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

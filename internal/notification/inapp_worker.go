package notification

import (
	"context"
	"time"

	"github.com/notifyhub/notifyhub/internal/queue"
)

// SocketDelivery reports where an in-app message landed.
type SocketDelivery struct {
	SocketID string
	// Method is "socket" for worker-path sends, "flush" for the
	// on-connect path.
	Method string
}

// SocketSender delivers a payload to a user's connected socket, locally
// or via cross-instance pub/sub. Returns an error when the user has no
// active session anywhere in the fleet.
type SocketSender interface {
	SendToUser(ctx context.Context, userID int64, event string, payload interface{}) (SocketDelivery, error)
}

// InAppPayload is the notification:new event body pushed to clients.
type InAppPayload struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Data      map[string]string `json:"data,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Priority  string            `json:"priority"`
}

// InAppWorker consumes the in-app channel family. "User not connected" is
// an ordinary failure: the retry tiers absorb short-lived disconnects, and
// the socket service's on-connect flush covers the gaps in between.
type InAppWorker struct {
	deps   *WorkerDeps
	repo   InAppRepository
	sender SocketSender
}

// NewInAppWorker creates the in-app channel worker.
func NewInAppWorker(deps *WorkerDeps, repo InAppRepository, sender SocketSender) *InAppWorker {
	return &InAppWorker{deps: deps, repo: repo, sender: sender}
}

// Handle processes one in-app job.
func (w *InAppWorker) Handle(ctx context.Context, job *queue.Job) error {
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
		return w.deps.parkInDLQ(ctx, job, payload, ChannelInApp)
	}

	switch rec.Status {
	case StatusDelivered, StatusFailed, StatusExpired:
		return nil
	}

	// Expiry is terminal and checked before any delivery attempt.
	if time.Now().After(rec.ExpiresAt) {
		if err := w.repo.MarkExpired(ctx, payload.NotificationID); err != nil {
			return err
		}
		w.deps.writeMirror(ctx, payload, ChannelInApp, MirrorSummary{
			Status:         StatusExpired,
			Attempts:       rec.Attempts,
			NotificationID: rec.ID.String(),
			QueueJobID:     job.ID,
		})
		w.deps.trace(payload.Context.TraceID, ChannelInApp, "expire", "ok", nil)
		logger.Info("In-app notification expired before delivery")
		return nil
	}

	attempts, err := w.repo.BeginAttempt(ctx, payload.NotificationID, job.Queue)
	if err == ErrTerminal {
		// The on-connect flush delivered it between the status check and
		// here: the job is done.
		return nil
	}
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	w.deps.writeMirror(ctx, payload, ChannelInApp, MirrorSummary{
		Status:         StatusProcessing,
		Attempts:       attempts,
		NotificationID: rec.ID.String(),
		QueueJobID:     job.ID,
		LastAttemptAt:  &now,
	})

	delivery, sendErr := w.sender.SendToUser(ctx, rec.UserID, "notification:new", InAppPayload{
		ID:        rec.ID.String(),
		Type:      string(rec.EventType),
		Title:     rec.Title,
		Message:   rec.Message,
		Data:      rec.Data,
		Timestamp: rec.CreatedAt,
		Priority:  rec.Priority,
	})

	entry := DeliveryEntry{
		Attempt:   attempts,
		Timestamp: time.Now().UTC(),
		Queue:     job.Queue,
	}
	if sendErr == nil {
		entry.Status = StatusDelivered
		entry.SocketID = delivery.SocketID
		entry.DeliveryMethod = delivery.Method
	} else {
		entry.Status = StatusFailed
	}
	if err := w.repo.AppendDelivery(ctx, payload.NotificationID, entry); err != nil {
		logger.WithError(err).Warn("Failed to append delivery history")
	}

	if sendErr == nil {
		transitioned, err := w.repo.MarkDelivered(ctx, payload.NotificationID, delivery.SocketID, delivery.Method)
		if err != nil {
			return err
		}
		if transitioned {
			deliveredAt := time.Now().UTC()
			w.deps.writeMirror(ctx, payload, ChannelInApp, MirrorSummary{
				Status:         StatusDelivered,
				Attempts:       attempts,
				NotificationID: rec.ID.String(),
				QueueJobID:     job.ID,
				DeliveredAt:    &deliveredAt,
			})
		}
		w.deps.trace(payload.Context.TraceID, ChannelInApp, "deliver", "ok", map[string]string{"socket_id": delivery.SocketID})
		logger.WithField("socket_id", delivery.SocketID).Info("In-app notification delivered")
		return nil
	}

	logger.WithError(sendErr).WithField("attempts", attempts).Debug("In-app delivery failed, user not reachable")
	w.deps.trace(payload.Context.TraceID, ChannelInApp, "deliver", "failed", nil)

	if attempts < tier.MaxAttempts {
		return sendErr
	}
	return w.deps.escalate(ctx, w.repo, job, family, tier, payload, ChannelInApp, attempts, sendErr.Error())
}

func (w *InAppWorker) recreate(ctx context.Context, payload JobPayload, job *queue.Job, family queue.Family) (*InAppNotification, error) {
	body, err := RenderInApp(payload.Event)
	if err != nil {
		return nil, err
	}
	primary, _ := family.Tier(queue.TierPrimary)

	rec := &InAppNotification{
		ID:           payload.NotificationID,
		EventType:    payload.Event.Type,
		UserID:       payload.Event.UserID(),
		Title:        body.Title,
		Message:      body.Message,
		Data:         body.Data,
		Priority:     body.Priority,
		MaxAttempts:  primary.MaxAttempts,
		CurrentQueue: job.Queue,
		JobID:        job.ID,
		TraceID:      payload.Context.TraceID,
	}
	if err := w.repo.Create(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

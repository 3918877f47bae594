package notification

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/notifyhub/notifyhub/internal/queue"
	"github.com/notifyhub/notifyhub/internal/telemetry"
)

// mirrorBinding maps (event type, channel) to the entity collection and
// mirror column the delivery summary is written to.
type mirrorBinding struct {
	model string
	field string
}

var mirrorBindings = map[EventType]map[string]mirrorBinding{
	EventSignup: {
		ChannelEmail: {"signups", "welcome_email"},
	},
	EventLogin: {
		ChannelEmail: {"logins", "login_alert_email"},
		ChannelInApp: {"logins", "login_in_app_notification"},
	},
	EventResetPassword: {
		ChannelEmail: {"reset_passwords", "reset_email"},
	},
	EventPurchase: {
		ChannelPush: {"purchases", "purchase_push_notification"},
	},
	EventFriendRequest: {
		ChannelInApp: {"friend_requests", "friend_request_in_app_notification"},
	},
}

// MirrorBinding returns the entity collection and mirror column for an
// (event type, channel) pair.
func MirrorBinding(eventType EventType, channel string) (model, field string, ok bool) {
	b, ok := mirrorBindings[eventType][channel]
	return b.model, b.field, ok
}

// Orchestrator is the controller-facing entry point of the fan-out engine.
// It creates the per-channel tracking records, renders bodies, and
// enqueues one job per enabled channel.
type Orchestrator struct {
	emails    EmailRepository
	inApps    InAppRepository
	pushes    PushRepository
	mirrors   MirrorWriter
	substrate queue.Substrate
	topology  *queue.Topology
	tracker   *telemetry.Tracker
	logger    *telemetry.Logger
}

// NewOrchestrator wires the orchestrator. tracker may be nil.
func NewOrchestrator(
	emails EmailRepository,
	inApps InAppRepository,
	pushes PushRepository,
	mirrors MirrorWriter,
	substrate queue.Substrate,
	topology *queue.Topology,
	tracker *telemetry.Tracker,
	logger *telemetry.Logger,
) *Orchestrator {
	return &Orchestrator{
		emails:    emails,
		inApps:    inApps,
		pushes:    pushes,
		mirrors:   mirrors,
		substrate: substrate,
		topology:  topology,
		tracker:   tracker,
		logger:    logger,
	}
}

// Dispatch fans an event out to its enabled channels. Each channel result
// is independent; a failing channel never aborts the others, and callers
// must not fail their main business write on any notification failure.
func (o *Orchestrator) Dispatch(ctx context.Context, event Event, evtCtx Context) map[string]ChannelResult {
	results := make(map[string]ChannelResult)

	if !event.Type.Valid() {
		o.logger.WithContext(ctx).WithField("event_type", event.Type).Warn("Rejected unknown event type")
		results["_"] = ChannelResult{Success: false, Reason: "unknown event type: " + string(event.Type)}
		return results
	}

	if evtCtx.TraceID == "" {
		evtCtx.TraceID = telemetry.GetTraceID(ctx)
	}

	for _, channel := range EnabledChannels[event.Type] {
		results[channel] = o.dispatchChannel(ctx, event, evtCtx, channel)
	}
	return results
}

func (o *Orchestrator) dispatchChannel(ctx context.Context, event Event, evtCtx Context, channel string) ChannelResult {
	start := time.Now()
	logger := o.logger.WithContext(ctx).
		WithField("event_type", event.Type).
		WithField("channel", channel)

	family, ok := o.topology.Family(channel)
	if !ok {
		return ChannelResult{Success: false, Reason: "unknown channel: " + channel}
	}
	primary, _ := family.Tier(queue.TierPrimary)
	primaryQueue := family.QueueName(queue.TierPrimary)

	notificationID, reason := o.createRecord(ctx, event, evtCtx, channel, primary.MaxAttempts, primaryQueue)
	if reason != "" {
		logger.WithField("reason", reason).Error("Failed to create tracking record")
		o.record(evtCtx.TraceID, channel, "create_record", "failed", start)
		return ChannelResult{Success: false, Reason: reason}
	}

	o.writeMirror(ctx, event, evtCtx, channel, MirrorSummary{
		Status:         StatusPending,
		NotificationID: notificationID.String(),
	})

	jobID := JobID(channel, notificationID)
	payload, err := json.Marshal(JobPayload{
		NotificationID: notificationID,
		Event:          event,
		Context:        evtCtx,
	})
	if err != nil {
		return ChannelResult{Success: false, NotificationID: notificationID.String(), Reason: "payload encoding failed: " + err.Error()}
	}

	job := &queue.Job{
		ID:          jobID,
		Type:        string(event.Type),
		Payload:     payload,
		Priority:    EventPriority[event.Type],
		MaxAttempts: primary.MaxAttempts,
		TraceID:     evtCtx.TraceID,
	}
	if err := o.substrate.Enqueue(ctx, primaryQueue, job, queue.EnqueueOptions{
		Priority: EventPriority[event.Type],
		Delay:    primary.Delay,
	}); err != nil {
		// Persisted but unqueued: mark the record failed so the audit
		// trail explains the missing delivery.
		logger.WithError(err).Error("Failed to enqueue notification job")
		o.markEnqueueFailure(ctx, channel, notificationID, err.Error())
		o.writeMirror(ctx, event, evtCtx, channel, MirrorSummary{
			Status:         StatusFailed,
			NotificationID: notificationID.String(),
			FailureReason:  "queue-failed: " + err.Error(),
		})
		o.record(evtCtx.TraceID, channel, "enqueue", "failed", start)
		return ChannelResult{Success: false, NotificationID: notificationID.String(), Reason: "enqueue failed: " + err.Error()}
	}

	o.markQueued(ctx, channel, notificationID, jobID, primaryQueue)
	o.record(evtCtx.TraceID, channel, "enqueue", "ok", start)
	logger.WithField("notification_id", notificationID).WithField("job_id", jobID).Info("Notification dispatched")

	return ChannelResult{Success: true, JobID: jobID, NotificationID: notificationID.String()}
}

// createRecord renders the channel body and persists the tracking record.
// Returns a non-empty reason on failure.
func (o *Orchestrator) createRecord(ctx context.Context, event Event, evtCtx Context, channel string, maxAttempts int, queueName string) (uuid.UUID, string) {
	userID := event.UserID()
	if userID == 0 {
		return uuid.Nil, "missing recipient user id"
	}

	switch channel {
	case ChannelEmail:
		body, err := RenderEmail(event)
		if err != nil {
			return uuid.Nil, err.Error()
		}
		email, username := recipientEmail(event)
		if email == "" {
			return uuid.Nil, "missing recipient email"
		}
		n := &EmailNotification{
			EventType:         event.Type,
			UserID:            userID,
			RecipientEmail:    email,
			RecipientUsername: username,
			Subject:           body.Subject,
			BodyHTML:          body.HTML,
			BodyText:          body.Text,
			MaxAttempts:       maxAttempts,
			CurrentQueue:      queueName,
			TraceID:           evtCtx.TraceID,
		}
		if err := o.emails.Create(ctx, n); err != nil {
			return uuid.Nil, err.Error()
		}
		return n.ID, ""

	case ChannelInApp:
		body, err := RenderInApp(event)
		if err != nil {
			return uuid.Nil, err.Error()
		}
		n := &InAppNotification{
			EventType:            event.Type,
			UserID:               userID,
			Title:                body.Title,
			Message:              body.Message,
			Data:                 body.Data,
			Priority:             body.Priority,
			MaxAttempts:          maxAttempts,
			CurrentQueue:         queueName,
			SourceReferenceID:    evtCtx.SourceEntityID,
			SourceReferenceModel: evtCtx.SourceEntityType,
			TraceID:              evtCtx.TraceID,
		}
		if err := o.inApps.Create(ctx, n); err != nil {
			return uuid.Nil, err.Error()
		}
		return n.ID, ""

	case ChannelPush:
		body, err := RenderPush(event)
		if err != nil {
			return uuid.Nil, err.Error()
		}
		n := &PushNotification{
			EventType:            event.Type,
			UserID:               userID,
			Title:                body.Title,
			Body:                 body.Body,
			Data:                 body.Data,
			ImageURL:             body.ImageURL,
			ClickAction:          body.ClickAction,
			Priority:             body.Priority,
			MaxAttempts:          maxAttempts,
			CurrentQueue:         queueName,
			SourceType:           string(event.Type),
			SourceReferenceID:    evtCtx.SourceEntityID,
			SourceReferenceModel: evtCtx.SourceEntityType,
			TriggerDetails: map[string]string{
				"endpoint":   evtCtx.RequestEndpoint,
				"ip":         evtCtx.IP,
				"user_agent": evtCtx.UserAgent,
			},
			TraceID: evtCtx.TraceID,
		}
		if err := o.pushes.Create(ctx, n); err != nil {
			return uuid.Nil, err.Error()
		}
		return n.ID, ""
	}

	return uuid.Nil, "unknown channel: " + channel
}

func (o *Orchestrator) markQueued(ctx context.Context, channel string, id uuid.UUID, jobID, queueName string) {
	var err error
	switch channel {
	case ChannelEmail:
		err = o.emails.MarkQueued(ctx, id, jobID, queueName)
	case ChannelInApp:
		err = o.inApps.MarkQueued(ctx, id, jobID, queueName)
	case ChannelPush:
		err = o.pushes.MarkQueued(ctx, id, jobID, queueName)
	}
	if err != nil {
		o.logger.WithContext(ctx).WithError(err).WithField("notification_id", id).Warn("Failed to record job id on tracking record")
	}
}

func (o *Orchestrator) markEnqueueFailure(ctx context.Context, channel string, id uuid.UUID, cause string) {
	reason := "enqueue failed: " + cause
	var err error
	switch channel {
	case ChannelEmail:
		err = o.emails.MarkFailed(ctx, id, reason)
	case ChannelInApp:
		err = o.inApps.MarkFailed(ctx, id, reason)
	case ChannelPush:
		err = o.pushes.MarkFailed(ctx, id, reason)
	}
	if err != nil {
		o.logger.WithContext(ctx).WithError(err).WithField("notification_id", id).Error("Failed to mark enqueue failure")
	}
}

// writeMirror updates the business entity's summary. Mirror failures are
// logged, never propagated: the tracking record is the source of truth.
func (o *Orchestrator) writeMirror(ctx context.Context, event Event, evtCtx Context, channel string, summary MirrorSummary) {
	if o.mirrors == nil || evtCtx.SourceEntityID == "" {
		return
	}
	model, field, ok := MirrorBinding(event.Type, channel)
	if !ok {
		return
	}
	entityID, err := uuid.Parse(evtCtx.SourceEntityID)
	if err != nil {
		return
	}
	if err := o.mirrors.WriteMirror(ctx, MirrorRef{Model: model, EntityID: entityID, Field: field}, summary); err != nil {
		o.logger.WithContext(ctx).WithError(err).
			WithField("model", model).
			WithField("entity_id", entityID).
			Warn("Failed to update entity mirror")
	}
}

func (o *Orchestrator) record(traceID, channel, stage, status string, start time.Time) {
	if o.tracker == nil {
		return
	}
	o.tracker.Record(traceID, telemetry.Stage{
		Component: "orchestrator",
		Stage:     stage,
		Status:    status,
		Started:   start,
		Duration:  time.Since(start),
		Metadata:  map[string]string{"channel": channel},
	})
}

// recipientEmail extracts the destination address for email events.
func recipientEmail(event Event) (email, username string) {
	switch event.Type {
	case EventSignup:
		if event.Signup != nil {
			return event.Signup.Email, event.Signup.Username
		}
	case EventLogin:
		if event.Login != nil {
			return event.Login.Email, event.Login.Username
		}
	case EventResetPassword:
		if event.ResetPassword != nil {
			return event.ResetPassword.Email, event.ResetPassword.Username
		}
	}
	return "", ""
}

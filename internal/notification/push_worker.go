package notification

import (
	"context"
	"errors"
	"time"

	"github.com/notifyhub/notifyhub/internal/queue"
	"github.com/notifyhub/notifyhub/internal/telemetry"
)

// multicastBatchSize is the provider's per-call token limit.
const multicastBatchSize = 500

// PushMessage is the provider-agnostic multicast payload.
type PushMessage struct {
	Title       string
	Body        string
	Data        map[string]string
	ImageURL    string
	ClickAction string
	Priority    string
}

// MulticastResult reduces one multicast call to counts plus per-token
// outcomes. Error strings carry the provider error code.
type MulticastResult struct {
	SuccessCount int
	FailureCount int
	Results      []TokenResult
}

// PushSender sends one multicast batch (at most 500 tokens).
type PushSender interface {
	SendMulticast(ctx context.Context, tokens []string, msg PushMessage) (MulticastResult, error)
}

// TokenRegistry is the token-lifecycle subset the push worker needs.
type TokenRegistry interface {
	// ResolveActiveTokens returns the user's active, non-stale, unexpired
	// token strings, most recently active first.
	ResolveActiveTokens(ctx context.Context, userID int64) ([]string, error)
	// HandleProviderError appends the error to the token's error list and
	// marks the token stale for terminal registration errors.
	HandleProviderError(ctx context.Context, token, code, message string) error
	// RecordSendOutcome bumps the token's sent/delivered/failed counters.
	RecordSendOutcome(ctx context.Context, token string, delivered bool) error
}

// staleTokenCodes are provider errors that invalidate the registration.
var staleTokenCodes = map[string]bool{
	"invalid-registration-token":        true,
	"registration-token-not-registered": true,
	"mismatch-sender-id":                true,
}

const rateExceededCode = "message-rate-exceeded"

// PushWorker consumes the push channel family.
type PushWorker struct {
	deps   *WorkerDeps
	repo   PushRepository
	sender PushSender
	tokens TokenRegistry
}

// NewPushWorker creates the push channel worker.
func NewPushWorker(deps *WorkerDeps, repo PushRepository, sender PushSender, tokens TokenRegistry) *PushWorker {
	return &PushWorker{deps: deps, repo: repo, sender: sender, tokens: tokens}
}

// Handle processes one push job.
func (w *PushWorker) Handle(ctx context.Context, job *queue.Job) error {
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
		return w.deps.parkInDLQ(ctx, job, payload, ChannelPush)
	}

	switch rec.Status {
	case StatusDelivered, StatusClicked, StatusFailed:
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
	w.deps.writeMirror(ctx, payload, ChannelPush, MirrorSummary{
		Status:         StatusProcessing,
		Attempts:       attempts,
		NotificationID: rec.ID.String(),
		QueueJobID:     job.ID,
		LastAttemptAt:  &now,
	})

	tokens, err := w.tokens.ResolveActiveTokens(ctx, rec.UserID)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		// Nothing to retry against: terminal without escalation.
		return w.failNoTokens(ctx, payload, job, attempts, logger)
	}

	result, sendErr := w.multicast(ctx, tokens, PushMessage{
		Title:       rec.Title,
		Body:        rec.Body,
		Data:        rec.Data,
		ImageURL:    rec.ImageURL,
		ClickAction: rec.ClickAction,
		Priority:    rec.Priority,
	})
	if sendErr != nil {
		// Provider-level failure (auth, network): record and retry.
		entry := RetryEntry{Attempt: attempts, Timestamp: time.Now().UTC(), Queue: job.Queue, Error: sendErr.Error()}
		if err := w.repo.AppendRetry(ctx, payload.NotificationID, entry); err != nil {
			logger.WithError(err).Warn("Failed to append retry history")
		}
		w.deps.trace(payload.Context.TraceID, ChannelPush, "deliver", "failed", nil)
		if attempts < tier.MaxAttempts {
			return sendErr
		}
		return w.deps.escalate(ctx, w.repo, job, family, tier, payload, ChannelPush, attempts, sendErr.Error())
	}

	allTerminalTokenErrors := w.disposeTokens(ctx, result, logger)

	entry := RetryEntry{Attempt: attempts, Timestamp: time.Now().UTC(), Queue: job.Queue}
	if result.SuccessCount == 0 {
		entry.Error = "all tokens failed"
	}
	if err := w.repo.AppendRetry(ctx, payload.NotificationID, entry); err != nil {
		logger.WithError(err).Warn("Failed to append retry history")
	}

	if result.SuccessCount > 0 {
		// Full or partial success both count as delivered; failed tokens
		// were dispositioned above.
		if err := w.repo.MarkDelivered(ctx, payload.NotificationID, result.SuccessCount, result.FailureCount, result.Results); err != nil {
			return err
		}
		deliveredAt := time.Now().UTC()
		w.deps.writeMirror(ctx, payload, ChannelPush, MirrorSummary{
			Status:         StatusDelivered,
			Attempts:       attempts,
			NotificationID: rec.ID.String(),
			QueueJobID:     job.ID,
			DeliveredAt:    &deliveredAt,
			FCMResponse:    &FCMResponse{SuccessCount: result.SuccessCount, FailureCount: result.FailureCount},
		})
		w.deps.trace(payload.Context.TraceID, ChannelPush, "deliver", "ok", map[string]string{})
		logger.WithField("success_count", result.SuccessCount).WithField("failure_count", result.FailureCount).Info("Push delivered")
		return nil
	}

	if allTerminalTokenErrors {
		// Every registration was invalidated; retrying cannot succeed.
		return w.failNoTokens(ctx, payload, job, attempts, logger)
	}

	w.deps.trace(payload.Context.TraceID, ChannelPush, "deliver", "failed", nil)
	if attempts < tier.MaxAttempts {
		return errAllTokensFailed
	}
	return w.deps.escalate(ctx, w.repo, job, family, tier, payload, ChannelPush, attempts, "all tokens failed")
}

var errAllTokensFailed = errors.New("push delivery failed for all tokens")

// multicast chunks the token list into provider-sized batches and merges
// the results.
func (w *PushWorker) multicast(ctx context.Context, tokens []string, msg PushMessage) (MulticastResult, error) {
	var merged MulticastResult
	for start := 0; start < len(tokens); start += multicastBatchSize {
		end := start + multicastBatchSize
		if end > len(tokens) {
			end = len(tokens)
		}
		res, err := w.sender.SendMulticast(ctx, tokens[start:end], msg)
		if err != nil {
			return MulticastResult{}, err
		}
		merged.SuccessCount += res.SuccessCount
		merged.FailureCount += res.FailureCount
		merged.Results = append(merged.Results, res.Results...)
	}
	return merged, nil
}

// disposeTokens applies per-token result handling and reports whether
// every failure was a terminal registration error.
func (w *PushWorker) disposeTokens(ctx context.Context, result MulticastResult, logger *telemetry.ContextualLogger) bool {
	allTerminal := result.FailureCount > 0
	for _, r := range result.Results {
		if err := w.tokens.RecordSendOutcome(ctx, r.Token, r.Success); err != nil {
			logger.Warnf("Failed to record token outcome: %v", err)
		}
		if r.Success {
			continue
		}
		switch {
		case staleTokenCodes[r.Error]:
			if err := w.tokens.HandleProviderError(ctx, r.Token, r.Error, "provider rejected registration"); err != nil {
				logger.Warnf("Failed to disposition token: %v", err)
			}
		case r.Error == rateExceededCode:
			// Token stays active; back-off is the queue's job.
			logger.Warnf("Push rate exceeded for token")
			allTerminal = false
		default:
			if err := w.tokens.HandleProviderError(ctx, r.Token, r.Error, "provider send error"); err != nil {
				logger.Warnf("Failed to record token error: %v", err)
			}
			allTerminal = false
		}
	}
	return allTerminal
}

func (w *PushWorker) failNoTokens(ctx context.Context, payload JobPayload, job *queue.Job, attempts int, logger *telemetry.ContextualLogger) error {
	if err := w.repo.MarkFailed(ctx, payload.NotificationID, "no active tokens"); err != nil {
		return err
	}
	w.deps.writeMirror(ctx, payload, ChannelPush, MirrorSummary{
		Status:         StatusFailed,
		Attempts:       attempts,
		NotificationID: payload.NotificationID.String(),
		QueueJobID:     job.ID,
		FailureReason:  "no active tokens",
	})
	w.deps.trace(payload.Context.TraceID, ChannelPush, "deliver", "failed", map[string]string{"reason": "no active tokens"})
	logger.Info("Push failed, recipient has no active tokens")
	return nil
}

func (w *PushWorker) recreate(ctx context.Context, payload JobPayload, job *queue.Job, family queue.Family) (*PushNotification, error) {
	body, err := RenderPush(payload.Event)
	if err != nil {
		return nil, err
	}
	primary, _ := family.Tier(queue.TierPrimary)

	rec := &PushNotification{
		ID:                   payload.NotificationID,
		EventType:            payload.Event.Type,
		UserID:               payload.Event.UserID(),
		Title:                body.Title,
		Body:                 body.Body,
		Data:                 body.Data,
		ImageURL:             body.ImageURL,
		ClickAction:          body.ClickAction,
		Priority:             body.Priority,
		MaxAttempts:          primary.MaxAttempts,
		CurrentQueue:         job.Queue,
		JobID:                job.ID,
		SourceType:           string(payload.Event.Type),
		SourceReferenceID:    payload.Context.SourceEntityID,
		SourceReferenceModel: payload.Context.SourceEntityType,
		TraceID:              payload.Context.TraceID,
	}
	if err := w.repo.Create(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

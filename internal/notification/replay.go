package notification

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/notifyhub/notifyhub/internal/queue"
	"github.com/notifyhub/notifyhub/internal/telemetry"
)

// ReplayService moves dead-lettered notifications back onto their
// channel's primary queue for another delivery pass. Operator tooling
// only; automated delivery never leaves the DLQ.
type ReplayService struct {
	substrate queue.Substrate
	topology  *queue.Topology
	emails    EmailRepository
	inApps    InAppRepository
	pushes    PushRepository
	logger    *telemetry.Logger
}

// NewReplayService wires the replay service.
func NewReplayService(
	substrate queue.Substrate,
	topology *queue.Topology,
	emails EmailRepository,
	inApps InAppRepository,
	pushes PushRepository,
	logger *telemetry.Logger,
) *ReplayService {
	return &ReplayService{
		substrate: substrate,
		topology:  topology,
		emails:    emails,
		inApps:    inApps,
		pushes:    pushes,
		logger:    logger,
	}
}

// ReplayDLQ moves up to max parked jobs of a channel back to its primary
// queue and resets their tracking records. Returns the number replayed.
func (s *ReplayService) ReplayDLQ(ctx context.Context, channel string, max int) (int, error) {
	family, ok := s.topology.Family(channel)
	if !ok {
		return 0, fmt.Errorf("unknown channel %q", channel)
	}

	dlq := family.QueueName(queue.TierDLQ)
	primaryQueue := family.QueueName(queue.TierPrimary)
	primary, _ := family.Tier(queue.TierPrimary)

	moved, err := s.substrate.ReplayFailed(ctx, dlq, primaryQueue, max)
	if err != nil {
		return 0, err
	}

	for _, jobID := range moved {
		id, err := notificationIDFromJobID(jobID)
		if err != nil {
			s.logger.WithContext(ctx).WithError(err).WithField("job_id", jobID).Warn("Replayed job with unparseable id")
			continue
		}
		entry := EscalationEntry{
			FromQueue: dlq,
			ToQueue:   primaryQueue,
			Timestamp: time.Now().UTC(),
			Reason:    "operator replay",
		}
		var resetErr error
		switch channel {
		case ChannelEmail:
			resetErr = s.emails.Escalate(ctx, id, entry, primary.MaxAttempts)
		case ChannelInApp:
			resetErr = s.inApps.Escalate(ctx, id, entry, primary.MaxAttempts)
		case ChannelPush:
			resetErr = s.pushes.Escalate(ctx, id, entry, primary.MaxAttempts)
		}
		if resetErr != nil {
			s.logger.WithContext(ctx).WithError(resetErr).WithField("notification_id", id).Warn("Failed to reset tracking record for replay")
		}
	}

	if len(moved) > 0 {
		s.logger.WithContext(ctx).
			WithField("channel", channel).
			WithField("replayed", len(moved)).
			Info("Replayed dead-lettered notifications")
	}
	return len(moved), nil
}

// notificationIDFromJobID inverts JobID ("<channel>:<uuid>").
func notificationIDFromJobID(jobID string) (uuid.UUID, error) {
	idx := strings.LastIndex(jobID, ":")
	if idx < 0 || idx == len(jobID)-1 {
		return uuid.Nil, fmt.Errorf("malformed job id %q", jobID)
	}
	return uuid.Parse(jobID[idx+1:])
}

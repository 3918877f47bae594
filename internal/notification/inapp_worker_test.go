package notification

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifyhub/notifyhub/internal/queue"
)

func friendRequestPayload(id uuid.UUID, entityID string) JobPayload {
	return JobPayload{
		NotificationID: id,
		Event: Event{
			Type: EventFriendRequest,
			FriendRequest: &FriendRequestEvent{
				FromUserID:   7,
				FromUsername: "bob",
				ToUserID:     42,
				RequestID:    entityID,
			},
		},
		Context: Context{
			SourceEntityID:   entityID,
			SourceEntityType: "friend_requests",
			TraceID:          "trace-inapp",
		},
	}
}

func seedInAppRecord(t *testing.T, repo *fakeInAppRepo, id uuid.UUID) *InAppNotification {
	t.Helper()
	rec := &InAppNotification{
		ID:           id,
		EventType:    EventFriendRequest,
		UserID:       42,
		Title:        "New friend request",
		Message:      "bob sent you a friend request",
		Priority:     PriorityNormal,
		MaxAttempts:  3,
		CurrentQueue: "in_app:primary",
	}
	require.NoError(t, repo.Create(context.Background(), rec))
	return rec
}

func TestInAppWorkerDeliversToSocket(t *testing.T) {
	sub := &fakeSubstrate{}
	mirrors := &fakeMirrors{}
	repo := newFakeInAppRepo()
	sender := &fakeSocketSender{delivery: SocketDelivery{SocketID: "sock-9", Method: "socket"}}
	worker := NewInAppWorker(testWorkerDeps(t, sub, mirrors), repo, sender)

	id := uuid.New()
	rec := seedInAppRecord(t, repo, id)
	job := makeJob(t, "in_app:primary", ChannelInApp, friendRequestPayload(id, uuid.New().String()))

	require.NoError(t, worker.Handle(context.Background(), job))

	assert.Equal(t, 1, sender.sends)
	assert.Equal(t, StatusDelivered, rec.Status)
	assert.Equal(t, "sock-9", rec.SocketID)
	require.Len(t, rec.DeliveryHistory, 1)
	assert.Equal(t, StatusDelivered, rec.DeliveryHistory[0].Status)
	assert.Equal(t, "socket", rec.DeliveryHistory[0].DeliveryMethod)

	last, ok := mirrors.last()
	require.True(t, ok)
	assert.Equal(t, "friend_requests", last.ref.Model)
	assert.Equal(t, "friend_request_in_app_notification", last.ref.Field)
	assert.Equal(t, StatusDelivered, last.summary.Status)
}

func TestInAppWorkerExpiresBeforeDelivery(t *testing.T) {
	sub := &fakeSubstrate{}
	mirrors := &fakeMirrors{}
	repo := newFakeInAppRepo()
	sender := &fakeSocketSender{}
	worker := NewInAppWorker(testWorkerDeps(t, sub, mirrors), repo, sender)

	id := uuid.New()
	rec := seedInAppRecord(t, repo, id)
	rec.ExpiresAt = time.Now().Add(-time.Minute)
	job := makeJob(t, "in_app:retry-2", ChannelInApp, friendRequestPayload(id, uuid.New().String()))

	// Expiry is terminal: no send, no escalation.
	require.NoError(t, worker.Handle(context.Background(), job))
	assert.Equal(t, 0, sender.sends)
	assert.Equal(t, StatusExpired, rec.Status)
	assert.Empty(t, sub.moved)

	last, ok := mirrors.last()
	require.True(t, ok)
	assert.Equal(t, StatusExpired, last.summary.Status)
}

func TestInAppWorkerRetriesWhileUserOffline(t *testing.T) {
	sub := &fakeSubstrate{}
	repo := newFakeInAppRepo()
	sender := &fakeSocketSender{err: errors.New("no active session for user 42")}
	worker := NewInAppWorker(testWorkerDeps(t, sub, &fakeMirrors{}), repo, sender)

	id := uuid.New()
	rec := seedInAppRecord(t, repo, id)
	job := makeJob(t, "in_app:primary", ChannelInApp, friendRequestPayload(id, uuid.New().String()))

	err := worker.Handle(context.Background(), job)
	require.EqualError(t, err, "no active session for user 42")

	assert.Empty(t, sub.moved)
	assert.Equal(t, 1, rec.Attempts)
	require.Len(t, rec.DeliveryHistory, 1)
	assert.Equal(t, StatusFailed, rec.DeliveryHistory[0].Status)
}

func TestInAppWorkerEscalatesAtTierBudget(t *testing.T) {
	sub := &fakeSubstrate{}
	repo := newFakeInAppRepo()
	sender := &fakeSocketSender{err: errors.New("no active session for user 42")}
	worker := NewInAppWorker(testWorkerDeps(t, sub, &fakeMirrors{}), repo, sender)

	id := uuid.New()
	rec := seedInAppRecord(t, repo, id)
	rec.Attempts = 2 // next attempt exhausts the primary budget of 3
	job := makeJob(t, "in_app:primary", ChannelInApp, friendRequestPayload(id, uuid.New().String()))

	err := worker.Handle(context.Background(), job)
	require.ErrorIs(t, err, queue.ErrMoved)

	require.Len(t, sub.moved, 1)
	assert.Equal(t, "in_app:retry-1", sub.moved[0].queue)
	assert.Equal(t, 2*time.Minute, sub.moved[0].opts.Delay)
	assert.Equal(t, 0, rec.Attempts)
	assert.Equal(t, "in_app:retry-1", rec.CurrentQueue)
}

func TestInAppWorkerParksDLQJobs(t *testing.T) {
	sub := &fakeSubstrate{}
	repo := newFakeInAppRepo()
	sender := &fakeSocketSender{}
	worker := NewInAppWorker(testWorkerDeps(t, sub, &fakeMirrors{}), repo, sender)

	id := uuid.New()
	rec := seedInAppRecord(t, repo, id)
	rec.Status = StatusFailed
	rec.CurrentQueue = "in_app:dlq"
	job := makeJob(t, "in_app:dlq", ChannelInApp, friendRequestPayload(id, uuid.New().String()))

	err := worker.Handle(context.Background(), job)
	require.ErrorIs(t, err, queue.ErrMoved)
	require.Len(t, sub.failed, 1)
	assert.Equal(t, 0, sender.sends)
}

func TestInAppWorkerSkipsDeliveredRecords(t *testing.T) {
	sub := &fakeSubstrate{}
	repo := newFakeInAppRepo()
	sender := &fakeSocketSender{}
	worker := NewInAppWorker(testWorkerDeps(t, sub, &fakeMirrors{}), repo, sender)

	id := uuid.New()
	rec := seedInAppRecord(t, repo, id)
	rec.Status = StatusDelivered
	rec.SocketID = "sock-flush"
	job := makeJob(t, "in_app:primary", ChannelInApp, friendRequestPayload(id, uuid.New().String()))

	// The on-connect flush beat the worker to it; the job is a no-op.
	require.NoError(t, worker.Handle(context.Background(), job))
	assert.Equal(t, 0, sender.sends)
	assert.Equal(t, "sock-flush", rec.SocketID)
}

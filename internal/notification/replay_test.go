package notification

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifyhub/notifyhub/internal/queue"
)

func newReplayService(t *testing.T, sub *fakeSubstrate, emails *fakeEmailRepo) *ReplayService {
	t.Helper()
	return NewReplayService(sub, queue.DefaultTopology(), emails, newFakeInAppRepo(), newFakePushRepo(), testLogger(t))
}

func TestReplayDLQResetsRecordsToPrimary(t *testing.T) {
	emails := newFakeEmailRepo()
	id := uuid.New()
	rec := seedEmailRecord(t, emails, id)
	rec.Status = StatusFailed
	rec.CurrentQueue = "email:dlq"
	rec.FailureReason = "max retries exceeded"
	failedAt := time.Now().UTC()
	rec.FailedAt = &failedAt

	sub := &fakeSubstrate{replayIDs: []string{JobID(ChannelEmail, id)}}
	svc := newReplayService(t, sub, emails)

	n, err := svc.ReplayDLQ(context.Background(), ChannelEmail, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, 0, rec.Attempts)
	assert.Equal(t, 4, rec.MaxAttempts)
	assert.Equal(t, "email:primary", rec.CurrentQueue)
	// A replayed record starts its new pass clean.
	assert.Equal(t, StatusPending, rec.Status)
	assert.Empty(t, rec.FailureReason)
	assert.Nil(t, rec.FailedAt)
	require.Len(t, rec.EscalationHistory, 1)
	assert.Equal(t, "email:dlq", rec.EscalationHistory[0].FromQueue)
	assert.Equal(t, "email:primary", rec.EscalationHistory[0].ToQueue)
	assert.Equal(t, "operator replay", rec.EscalationHistory[0].Reason)
}

func TestReplayDLQSkipsUnparseableJobIDs(t *testing.T) {
	sub := &fakeSubstrate{replayIDs: []string{"email:not-a-uuid"}}
	svc := newReplayService(t, sub, newFakeEmailRepo())

	// The substrate already moved the job; a bad ID only loses the record reset.
	n, err := svc.ReplayDLQ(context.Background(), ChannelEmail, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReplayDLQRejectsUnknownChannel(t *testing.T) {
	svc := newReplayService(t, &fakeSubstrate{}, newFakeEmailRepo())
	_, err := svc.ReplayDLQ(context.Background(), "carrier-pigeon", 10)
	assert.Error(t, err)
}

func TestReplayDLQEmpty(t *testing.T) {
	svc := newReplayService(t, &fakeSubstrate{}, newFakeEmailRepo())
	n, err := svc.ReplayDLQ(context.Background(), ChannelEmail, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}

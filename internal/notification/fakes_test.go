package notification

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/notifyhub/notifyhub/internal/queue"
	"github.com/notifyhub/notifyhub/internal/telemetry"
)

func testLogger(t *testing.T) *telemetry.Logger {
	t.Helper()
	logger, err := telemetry.NewLogger(&telemetry.LogConfig{Level: telemetry.ErrorLevel, Format: "text", Output: "stderr"})
	require.NoError(t, err)
	return logger
}

// enqueuedJob records one Enqueue or MoveToQueue call.
type enqueuedJob struct {
	queue string
	job   *queue.Job
	opts  queue.EnqueueOptions
}

// fakeSubstrate is an in-memory queue.Substrate that records the calls
// the orchestrator, workers, and replay service make.
type fakeSubstrate struct {
	mu         sync.Mutex
	enqueued   []enqueuedJob
	moved      []enqueuedJob
	failed     []*queue.Job
	enqueueErr error
	moveErr    error
	replayIDs  []string
}

func (s *fakeSubstrate) Enqueue(ctx context.Context, q string, job *queue.Job, opts queue.EnqueueOptions) error {
	if s.enqueueErr != nil {
		return s.enqueueErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job.Queue = q
	s.enqueued = append(s.enqueued, enqueuedJob{queue: q, job: job, opts: opts})
	return nil
}

func (s *fakeSubstrate) MoveToQueue(ctx context.Context, job *queue.Job, target string, opts queue.EnqueueOptions) error {
	if s.moveErr != nil {
		return s.moveErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job.Queue = target
	s.moved = append(s.moved, enqueuedJob{queue: target, job: job, opts: opts})
	return nil
}

func (s *fakeSubstrate) Fail(ctx context.Context, job *queue.Job, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, job)
	return nil
}

func (s *fakeSubstrate) ReplayFailed(ctx context.Context, q, target string, max int) ([]string, error) {
	if max < len(s.replayIDs) {
		return s.replayIDs[:max], nil
	}
	return s.replayIDs, nil
}

func (s *fakeSubstrate) Dequeue(ctx context.Context, q string, limit int) ([]*queue.Job, error) {
	return nil, nil
}
func (s *fakeSubstrate) Retry(ctx context.Context, job *queue.Job, delay time.Duration) error {
	return nil
}
func (s *fakeSubstrate) Complete(ctx context.Context, job *queue.Job) error { return nil }
func (s *fakeSubstrate) RetryFailed(ctx context.Context, q string, max int) (int, error) {
	return 0, nil
}
func (s *fakeSubstrate) PromoteDelayed(ctx context.Context, q string, now time.Time) (int, error) {
	return 0, nil
}
func (s *fakeSubstrate) AcquireLock(ctx context.Context, jobID, workerID string, ttl time.Duration) (bool, error) {
	return true, nil
}
func (s *fakeSubstrate) ReleaseLock(ctx context.Context, jobID, workerID string) error { return nil }
func (s *fakeSubstrate) MarkActive(ctx context.Context, q string, delta int) error     { return nil }
func (s *fakeSubstrate) Stats(ctx context.Context, q string) (*queue.Stats, error) {
	return &queue.Stats{}, nil
}
func (s *fakeSubstrate) Pause(ctx context.Context, q string) error  { return nil }
func (s *fakeSubstrate) Resume(ctx context.Context, q string) error { return nil }
func (s *fakeSubstrate) Paused(ctx context.Context, q string) (bool, error) {
	return false, nil
}
func (s *fakeSubstrate) Clean(ctx context.Context, q string, olderThan time.Duration) (int, error) {
	return 0, nil
}
func (s *fakeSubstrate) Close() error { return nil }

// mirrorWrite records one WriteMirror call.
type mirrorWrite struct {
	ref     MirrorRef
	summary MirrorSummary
}

type fakeMirrors struct {
	mu     sync.Mutex
	writes []mirrorWrite
}

func (m *fakeMirrors) WriteMirror(ctx context.Context, ref MirrorRef, summary MirrorSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = append(m.writes, mirrorWrite{ref: ref, summary: summary})
	return nil
}

func (m *fakeMirrors) last() (mirrorWrite, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.writes) == 0 {
		return mirrorWrite{}, false
	}
	return m.writes[len(m.writes)-1], true
}

// fakeEmailRepo is an in-memory EmailRepository.
type fakeEmailRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]*EmailNotification

	createErr error
	beginErr  error
}

func newFakeEmailRepo() *fakeEmailRepo {
	return &fakeEmailRepo{records: map[uuid.UUID]*EmailNotification{}}
}

func (r *fakeEmailRepo) Create(ctx context.Context, n *EmailNotification) error {
	if r.createErr != nil {
		return r.createErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	n.Status = StatusPending
	n.CreatedAt = time.Now().UTC()
	r.records[n.ID] = n
	return nil
}

func (r *fakeEmailRepo) GetByID(ctx context.Context, id uuid.UUID) (*EmailNotification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return n, nil
}

func (r *fakeEmailRepo) MarkQueued(ctx context.Context, id uuid.UUID, jobID, q string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.records[id]; ok {
		n.JobID = jobID
		n.CurrentQueue = q
		n.Status = StatusQueued
	}
	return nil
}

func (r *fakeEmailRepo) BeginAttempt(ctx context.Context, id uuid.UUID, q string) (int, error) {
	if r.beginErr != nil {
		return 0, r.beginErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.records[id]
	if !ok {
		return 0, ErrTerminal
	}
	switch n.Status {
	case StatusDelivered, StatusFailed:
		return 0, ErrTerminal
	}
	n.Attempts++
	n.Status = StatusProcessing
	n.CurrentQueue = q
	return n.Attempts, nil
}

func (r *fakeEmailRepo) AppendRetry(ctx context.Context, id uuid.UUID, entry RetryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.records[id]; ok {
		n.RetryHistory = append(n.RetryHistory, entry)
	}
	return nil
}

func (r *fakeEmailRepo) MarkDelivered(ctx context.Context, id uuid.UUID, messageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.records[id]
	if !ok {
		return ErrNotFound
	}
	n.Status = StatusDelivered
	n.MessageID = messageID
	return nil
}

func (r *fakeEmailRepo) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.records[id]
	if !ok {
		return ErrNotFound
	}
	n.Status = StatusFailed
	n.FailureReason = reason
	return nil
}

func (r *fakeEmailRepo) Escalate(ctx context.Context, id uuid.UUID, entry EscalationEntry, newMaxAttempts int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.records[id]
	if !ok {
		return ErrNotFound
	}
	n.Attempts = 0
	n.MaxAttempts = newMaxAttempts
	n.CurrentQueue = entry.ToQueue
	n.Status = StatusPending
	n.FailureReason = ""
	n.FailedAt = nil
	n.EscalationHistory = append(n.EscalationHistory, entry)
	return nil
}

func (r *fakeEmailRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time, statuses []string, limit int) (int64, error) {
	return 0, nil
}

// fakeInAppRepo is an in-memory InAppRepository.
type fakeInAppRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]*InAppNotification
}

func newFakeInAppRepo() *fakeInAppRepo {
	return &fakeInAppRepo{records: map[uuid.UUID]*InAppNotification{}}
}

func (r *fakeInAppRepo) Create(ctx context.Context, n *InAppNotification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	n.Status = StatusPending
	n.CreatedAt = time.Now().UTC()
	if n.ExpiresAt.IsZero() {
		n.ExpiresAt = time.Now().Add(24 * time.Hour)
	}
	r.records[n.ID] = n
	return nil
}

func (r *fakeInAppRepo) GetByID(ctx context.Context, id uuid.UUID) (*InAppNotification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return n, nil
}

func (r *fakeInAppRepo) MarkQueued(ctx context.Context, id uuid.UUID, jobID, q string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.records[id]; ok {
		n.JobID = jobID
		n.CurrentQueue = q
		n.Status = StatusQueued
	}
	return nil
}

func (r *fakeInAppRepo) BeginAttempt(ctx context.Context, id uuid.UUID, q string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.records[id]
	if !ok {
		return 0, ErrTerminal
	}
	switch n.Status {
	case StatusDelivered, StatusFailed, StatusExpired:
		return 0, ErrTerminal
	}
	n.Attempts++
	n.Status = StatusProcessing
	n.CurrentQueue = q
	return n.Attempts, nil
}

func (r *fakeInAppRepo) AppendDelivery(ctx context.Context, id uuid.UUID, entry DeliveryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.records[id]; ok {
		n.DeliveryHistory = append(n.DeliveryHistory, entry)
	}
	return nil
}

func (r *fakeInAppRepo) MarkDelivered(ctx context.Context, id uuid.UUID, socketID, method string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.records[id]
	if !ok {
		return false, ErrNotFound
	}
	switch n.Status {
	case StatusDelivered, StatusFailed, StatusExpired:
		return false, nil
	}
	n.Status = StatusDelivered
	n.SocketID = socketID
	return true, nil
}

func (r *fakeInAppRepo) MarkExpired(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.records[id]
	if !ok {
		return ErrNotFound
	}
	n.Status = StatusExpired
	return nil
}

func (r *fakeInAppRepo) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.records[id]
	if !ok {
		return ErrNotFound
	}
	n.Status = StatusFailed
	n.FailureReason = reason
	return nil
}

func (r *fakeInAppRepo) Escalate(ctx context.Context, id uuid.UUID, entry EscalationEntry, newMaxAttempts int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.records[id]
	if !ok {
		return ErrNotFound
	}
	n.Attempts = 0
	n.MaxAttempts = newMaxAttempts
	n.CurrentQueue = entry.ToQueue
	n.Status = StatusQueued
	n.FailureReason = ""
	n.FailedAt = nil
	n.EscalationHistory = append(n.EscalationHistory, entry)
	return nil
}

func (r *fakeInAppRepo) ListPendingForUser(ctx context.Context, userID int64, limit int) ([]*InAppNotification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*InAppNotification
	for _, n := range r.records {
		if n.UserID != userID {
			continue
		}
		switch n.Status {
		case StatusDelivered, StatusFailed, StatusExpired:
			continue
		}
		out = append(out, n)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *fakeInAppRepo) MarkRead(ctx context.Context, userID int64, ids []uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, id := range ids {
		if n, ok := r.records[id]; ok && n.UserID == userID && !n.IsRead {
			n.IsRead = true
			count++
		}
	}
	return count, nil
}

func (r *fakeInAppRepo) ExpireUndelivered(ctx context.Context, now time.Time, limit int) (int64, error) {
	return 0, nil
}

func (r *fakeInAppRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time, statuses []string, limit int) (int64, error) {
	return 0, nil
}

// fakePushRepo is an in-memory PushRepository.
type fakePushRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]*PushNotification
}

func newFakePushRepo() *fakePushRepo {
	return &fakePushRepo{records: map[uuid.UUID]*PushNotification{}}
}

func (r *fakePushRepo) Create(ctx context.Context, n *PushNotification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	n.Status = StatusPending
	n.CreatedAt = time.Now().UTC()
	r.records[n.ID] = n
	return nil
}

func (r *fakePushRepo) GetByID(ctx context.Context, id uuid.UUID) (*PushNotification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return n, nil
}

func (r *fakePushRepo) GetBySource(ctx context.Context, model, referenceID string) (*PushNotification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.records {
		if n.SourceReferenceModel == model && n.SourceReferenceID == referenceID {
			return n, nil
		}
	}
	return nil, ErrNotFound
}

func (r *fakePushRepo) MarkQueued(ctx context.Context, id uuid.UUID, jobID, q string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.records[id]; ok {
		n.JobID = jobID
		n.CurrentQueue = q
		n.Status = StatusQueued
	}
	return nil
}

func (r *fakePushRepo) BeginAttempt(ctx context.Context, id uuid.UUID, q string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.records[id]
	if !ok {
		return 0, ErrTerminal
	}
	switch n.Status {
	case StatusDelivered, StatusClicked, StatusFailed:
		return 0, ErrTerminal
	}
	n.Attempts++
	n.Status = StatusProcessing
	n.CurrentQueue = q
	return n.Attempts, nil
}

func (r *fakePushRepo) AppendRetry(ctx context.Context, id uuid.UUID, entry RetryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.records[id]; ok {
		n.RetryHistory = append(n.RetryHistory, entry)
	}
	return nil
}

func (r *fakePushRepo) MarkDelivered(ctx context.Context, id uuid.UUID, successCount, failureCount int, results []TokenResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.records[id]
	if !ok {
		return ErrNotFound
	}
	n.Status = StatusDelivered
	n.Sent = true
	n.Delivered = true
	n.SuccessCount = successCount
	n.FailureCount = failureCount
	n.ProviderResults = results
	return nil
}

func (r *fakePushRepo) UpdateDeliveryStatus(ctx context.Context, id uuid.UUID, sent, delivered, clicked, failed *bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.records[id]
	if !ok {
		return ErrNotFound
	}
	if sent != nil {
		n.Sent = *sent
	}
	if delivered != nil {
		n.Delivered = *delivered
	}
	if clicked != nil {
		n.Clicked = *clicked
	}
	if failed != nil {
		n.Failed = *failed
	}
	return nil
}

func (r *fakePushRepo) MarkClicked(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.records[id]
	if !ok {
		return ErrNotFound
	}
	n.Status = StatusClicked
	n.Clicked = true
	return nil
}

func (r *fakePushRepo) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.records[id]
	if !ok {
		return ErrNotFound
	}
	n.Status = StatusFailed
	n.Failed = true
	n.FailureReason = reason
	return nil
}

func (r *fakePushRepo) Escalate(ctx context.Context, id uuid.UUID, entry EscalationEntry, newMaxAttempts int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.records[id]
	if !ok {
		return ErrNotFound
	}
	n.Attempts = 0
	n.MaxAttempts = newMaxAttempts
	n.CurrentQueue = entry.ToQueue
	n.Status = StatusPending
	n.FailureReason = ""
	n.FailedAt = nil
	n.EscalationHistory = append(n.EscalationHistory, entry)
	return nil
}

func (r *fakePushRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time, statuses []string, limit int) (int64, error) {
	return 0, nil
}

// fakeEmailSender records sends and returns a configurable error.
type fakeEmailSender struct {
	mu    sync.Mutex
	sends []string
	err   error
}

func (s *fakeEmailSender) Send(ctx context.Context, to, toName, subject, htmlBody, textBody string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = append(s.sends, to)
	if s.err != nil {
		return "", s.err
	}
	return "<msg-1@test>", nil
}

// fakeSocketSender simulates a hub with a configurable delivery outcome.
type fakeSocketSender struct {
	mu       sync.Mutex
	sends    int
	delivery SocketDelivery
	err      error
}

func (s *fakeSocketSender) SendToUser(ctx context.Context, userID int64, event string, payload interface{}) (SocketDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends++
	if s.err != nil {
		return SocketDelivery{}, s.err
	}
	return s.delivery, nil
}

// fakePushSender returns a canned multicast result per call.
type fakePushSender struct {
	mu      sync.Mutex
	batches [][]string
	result  func(tokens []string) MulticastResult
	err     error
}

func (s *fakePushSender) SendMulticast(ctx context.Context, tokens []string, msg PushMessage) (MulticastResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, tokens)
	if s.err != nil {
		return MulticastResult{}, s.err
	}
	if s.result != nil {
		return s.result(tokens), nil
	}
	res := MulticastResult{SuccessCount: len(tokens)}
	for _, tok := range tokens {
		res.Results = append(res.Results, TokenResult{Token: tok, Success: true, MessageID: "mid-" + tok})
	}
	return res, nil
}

// fakeTokenRegistry serves a fixed token list and records dispositions.
type fakeTokenRegistry struct {
	mu       sync.Mutex
	tokens   []string
	err      error
	errors   map[string]string // token -> code
	outcomes map[string]bool   // token -> delivered
}

func newFakeTokenRegistry(tokens ...string) *fakeTokenRegistry {
	return &fakeTokenRegistry{
		tokens:   tokens,
		errors:   map[string]string{},
		outcomes: map[string]bool{},
	}
}

func (r *fakeTokenRegistry) ResolveActiveTokens(ctx context.Context, userID int64) ([]string, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.tokens, nil
}

func (r *fakeTokenRegistry) HandleProviderError(ctx context.Context, token, code, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors[token] = code
	return nil
}

func (r *fakeTokenRegistry) RecordSendOutcome(ctx context.Context, token string, delivered bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[token] = delivered
	return nil
}

// testWorkerDeps builds worker deps over the fakes.
func testWorkerDeps(t *testing.T, substrate queue.Substrate, mirrors MirrorWriter) *WorkerDeps {
	t.Helper()
	return &WorkerDeps{
		Substrate: substrate,
		Topology:  queue.DefaultTopology(),
		Mirrors:   mirrors,
		Tracker:   telemetry.NewTracker(100, nil),
		Logger:    testLogger(t),
	}
}

// makeJob builds a queue job carrying the given payload on a queue.
func makeJob(t *testing.T, queueName, channel string, payload JobPayload) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &queue.Job{
		ID:      JobID(channel, payload.NotificationID),
		Queue:   queueName,
		Type:    string(payload.Event.Type),
		Payload: raw,
	}
}

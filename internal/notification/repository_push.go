package notification

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PushRepository persists PushNotification tracking records.
type PushRepository interface {
	Create(ctx context.Context, n *PushNotification) error
	GetByID(ctx context.Context, id uuid.UUID) (*PushNotification, error)

	// GetBySource resolves the record created for one business entity,
	// e.g. (purchases, <purchase-id>).
	GetBySource(ctx context.Context, model, referenceID string) (*PushNotification, error)

	MarkQueued(ctx context.Context, id uuid.UUID, jobID, queue string) error
	BeginAttempt(ctx context.Context, id uuid.UUID, queue string) (int, error)
	AppendRetry(ctx context.Context, id uuid.UUID, entry RetryEntry) error

	// MarkDelivered records a provider send: sent then delivered, with
	// the multicast result summary.
	MarkDelivered(ctx context.Context, id uuid.UUID, successCount, failureCount int, results []TokenResult) error

	// UpdateDeliveryStatus sets individual delivery flags (PATCH surface).
	UpdateDeliveryStatus(ctx context.Context, id uuid.UUID, sent, delivered, clicked, failed *bool) error

	MarkClicked(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	Escalate(ctx context.Context, id uuid.UUID, entry EscalationEntry, newMaxAttempts int) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time, statuses []string, limit int) (int64, error)
}

// PostgresPushRepository implements PushRepository.
type PostgresPushRepository struct {
	db *sql.DB
}

// NewPostgresPushRepository creates a push tracking-record repository.
func NewPostgresPushRepository(db *sql.DB) *PostgresPushRepository {
	return &PostgresPushRepository{db: db}
}

const pushColumns = `id, event_type, user_id, title, body, data, image_url, click_action,
	priority, status, sent, delivered, clicked, failed, attempts, max_attempts,
	current_queue, job_id, failure_reason, success_count, failure_count, provider_results,
	source_type, source_reference_id, source_reference_model, trigger_details,
	retry_history, escalation_history, trace_id, expires_at,
	sent_at, delivered_at, clicked_at, failed_at, last_attempt_at, created_at, updated_at`

// Create inserts a new push tracking record.
func (r *PostgresPushRepository) Create(ctx context.Context, n *PushNotification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	now := time.Now().UTC()
	n.CreatedAt = now
	n.UpdatedAt = now
	if n.Status == "" {
		n.Status = StatusPending
	}
	if n.Priority == "" {
		n.Priority = PriorityNormal
	}
	if n.ExpiresAt.IsZero() {
		n.ExpiresAt = now.Add(7 * 24 * time.Hour)
	}

	dataJSON, err := marshalMap(n.Data)
	if err != nil {
		return err
	}
	triggerJSON, err := marshalMap(n.TriggerDetails)
	if err != nil {
		return err
	}
	resultsJSON, err := marshalHistory(n.ProviderResults)
	if err != nil {
		return err
	}
	retryJSON, err := marshalHistory(n.RetryHistory)
	if err != nil {
		return err
	}
	escJSON, err := marshalHistory(n.EscalationHistory)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO push_notifications (
			id, event_type, user_id, title, body, data, image_url, click_action,
			priority, status, attempts, max_attempts, current_queue, job_id,
			failure_reason, success_count, failure_count, provider_results,
			source_type, source_reference_id, source_reference_model, trigger_details,
			retry_history, escalation_history, trace_id, expires_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,
			$19,$20,$21,$22,$23,$24,$25,$26,$27,$28)
	`
	_, err = r.db.ExecContext(ctx, query,
		n.ID, n.EventType, n.UserID, n.Title, n.Body, dataJSON, n.ImageURL, n.ClickAction,
		n.Priority, n.Status, n.Attempts, n.MaxAttempts, n.CurrentQueue, n.JobID,
		n.FailureReason, n.SuccessCount, n.FailureCount, resultsJSON,
		n.SourceType, n.SourceReferenceID, n.SourceReferenceModel, triggerJSON,
		retryJSON, escJSON, n.TraceID, n.ExpiresAt, n.CreatedAt, n.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert push notification: %w", err)
	}
	return nil
}

func (r *PostgresPushRepository) scan(row interface {
	Scan(dest ...interface{}) error
}) (*PushNotification, error) {
	var n PushNotification
	var dataJSON, triggerJSON, resultsJSON, retryJSON, escJSON []byte

	err := row.Scan(
		&n.ID, &n.EventType, &n.UserID, &n.Title, &n.Body, &dataJSON, &n.ImageURL, &n.ClickAction,
		&n.Priority, &n.Status, &n.Sent, &n.Delivered, &n.Clicked, &n.Failed,
		&n.Attempts, &n.MaxAttempts, &n.CurrentQueue, &n.JobID, &n.FailureReason,
		&n.SuccessCount, &n.FailureCount, &resultsJSON,
		&n.SourceType, &n.SourceReferenceID, &n.SourceReferenceModel, &triggerJSON,
		&retryJSON, &escJSON, &n.TraceID, &n.ExpiresAt,
		&n.SentAt, &n.DeliveredAt, &n.ClickedAt, &n.FailedAt, &n.LastAttemptAt,
		&n.CreatedAt, &n.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan push notification: %w", err)
	}

	if err := json.Unmarshal(dataJSON, &n.Data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}
	if err := json.Unmarshal(triggerJSON, &n.TriggerDetails); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trigger details: %w", err)
	}
	if err := json.Unmarshal(resultsJSON, &n.ProviderResults); err != nil {
		return nil, fmt.Errorf("failed to unmarshal provider results: %w", err)
	}
	if err := json.Unmarshal(retryJSON, &n.RetryHistory); err != nil {
		return nil, fmt.Errorf("failed to unmarshal retry history: %w", err)
	}
	if err := json.Unmarshal(escJSON, &n.EscalationHistory); err != nil {
		return nil, fmt.Errorf("failed to unmarshal escalation history: %w", err)
	}
	return &n, nil
}

// GetByID retrieves a push tracking record.
func (r *PostgresPushRepository) GetByID(ctx context.Context, id uuid.UUID) (*PushNotification, error) {
	query := `SELECT ` + pushColumns + ` FROM push_notifications WHERE id = $1`
	return r.scan(r.db.QueryRowContext(ctx, query, id))
}

// GetBySource resolves the record created for one business entity.
func (r *PostgresPushRepository) GetBySource(ctx context.Context, model, referenceID string) (*PushNotification, error) {
	query := `SELECT ` + pushColumns + `
		FROM push_notifications
		WHERE source_reference_model = $1 AND source_reference_id = $2
		ORDER BY created_at DESC
		LIMIT 1`
	return r.scan(r.db.QueryRowContext(ctx, query, model, referenceID))
}

// MarkQueued records the job ID and queue after a successful enqueue.
func (r *PostgresPushRepository) MarkQueued(ctx context.Context, id uuid.UUID, jobID, queue string) error {
	query := `
		UPDATE push_notifications
		SET job_id = $2, current_queue = $3, updated_at = now()
		WHERE id = $1
	`
	return execExpectingRow(ctx, r.db, query, id, jobID, queue)
}

// BeginAttempt transitions to processing and increments attempts. The status
// predicate keeps a redelivered job from flipping a delivered, clicked or
// failed record back to processing.
func (r *PostgresPushRepository) BeginAttempt(ctx context.Context, id uuid.UUID, queue string) (int, error) {
	query := `
		UPDATE push_notifications
		SET status = $2, attempts = attempts + 1, current_queue = $3,
			last_attempt_at = now(), updated_at = now()
		WHERE id = $1 AND status NOT IN ($4, $5, $6)
		RETURNING attempts
	`
	var attempts int
	err := r.db.QueryRowContext(ctx, query, id, StatusProcessing, queue,
		StatusDelivered, StatusClicked, StatusFailed).Scan(&attempts)
	if err == sql.ErrNoRows {
		return 0, ErrTerminal
	}
	if err != nil {
		return 0, fmt.Errorf("failed to begin push attempt: %w", err)
	}
	return attempts, nil
}

// AppendRetry appends one attempt outcome to the retry history.
func (r *PostgresPushRepository) AppendRetry(ctx context.Context, id uuid.UUID, entry RetryEntry) error {
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal retry entry: %w", err)
	}
	query := `
		UPDATE push_notifications
		SET retry_history = retry_history || $2::jsonb, updated_at = now()
		WHERE id = $1
	`
	return execExpectingRow(ctx, r.db, query, id, entryJSON)
}

// MarkDelivered records a provider send with its multicast results.
func (r *PostgresPushRepository) MarkDelivered(ctx context.Context, id uuid.UUID, successCount, failureCount int, results []TokenResult) error {
	resultsJSON, err := marshalHistory(results)
	if err != nil {
		return err
	}
	query := `
		UPDATE push_notifications
		SET status = $2, sent = TRUE, delivered = TRUE,
			success_count = $3, failure_count = $4, provider_results = $5,
			sent_at = COALESCE(sent_at, now()), delivered_at = now(), updated_at = now()
		WHERE id = $1
	`
	return execExpectingRow(ctx, r.db, query, id, StatusDelivered, successCount, failureCount, resultsJSON)
}

// UpdateDeliveryStatus sets individual delivery flags.
func (r *PostgresPushRepository) UpdateDeliveryStatus(ctx context.Context, id uuid.UUID, sent, delivered, clicked, failed *bool) error {
	query := `
		UPDATE push_notifications
		SET sent = COALESCE($2, sent),
			delivered = COALESCE($3, delivered),
			clicked = COALESCE($4, clicked),
			failed = COALESCE($5, failed),
			updated_at = now()
		WHERE id = $1
	`
	return execExpectingRow(ctx, r.db, query, id, sent, delivered, clicked, failed)
}

// MarkClicked records a click. Clicks are terminal and recordable even
// after delivery.
func (r *PostgresPushRepository) MarkClicked(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE push_notifications
		SET status = $2, clicked = TRUE, clicked_at = now(), updated_at = now()
		WHERE id = $1
	`
	return execExpectingRow(ctx, r.db, query, id, StatusClicked)
}

// MarkFailed records a terminal failure.
func (r *PostgresPushRepository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	query := `
		UPDATE push_notifications
		SET status = $2, failed = TRUE, failure_reason = $3, failed_at = now(), updated_at = now()
		WHERE id = $1
	`
	return execExpectingRow(ctx, r.db, query, id, StatusFailed, reason)
}

// Escalate moves the record to the next tier.
func (r *PostgresPushRepository) Escalate(ctx context.Context, id uuid.UUID, entry EscalationEntry, newMaxAttempts int) error {
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal escalation entry: %w", err)
	}
	query := `
		UPDATE push_notifications
		SET attempts = 0, current_queue = $2, max_attempts = $3, status = $4,
			failure_reason = '', failed_at = NULL,
			escalation_history = escalation_history || $5::jsonb, updated_at = now()
		WHERE id = $1
	`
	return execExpectingRow(ctx, r.db, query, id, entry.ToQueue, newMaxAttempts, StatusPending, entryJSON)
}

// DeleteOlderThan purges terminal records created before cutoff.
func (r *PostgresPushRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time, statuses []string, limit int) (int64, error) {
	query := `
		DELETE FROM push_notifications
		WHERE id IN (
			SELECT id FROM push_notifications
			WHERE status = ANY($1) AND created_at < $2
			ORDER BY created_at ASC
			LIMIT $3
		)
	`
	res, err := r.db.ExecContext(ctx, query, pq.Array(statuses), cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to purge push notifications: %w", err)
	}
	return res.RowsAffected()
}

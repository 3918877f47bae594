package notification

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrNotFound is returned when a tracking record does not exist.
var ErrNotFound = errors.New("notification not found")

// ErrTerminal is returned by BeginAttempt when the record already reached a
// terminal status. A redelivered job must not resurrect a finished record.
var ErrTerminal = errors.New("notification already terminal")

// EmailRepository persists EmailNotification tracking records.
type EmailRepository interface {
	Create(ctx context.Context, n *EmailNotification) error
	GetByID(ctx context.Context, id uuid.UUID) (*EmailNotification, error)

	// MarkQueued records the substrate job ID and queue after enqueue.
	MarkQueued(ctx context.Context, id uuid.UUID, jobID, queue string) error

	// BeginAttempt transitions the record to processing and increments
	// attempts, returning the new count. The record is authoritative for
	// attempts; substrate job counters are only a safety net. Records
	// already in a terminal status are left untouched and ErrTerminal is
	// returned.
	BeginAttempt(ctx context.Context, id uuid.UUID, queue string) (int, error)

	// AppendRetry appends one attempt outcome to the retry history.
	AppendRetry(ctx context.Context, id uuid.UUID, entry RetryEntry) error

	MarkDelivered(ctx context.Context, id uuid.UUID, messageID string) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error

	// Escalate moves the record to the next tier: attempts reset to 0,
	// current queue updated, escalation entry appended.
	Escalate(ctx context.Context, id uuid.UUID, entry EscalationEntry, newMaxAttempts int) error

	// DeleteOlderThan purges terminal records older than cutoff.
	DeleteOlderThan(ctx context.Context, cutoff time.Time, statuses []string, limit int) (int64, error)
}

// PostgresEmailRepository implements EmailRepository.
type PostgresEmailRepository struct {
	db *sql.DB
}

// NewPostgresEmailRepository creates an email tracking-record repository.
func NewPostgresEmailRepository(db *sql.DB) *PostgresEmailRepository {
	return &PostgresEmailRepository{db: db}
}

const emailColumns = `id, event_type, user_id, recipient_email, recipient_username,
	subject, body_html, body_text, status, attempts, max_attempts, current_queue,
	job_id, message_id, failure_reason, retry_history, escalation_history, trace_id,
	last_attempt_at, delivered_at, failed_at, created_at, updated_at`

// Create inserts a new email tracking record.
func (r *PostgresEmailRepository) Create(ctx context.Context, n *EmailNotification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	now := time.Now().UTC()
	n.CreatedAt = now
	n.UpdatedAt = now
	if n.Status == "" {
		n.Status = StatusPending
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
		INSERT INTO email_notifications (
			id, event_type, user_id, recipient_email, recipient_username,
			subject, body_html, body_text, status, attempts, max_attempts,
			current_queue, job_id, message_id, failure_reason,
			retry_history, escalation_history, trace_id, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	`
	_, err = r.db.ExecContext(ctx, query,
		n.ID, n.EventType, n.UserID, n.RecipientEmail, n.RecipientUsername,
		n.Subject, n.BodyHTML, n.BodyText, n.Status, n.Attempts, n.MaxAttempts,
		n.CurrentQueue, n.JobID, n.MessageID, n.FailureReason,
		retryJSON, escJSON, n.TraceID, n.CreatedAt, n.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert email notification: %w", err)
	}
	return nil
}

// GetByID retrieves an email tracking record.
func (r *PostgresEmailRepository) GetByID(ctx context.Context, id uuid.UUID) (*EmailNotification, error) {
	query := `SELECT ` + emailColumns + ` FROM email_notifications WHERE id = $1`

	var n EmailNotification
	var retryJSON, escJSON []byte

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&n.ID, &n.EventType, &n.UserID, &n.RecipientEmail, &n.RecipientUsername,
		&n.Subject, &n.BodyHTML, &n.BodyText, &n.Status, &n.Attempts, &n.MaxAttempts,
		&n.CurrentQueue, &n.JobID, &n.MessageID, &n.FailureReason,
		&retryJSON, &escJSON, &n.TraceID,
		&n.LastAttemptAt, &n.DeliveredAt, &n.FailedAt, &n.CreatedAt, &n.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email notification: %w", err)
	}

	if err := json.Unmarshal(retryJSON, &n.RetryHistory); err != nil {
		return nil, fmt.Errorf("failed to unmarshal retry history: %w", err)
	}
	if err := json.Unmarshal(escJSON, &n.EscalationHistory); err != nil {
		return nil, fmt.Errorf("failed to unmarshal escalation history: %w", err)
	}
	return &n, nil
}

// MarkQueued records the job ID and queue after a successful enqueue.
func (r *PostgresEmailRepository) MarkQueued(ctx context.Context, id uuid.UUID, jobID, queue string) error {
	query := `
		UPDATE email_notifications
		SET job_id = $2, current_queue = $3, updated_at = now()
		WHERE id = $1
	`
	return execExpectingRow(ctx, r.db, query, id, jobID, queue)
}

// BeginAttempt transitions to processing and increments attempts. The status
// predicate keeps a redelivered job from flipping an already-delivered or
// already-failed record back to processing.
func (r *PostgresEmailRepository) BeginAttempt(ctx context.Context, id uuid.UUID, queue string) (int, error) {
	query := `
		UPDATE email_notifications
		SET status = $2, attempts = attempts + 1, current_queue = $3,
			last_attempt_at = now(), updated_at = now()
		WHERE id = $1 AND status NOT IN ($4, $5)
		RETURNING attempts
	`
	var attempts int
	err := r.db.QueryRowContext(ctx, query, id, StatusProcessing, queue, StatusDelivered, StatusFailed).Scan(&attempts)
	if err == sql.ErrNoRows {
		return 0, ErrTerminal
	}
	if err != nil {
		return 0, fmt.Errorf("failed to begin email attempt: %w", err)
	}
	return attempts, nil
}

// AppendRetry appends one attempt outcome to the retry history.
func (r *PostgresEmailRepository) AppendRetry(ctx context.Context, id uuid.UUID, entry RetryEntry) error {
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal retry entry: %w", err)
	}
	query := `
		UPDATE email_notifications
		SET retry_history = retry_history || $2::jsonb, updated_at = now()
		WHERE id = $1
	`
	return execExpectingRow(ctx, r.db, query, id, entryJSON)
}

// MarkDelivered records a successful delivery with the SMTP message ID.
func (r *PostgresEmailRepository) MarkDelivered(ctx context.Context, id uuid.UUID, messageID string) error {
	query := `
		UPDATE email_notifications
		SET status = $2, message_id = $3, delivered_at = now(), updated_at = now()
		WHERE id = $1
	`
	return execExpectingRow(ctx, r.db, query, id, StatusDelivered, messageID)
}

// MarkFailed records a terminal failure.
func (r *PostgresEmailRepository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	query := `
		UPDATE email_notifications
		SET status = $2, failure_reason = $3, failed_at = now(), updated_at = now()
		WHERE id = $1
	`
	return execExpectingRow(ctx, r.db, query, id, StatusFailed, reason)
}

// Escalate moves the record to the next tier.
func (r *PostgresEmailRepository) Escalate(ctx context.Context, id uuid.UUID, entry EscalationEntry, newMaxAttempts int) error {
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal escalation entry: %w", err)
	}
	query := `
		UPDATE email_notifications
		SET attempts = 0, current_queue = $2, max_attempts = $3, status = $4,
			failure_reason = '', failed_at = NULL,
			escalation_history = escalation_history || $5::jsonb, updated_at = now()
		WHERE id = $1
	`
	return execExpectingRow(ctx, r.db, query, id, entry.ToQueue, newMaxAttempts, StatusPending, entryJSON)
}

// DeleteOlderThan purges terminal records created before cutoff.
func (r *PostgresEmailRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time, statuses []string, limit int) (int64, error) {
	query := `
		DELETE FROM email_notifications
		WHERE id IN (
			SELECT id FROM email_notifications
			WHERE status = ANY($1) AND created_at < $2
			ORDER BY created_at ASC
			LIMIT $3
		)
	`
	res, err := r.db.ExecContext(ctx, query, pq.Array(statuses), cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to purge email notifications: %w", err)
	}
	return res.RowsAffected()
}

// marshalHistory marshals a history slice, mapping nil to an empty array.
func marshalHistory(v interface{}) ([]byte, error) {
	if v == nil {
		return []byte("[]"), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal history: %w", err)
	}
	if string(b) == "null" {
		return []byte("[]"), nil
	}
	return b, nil
}

// execExpectingRow runs an update that must touch exactly one row.
func execExpectingRow(ctx context.Context, db *sql.DB, query string, args ...interface{}) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update failed: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

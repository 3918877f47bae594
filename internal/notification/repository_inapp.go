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

// InAppRepository persists InAppNotification tracking records.
type InAppRepository interface {
	Create(ctx context.Context, n *InAppNotification) error
	GetByID(ctx context.Context, id uuid.UUID) (*InAppNotification, error)
	MarkQueued(ctx context.Context, id uuid.UUID, jobID, queue string) error
	BeginAttempt(ctx context.Context, id uuid.UUID, queue string) (int, error)
	AppendDelivery(ctx context.Context, id uuid.UUID, entry DeliveryEntry) error

	// MarkDelivered is a no-op on records already in a terminal state, so
	// the worker path and the on-connect flush can race safely. Returns
	// true when this call performed the transition.
	MarkDelivered(ctx context.Context, id uuid.UUID, socketID, method string) (bool, error)

	MarkExpired(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	Escalate(ctx context.Context, id uuid.UUID, entry EscalationEntry, newMaxAttempts int) error

	// ListPendingForUser returns undelivered, unexpired records for the
	// on-connect flush, oldest first.
	ListPendingForUser(ctx context.Context, userID int64, limit int) ([]*InAppNotification, error)

	// MarkRead flags the given records as read for the user.
	MarkRead(ctx context.Context, userID int64, ids []uuid.UUID) (int64, error)

	// ExpireUndelivered marks overdue undelivered records expired.
	ExpireUndelivered(ctx context.Context, now time.Time, limit int) (int64, error)

	DeleteOlderThan(ctx context.Context, cutoff time.Time, statuses []string, limit int) (int64, error)
}

// PostgresInAppRepository implements InAppRepository.
type PostgresInAppRepository struct {
	db *sql.DB
}

// NewPostgresInAppRepository creates an in-app tracking-record repository.
func NewPostgresInAppRepository(db *sql.DB) *PostgresInAppRepository {
	return &PostgresInAppRepository{db: db}
}

const inAppColumns = `id, event_type, user_id, title, message, data, priority, status,
	is_read, socket_id, attempts, max_attempts, current_queue, job_id, failure_reason,
	delivery_history, escalation_history, source_reference_id, source_reference_model,
	trace_id, expires_at,
	last_attempt_at, delivered_at, failed_at, read_at, created_at, updated_at`

// Create inserts a new in-app tracking record.
func (r *PostgresInAppRepository) Create(ctx context.Context, n *InAppNotification) error {
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
		n.ExpiresAt = now.Add(24 * time.Hour)
	}

	dataJSON, err := marshalMap(n.Data)
	if err != nil {
		return err
	}
	deliveryJSON, err := marshalHistory(n.DeliveryHistory)
	if err != nil {
		return err
	}
	escJSON, err := marshalHistory(n.EscalationHistory)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO in_app_notifications (
			id, event_type, user_id, title, message, data, priority, status,
			is_read, socket_id, attempts, max_attempts, current_queue, job_id,
			failure_reason, delivery_history, escalation_history,
			source_reference_id, source_reference_model, trace_id,
			expires_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
	`
	_, err = r.db.ExecContext(ctx, query,
		n.ID, n.EventType, n.UserID, n.Title, n.Message, dataJSON, n.Priority, n.Status,
		n.IsRead, n.SocketID, n.Attempts, n.MaxAttempts, n.CurrentQueue, n.JobID,
		n.FailureReason, deliveryJSON, escJSON,
		n.SourceReferenceID, n.SourceReferenceModel, n.TraceID,
		n.ExpiresAt, n.CreatedAt, n.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert in-app notification: %w", err)
	}
	return nil
}

func (r *PostgresInAppRepository) scan(row interface {
	Scan(dest ...interface{}) error
}) (*InAppNotification, error) {
	var n InAppNotification
	var dataJSON, deliveryJSON, escJSON []byte

	err := row.Scan(
		&n.ID, &n.EventType, &n.UserID, &n.Title, &n.Message, &dataJSON, &n.Priority, &n.Status,
		&n.IsRead, &n.SocketID, &n.Attempts, &n.MaxAttempts, &n.CurrentQueue, &n.JobID,
		&n.FailureReason, &deliveryJSON, &escJSON,
		&n.SourceReferenceID, &n.SourceReferenceModel, &n.TraceID, &n.ExpiresAt,
		&n.LastAttemptAt, &n.DeliveredAt, &n.FailedAt, &n.ReadAt, &n.CreatedAt, &n.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan in-app notification: %w", err)
	}

	if err := json.Unmarshal(dataJSON, &n.Data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}
	if err := json.Unmarshal(deliveryJSON, &n.DeliveryHistory); err != nil {
		return nil, fmt.Errorf("failed to unmarshal delivery history: %w", err)
	}
	if err := json.Unmarshal(escJSON, &n.EscalationHistory); err != nil {
		return nil, fmt.Errorf("failed to unmarshal escalation history: %w", err)
	}
	return &n, nil
}

// GetByID retrieves an in-app tracking record.
func (r *PostgresInAppRepository) GetByID(ctx context.Context, id uuid.UUID) (*InAppNotification, error) {
	query := `SELECT ` + inAppColumns + ` FROM in_app_notifications WHERE id = $1`
	return r.scan(r.db.QueryRowContext(ctx, query, id))
}

// MarkQueued records the job ID and queue and transitions pending → queued.
func (r *PostgresInAppRepository) MarkQueued(ctx context.Context, id uuid.UUID, jobID, queue string) error {
	query := `
		UPDATE in_app_notifications
		SET job_id = $2, current_queue = $3, status = $4, updated_at = now()
		WHERE id = $1 AND status = $5
	`
	res, err := r.db.ExecContext(ctx, query, id, jobID, queue, StatusQueued, StatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark in-app notification queued: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Re-queue after escalation keeps the record's current status.
		q2 := `UPDATE in_app_notifications SET job_id = $2, current_queue = $3, updated_at = now() WHERE id = $1`
		return execExpectingRow(ctx, r.db, q2, id, jobID, queue)
	}
	return nil
}

// BeginAttempt transitions to processing and increments attempts. The status
// predicate keeps a redelivered job from resurrecting a record the flush path
// or the reaper already finished.
func (r *PostgresInAppRepository) BeginAttempt(ctx context.Context, id uuid.UUID, queue string) (int, error) {
	query := `
		UPDATE in_app_notifications
		SET status = $2, attempts = attempts + 1, current_queue = $3,
			last_attempt_at = now(), updated_at = now()
		WHERE id = $1 AND status NOT IN ($4, $5, $6)
		RETURNING attempts
	`
	var attempts int
	err := r.db.QueryRowContext(ctx, query, id, StatusProcessing, queue,
		StatusDelivered, StatusFailed, StatusExpired).Scan(&attempts)
	if err == sql.ErrNoRows {
		return 0, ErrTerminal
	}
	if err != nil {
		return 0, fmt.Errorf("failed to begin in-app attempt: %w", err)
	}
	return attempts, nil
}

// AppendDelivery appends one attempt outcome to the delivery history.
func (r *PostgresInAppRepository) AppendDelivery(ctx context.Context, id uuid.UUID, entry DeliveryEntry) error {
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery entry: %w", err)
	}
	query := `
		UPDATE in_app_notifications
		SET delivery_history = delivery_history || $2::jsonb, updated_at = now()
		WHERE id = $1
	`
	return execExpectingRow(ctx, r.db, query, id, entryJSON)
}

// MarkDelivered records a successful delivery unless already terminal.
func (r *PostgresInAppRepository) MarkDelivered(ctx context.Context, id uuid.UUID, socketID, method string) (bool, error) {
	query := `
		UPDATE in_app_notifications
		SET status = $2, socket_id = $3, delivered_at = now(), updated_at = now()
		WHERE id = $1 AND status IN ($4, $5, $6)
	`
	res, err := r.db.ExecContext(ctx, query, id, StatusDelivered, socketID,
		StatusPending, StatusQueued, StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("failed to mark in-app notification delivered: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkExpired records terminal expiry.
func (r *PostgresInAppRepository) MarkExpired(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE in_app_notifications
		SET status = $2, failed_at = now(), updated_at = now()
		WHERE id = $1
	`
	return execExpectingRow(ctx, r.db, query, id, StatusExpired)
}

// MarkFailed records a terminal failure.
func (r *PostgresInAppRepository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	query := `
		UPDATE in_app_notifications
		SET status = $2, failure_reason = $3, failed_at = now(), updated_at = now()
		WHERE id = $1
	`
	return execExpectingRow(ctx, r.db, query, id, StatusFailed, reason)
}

// Escalate moves the record to the next tier.
func (r *PostgresInAppRepository) Escalate(ctx context.Context, id uuid.UUID, entry EscalationEntry, newMaxAttempts int) error {
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal escalation entry: %w", err)
	}
	query := `
		UPDATE in_app_notifications
		SET attempts = 0, current_queue = $2, max_attempts = $3, status = $4,
			failure_reason = '', failed_at = NULL,
			escalation_history = escalation_history || $5::jsonb, updated_at = now()
		WHERE id = $1
	`
	return execExpectingRow(ctx, r.db, query, id, entry.ToQueue, newMaxAttempts, StatusQueued, entryJSON)
}

// ListPendingForUser returns undelivered, unexpired records oldest first.
func (r *PostgresInAppRepository) ListPendingForUser(ctx context.Context, userID int64, limit int) ([]*InAppNotification, error) {
	query := `SELECT ` + inAppColumns + `
		FROM in_app_notifications
		WHERE user_id = $1 AND status IN ($2, $3) AND expires_at > now()
		ORDER BY created_at ASC
		LIMIT $4`

	rows, err := r.db.QueryContext(ctx, query, userID, StatusPending, StatusQueued, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending in-app notifications: %w", err)
	}
	defer rows.Close()

	var out []*InAppNotification
	for rows.Next() {
		n, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkRead flags records as read for the user.
func (r *PostgresInAppRepository) MarkRead(ctx context.Context, userID int64, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	idStrs := make([]string, len(ids))
	for i, id := range ids {
		idStrs[i] = id.String()
	}
	query := `
		UPDATE in_app_notifications
		SET is_read = TRUE, read_at = now(), updated_at = now()
		WHERE user_id = $1 AND id = ANY($2::uuid[]) AND is_read = FALSE
	`
	res, err := r.db.ExecContext(ctx, query, userID, pq.Array(idStrs))
	if err != nil {
		return 0, fmt.Errorf("failed to mark in-app notifications read: %w", err)
	}
	return res.RowsAffected()
}

// ExpireUndelivered marks overdue undelivered records expired.
func (r *PostgresInAppRepository) ExpireUndelivered(ctx context.Context, now time.Time, limit int) (int64, error) {
	query := `
		UPDATE in_app_notifications
		SET status = $1, updated_at = now()
		WHERE id IN (
			SELECT id FROM in_app_notifications
			WHERE status IN ($2, $3, $4) AND expires_at < $5
			ORDER BY expires_at ASC
			LIMIT $6
		)
	`
	res, err := r.db.ExecContext(ctx, query, StatusExpired,
		StatusPending, StatusQueued, StatusProcessing, now, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to expire in-app notifications: %w", err)
	}
	return res.RowsAffected()
}

// DeleteOlderThan purges terminal records created before cutoff.
func (r *PostgresInAppRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time, statuses []string, limit int) (int64, error) {
	query := `
		DELETE FROM in_app_notifications
		WHERE id IN (
			SELECT id FROM in_app_notifications
			WHERE status = ANY($1) AND created_at < $2
			ORDER BY created_at ASC
			LIMIT $3
		)
	`
	res, err := r.db.ExecContext(ctx, query, pq.Array(statuses), cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to purge in-app notifications: %w", err)
	}
	return res.RowsAffected()
}

// marshalMap marshals a string map, mapping nil to an empty object.
func marshalMap(m map[string]string) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal data map: %w", err)
	}
	return b, nil
}

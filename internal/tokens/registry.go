// Package tokens manages the FCM device token registry: registration,
// refresh, activity-based expiry, and per-token delivery bookkeeping.
package tokens

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/notifyhub/notifyhub/internal/store"
	"github.com/notifyhub/notifyhub/internal/telemetry"
)

// TokenTTL is how long a token stays valid past its last activity.
const TokenTTL = 30 * 24 * time.Hour

// minTokenLength guards against obviously truncated registrations; real
// FCM tokens run well past this.
const minTokenLength = 100

// ErrInvalidToken is returned for malformed token strings.
var ErrInvalidToken = fmt.Errorf("invalid fcm token")

// ErrTokenNotFound is returned when a token string is not registered.
var ErrTokenNotFound = fmt.Errorf("fcm token not found")

// staleCodes are provider errors that permanently invalidate a token.
var staleCodes = map[string]bool{
	"invalid-registration-token":        true,
	"registration-token-not-registered": true,
	"mismatch-sender-id":                true,
}

// DeviceInfo describes the registering client.
type DeviceInfo struct {
	Platform    string            `json:"platform"`
	Browser     string            `json:"browser,omitempty"`
	OS          string            `json:"os,omitempty"`
	DeviceModel string            `json:"device_model,omitempty"`
	AppVersion  string            `json:"app_version,omitempty"`
	UserAgent   string            `json:"user_agent,omitempty"`
	Permissions map[string]string `json:"permissions,omitempty"`
}

// Token is one registered device token.
type Token struct {
	ID              uuid.UUID  `json:"id"`
	UserID          int64      `json:"user_id"`
	Token           string     `json:"token"`
	Platform        string     `json:"platform"`
	Browser         string     `json:"browser,omitempty"`
	OS              string     `json:"os,omitempty"`
	DeviceModel     string     `json:"device_model,omitempty"`
	AppVersion      string     `json:"app_version,omitempty"`
	IsActive        bool       `json:"is_active"`
	IsStale         bool       `json:"is_stale"`
	RefreshCount    int        `json:"refresh_count"`
	SentCount       int        `json:"sent_count"`
	DeliveredCount  int        `json:"delivered_count"`
	ClickedCount    int        `json:"clicked_count"`
	FailedCount     int        `json:"failed_count"`
	LastActivityAt  time.Time  `json:"last_activity_at"`
	LastSentAt      *time.Time `json:"last_sent_at,omitempty"`
	LastDeliveredAt *time.Time `json:"last_delivered_at,omitempty"`
	LastFailedAt    *time.Time `json:"last_failed_at,omitempty"`
	ExpiresAt       time.Time  `json:"expires_at"`
	CreatedAt       time.Time  `json:"created_at"`
}

// tokenError is one entry in a token's provider error list.
type tokenError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Statistics aggregates the registry.
type Statistics struct {
	TotalTokens    int64            `json:"total_tokens"`
	ActiveTokens   int64            `json:"active_tokens"`
	StaleTokens    int64            `json:"stale_tokens"`
	ExpiredTokens  int64            `json:"expired_tokens"`
	UsersWithToken int64            `json:"users_with_token"`
	ByPlatform     map[string]int64 `json:"by_platform"`
	TotalSent      int64            `json:"total_sent"`
	TotalDelivered int64            `json:"total_delivered"`
	TotalClicked   int64            `json:"total_clicked"`
	TotalFailed    int64            `json:"total_failed"`
}

// Registry is the Postgres-backed token store. It satisfies the push
// worker's token lifecycle contract.
type Registry struct {
	db     *store.DB
	logger *telemetry.Logger
}

// NewRegistry creates the registry.
func NewRegistry(db *store.DB, logger *telemetry.Logger) *Registry {
	return &Registry{db: db, logger: logger}
}

// ValidateToken checks the token's shape: long enough and printable
// ASCII throughout.
func ValidateToken(token string) error {
	if len(token) < minTokenLength {
		return fmt.Errorf("%w: too short", ErrInvalidToken)
	}
	for i := 0; i < len(token); i++ {
		if token[i] < '!' || token[i] > '~' {
			return fmt.Errorf("%w: non-printable character at index %d", ErrInvalidToken, i)
		}
	}
	return nil
}

const tokenColumns = `id, user_id, token, platform, browser, os, device_model, app_version,
	is_active, is_stale, refresh_count, sent_count, delivered_count, clicked_count, failed_count,
	last_activity_at, last_sent_at, last_delivered_at, last_failed_at, expires_at, created_at`

// Register stores a token for a user. Re-registering the same token is
// idempotent; a token previously held by another user is reassigned.
func (r *Registry) Register(ctx context.Context, userID int64, token string, device DeviceInfo) (*Token, error) {
	if err := ValidateToken(token); err != nil {
		return nil, err
	}
	if device.Platform == "" {
		device.Platform = "web"
	}
	permissions, err := json.Marshal(device.Permissions)
	if err != nil {
		return nil, fmt.Errorf("marshal permissions: %w", err)
	}
	if device.Permissions == nil {
		permissions = []byte("{}")
	}

	now := time.Now().UTC()
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO fcm_tokens (id, user_id, token, platform, browser, os, device_model, app_version, user_agent, permissions, last_activity_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (token) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			platform = EXCLUDED.platform,
			browser = EXCLUDED.browser,
			os = EXCLUDED.os,
			device_model = EXCLUDED.device_model,
			app_version = EXCLUDED.app_version,
			user_agent = EXCLUDED.user_agent,
			permissions = EXCLUDED.permissions,
			is_active = TRUE,
			is_stale = FALSE,
			last_activity_at = EXCLUDED.last_activity_at,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()
		RETURNING `+tokenColumns,
		uuid.New(), userID, token, device.Platform, device.Browser, device.OS,
		device.DeviceModel, device.AppVersion, device.UserAgent, permissions,
		now, now.Add(TokenTTL),
	)
	return scanToken(row)
}

// Refresh swaps an expiring token string for a new one in place,
// preserving the row's counters. A missing old token falls back to a
// fresh registration.
func (r *Registry) Refresh(ctx context.Context, userID int64, oldToken, newToken string, device DeviceInfo) (*Token, error) {
	if err := ValidateToken(newToken); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	row := r.db.QueryRowContext(ctx, `
		UPDATE fcm_tokens SET
			token = $1,
			is_active = TRUE,
			is_stale = FALSE,
			refresh_count = refresh_count + 1,
			last_activity_at = $2,
			expires_at = $3,
			updated_at = now()
		WHERE token = $4 AND user_id = $5
		RETURNING `+tokenColumns,
		newToken, now, now.Add(TokenTTL), oldToken, userID,
	)
	tok, err := scanToken(row)
	if err == ErrTokenNotFound {
		return r.Register(ctx, userID, newToken, device)
	}
	return tok, err
}

// Remove deletes one token.
func (r *Registry) Remove(ctx context.Context, token string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM fcm_tokens WHERE token = $1`, token)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTokenNotFound
	}
	return nil
}

// RemoveForUser deletes all of a user's tokens and returns the count.
func (r *Registry) RemoveForUser(ctx context.Context, userID int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM fcm_tokens WHERE user_id = $1`, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListForUser returns all of a user's tokens, most recently active first.
func (r *Registry) ListForUser(ctx context.Context, userID int64) ([]*Token, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+tokenColumns+` FROM fcm_tokens
		WHERE user_id = $1
		ORDER BY last_activity_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTokens(rows)
}

// ResolveActiveTokens returns the token strings eligible for delivery:
// active, not stale, not past expiry.
func (r *Registry) ResolveActiveTokens(ctx context.Context, userID int64) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT token FROM fcm_tokens
		WHERE user_id = $1 AND is_active AND NOT is_stale AND expires_at > now()
		ORDER BY last_activity_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// HandleProviderError appends the error to the token's error list and,
// for terminal registration errors, marks the token stale.
func (r *Registry) HandleProviderError(ctx context.Context, token, code, message string) error {
	entry, err := json.Marshal(tokenError{Code: code, Message: message, Timestamp: time.Now().UTC()})
	if err != nil {
		return err
	}
	stale := staleCodes[code]
	_, err = r.db.ExecContext(ctx, `
		UPDATE fcm_tokens SET
			errors = errors || $1::jsonb,
			is_stale = is_stale OR $2,
			is_active = is_active AND NOT $2,
			failed_count = failed_count + 1,
			last_failed_at = now(),
			updated_at = now()
		WHERE token = $3`, entry, stale, token)
	return err
}

// RecordSendOutcome bumps the sent counter plus delivered or failed.
func (r *Registry) RecordSendOutcome(ctx context.Context, token string, delivered bool) error {
	var err error
	if delivered {
		_, err = r.db.ExecContext(ctx, `
			UPDATE fcm_tokens SET
				sent_count = sent_count + 1,
				delivered_count = delivered_count + 1,
				last_sent_at = now(),
				last_delivered_at = now(),
				updated_at = now()
			WHERE token = $1`, token)
	} else {
		_, err = r.db.ExecContext(ctx, `
			UPDATE fcm_tokens SET
				sent_count = sent_count + 1,
				failed_count = failed_count + 1,
				last_sent_at = now(),
				last_failed_at = now(),
				updated_at = now()
			WHERE token = $1`, token)
	}
	return err
}

// RecordClick bumps the click counter and treats the click as activity,
// extending the token's life.
func (r *Registry) RecordClick(ctx context.Context, token string) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		UPDATE fcm_tokens SET
			clicked_count = clicked_count + 1,
			last_activity_at = $1,
			expires_at = $2,
			updated_at = now()
		WHERE token = $3`, now, now.Add(TokenTTL), token)
	return err
}

// MarkStaleInactive flags tokens with no activity since the cutoff.
// Returns the number of tokens flagged.
func (r *Registry) MarkStaleInactive(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE fcm_tokens SET is_stale = TRUE, is_active = FALSE, updated_at = now()
		WHERE NOT is_stale AND last_activity_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteExpired removes tokens past their expiry. Returns the number
// deleted.
func (r *Registry) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM fcm_tokens WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Stats aggregates the registry for the statistics endpoint.
func (r *Registry) Stats(ctx context.Context) (*Statistics, error) {
	stats := &Statistics{ByPlatform: map[string]int64{}}

	err := r.db.QueryRowContext(ctx, `
		SELECT count(*),
			count(*) FILTER (WHERE is_active AND NOT is_stale AND expires_at > now()),
			count(*) FILTER (WHERE is_stale),
			count(*) FILTER (WHERE expires_at <= now()),
			count(DISTINCT user_id),
			COALESCE(sum(sent_count), 0),
			COALESCE(sum(delivered_count), 0),
			COALESCE(sum(clicked_count), 0),
			COALESCE(sum(failed_count), 0)
		FROM fcm_tokens`).Scan(
		&stats.TotalTokens, &stats.ActiveTokens, &stats.StaleTokens,
		&stats.ExpiredTokens, &stats.UsersWithToken,
		&stats.TotalSent, &stats.TotalDelivered, &stats.TotalClicked, &stats.TotalFailed,
	)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `SELECT platform, count(*) FROM fcm_tokens GROUP BY platform`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var platform string
		var n int64
		if err := rows.Scan(&platform, &n); err != nil {
			return nil, err
		}
		stats.ByPlatform[platform] = n
	}
	return stats, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (*Token, error) {
	var t Token
	err := row.Scan(
		&t.ID, &t.UserID, &t.Token, &t.Platform, &t.Browser, &t.OS,
		&t.DeviceModel, &t.AppVersion,
		&t.IsActive, &t.IsStale, &t.RefreshCount,
		&t.SentCount, &t.DeliveredCount, &t.ClickedCount, &t.FailedCount,
		&t.LastActivityAt, &t.LastSentAt, &t.LastDeliveredAt, &t.LastFailedAt,
		&t.ExpiresAt, &t.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func collectTokens(rows *sql.Rows) ([]*Token, error) {
	var out []*Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

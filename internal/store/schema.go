package store

import (
	"context"
	"fmt"
)

// schema holds the DDL for all collections. Statements are idempotent so
// Migrate is safe to run on every startup.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS email_notifications (
		id UUID PRIMARY KEY,
		event_type TEXT NOT NULL,
		user_id BIGINT NOT NULL,
		recipient_email TEXT NOT NULL,
		recipient_username TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL DEFAULT '',
		body_html TEXT NOT NULL DEFAULT '',
		body_text TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INT NOT NULL DEFAULT 0,
		max_attempts INT NOT NULL DEFAULT 4,
		current_queue TEXT NOT NULL DEFAULT '',
		job_id TEXT NOT NULL DEFAULT '',
		message_id TEXT NOT NULL DEFAULT '',
		failure_reason TEXT NOT NULL DEFAULT '',
		retry_history JSONB NOT NULL DEFAULT '[]',
		escalation_history JSONB NOT NULL DEFAULT '[]',
		trace_id TEXT NOT NULL DEFAULT '',
		last_attempt_at TIMESTAMPTZ,
		delivered_at TIMESTAMPTZ,
		failed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_email_notifications_created ON email_notifications (created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_email_notifications_status ON email_notifications (status, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_email_notifications_user ON email_notifications (user_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS in_app_notifications (
		id UUID PRIMARY KEY,
		event_type TEXT NOT NULL,
		user_id BIGINT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		data JSONB NOT NULL DEFAULT '{}',
		priority TEXT NOT NULL DEFAULT 'normal',
		status TEXT NOT NULL DEFAULT 'pending',
		is_read BOOLEAN NOT NULL DEFAULT FALSE,
		socket_id TEXT NOT NULL DEFAULT '',
		attempts INT NOT NULL DEFAULT 0,
		max_attempts INT NOT NULL DEFAULT 3,
		current_queue TEXT NOT NULL DEFAULT '',
		job_id TEXT NOT NULL DEFAULT '',
		failure_reason TEXT NOT NULL DEFAULT '',
		delivery_history JSONB NOT NULL DEFAULT '[]',
		escalation_history JSONB NOT NULL DEFAULT '[]',
		source_reference_id TEXT NOT NULL DEFAULT '',
		source_reference_model TEXT NOT NULL DEFAULT '',
		trace_id TEXT NOT NULL DEFAULT '',
		expires_at TIMESTAMPTZ NOT NULL,
		last_attempt_at TIMESTAMPTZ,
		delivered_at TIMESTAMPTZ,
		failed_at TIMESTAMPTZ,
		read_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_in_app_notifications_created ON in_app_notifications (created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_in_app_notifications_status ON in_app_notifications (status, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_in_app_notifications_user ON in_app_notifications (user_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS push_notifications (
		id UUID PRIMARY KEY,
		event_type TEXT NOT NULL,
		user_id BIGINT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		data JSONB NOT NULL DEFAULT '{}',
		image_url TEXT NOT NULL DEFAULT '',
		click_action TEXT NOT NULL DEFAULT '',
		priority TEXT NOT NULL DEFAULT 'normal',
		status TEXT NOT NULL DEFAULT 'pending',
		sent BOOLEAN NOT NULL DEFAULT FALSE,
		delivered BOOLEAN NOT NULL DEFAULT FALSE,
		clicked BOOLEAN NOT NULL DEFAULT FALSE,
		failed BOOLEAN NOT NULL DEFAULT FALSE,
		attempts INT NOT NULL DEFAULT 0,
		max_attempts INT NOT NULL DEFAULT 3,
		current_queue TEXT NOT NULL DEFAULT '',
		job_id TEXT NOT NULL DEFAULT '',
		failure_reason TEXT NOT NULL DEFAULT '',
		success_count INT NOT NULL DEFAULT 0,
		failure_count INT NOT NULL DEFAULT 0,
		provider_results JSONB NOT NULL DEFAULT '[]',
		source_type TEXT NOT NULL DEFAULT '',
		source_reference_id TEXT NOT NULL DEFAULT '',
		source_reference_model TEXT NOT NULL DEFAULT '',
		trigger_details JSONB NOT NULL DEFAULT '{}',
		retry_history JSONB NOT NULL DEFAULT '[]',
		escalation_history JSONB NOT NULL DEFAULT '[]',
		trace_id TEXT NOT NULL DEFAULT '',
		expires_at TIMESTAMPTZ NOT NULL,
		sent_at TIMESTAMPTZ,
		delivered_at TIMESTAMPTZ,
		clicked_at TIMESTAMPTZ,
		failed_at TIMESTAMPTZ,
		last_attempt_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_push_notifications_created ON push_notifications (created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_push_notifications_status ON push_notifications (status, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_push_notifications_user ON push_notifications (user_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_push_notifications_source ON push_notifications (source_reference_model, source_reference_id)`,

	`CREATE TABLE IF NOT EXISTS fcm_tokens (
		id UUID PRIMARY KEY,
		user_id BIGINT NOT NULL,
		token TEXT NOT NULL UNIQUE,
		platform TEXT NOT NULL DEFAULT 'web',
		browser TEXT NOT NULL DEFAULT '',
		os TEXT NOT NULL DEFAULT '',
		device_model TEXT NOT NULL DEFAULT '',
		app_version TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		permissions JSONB NOT NULL DEFAULT '{}',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		is_stale BOOLEAN NOT NULL DEFAULT FALSE,
		refresh_count INT NOT NULL DEFAULT 0,
		sent_count INT NOT NULL DEFAULT 0,
		delivered_count INT NOT NULL DEFAULT 0,
		clicked_count INT NOT NULL DEFAULT 0,
		failed_count INT NOT NULL DEFAULT 0,
		errors JSONB NOT NULL DEFAULT '[]',
		last_activity_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_sent_at TIMESTAMPTZ,
		last_delivered_at TIMESTAMPTZ,
		last_failed_at TIMESTAMPTZ,
		expires_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_fcm_tokens_user ON fcm_tokens (user_id, last_activity_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_fcm_tokens_expiry ON fcm_tokens (expires_at)`,

	`CREATE TABLE IF NOT EXISTS signups (
		id UUID PRIMARY KEY,
		user_id BIGINT NOT NULL,
		username TEXT NOT NULL,
		email TEXT NOT NULL,
		password_hash TEXT NOT NULL DEFAULT '',
		welcome_email JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_signups_created ON signups (created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_signups_user ON signups (user_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS logins (
		id UUID PRIMARY KEY,
		user_id BIGINT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		username TEXT NOT NULL DEFAULT '',
		ip TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		login_alert_email JSONB NOT NULL DEFAULT '{}',
		login_in_app_notification JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_logins_created ON logins (created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_logins_user ON logins (user_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS reset_passwords (
		id UUID PRIMARY KEY,
		user_id BIGINT NOT NULL,
		email TEXT NOT NULL,
		username TEXT NOT NULL DEFAULT '',
		reset_email JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reset_passwords_created ON reset_passwords (created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_reset_passwords_user ON reset_passwords (user_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS purchases (
		id UUID PRIMARY KEY,
		user_id BIGINT NOT NULL,
		order_id TEXT NOT NULL UNIQUE,
		total_amount NUMERIC(12,2) NOT NULL DEFAULT 0,
		currency TEXT NOT NULL DEFAULT 'USD',
		items JSONB NOT NULL DEFAULT '[]',
		purchase_push_notification JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_purchases_created ON purchases (created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_purchases_user ON purchases (user_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS friend_requests (
		id UUID PRIMARY KEY,
		from_user_id BIGINT NOT NULL,
		to_user_id BIGINT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		friend_request_in_app_notification JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (from_user_id, to_user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_friend_requests_to_user ON friend_requests (to_user_id, created_at DESC)`,
}

// Migrate applies the schema. Safe to run on every startup.
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema migration failed: %w", err)
		}
	}
	return nil
}

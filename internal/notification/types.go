// Package notification implements the fan-out and retry engine: the
// orchestrator that turns business events into per-channel tracking
// records and queue jobs, the channel workers that consume those queues,
// and the Postgres repositories holding the audit trail.
//
// Architecture:
//
//	Controller → Orchestrator → Redis queues → Channel Worker → Sender
//	                  ↓                              ↓
//	            PostgreSQL (tracking records + entity mirrors)
//
// Failed deliveries retry within their tier under exponential backoff,
// then escalate through retry-1 and retry-2 before parking in the
// channel's dead letter queue.
package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/notifyhub/notifyhub/internal/queue"
)

// EventType is the category of business event being fanned out.
type EventType string

const (
	EventSignup        EventType = "signup"
	EventLogin         EventType = "login"
	EventResetPassword EventType = "reset_password"
	EventPurchase      EventType = "purchase"
	EventFriendRequest EventType = "friend_request"
)

// Valid reports whether the event type is in the closed set.
func (e EventType) Valid() bool {
	switch e {
	case EventSignup, EventLogin, EventResetPassword, EventPurchase, EventFriendRequest:
		return true
	}
	return false
}

// Channel names reuse the queue topology's channel identifiers.
const (
	ChannelEmail = queue.ChannelEmail
	ChannelInApp = queue.ChannelInApp
	ChannelPush  = queue.ChannelPush
)

// EnabledChannels is the fixed event-type to channel mapping. There is no
// dynamic subscription layer.
var EnabledChannels = map[EventType][]string{
	EventSignup:        {ChannelEmail},
	EventLogin:         {ChannelEmail, ChannelInApp},
	EventResetPassword: {ChannelEmail},
	EventPurchase:      {ChannelPush},
	EventFriendRequest: {ChannelInApp},
}

// EventPriority orders jobs within a queue by event type.
var EventPriority = map[EventType]int{
	EventResetPassword: 10,
	EventPurchase:      8,
	EventSignup:        5,
	EventLogin:         3,
	EventFriendRequest: 2,
}

// Record statuses. Email uses pending/processing/delivered/failed; in-app
// adds queued and expired; push adds sent and clicked.
const (
	StatusPending    = "pending"
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusSent       = "sent"
	StatusDelivered  = "delivered"
	StatusFailed     = "failed"
	StatusExpired    = "expired"
	StatusClicked    = "clicked"
)

// In-app display priorities.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// RetryEntry is one attempt in an email or push retry history.
type RetryEntry struct {
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
	Queue     string    `json:"queue"`
	Error     string    `json:"error,omitempty"`
}

// DeliveryEntry is one attempt in an in-app delivery history.
type DeliveryEntry struct {
	Attempt        int       `json:"attempt"`
	Timestamp      time.Time `json:"timestamp"`
	Status         string    `json:"status"`
	SocketID       string    `json:"socket_id,omitempty"`
	DeliveryMethod string    `json:"delivery_method,omitempty"`
	Queue          string    `json:"queue"`
}

// EscalationEntry records a tier move.
type EscalationEntry struct {
	FromQueue string    `json:"from_queue"`
	ToQueue   string    `json:"to_queue"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
	Attempts  int       `json:"attempts"`
}

// EmailNotification is the tracking record for one email delivery.
type EmailNotification struct {
	ID                uuid.UUID         `json:"id"`
	EventType         EventType         `json:"event_type"`
	UserID            int64             `json:"user_id"`
	RecipientEmail    string            `json:"recipient_email"`
	RecipientUsername string            `json:"recipient_username"`
	Subject           string            `json:"subject"`
	BodyHTML          string            `json:"body_html"`
	BodyText          string            `json:"body_text"`
	Status            string            `json:"status"`
	Attempts          int               `json:"attempts"`
	MaxAttempts       int               `json:"max_attempts"`
	CurrentQueue      string            `json:"current_queue"`
	JobID             string            `json:"job_id"`
	MessageID         string            `json:"message_id,omitempty"`
	FailureReason     string            `json:"failure_reason,omitempty"`
	RetryHistory      []RetryEntry      `json:"retry_history"`
	EscalationHistory []EscalationEntry `json:"escalation_history"`
	TraceID           string            `json:"trace_id,omitempty"`
	LastAttemptAt     *time.Time        `json:"last_attempt_at,omitempty"`
	DeliveredAt       *time.Time        `json:"delivered_at,omitempty"`
	FailedAt          *time.Time        `json:"failed_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// InAppNotification is the tracking record for one in-app delivery.
type InAppNotification struct {
	ID                uuid.UUID         `json:"id"`
	EventType         EventType         `json:"event_type"`
	UserID            int64             `json:"user_id"`
	Title             string            `json:"title"`
	Message           string            `json:"message"`
	Data              map[string]string `json:"data"`
	Priority          string            `json:"priority"`
	Status            string            `json:"status"`
	IsRead            bool              `json:"is_read"`
	SocketID          string            `json:"socket_id,omitempty"`
	Attempts          int               `json:"attempts"`
	MaxAttempts       int               `json:"max_attempts"`
	CurrentQueue      string            `json:"current_queue"`
	JobID             string            `json:"job_id"`
	FailureReason     string            `json:"failure_reason,omitempty"`
	DeliveryHistory   []DeliveryEntry   `json:"delivery_history"`
	EscalationHistory []EscalationEntry `json:"escalation_history"`
	// Source entity reference, so the on-connect flush can update the
	// originating entity's mirror without the job payload at hand.
	SourceReferenceID    string     `json:"source_reference_id,omitempty"`
	SourceReferenceModel string     `json:"source_reference_model,omitempty"`
	TraceID              string     `json:"trace_id,omitempty"`
	ExpiresAt            time.Time  `json:"expires_at"`
	LastAttemptAt        *time.Time `json:"last_attempt_at,omitempty"`
	DeliveredAt          *time.Time `json:"delivered_at,omitempty"`
	FailedAt             *time.Time `json:"failed_at,omitempty"`
	ReadAt               *time.Time `json:"read_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// TokenResult is one per-token FCM outcome.
type TokenResult struct {
	Token     string `json:"token"`
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// PushNotification is the tracking record for one push delivery.
type PushNotification struct {
	ID                   uuid.UUID         `json:"id"`
	EventType            EventType         `json:"event_type"`
	UserID               int64             `json:"user_id"`
	Title                string            `json:"title"`
	Body                 string            `json:"body"`
	Data                 map[string]string `json:"data"`
	ImageURL             string            `json:"image_url,omitempty"`
	ClickAction          string            `json:"click_action,omitempty"`
	Priority             string            `json:"priority"`
	Status               string            `json:"status"`
	Sent                 bool              `json:"sent"`
	Delivered            bool              `json:"delivered"`
	Clicked              bool              `json:"clicked"`
	Failed               bool              `json:"failed"`
	Attempts             int               `json:"attempts"`
	MaxAttempts          int               `json:"max_attempts"`
	CurrentQueue         string            `json:"current_queue"`
	JobID                string            `json:"job_id"`
	FailureReason        string            `json:"failure_reason,omitempty"`
	SuccessCount         int               `json:"success_count"`
	FailureCount         int               `json:"failure_count"`
	ProviderResults      []TokenResult     `json:"provider_results"`
	SourceType           string            `json:"source_type,omitempty"`
	SourceReferenceID    string            `json:"source_reference_id,omitempty"`
	SourceReferenceModel string            `json:"source_reference_model,omitempty"`
	TriggerDetails       map[string]string `json:"trigger_details,omitempty"`
	RetryHistory         []RetryEntry      `json:"retry_history"`
	EscalationHistory    []EscalationEntry `json:"escalation_history"`
	TraceID              string            `json:"trace_id,omitempty"`
	ExpiresAt            time.Time         `json:"expires_at"`
	SentAt               *time.Time        `json:"sent_at,omitempty"`
	DeliveredAt          *time.Time        `json:"delivered_at,omitempty"`
	ClickedAt            *time.Time        `json:"clicked_at,omitempty"`
	FailedAt             *time.Time        `json:"failed_at,omitempty"`
	LastAttemptAt        *time.Time        `json:"last_attempt_at,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// Event is the orchestrator input: a tagged union discriminated by Type.
// Exactly one variant field is set per type.
type Event struct {
	Type          EventType           `json:"type"`
	Signup        *SignupEvent        `json:"signup,omitempty"`
	Login         *LoginEvent         `json:"login,omitempty"`
	ResetPassword *ResetPasswordEvent `json:"reset_password,omitempty"`
	Purchase      *PurchaseEvent      `json:"purchase,omitempty"`
	FriendRequest *FriendRequestEvent `json:"friend_request,omitempty"`
}

// SignupEvent is the payload for account-creation notifications.
type SignupEvent struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// LoginEvent is the payload for login-alert notifications.
type LoginEvent struct {
	UserID    int64  `json:"user_id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	IP        string `json:"ip"`
	UserAgent string `json:"user_agent"`
	Timestamp string `json:"timestamp"`
}

// ResetPasswordEvent is the payload for password-reset notifications.
type ResetPasswordEvent struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	ResetURL string `json:"reset_url"`
}

// PurchaseItem is one line item of a purchase.
type PurchaseItem struct {
	Name     string  `json:"name"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
}

// PurchaseEvent is the payload for purchase-confirmation notifications.
type PurchaseEvent struct {
	UserID      int64          `json:"user_id"`
	OrderID     string         `json:"order_id"`
	TotalAmount float64        `json:"total_amount"`
	Currency    string         `json:"currency"`
	Items       []PurchaseItem `json:"items,omitempty"`
	PurchaseID  string         `json:"purchase_id,omitempty"`
}

// FriendRequestEvent is the payload for friend-request notifications.
type FriendRequestEvent struct {
	FromUserID   int64  `json:"from_user_id"`
	FromUsername string `json:"from_username"`
	ToUserID     int64  `json:"to_user_id"`
	RequestID    string `json:"request_id,omitempty"`
}

// UserID returns the recipient user ID of the event.
func (e Event) UserID() int64 {
	switch e.Type {
	case EventSignup:
		if e.Signup != nil {
			return e.Signup.UserID
		}
	case EventLogin:
		if e.Login != nil {
			return e.Login.UserID
		}
	case EventResetPassword:
		if e.ResetPassword != nil {
			return e.ResetPassword.UserID
		}
	case EventPurchase:
		if e.Purchase != nil {
			return e.Purchase.UserID
		}
	case EventFriendRequest:
		if e.FriendRequest != nil {
			return e.FriendRequest.ToUserID
		}
	}
	return 0
}

// Context carries request provenance into tracking records.
type Context struct {
	InstanceID       string `json:"instance_id,omitempty"`
	SourceEntityID   string `json:"source_entity_id,omitempty"`
	SourceEntityType string `json:"source_entity_type,omitempty"`
	RequestEndpoint  string `json:"request_endpoint,omitempty"`
	IP               string `json:"ip,omitempty"`
	UserAgent        string `json:"user_agent,omitempty"`
	TraceID          string `json:"trace_id,omitempty"`
}

// ChannelResult is the per-channel outcome returned by the orchestrator.
type ChannelResult struct {
	Success        bool   `json:"success"`
	JobID          string `json:"job_id,omitempty"`
	NotificationID string `json:"notification_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// JobPayload is what channel workers receive from the substrate. The
// notification ID resolves the tracking record; the embedded event lets a
// worker recreate the record if it is missing.
type JobPayload struct {
	NotificationID uuid.UUID `json:"notification_id"`
	Event          Event     `json:"event"`
	Context        Context   `json:"context"`
}

// JobID derives the stable substrate job ID for a tracking record, so
// re-submissions of the same record are idempotent.
func JobID(channel string, notificationID uuid.UUID) string {
	return fmt.Sprintf("%s:%s", channel, notificationID)
}

// MirrorSummary is the per-channel delivery summary embedded into the
// originating business entity. Workers write it tracking-record-first,
// mirror-second; it is eventually consistent with the record.
type MirrorSummary struct {
	Status          string          `json:"status"`
	Attempts        int             `json:"attempts"`
	NotificationID  string          `json:"notification_id,omitempty"`
	QueueJobID      string          `json:"queue_job_id,omitempty"`
	FailureReason   string          `json:"failure_reason,omitempty"`
	LastAttemptAt   *time.Time      `json:"last_attempt_at,omitempty"`
	DeliveredAt     *time.Time      `json:"delivered_at,omitempty"`
	FailedAt        *time.Time      `json:"failed_at,omitempty"`
	DeliveryHistory json.RawMessage `json:"delivery_history,omitempty"`
	FCMResponse     *FCMResponse    `json:"fcm_response,omitempty"`
}

// FCMResponse is the provider summary carried on push mirrors.
type FCMResponse struct {
	SuccessCount int `json:"success_count"`
	FailureCount int `json:"failure_count"`
}

// MirrorRef addresses the mirror field of one business entity.
type MirrorRef struct {
	// Model is the entity collection (signups, logins, purchases,
	// friend_requests, reset_passwords).
	Model string
	// EntityID is the entity row ID.
	EntityID uuid.UUID
	// Field is the mirror column (welcome_email, login_alert_email,
	// login_in_app_notification, purchase_push_notification,
	// friend_request_in_app_notification, reset_email).
	Field string
}

// MirrorWriter persists mirror summaries onto business entities. Only the
// orchestrator and workers call it; application code reads mirrors through
// the status endpoints.
type MirrorWriter interface {
	WriteMirror(ctx context.Context, ref MirrorRef, summary MirrorSummary) error
}

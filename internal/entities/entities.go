// Package entities persists the business records that trigger
// notifications. Each record carries JSONB mirror columns holding the
// per-channel delivery summary, written by the notification engine and
// read back through the status endpoints.
package entities

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/notifyhub/notifyhub/internal/notification"
)

// Signup is one account creation.
type Signup struct {
	ID           uuid.UUID       `json:"id"`
	UserID       int64           `json:"user_id"`
	Username     string          `json:"username"`
	Email        string          `json:"email"`
	WelcomeEmail json.RawMessage `json:"welcome_email"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Login is one login event.
type Login struct {
	ID                     uuid.UUID       `json:"id"`
	UserID                 int64           `json:"user_id"`
	Email                  string          `json:"email"`
	Username               string          `json:"username"`
	IP                     string          `json:"ip"`
	UserAgent              string          `json:"user_agent"`
	LoginAlertEmail        json.RawMessage `json:"login_alert_email"`
	LoginInAppNotification json.RawMessage `json:"login_in_app_notification"`
	CreatedAt              time.Time       `json:"created_at"`
}

// ResetPassword is one password reset request.
type ResetPassword struct {
	ID         uuid.UUID       `json:"id"`
	UserID     int64           `json:"user_id"`
	Email      string          `json:"email"`
	Username   string          `json:"username"`
	ResetEmail json.RawMessage `json:"reset_email"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Purchase is one completed order.
type Purchase struct {
	ID                       uuid.UUID                   `json:"id"`
	UserID                   int64                       `json:"user_id"`
	OrderID                  string                      `json:"order_id"`
	TotalAmount              float64                     `json:"total_amount"`
	Currency                 string                      `json:"currency"`
	Items                    []notification.PurchaseItem `json:"items"`
	PurchasePushNotification json.RawMessage             `json:"purchase_push_notification"`
	CreatedAt                time.Time                   `json:"created_at"`
}

// FriendRequest is one pending friend request.
type FriendRequest struct {
	ID                             uuid.UUID       `json:"id"`
	FromUserID                     int64           `json:"from_user_id"`
	ToUserID                       int64           `json:"to_user_id"`
	Status                         string          `json:"status"`
	FriendRequestInAppNotification json.RawMessage `json:"friend_request_in_app_notification"`
	CreatedAt                      time.Time       `json:"created_at"`
}

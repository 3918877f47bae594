package notification

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderEmailSignup(t *testing.T) {
	event := Event{Type: EventSignup, Signup: &SignupEvent{UserID: 1, Username: "alice", Email: "alice@example.com"}}

	body, err := RenderEmail(event)
	require.NoError(t, err)
	assert.Equal(t, "Welcome to NotifyHub!", body.Subject)
	assert.Contains(t, body.HTML, "Welcome, alice!")
	assert.Contains(t, body.Text, "Welcome, alice!")

	// Same payload, same message.
	again, err := RenderEmail(event)
	require.NoError(t, err)
	assert.Equal(t, body, again)
}

func TestRenderEmailLoginIncludesProvenance(t *testing.T) {
	body, err := RenderEmail(Event{Type: EventLogin, Login: &LoginEvent{
		Username:  "alice",
		IP:        "203.0.113.9",
		UserAgent: "Firefox",
		Timestamp: "2026-08-24T10:00:00Z",
	}})
	require.NoError(t, err)
	assert.Equal(t, "New login to your account", body.Subject)
	assert.Contains(t, body.HTML, "203.0.113.9")
	assert.Contains(t, body.Text, "Firefox")
	assert.Contains(t, body.Text, "2026-08-24T10:00:00Z")
}

func TestRenderEmailResetPassword(t *testing.T) {
	body, err := RenderEmail(Event{Type: EventResetPassword, ResetPassword: &ResetPasswordEvent{
		Username: "alice",
		ResetURL: "https://example.com/reset?token=abc",
	}})
	require.NoError(t, err)
	assert.Equal(t, "Reset your password", body.Subject)
	assert.Contains(t, body.HTML, "https://example.com/reset?token=abc")
	assert.Contains(t, body.Text, "https://example.com/reset?token=abc")
}

func TestRenderEmailRejectsUnknownEvent(t *testing.T) {
	_, err := RenderEmail(Event{Type: EventFriendRequest})
	assert.Error(t, err)
}

func TestRenderEmailRejectsMissingPayload(t *testing.T) {
	_, err := RenderEmail(Event{Type: EventSignup})
	assert.Error(t, err)
}

func TestRenderInAppFriendRequest(t *testing.T) {
	body, err := RenderInApp(Event{Type: EventFriendRequest, FriendRequest: &FriendRequestEvent{
		FromUserID:   7,
		FromUsername: "bob",
		ToUserID:     42,
		RequestID:    "req-1",
	}})
	require.NoError(t, err)
	assert.Equal(t, "New friend request", body.Title)
	assert.Equal(t, "bob sent you a friend request.", body.Message)
	assert.Equal(t, "7", body.Data["from_user_id"])
	assert.Equal(t, "req-1", body.Data["request_id"])
	assert.Equal(t, PriorityNormal, body.Priority)
}

func TestRenderInAppLogin(t *testing.T) {
	body, err := RenderInApp(Event{Type: EventLogin, Login: &LoginEvent{IP: "203.0.113.9", UserAgent: "Firefox"}})
	require.NoError(t, err)
	assert.Equal(t, "New login detected", body.Title)
	assert.Contains(t, body.Message, "203.0.113.9")
	assert.Equal(t, "Firefox", body.Data["user_agent"])
}

func TestRenderInAppRejectsUnknownEvent(t *testing.T) {
	_, err := RenderInApp(Event{Type: EventPurchase})
	assert.Error(t, err)
}

func TestRenderPushPurchase(t *testing.T) {
	body, err := RenderPush(Event{Type: EventPurchase, Purchase: &PurchaseEvent{
		OrderID:     "ord-123",
		TotalAmount: 19.99,
		Currency:    "USD",
	}})
	require.NoError(t, err)
	assert.Equal(t, "Order confirmed", body.Title)
	assert.Equal(t, "Your order ord-123 (USD 19.99) has been confirmed.", body.Body)
	assert.Equal(t, "/orders/ord-123", body.ClickAction)
	assert.Equal(t, "ord-123", body.Data["order_id"])
	assert.Equal(t, PriorityHigh, body.Priority)
}

func TestRenderPushRejectsUnknownEvent(t *testing.T) {
	_, err := RenderPush(Event{Type: EventSignup})
	assert.Error(t, err)
}

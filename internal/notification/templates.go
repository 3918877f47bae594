package notification

import (
	"fmt"
	"strconv"
)

// EmailBody is a rendered email message.
type EmailBody struct {
	Subject string
	HTML    string
	Text    string
}

// InAppBody is a rendered in-app message.
type InAppBody struct {
	Title    string
	Message  string
	Data     map[string]string
	Priority string
}

// PushBody is a rendered push message.
type PushBody struct {
	Title       string
	Body        string
	Data        map[string]string
	ImageURL    string
	ClickAction string
	Priority    string
}

// RenderEmail produces the email body for an event. Rendering is
// deterministic: the same payload always yields the same message.
func RenderEmail(event Event) (EmailBody, error) {
	switch event.Type {
	case EventSignup:
		p := event.Signup
		if p == nil {
			return EmailBody{}, fmt.Errorf("signup payload is required")
		}
		return EmailBody{
			Subject: "Welcome to NotifyHub!",
			HTML: fmt.Sprintf(
				"<html><body><h1>Welcome, %s!</h1><p>Your account has been created. We're glad to have you.</p></body></html>",
				p.Username),
			Text: fmt.Sprintf("Welcome, %s!\n\nYour account has been created. We're glad to have you.\n", p.Username),
		}, nil

	case EventLogin:
		p := event.Login
		if p == nil {
			return EmailBody{}, fmt.Errorf("login payload is required")
		}
		return EmailBody{
			Subject: "New login to your account",
			HTML: fmt.Sprintf(
				"<html><body><h1>New login</h1><p>Hi %s, a new login to your account was detected.</p><ul><li>IP: %s</li><li>Device: %s</li><li>Time: %s</li></ul><p>If this wasn't you, reset your password immediately.</p></body></html>",
				p.Username, p.IP, p.UserAgent, p.Timestamp),
			Text: fmt.Sprintf(
				"New login\n\nHi %s, a new login to your account was detected.\nIP: %s\nDevice: %s\nTime: %s\n\nIf this wasn't you, reset your password immediately.\n",
				p.Username, p.IP, p.UserAgent, p.Timestamp),
		}, nil

	case EventResetPassword:
		p := event.ResetPassword
		if p == nil {
			return EmailBody{}, fmt.Errorf("reset_password payload is required")
		}
		return EmailBody{
			Subject: "Reset your password",
			HTML: fmt.Sprintf(
				"<html><body><h1>Password reset</h1><p>Hi %s, click the link below to reset your password.</p><p><a href=\"%s\">Reset password</a></p><p>The link expires in one hour. If you did not request this, you can ignore this email.</p></body></html>",
				p.Username, p.ResetURL),
			Text: fmt.Sprintf(
				"Password reset\n\nHi %s, open the link below to reset your password.\n%s\n\nThe link expires in one hour. If you did not request this, you can ignore this email.\n",
				p.Username, p.ResetURL),
		}, nil
	}

	return EmailBody{}, fmt.Errorf("event type %q has no email template", event.Type)
}

// RenderInApp produces the in-app body for an event.
func RenderInApp(event Event) (InAppBody, error) {
	switch event.Type {
	case EventLogin:
		p := event.Login
		if p == nil {
			return InAppBody{}, fmt.Errorf("login payload is required")
		}
		return InAppBody{
			Title:   "New login detected",
			Message: fmt.Sprintf("A new login to your account from %s.", p.IP),
			Data: map[string]string{
				"event":      string(EventLogin),
				"ip":         p.IP,
				"user_agent": p.UserAgent,
			},
			Priority: PriorityNormal,
		}, nil

	case EventFriendRequest:
		p := event.FriendRequest
		if p == nil {
			return InAppBody{}, fmt.Errorf("friend_request payload is required")
		}
		return InAppBody{
			Title:   "New friend request",
			Message: fmt.Sprintf("%s sent you a friend request.", p.FromUsername),
			Data: map[string]string{
				"event":        string(EventFriendRequest),
				"from_user_id": strconv.FormatInt(p.FromUserID, 10),
				"request_id":   p.RequestID,
			},
			Priority: PriorityNormal,
		}, nil
	}

	return InAppBody{}, fmt.Errorf("event type %q has no in-app template", event.Type)
}

// RenderPush produces the push body for an event.
func RenderPush(event Event) (PushBody, error) {
	switch event.Type {
	case EventPurchase:
		p := event.Purchase
		if p == nil {
			return PushBody{}, fmt.Errorf("purchase payload is required")
		}
		return PushBody{
			Title: "Order confirmed",
			Body:  fmt.Sprintf("Your order %s (%s %.2f) has been confirmed.", p.OrderID, p.Currency, p.TotalAmount),
			Data: map[string]string{
				"event":    string(EventPurchase),
				"order_id": p.OrderID,
			},
			ClickAction: "/orders/" + p.OrderID,
			Priority:    PriorityHigh,
		}, nil
	}

	return PushBody{}, fmt.Errorf("event type %q has no push template", event.Type)
}

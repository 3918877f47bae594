// Package push wraps the Firebase Admin SDK messaging client behind the
// multicast sender contract used by the push delivery worker.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/notifyhub/notifyhub/internal/config"
	"github.com/notifyhub/notifyhub/internal/notification"
)

// Provider error codes the token registry keys on. The SDK exposes typed
// checks; the worker wants stable strings.
const (
	codeInvalidToken    = "invalid-registration-token"
	codeUnregistered    = "registration-token-not-registered"
	codeSenderMismatch  = "mismatch-sender-id"
	codeRateExceeded    = "message-rate-exceeded"
	codeUnavailable     = "server-unavailable"
	codeInternal        = "internal-error"
	codeThirdPartyAuth  = "third-party-auth-error"
	codeUnknownDelivery = "delivery-error"
)

// FCMSender sends multicast pushes through Firebase Cloud Messaging.
type FCMSender struct {
	client *messaging.Client
}

// NewFCMSender initializes the Firebase app and messaging client. A
// credentials file path wins over inline service-account fields; with
// neither the SDK falls back to application default credentials.
func NewFCMSender(ctx context.Context, cfg config.FCMConfig) (*FCMSender, error) {
	var opts []option.ClientOption
	projectID := cfg.ProjectID

	switch {
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		if projectID == "" {
			id, err := projectIDFromCredentialsFile(cfg.CredentialsFile)
			if err != nil {
				return nil, err
			}
			projectID = id
		}
	case cfg.ClientEmail != "" && cfg.PrivateKey != "":
		creds, err := json.Marshal(map[string]string{
			"type":         "service_account",
			"project_id":   cfg.ProjectID,
			"client_email": cfg.ClientEmail,
			"private_key":  cfg.PrivateKey,
			"token_uri":    "https://oauth2.googleapis.com/token",
		})
		if err != nil {
			return nil, fmt.Errorf("marshal fcm credentials: %w", err)
		}
		opts = append(opts, option.WithCredentialsJSON(creds))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("init messaging client: %w", err)
	}
	return &FCMSender{client: client}, nil
}

// SendMulticast sends one batch (at most 500 tokens) and reduces the
// SDK's batch response to per-token outcomes.
func (s *FCMSender) SendMulticast(ctx context.Context, tokens []string, msg notification.PushMessage) (notification.MulticastResult, error) {
	resp, err := s.client.SendEachForMulticast(ctx, buildMulticastMessage(tokens, msg))
	if err != nil {
		return notification.MulticastResult{}, fmt.Errorf("fcm multicast: %w", err)
	}

	result := notification.MulticastResult{
		SuccessCount: resp.SuccessCount,
		FailureCount: resp.FailureCount,
		Results:      make([]notification.TokenResult, 0, len(resp.Responses)),
	}
	for i, r := range resp.Responses {
		tr := notification.TokenResult{Token: tokens[i], Success: r.Success}
		if r.Success {
			tr.MessageID = r.MessageID
		} else {
			tr.Error = classifyError(r.Error)
		}
		result.Results = append(result.Results, tr)
	}
	return result, nil
}

func buildMulticastMessage(tokens []string, msg notification.PushMessage) *messaging.MulticastMessage {
	m := &messaging.MulticastMessage{
		Tokens: tokens,
		Notification: &messaging.Notification{
			Title:    msg.Title,
			Body:     msg.Body,
			ImageURL: msg.ImageURL,
		},
		Data: msg.Data,
		Android: &messaging.AndroidConfig{
			Priority: androidPriority(msg.Priority),
			Notification: &messaging.AndroidNotification{
				Sound:       "default",
				ClickAction: msg.ClickAction,
			},
		},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{Sound: "default"},
			},
		},
		Webpush: &messaging.WebpushConfig{
			Notification: &messaging.WebpushNotification{
				Title: msg.Title,
				Body:  msg.Body,
				Icon:  msg.ImageURL,
			},
		},
	}
	if msg.ClickAction != "" {
		if m.Data == nil {
			m.Data = map[string]string{}
		}
		m.Data["click_action"] = msg.ClickAction
		// Browsers open the click target through the webpush link.
		m.Webpush.FCMOptions = &messaging.WebpushFCMOptions{Link: msg.ClickAction}
	}
	return m
}

func androidPriority(p string) string {
	if p == notification.PriorityHigh || p == notification.PriorityUrgent {
		return "high"
	}
	return "normal"
}

// classifyError maps SDK errors to the stable code strings the token
// registry dispositions on.
func classifyError(err error) string {
	switch {
	case err == nil:
		return ""
	case messaging.IsUnregistered(err):
		return codeUnregistered
	case messaging.IsInvalidArgument(err):
		return codeInvalidToken
	case messaging.IsSenderIDMismatch(err):
		return codeSenderMismatch
	case messaging.IsQuotaExceeded(err):
		return codeRateExceeded
	case messaging.IsUnavailable(err):
		return codeUnavailable
	case messaging.IsInternal(err):
		return codeInternal
	case messaging.IsThirdPartyAuthError(err):
		return codeThirdPartyAuth
	default:
		return codeUnknownDelivery + ": " + err.Error()
	}
}

func projectIDFromCredentialsFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read fcm credentials: %w", err)
	}
	var creds struct {
		ProjectID string `json:"project_id"`
	}
	if err := json.Unmarshal(data, &creds); err != nil {
		return "", fmt.Errorf("parse fcm credentials: %w", err)
	}
	if creds.ProjectID == "" {
		return "", fmt.Errorf("project_id missing from credentials file")
	}
	return creds.ProjectID, nil
}

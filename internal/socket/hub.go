package socket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/notifyhub/notifyhub/internal/notification"
	"github.com/notifyhub/notifyhub/internal/telemetry"
)

// ErrNotConnected is returned when the user has no active session on any
// instance. The in-app worker treats it as a retryable failure.
var ErrNotConnected = errors.New("user not connected")

// flushLimit caps how many pending notifications the on-connect flush
// pushes before the client asks for more itself.
const flushLimit = 10

// ConnectionInfo is one live session, as exposed by the live view.
type ConnectionInfo struct {
	UserID      int64     `json:"user_id"`
	SocketID    string    `json:"socket_id"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Hub owns this instance's websocket sessions and routes deliveries:
// directly for local users, through the Redis bridge for everyone else.
// One session per user; a newer connection evicts the older one.
type Hub struct {
	instanceID string
	bridge     *Bridge
	inApps     notification.InAppRepository
	mirrors    notification.MirrorWriter
	verifier   TokenVerifier
	logger     *telemetry.Logger
	upgrader   websocket.Upgrader

	mu            sync.RWMutex
	sessions      map[int64]*Session
	unsubscribe   map[int64]func()
	stopBroadcast func()
}

// NewHub creates the hub. mirrors may be nil when flushed deliveries
// should not touch entity summaries.
func NewHub(instanceID string, bridge *Bridge, inApps notification.InAppRepository, mirrors notification.MirrorWriter, verifier TokenVerifier, logger *telemetry.Logger) *Hub {
	return &Hub{
		instanceID: instanceID,
		bridge:     bridge,
		inApps:     inApps,
		mirrors:    mirrors,
		verifier:   verifier,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients connect cross-origin through the balancer.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions:    make(map[int64]*Session),
		unsubscribe: make(map[int64]func()),
	}
}

// ServeWS upgrades the request and starts the session pumps. The session
// joins the hub once the client authenticates.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithContext(r.Context()).WithError(err).Debug("Websocket upgrade failed")
		return
	}
	s := newSession(h, conn)
	go s.writePump()
	go s.readPump()
}

// SendToUser delivers an envelope to the user's session, local or
// remote. Implements the in-app worker's sender contract.
func (h *Hub) SendToUser(ctx context.Context, userID int64, event string, payload interface{}) (notification.SocketDelivery, error) {
	h.mu.RLock()
	local := h.sessions[userID]
	h.mu.RUnlock()

	if local != nil {
		if err := local.Send(event, payload); err != nil {
			return notification.SocketDelivery{}, err
		}
		return notification.SocketDelivery{SocketID: local.ID, Method: "socket"}, nil
	}

	presence, err := h.bridge.LookupPresence(ctx, userID)
	if err != nil {
		return notification.SocketDelivery{}, err
	}
	if presence == nil {
		return notification.SocketDelivery{}, ErrNotConnected
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return notification.SocketDelivery{}, err
	}
	data, err := json.Marshal(Envelope{Event: event, Payload: body})
	if err != nil {
		return notification.SocketDelivery{}, err
	}
	if err := h.bridge.Publish(ctx, userID, data); err != nil {
		return notification.SocketDelivery{}, err
	}
	return notification.SocketDelivery{SocketID: presence.SocketID, Method: "socket"}, nil
}

// Connections snapshots this instance's live sessions.
func (h *Hub) Connections() []ConnectionInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]ConnectionInfo, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, ConnectionInfo{UserID: s.UserID, SocketID: s.ID, ConnectedAt: s.ConnectedAt})
	}
	return out
}

// Count returns the number of live sessions on this instance.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Shutdown closes every session and stops the broadcast listener.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	stop := h.stopBroadcast
	h.stopBroadcast = nil
	h.mu.Unlock()

	if stop != nil {
		stop()
	}
	for _, s := range sessions {
		s.close()
	}
}

// ListenBroadcast subscribes this instance to the fleet-wide broadcast
// channel. Call once at startup; Shutdown tears it down.
func (h *Hub) ListenBroadcast(ctx context.Context) error {
	cancel, err := h.bridge.SubscribeBroadcast(ctx, h.broadcastLocal)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.stopBroadcast = cancel
	h.mu.Unlock()
	return nil
}

// Broadcast delivers an envelope to every connected user on every
// instance. Local sessions receive it through this instance's own
// broadcast subscription; if Redis is down the delivery degrades to
// local-only.
func (h *Hub) Broadcast(ctx context.Context, event string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(Envelope{Event: event, Payload: body})
	if err != nil {
		return err
	}
	if err := h.bridge.PublishBroadcast(ctx, data); err != nil {
		h.logger.WithContext(ctx).WithError(err).Warn("Broadcast publish failed, delivering locally only")
		h.broadcastLocal(data)
	}
	return nil
}

// broadcastLocal fans a raw envelope out to every session on this
// instance.
func (h *Hub) broadcastLocal(data []byte) {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		if err := s.sendRaw(data); err != nil {
			h.logger.WithField("socket_id", s.ID).WithError(err).Debug("Dropped broadcast frame")
		}
	}
}

func (h *Hub) register(s *Session) {
	ctx := context.Background()

	h.mu.Lock()
	if prev, ok := h.sessions[s.UserID]; ok {
		prev.close()
		if cancel, ok := h.unsubscribe[s.UserID]; ok {
			cancel()
			delete(h.unsubscribe, s.UserID)
		}
	}
	h.sessions[s.UserID] = s
	h.mu.Unlock()

	logger := h.logger.WithContext(ctx).
		WithField("user_id", s.UserID).
		WithField("socket_id", s.ID)

	if err := h.bridge.SetPresence(ctx, s.UserID, s.ID); err != nil {
		logger.WithError(err).Warn("Failed to set presence")
	}

	cancel, err := h.bridge.SubscribeUser(ctx, s.UserID, func(data []byte) {
		h.mu.RLock()
		current := h.sessions[s.UserID]
		h.mu.RUnlock()
		if current == nil {
			return
		}
		if winner, ok := decodeEviction(data); ok {
			// A newer session claimed the user somewhere in the fleet.
			// Our own announcement comes back on this channel too.
			if winner != current.ID {
				logger.WithField("evicted_by", winner).Info("Session evicted by newer connection")
				h.unregister(current)
			}
			return
		}
		if err := current.sendRaw(data); err != nil {
			logger.WithError(err).Debug("Dropped relayed socket message")
		}
	})
	if err != nil {
		logger.WithError(err).Warn("Failed to subscribe to user channel")
	} else {
		h.mu.Lock()
		h.unsubscribe[s.UserID] = cancel
		h.mu.Unlock()
	}

	// Tell older sessions on other instances to drop out. The local
	// predecessor was already closed above.
	if data, err := json.Marshal(Envelope{
		Event:   "session:evicted",
		Payload: mustJSON(evictionPayload{SocketID: s.ID, InstanceID: h.instanceID}),
	}); err == nil {
		if err := h.bridge.Publish(ctx, s.UserID, data); err != nil {
			logger.WithError(err).Debug("Failed to announce session takeover")
		}
	}

	logger.Info("Socket session registered")
	go h.flushPending(s)
}

// evictionPayload announces which socket now owns the user.
type evictionPayload struct {
	SocketID   string `json:"socket_id"`
	InstanceID string `json:"instance_id"`
}

// decodeEviction returns the winning socket ID when data is a
// session:evicted control envelope.
func decodeEviction(data []byte) (string, bool) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event != "session:evicted" {
		return "", false
	}
	var p evictionPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.SocketID == "" {
		return "", false
	}
	return p.SocketID, true
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

func (h *Hub) unregister(s *Session) {
	if !s.authenticated {
		return
	}

	h.mu.Lock()
	current, ok := h.sessions[s.UserID]
	if ok && current == s {
		delete(h.sessions, s.UserID)
		if cancel, ok := h.unsubscribe[s.UserID]; ok {
			cancel()
			delete(h.unsubscribe, s.UserID)
		}
	}
	h.mu.Unlock()
	s.close()

	if ok && current == s {
		ctx := context.Background()
		if err := h.bridge.ClearPresence(ctx, s.UserID, s.ID); err != nil {
			h.logger.WithContext(ctx).WithError(err).Debug("Failed to clear presence")
		}
		h.logger.WithContext(ctx).
			WithField("user_id", s.UserID).
			WithField("socket_id", s.ID).
			Info("Socket session closed")
	}
}

// touch refreshes presence on pong so it outlives long-idle sessions.
func (h *Hub) touch(s *Session) {
	if !s.authenticated {
		return
	}
	if err := h.bridge.RefreshPresence(context.Background(), s.UserID); err != nil {
		h.logger.WithContext(context.Background()).WithError(err).Debug("Failed to refresh presence")
	}
}

// flushPending pushes notifications that queued up while the user was
// offline. Delivery races with in-flight workers are settled by the
// guarded status transition: whoever marks delivered first wins and the
// other side is a no-op.
func (h *Hub) flushPending(s *Session) {
	ctx := context.Background()
	logger := h.logger.WithContext(ctx).
		WithField("user_id", s.UserID).
		WithField("socket_id", s.ID)

	pending, err := h.inApps.ListPendingForUser(ctx, s.UserID, flushLimit)
	if err != nil {
		logger.WithError(err).Warn("Failed to list pending notifications for flush")
		return
	}

	for _, rec := range pending {
		if time.Now().After(rec.ExpiresAt) {
			continue
		}
		err := s.Send("notification:new", notification.InAppPayload{
			ID:        rec.ID.String(),
			Type:      string(rec.EventType),
			Title:     rec.Title,
			Message:   rec.Message,
			Data:      rec.Data,
			Timestamp: rec.CreatedAt,
			Priority:  rec.Priority,
		})
		if err != nil {
			logger.WithError(err).Debug("Flush send failed")
			return
		}

		transitioned, err := h.inApps.MarkDelivered(ctx, rec.ID, s.ID, "flush")
		if err != nil {
			logger.WithError(err).Warn("Failed to mark flushed notification delivered")
			continue
		}
		if transitioned {
			now := time.Now().UTC()
			entry := notification.DeliveryEntry{
				Attempt:        rec.Attempts,
				Timestamp:      now,
				Status:         notification.StatusDelivered,
				SocketID:       s.ID,
				DeliveryMethod: "flush",
				Queue:          rec.CurrentQueue,
			}
			if err := h.inApps.AppendDelivery(ctx, rec.ID, entry); err != nil {
				logger.WithError(err).Warn("Failed to append flush delivery entry")
			}
			h.writeFlushMirror(ctx, rec, now)
		}
	}

	if len(pending) > 0 {
		logger.WithField("count", len(pending)).Info("Flushed pending notifications on connect")
	}
}

// writeFlushMirror updates the source entity's mirror after a flush
// delivery. Best effort; the tracking record already holds the truth.
func (h *Hub) writeFlushMirror(ctx context.Context, rec *notification.InAppNotification, deliveredAt time.Time) {
	if h.mirrors == nil || rec.SourceReferenceID == "" {
		return
	}
	model, field, ok := notification.MirrorBinding(rec.EventType, notification.ChannelInApp)
	if !ok {
		return
	}
	entityID, err := uuid.Parse(rec.SourceReferenceID)
	if err != nil {
		return
	}
	summary := notification.MirrorSummary{
		Status:         notification.StatusDelivered,
		Attempts:       rec.Attempts,
		NotificationID: rec.ID.String(),
		DeliveredAt:    &deliveredAt,
	}
	if err := h.mirrors.WriteMirror(ctx, notification.MirrorRef{Model: model, EntityID: entityID, Field: field}, summary); err != nil {
		h.logger.WithContext(ctx).WithError(err).
			WithField("model", model).
			WithField("entity_id", entityID).
			Warn("Failed to update entity mirror after flush")
	}
}

// markRead marks the session user's notifications read and returns how
// many actually transitioned.
func (h *Hub) markRead(s *Session, rawIDs []string) int64 {
	if len(rawIDs) == 0 {
		return 0
	}
	ids := make([]uuid.UUID, 0, len(rawIDs))
	for _, raw := range rawIDs {
		if id, err := uuid.Parse(raw); err == nil {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return 0
	}

	ctx := context.Background()
	n, err := h.inApps.MarkRead(ctx, s.UserID, ids)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Warn("Failed to mark notifications read")
		return 0
	}
	h.logger.WithContext(ctx).
		WithField("user_id", s.UserID).
		WithField("count", n).
		Debug("Notifications marked read")
	return n
}

// ack settles a client receipt for one pushed notification. A positive
// ack races the delivering worker; the guarded transition makes the
// second writer a no-op. Negative acks are only logged, the retry tiers
// redeliver on their own.
func (h *Hub) ack(s *Session, rawID string, received bool) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return
	}
	ctx := context.Background()
	logger := h.logger.WithContext(ctx).
		WithField("user_id", s.UserID).
		WithField("notification_id", id)

	if !received {
		logger.Debug("Client reported missed notification")
		return
	}

	transitioned, err := h.inApps.MarkDelivered(ctx, id, s.ID, "ack")
	if err != nil {
		logger.WithError(err).Warn("Failed to mark acked notification delivered")
		return
	}
	if transitioned {
		entry := notification.DeliveryEntry{
			Timestamp:      time.Now().UTC(),
			Status:         notification.StatusDelivered,
			SocketID:       s.ID,
			DeliveryMethod: "ack",
		}
		if err := h.inApps.AppendDelivery(ctx, id, entry); err != nil {
			logger.WithError(err).Warn("Failed to append ack delivery entry")
		}
	}
}

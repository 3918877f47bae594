package socket

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// writeWait is the deadline for one outbound frame.
	writeWait = 10 * time.Second
	// pongWait is how long a silent peer stays connected.
	pongWait = 60 * time.Second
	// pingPeriod keeps intermediaries from idling the connection out.
	pingPeriod = 25 * time.Second
	// authWait bounds how long an unauthenticated session may linger.
	authWait = 10 * time.Second

	maxMessageSize = 8 * 1024
	sendBufferSize = 64
)

// Envelope is the wire frame for every socket message, both directions.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// authPayload is the client's first frame. The token is checked against
// the hub's verifier before the session joins.
type authPayload struct {
	UserID       int64  `json:"user_id"`
	SessionToken string `json:"session_token"`
}

// markReadPayload marks notifications as read.
type markReadPayload struct {
	NotificationIDs []string `json:"notification_ids"`
}

// ackPayload confirms (or denies) receipt of one pushed notification.
type ackPayload struct {
	NotificationID string `json:"notification_id"`
	Received       bool   `json:"received"`
}

// Session is one websocket connection. It stays anonymous until the
// client sends an auth frame; only authenticated sessions join the hub.
type Session struct {
	ID          string
	UserID      int64
	ConnectedAt time.Time

	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	closeOnce     sync.Once
	authenticated bool
}

func newSession(hub *Hub, conn *websocket.Conn) *Session {
	return &Session{
		ID:          uuid.New().String(),
		ConnectedAt: time.Now().UTC(),
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
	}
}

// Send queues an envelope for the client. A full buffer counts as a
// failed delivery; the queue tiers will retry.
func (s *Session) Send(event string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(Envelope{Event: event, Payload: body})
	if err != nil {
		return err
	}
	return s.sendRaw(data)
}

func (s *Session) sendRaw(data []byte) error {
	select {
	case s.send <- data:
		return nil
	default:
		return fmt.Errorf("session %s send buffer full", s.ID)
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.send)
	})
}

// writeDirect writes an envelope on the connection, bypassing the send
// queue. Only safe before register: nothing else writes until the
// session joins the hub, and the first keepalive ping lands well after
// the auth deadline.
func (s *Session) writeDirect(event string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(Envelope{Event: event, Payload: body})
	if err != nil {
		return err
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// readPump owns the inbound side. The first frame must be an auth
// envelope; everything after that is client acks.
func (s *Session) readPump() {
	defer func() {
		s.hub.unregister(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(authWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.hub.touch(s)
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.hub.logger.WithField("socket_id", s.ID).Debug("Dropping malformed socket frame")
			continue
		}

		if !s.authenticated {
			if env.Event != "authenticate" {
				return
			}
			var auth authPayload
			if err := json.Unmarshal(env.Payload, &auth); err != nil || auth.UserID <= 0 {
				s.writeDirect("auth:error", map[string]string{"message": "malformed credentials"})
				return
			}
			if err := s.hub.verifier.Verify(auth.UserID, auth.SessionToken); err != nil {
				s.writeDirect("auth:error", map[string]string{"message": "invalid session token"})
				return
			}
			s.UserID = auth.UserID
			s.authenticated = true
			s.conn.SetReadDeadline(time.Now().Add(pongWait))
			// Confirm before register so the reply precedes any flushed
			// notifications.
			if err := s.writeDirect("auth:success", map[string]interface{}{
				"user_id":   s.UserID,
				"socket_id": s.ID,
			}); err != nil {
				return
			}
			s.hub.register(s)
			continue
		}

		switch env.Event {
		case "notification:markRead":
			var req markReadPayload
			if err := json.Unmarshal(env.Payload, &req); err == nil {
				count := s.hub.markRead(s, req.NotificationIDs)
				if err := s.Send("notifications:markedRead", map[string]int64{"count": count}); err != nil {
					s.hub.logger.WithField("socket_id", s.ID).WithError(err).Debug("Dropped markedRead reply")
				}
			}
		case "notification:ack":
			var ack ackPayload
			if err := json.Unmarshal(env.Payload, &ack); err == nil {
				s.hub.ack(s, ack.NotificationID, ack.Received)
			}
		case "ping":
			// Application-level keepalive for clients that cannot see
			// protocol pings.
			s.hub.touch(s)
			if err := s.Send("pong", nil); err != nil {
				s.hub.logger.WithField("socket_id", s.ID).WithError(err).Debug("Dropped pong reply")
			}
		}
	}
}

// writePump owns the outbound side and the keepalive pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

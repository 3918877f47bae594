package httpapi

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/notifyhub/notifyhub/internal/entities"
	"github.com/notifyhub/notifyhub/internal/notification"
	"github.com/notifyhub/notifyhub/internal/queue"
)

func (s *Server) queueStats(c *gin.Context) (map[string]*queue.Stats, error) {
	out := make(map[string]*queue.Stats)
	for _, name := range s.deps.Topology.AllQueues() {
		stats, err := s.deps.Substrate.Stats(c.Request.Context(), name)
		if err != nil {
			return nil, err
		}
		out[name] = stats
	}
	return out, nil
}

func (s *Server) handleLiveStatus(c *gin.Context) {
	queues, err := s.queueStats(c)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{
		"instance":    s.deps.Config.InstanceID,
		"queues":      queues,
		"connections": s.deps.Hub.Count(),
		"components":  s.deps.Tracker.Components(),
	})
}

func (s *Server) handleLiveRequests(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	respondOK(c, gin.H{"requests": s.deps.Tracker.Recent(limit)})
}

func (s *Server) handleLiveRequest(c *gin.Context) {
	rec, ok := s.deps.Tracker.Trace(c.Param("traceId"))
	if !ok {
		respondNotFound(c, "trace not retained")
		return
	}
	respondOK(c, rec)
}

func (s *Server) handleLiveQueues(c *gin.Context) {
	queues, err := s.queueStats(c)
	if err != nil {
		respondError(c, err)
		return
	}
	paused := make(map[string]bool, len(queues))
	for name := range queues {
		p, err := s.deps.Substrate.Paused(c.Request.Context(), name)
		if err != nil {
			respondError(c, err)
			return
		}
		paused[name] = p
	}
	respondOK(c, gin.H{"queues": queues, "paused": paused})
}

func (s *Server) handleLiveConnections(c *gin.Context) {
	conns := s.deps.Hub.Connections()
	respondOK(c, gin.H{"instance": s.deps.Config.InstanceID, "connections": conns, "count": len(conns)})
}

// queueParam resolves :name, accepting either a full queue name
// ("email:dlq") or a bare channel ("email").
func (s *Server) queueParam(c *gin.Context) (channel, tier string, ok bool) {
	name := c.Param("name")
	if strings.Contains(name, ":") {
		var err error
		channel, tier, err = queue.SplitQueueName(name)
		if err != nil {
			respondBadRequest(c, "unknown queue: "+name)
			return "", "", false
		}
	} else {
		channel = name
	}
	if _, found := s.deps.Topology.Family(channel); !found {
		respondBadRequest(c, "unknown queue: "+name)
		return "", "", false
	}
	return channel, tier, true
}

type replayRequest struct {
	Max int `json:"max"`
}

func (s *Server) handleQueueReplay(c *gin.Context) {
	channel, _, ok := s.queueParam(c)
	if !ok {
		return
	}

	var req replayRequest
	_ = c.ShouldBindJSON(&req)
	if req.Max <= 0 || req.Max > 1000 {
		req.Max = 100
	}

	n, err := s.deps.Replay.ReplayDLQ(c.Request.Context(), channel, req.Max)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"channel": channel, "replayed": n})
}

func (s *Server) handleQueuePause(c *gin.Context) {
	s.toggleQueue(c, true)
}

func (s *Server) handleQueueResume(c *gin.Context) {
	s.toggleQueue(c, false)
}

// toggleQueue pauses or resumes a whole family or one tier queue.
func (s *Server) toggleQueue(c *gin.Context, pause bool) {
	channel, tier, ok := s.queueParam(c)
	if !ok {
		return
	}
	family, _ := s.deps.Topology.Family(channel)

	names := family.Queues()
	if tier != "" {
		names = []string{family.QueueName(tier)}
	}
	for _, name := range names {
		var err error
		if pause {
			err = s.deps.Substrate.Pause(c.Request.Context(), name)
		} else {
			err = s.deps.Substrate.Resume(c.Request.Context(), name)
		}
		if err != nil {
			respondError(c, err)
			return
		}
	}
	respondOK(c, gin.H{"queues": names, "paused": pause})
}

type cleanRequest struct {
	OlderThan string `json:"older_than"`
}

func (s *Server) handleQueueClean(c *gin.Context) {
	channel, tier, ok := s.queueParam(c)
	if !ok {
		return
	}
	family, _ := s.deps.Topology.Family(channel)

	var req cleanRequest
	_ = c.ShouldBindJSON(&req)
	olderThan := 24 * time.Hour
	if req.OlderThan != "" {
		d, err := time.ParseDuration(req.OlderThan)
		if err != nil {
			respondBadRequest(c, "invalid older_than duration")
			return
		}
		olderThan = d
	}

	names := family.Queues()
	if tier != "" {
		names = []string{family.QueueName(tier)}
	}
	total := 0
	for _, name := range names {
		n, err := s.deps.Substrate.Clean(c.Request.Context(), name, olderThan)
		if err != nil {
			respondError(c, err)
			return
		}
		total += n
	}
	respondOK(c, gin.H{"queues": names, "cleaned": total})
}

type broadcastRequest struct {
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Data    map[string]string `json:"data"`
}

// handleBroadcast pushes an announcement to every connected user across
// the fleet.
func (s *Server) handleBroadcast(c *gin.Context) {
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Message == "" {
		respondBadRequest(c, "message is required")
		return
	}

	payload := gin.H{
		"title":     req.Title,
		"message":   req.Message,
		"data":      req.Data,
		"timestamp": time.Now().UTC(),
	}
	if err := s.deps.Hub.Broadcast(c.Request.Context(), "notification:broadcast", payload); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"broadcast": true, "local_connections": s.deps.Hub.Count()})
}

type simulateRequest struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

var simulatedTypes = []notification.EventType{
	notification.EventSignup,
	notification.EventLogin,
	notification.EventResetPassword,
	notification.EventPurchase,
	notification.EventFriendRequest,
}

// handleSimulate generates synthetic traffic through the real pipeline:
// entity write, fan-out, queues, workers.
func (s *Server) handleSimulate(c *gin.Context) {
	var req simulateRequest
	_ = c.ShouldBindJSON(&req)
	if req.Count <= 0 {
		req.Count = 1
	}
	if req.Count > 100 {
		req.Count = 100
	}

	dispatched := make([]gin.H, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		eventType := notification.EventType(req.Type)
		if !eventType.Valid() {
			eventType = simulatedTypes[i%len(simulatedTypes)]
		}
		results, err := s.simulateOne(c, eventType)
		if err != nil {
			respondError(c, err)
			return
		}
		dispatched = append(dispatched, gin.H{"type": eventType, "results": results})
	}
	respondOK(c, gin.H{"count": len(dispatched), "dispatched": dispatched})
}

func (s *Server) simulateOne(c *gin.Context, eventType notification.EventType) (map[string]notification.ChannelResult, error) {
	ctx := c.Request.Context()
	userID := int64(rand.Intn(100000) + 1)
	username := fmt.Sprintf("sim-user-%d", userID)
	email := fmt.Sprintf("%s@simulated.local", username)

	switch eventType {
	case notification.EventSignup:
		sig := &entities.Signup{UserID: userID, Username: username, Email: email}
		if err := s.deps.Entities.CreateSignup(ctx, sig); err != nil {
			return nil, err
		}
		return s.deps.Orchestrator.Dispatch(ctx, notification.Event{
			Type:   eventType,
			Signup: &notification.SignupEvent{UserID: userID, Username: username, Email: email},
		}, s.eventContext(c, sig.ID, "signups")), nil

	case notification.EventLogin:
		l := &entities.Login{UserID: userID, Username: username, Email: email, IP: "127.0.0.1", UserAgent: "simulator"}
		if err := s.deps.Entities.CreateLogin(ctx, l); err != nil {
			return nil, err
		}
		return s.deps.Orchestrator.Dispatch(ctx, notification.Event{
			Type: eventType,
			Login: &notification.LoginEvent{
				UserID: userID, Username: username, Email: email,
				IP: l.IP, UserAgent: l.UserAgent, Timestamp: time.Now().UTC().Format(time.RFC3339),
			},
		}, s.eventContext(c, l.ID, "logins")), nil

	case notification.EventResetPassword:
		r := &entities.ResetPassword{UserID: userID, Username: username, Email: email}
		if err := s.deps.Entities.CreateResetPassword(ctx, r); err != nil {
			return nil, err
		}
		return s.deps.Orchestrator.Dispatch(ctx, notification.Event{
			Type: eventType,
			ResetPassword: &notification.ResetPasswordEvent{
				UserID: userID, Username: username, Email: email,
				ResetURL: "https://notifyhub.local/reset/" + uuid.NewString(),
			},
		}, s.eventContext(c, r.ID, "reset_passwords")), nil

	case notification.EventPurchase:
		p := &entities.Purchase{
			UserID:      userID,
			OrderID:     "sim-" + uuid.NewString(),
			TotalAmount: float64(rand.Intn(20000))/100 + 1,
			Currency:    "USD",
			Items:       []notification.PurchaseItem{{Name: "Simulated item", Quantity: 1, Price: 9.99}},
		}
		if err := s.deps.Entities.CreatePurchase(ctx, p); err != nil {
			return nil, err
		}
		return s.deps.Orchestrator.Dispatch(ctx, notification.Event{
			Type: eventType,
			Purchase: &notification.PurchaseEvent{
				UserID: userID, OrderID: p.OrderID, TotalAmount: p.TotalAmount,
				Currency: p.Currency, Items: p.Items, PurchaseID: p.ID.String(),
			},
		}, s.eventContext(c, p.ID, "purchases")), nil

	case notification.EventFriendRequest:
		fr := &entities.FriendRequest{FromUserID: userID, ToUserID: userID + 1}
		if err := s.deps.Entities.CreateFriendRequest(ctx, fr); err != nil && err != entities.ErrDuplicate {
			return nil, err
		}
		return s.deps.Orchestrator.Dispatch(ctx, notification.Event{
			Type: eventType,
			FriendRequest: &notification.FriendRequestEvent{
				FromUserID: userID, FromUsername: username,
				ToUserID: userID + 1, RequestID: fr.ID.String(),
			},
		}, s.eventContext(c, fr.ID, "friend_requests")), nil
	}
	return nil, fmt.Errorf("unsupported simulation type %q", eventType)
}

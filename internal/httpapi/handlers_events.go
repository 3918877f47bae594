package httpapi

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/notifyhub/notifyhub/internal/entities"
	"github.com/notifyhub/notifyhub/internal/notification"
	"github.com/notifyhub/notifyhub/internal/telemetry"
)

// eventContext builds the provenance carried into tracking records.
func (s *Server) eventContext(c *gin.Context, entityID uuid.UUID, entityType string) notification.Context {
	return notification.Context{
		InstanceID:       s.deps.Config.InstanceID,
		SourceEntityID:   entityID.String(),
		SourceEntityType: entityType,
		RequestEndpoint:  c.FullPath(),
		IP:               c.ClientIP(),
		UserAgent:        c.Request.UserAgent(),
		TraceID:          telemetry.GetTraceID(c.Request.Context()),
	}
}

type signupRequest struct {
	UserID   int64  `json:"user_id" binding:"required,gt=0"`
	Username string `json:"username" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
}

func (s *Server) handleCreateSignup(c *gin.Context) {
	var req signupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err.Error())
		return
	}

	sig := &entities.Signup{UserID: req.UserID, Username: req.Username, Email: req.Email}
	if err := s.deps.Entities.CreateSignup(c.Request.Context(), sig); err != nil {
		respondError(c, err)
		return
	}

	results := s.deps.Orchestrator.Dispatch(c.Request.Context(), notification.Event{
		Type:   notification.EventSignup,
		Signup: &notification.SignupEvent{UserID: req.UserID, Username: req.Username, Email: req.Email},
	}, s.eventContext(c, sig.ID, "signups"))

	respondCreated(c, gin.H{"signup": sig, "notifications": results})
}

type loginRequest struct {
	UserID   int64  `json:"user_id" binding:"required,gt=0"`
	Username string `json:"username" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
}

func (s *Server) handleCreateLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err.Error())
		return
	}

	l := &entities.Login{
		UserID:    req.UserID,
		Username:  req.Username,
		Email:     req.Email,
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
	if err := s.deps.Entities.CreateLogin(c.Request.Context(), l); err != nil {
		respondError(c, err)
		return
	}

	results := s.deps.Orchestrator.Dispatch(c.Request.Context(), notification.Event{
		Type: notification.EventLogin,
		Login: &notification.LoginEvent{
			UserID:    req.UserID,
			Username:  req.Username,
			Email:     req.Email,
			IP:        l.IP,
			UserAgent: l.UserAgent,
			Timestamp: l.CreatedAt.Format(time.RFC3339),
		},
	}, s.eventContext(c, l.ID, "logins"))

	respondCreated(c, gin.H{"login": l, "notifications": results})
}

type resetPasswordRequest struct {
	UserID   int64  `json:"user_id" binding:"required,gt=0"`
	Username string `json:"username" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	ResetURL string `json:"reset_url" binding:"required,url"`
}

func (s *Server) handleCreateResetPassword(c *gin.Context) {
	var req resetPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err.Error())
		return
	}

	r := &entities.ResetPassword{UserID: req.UserID, Username: req.Username, Email: req.Email}
	if err := s.deps.Entities.CreateResetPassword(c.Request.Context(), r); err != nil {
		respondError(c, err)
		return
	}

	results := s.deps.Orchestrator.Dispatch(c.Request.Context(), notification.Event{
		Type: notification.EventResetPassword,
		ResetPassword: &notification.ResetPasswordEvent{
			UserID:   req.UserID,
			Username: req.Username,
			Email:    req.Email,
			ResetURL: req.ResetURL,
		},
	}, s.eventContext(c, r.ID, "reset_passwords"))

	respondCreated(c, gin.H{"reset_password": r, "notifications": results})
}

type purchaseRequest struct {
	UserID      int64                       `json:"user_id" binding:"required,gt=0"`
	OrderID     string                      `json:"order_id" binding:"required"`
	TotalAmount float64                     `json:"total_amount" binding:"required,gt=0"`
	Currency    string                      `json:"currency"`
	Items       []notification.PurchaseItem `json:"items"`
}

func (s *Server) handleCreatePurchase(c *gin.Context) {
	var req purchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err.Error())
		return
	}

	p := &entities.Purchase{
		UserID:      req.UserID,
		OrderID:     req.OrderID,
		TotalAmount: req.TotalAmount,
		Currency:    req.Currency,
		Items:       req.Items,
	}
	err := s.deps.Entities.CreatePurchase(c.Request.Context(), p)
	if err == entities.ErrDuplicate {
		respondConflict(c, "order already exists")
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}

	results := s.deps.Orchestrator.Dispatch(c.Request.Context(), notification.Event{
		Type: notification.EventPurchase,
		Purchase: &notification.PurchaseEvent{
			UserID:      req.UserID,
			OrderID:     req.OrderID,
			TotalAmount: req.TotalAmount,
			Currency:    p.Currency,
			Items:       req.Items,
			PurchaseID:  p.ID.String(),
		},
	}, s.eventContext(c, p.ID, "purchases"))

	respondCreated(c, gin.H{"purchase": p, "notifications": results})
}

type friendRequestRequest struct {
	FromUserID   int64  `json:"from_user_id" binding:"required,gt=0"`
	FromUsername string `json:"from_username" binding:"required"`
	ToUserID     int64  `json:"to_user_id" binding:"required,gt=0"`
}

func (s *Server) handleCreateFriendRequest(c *gin.Context) {
	var req friendRequestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err.Error())
		return
	}
	if req.FromUserID == req.ToUserID {
		respondBadRequest(c, "cannot send a friend request to yourself")
		return
	}

	fr := &entities.FriendRequest{FromUserID: req.FromUserID, ToUserID: req.ToUserID}
	err := s.deps.Entities.CreateFriendRequest(c.Request.Context(), fr)
	if err == entities.ErrDuplicate {
		respondConflict(c, "friend request already exists")
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}

	results := s.deps.Orchestrator.Dispatch(c.Request.Context(), notification.Event{
		Type: notification.EventFriendRequest,
		FriendRequest: &notification.FriendRequestEvent{
			FromUserID:   req.FromUserID,
			FromUsername: req.FromUsername,
			ToUserID:     req.ToUserID,
			RequestID:    fr.ID.String(),
		},
	}, s.eventContext(c, fr.ID, "friend_requests"))

	respondCreated(c, gin.H{"friend_request": fr, "notifications": results})
}

// mirrorStatus serves the per-entity delivery summary for one channel.
func (s *Server) mirrorStatus(model, field string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			respondBadRequest(c, "invalid entity id")
			return
		}
		raw, err := s.deps.Entities.Mirror(c.Request.Context(), model, field, id)
		if err == entities.ErrNotFound {
			respondNotFound(c, "entity not found")
			return
		}
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, gin.H{"entity_id": id, "field": field, "status": raw})
	}
}

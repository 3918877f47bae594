package httpapi

import (
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/notifyhub/notifyhub/internal/tokens"
)

type registerTokenRequest struct {
	UserID int64             `json:"user_id" binding:"required,gt=0"`
	Token  string            `json:"token" binding:"required"`
	Device tokens.DeviceInfo `json:"device"`
}

func (s *Server) handleRegisterToken(c *gin.Context) {
	var req registerTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err.Error())
		return
	}

	tok, err := s.deps.Tokens.Register(c.Request.Context(), req.UserID, req.Token, req.Device)
	if errors.Is(err, tokens.ErrInvalidToken) {
		respondBadRequest(c, err.Error())
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	respondCreated(c, tok)
}

type refreshTokenRequest struct {
	UserID   int64             `json:"user_id" binding:"required,gt=0"`
	OldToken string            `json:"old_token" binding:"required"`
	NewToken string            `json:"new_token" binding:"required"`
	Device   tokens.DeviceInfo `json:"device"`
}

func (s *Server) handleRefreshToken(c *gin.Context) {
	var req refreshTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err.Error())
		return
	}

	tok, err := s.deps.Tokens.Refresh(c.Request.Context(), req.UserID, req.OldToken, req.NewToken, req.Device)
	if errors.Is(err, tokens.ErrInvalidToken) {
		respondBadRequest(c, err.Error())
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, tok)
}

type removeTokenRequest struct {
	Token string `json:"token" binding:"required"`
}

func (s *Server) handleRemoveToken(c *gin.Context) {
	var req removeTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err.Error())
		return
	}

	err := s.deps.Tokens.Remove(c.Request.Context(), req.Token)
	if errors.Is(err, tokens.ErrTokenNotFound) {
		respondNotFound(c, "token not registered")
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"removed": true})
}

func (s *Server) handleListUserTokens(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("userId"), 10, 64)
	if err != nil || userID <= 0 {
		respondBadRequest(c, "invalid user id")
		return
	}

	list, err := s.deps.Tokens.ListForUser(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"user_id": userID, "tokens": list, "count": len(list)})
}

func (s *Server) handleTokenStatistics(c *gin.Context) {
	stats, err := s.deps.Tokens.Stats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, stats)
}

func (s *Server) handleMarkStaleTokens(c *gin.Context) {
	cutoff := time.Now().Add(-tokens.TokenTTL)
	n, err := s.deps.Tokens.MarkStaleInactive(c.Request.Context(), cutoff)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"marked_stale": n, "cutoff": cutoff})
}

func (s *Server) handleCleanupTokens(c *gin.Context) {
	n, err := s.deps.Tokens.DeleteExpired(c.Request.Context(), time.Now())
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"deleted": n})
}

package httpapi

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/notifyhub/notifyhub/internal/notification"
)

func (s *Server) handlePushStatusByPurchase(c *gin.Context) {
	purchaseID := c.Param("purchaseId")
	if _, err := uuid.Parse(purchaseID); err != nil {
		respondBadRequest(c, "invalid purchase id")
		return
	}

	rec, err := s.deps.Pushes.GetBySource(c.Request.Context(), "purchases", purchaseID)
	if err == notification.ErrNotFound {
		respondNotFound(c, "no push notification for purchase")
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, rec)
}

type deliveryStatusRequest struct {
	Sent      *bool `json:"sent"`
	Delivered *bool `json:"delivered"`
	Clicked   *bool `json:"clicked"`
	Failed    *bool `json:"failed"`
}

func (s *Server) handlePushDeliveryStatus(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondBadRequest(c, "invalid notification id")
		return
	}

	var req deliveryStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err.Error())
		return
	}
	if req.Sent == nil && req.Delivered == nil && req.Clicked == nil && req.Failed == nil {
		respondBadRequest(c, "no delivery flags provided")
		return
	}

	err = s.deps.Pushes.UpdateDeliveryStatus(c.Request.Context(), id, req.Sent, req.Delivered, req.Clicked, req.Failed)
	if err == notification.ErrNotFound {
		respondNotFound(c, "push notification not found")
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}

	rec, err := s.deps.Pushes.GetByID(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, rec)
}

func (s *Server) handlePushClicked(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondBadRequest(c, "invalid notification id")
		return
	}

	err = s.deps.Pushes.MarkClicked(c.Request.Context(), id)
	if err == notification.ErrNotFound {
		respondNotFound(c, "push notification not found")
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"id": id, "clicked": true})
}

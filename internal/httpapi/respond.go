package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/notifyhub/notifyhub/internal/errors"
	"github.com/notifyhub/notifyhub/internal/telemetry"
)

// envelope is the uniform response shape.
type envelope struct {
	Success    bool        `json:"success"`
	Data       interface{} `json:"data,omitempty"`
	Error      interface{} `json:"error,omitempty"`
	Pagination *pagination `json:"pagination,omitempty"`
}

type pagination struct {
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
	Total  int64 `json:"total"`
}

func respondOK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, envelope{Success: true, Data: data})
}

func respondCreated(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, envelope{Success: true, Data: data})
}

func respondError(c *gin.Context, err error) {
	if appErr, ok := err.(*apperrors.AppError); ok {
		appErr.CorrelationID = telemetry.GetCorrelationID(c.Request.Context())
		c.JSON(appErr.HTTPStatus, envelope{Success: false, Error: appErr})
		return
	}
	c.JSON(http.StatusInternalServerError, envelope{Success: false, Error: gin.H{
		"type":    "internal",
		"message": err.Error(),
	}})
}

func respondBadRequest(c *gin.Context, message string) {
	respondError(c, apperrors.NewAppError(apperrors.ErrorTypeValidation, "INVALID_REQUEST", message))
}

func respondNotFound(c *gin.Context, message string) {
	respondError(c, apperrors.NewAppError(apperrors.ErrorTypeNotFound, "NOT_FOUND", message))
}

func respondConflict(c *gin.Context, message string) {
	respondError(c, apperrors.NewAppError(apperrors.ErrorTypeConflict, "CONFLICT", message))
}

package api

import (
	"errors"
	"net/http"

	"escrow-service/internal/apperr"
	"escrow-service/internal/identity"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func errorBody(code, message string, details any) gin.H {
	body := gin.H{"code": code, "message": message}
	if details != nil {
		body["details"] = details
	}
	return gin.H{"error": body}
}

// respondError renders err with the status its kind maps to. Internal errors
// are logged and never leak their message.
func (h *Handler) respondError(c *gin.Context, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		h.logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody("internal_error", "internal server error", nil))
		return
	}

	if apperr.Retryable(err) {
		c.Header("Retry-After", "1")
	}
	c.JSON(apperr.HTTPStatus(err), errorBody(appErr.Code, appErr.Message, appErr.Details))
}

func (h *Handler) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, errorBody(apperr.CodeValidation, "invalid request body", err.Error()))
}

// caller returns the identity set by authMiddleware
func caller(c *gin.Context) identity.Caller {
	who, _ := identity.FromContext(c.Request.Context())
	return who
}

package api

import (
	"net/http"

	"escrow-service/internal/apperr"
	"escrow-service/internal/models"
	"escrow-service/internal/service"

	"github.com/gin-gonic/gin"
)

// getStage returns a stage to one of its booking's parties
func (h *Handler) getStage(c *gin.Context) {
	ctx := c.Request.Context()
	stage, err := h.stages.GetStage(ctx, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	booking, err := h.bookings.GetBooking(ctx, stage.BookingID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !booking.IsParty(caller(c).ID()) {
		h.respondError(c, apperr.Unauthorized("only the booking's parties may view its stages"))
		return
	}
	c.JSON(http.StatusOK, stage)
}

func (h *Handler) startStage(c *gin.Context) {
	h.stageResult(c)(h.stages.StartStage(c.Request.Context(), caller(c), c.Param("id")))
}

func (h *Handler) submitStage(c *gin.Context) {
	var req service.SubmitStageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	h.stageResult(c)(h.stages.SubmitStage(c.Request.Context(), caller(c), c.Param("id"), &req))
}

func (h *Handler) approveStage(c *gin.Context) {
	h.stageResult(c)(h.stages.ApproveStage(c.Request.Context(), caller(c), c.Param("id")))
}

func (h *Handler) rejectStage(c *gin.Context) {
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	h.stageResult(c)(h.stages.RejectStage(c.Request.Context(), caller(c), c.Param("id"), req.Reason))
}

func (h *Handler) releaseStage(c *gin.Context) {
	h.stageResult(c)(h.escrow.ReleaseStage(c.Request.Context(), caller(c), c.Param("id")))
}

func (h *Handler) stageResult(c *gin.Context) func(*models.Stage, error) {
	return func(stage *models.Stage, err error) {
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, stage)
	}
}

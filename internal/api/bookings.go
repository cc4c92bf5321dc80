package api

import (
	"net/http"

	"escrow-service/internal/apperr"
	"escrow-service/internal/models"
	"escrow-service/internal/service"

	"github.com/gin-gonic/gin"
)

type reasonRequest struct {
	Reason string `json:"reason"`
}

// createBooking handles booking creation. The Idempotency-Key header wins
// over a key in the body.
func (h *Handler) createBooking(c *gin.Context) {
	var req service.CreateBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	if key := c.GetHeader("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}

	booking, err := h.bookings.CreateBooking(c.Request.Context(), caller(c), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, booking)
}

// listBookings lists the caller's bookings as client (default) or freelancer
func (h *Handler) listBookings(c *gin.Context) {
	role := models.Role(c.DefaultQuery("role", string(models.RoleClient)))
	status := models.BookingStatus(c.Query("status"))

	bookings, err := h.bookings.ListBookingsFor(c.Request.Context(), caller(c), role, status)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"bookings": bookings})
}

// getBooking returns a booking to one of its parties
func (h *Handler) getBooking(c *gin.Context) {
	booking, ok := h.partyBooking(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, booking)
}

func (h *Handler) listStages(c *gin.Context) {
	booking, ok := h.partyBooking(c)
	if !ok {
		return
	}

	stages, err := h.stages.ListStagesForBooking(c.Request.Context(), booking.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stages": stages})
}

func (h *Handler) listAudit(c *gin.Context) {
	booking, ok := h.partyBooking(c)
	if !ok {
		return
	}

	entries, err := h.bookings.ListAuditTrail(c.Request.Context(), booking.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// partyBooking loads the :id booking and checks the caller is a party to it
func (h *Handler) partyBooking(c *gin.Context) (*models.Booking, bool) {
	booking, err := h.bookings.GetBooking(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return nil, false
	}
	if !booking.IsParty(caller(c).ID()) {
		h.respondError(c, apperr.Unauthorized("only the booking's parties may view it"))
		return nil, false
	}
	return booking, true
}

func (h *Handler) cancelBooking(c *gin.Context) {
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		h.badRequest(c, err)
		return
	}

	booking, err := h.bookings.CancelBooking(c.Request.Context(), caller(c), c.Param("id"), req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, booking)
}

func (h *Handler) openDispute(c *gin.Context) {
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	booking, err := h.bookings.OpenDispute(c.Request.Context(), caller(c), c.Param("id"), req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, booking)
}

type createStagesRequest struct {
	Stages []models.StageDef `json:"stages" binding:"dive"`
}

func (h *Handler) createStages(c *gin.Context) {
	var req createStagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	stages, err := h.stages.CreateStages(c.Request.Context(), caller(c), c.Param("id"), req.Stages)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"stages": stages})
}

func (h *Handler) completeProject(c *gin.Context) {
	booking, err := h.bookings.CompleteProject(c.Request.Context(), caller(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, booking)
}

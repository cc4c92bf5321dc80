package api

import (
	"net/http"

	"escrow-service/internal/models"
	"escrow-service/internal/service"

	"github.com/gin-gonic/gin"
)

func (h *Handler) createService(c *gin.Context) {
	var req service.CreateServiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	svc, err := h.catalog.CreateService(c.Request.Context(), caller(c), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, svc)
}

type serviceStatusRequest struct {
	Status models.ServiceStatus `json:"status" binding:"required"`
}

func (h *Handler) setServiceStatus(c *gin.Context) {
	var req serviceStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	svc, err := h.catalog.SetServiceStatus(c.Request.Context(), caller(c), c.Param("id"), req.Status)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, svc)
}

func (h *Handler) createPackage(c *gin.Context) {
	var req service.CreatePackageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	pkg, err := h.catalog.CreatePackage(c.Request.Context(), caller(c), c.Param("id"), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, pkg)
}

type priceRequest struct {
	Price int64 `json:"price"`
}

func (h *Handler) updatePackagePrice(c *gin.Context) {
	var req priceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	pkg, err := h.catalog.UpdatePackagePrice(c.Request.Context(), caller(c), c.Param("id"), req.Price)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pkg)
}

func (h *Handler) getPackage(c *gin.Context) {
	view, err := h.catalog.GetPackage(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

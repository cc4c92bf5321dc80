package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"escrow-service/internal/identity"
	"escrow-service/internal/service"
	"escrow-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	catalog  *service.CatalogService
	bookings *service.BookingService
	stages   *service.StageService
	escrow   *service.EscrowAccountant
	identity identity.Provider
	limiter  *rateLimiter
	checks   map[string]Pinger
	logger   *zap.Logger
}

// Options configures a Handler
type Options struct {
	RateLimit float64
	RateBurst int
	// Checks are pinged by the readiness endpoint
	Checks map[string]Pinger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	catalog *service.CatalogService,
	bookings *service.BookingService,
	stages *service.StageService,
	escrow *service.EscrowAccountant,
	provider identity.Provider,
	opts Options,
) *Handler {
	return &Handler{
		catalog:  catalog,
		bookings: bookings,
		stages:   stages,
		escrow:   escrow,
		identity: provider,
		limiter:  newRateLimiter(opts.RateLimit, opts.RateBurst),
		checks:   opts.Checks,
		logger:   util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.Use(h.authMiddleware())
	{
		v1.GET("/packages/:id", h.getPackage)
		v1.GET("/bookings", h.listBookings)
		v1.GET("/bookings/:id", h.getBooking)
		v1.GET("/bookings/:id/stages", h.listStages)
		v1.GET("/bookings/:id/audit", h.listAudit)
		v1.GET("/stages/:id", h.getStage)
	}

	mutating := v1.Group("")
	mutating.Use(h.rateLimitMiddleware())
	{
		mutating.POST("/services", h.createService)
		mutating.PATCH("/services/:id/status", h.setServiceStatus)
		mutating.POST("/services/:id/packages", h.createPackage)
		mutating.PATCH("/packages/:id/price", h.updatePackagePrice)

		mutating.POST("/bookings", h.createBooking)
		mutating.POST("/bookings/:id/cancel", h.cancelBooking)
		mutating.POST("/bookings/:id/dispute", h.openDispute)
		mutating.POST("/bookings/:id/stages", h.createStages)
		mutating.POST("/bookings/:id/complete", h.completeProject)

		mutating.POST("/stages/:id/start", h.startStage)
		mutating.POST("/stages/:id/submit", h.submitStage)
		mutating.POST("/stages/:id/approve", h.approveStage)
		mutating.POST("/stages/:id/reject", h.rejectStage)
		mutating.POST("/stages/:id/release", h.releaseStage)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every registered dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not_ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}

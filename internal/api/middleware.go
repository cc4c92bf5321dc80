package api

import (
	"errors"
	"net/http"
	"sync"

	"escrow-service/internal/apperr"
	"escrow-service/internal/identity"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// authMiddleware resolves the bearer credential into a verified caller
func (h *Handler) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		who, err := h.identity.ResolveCallerIdentity(c.Request.Context(), c.GetHeader("Authorization"))
		if err != nil {
			if errors.Is(err, identity.ErrMissingCredential) || errors.Is(err, identity.ErrInvalidCredential) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("unauthenticated", "a valid bearer token is required", nil))
				return
			}
			h.logger.Error("Identity provider failed", zap.Error(err))
			h.respondError(c, apperr.Collaborator(apperr.CodeIdentityFailure, err, "identity provider unavailable"))
			c.Abort()
			return
		}

		c.Request = c.Request.WithContext(identity.WithCaller(c.Request.Context(), who))
		c.Next()
	}
}

// rateLimitMiddleware applies a token bucket per caller
func (h *Handler) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		who, _ := identity.FromContext(c.Request.Context())
		key := who.ID()
		if key == "" {
			key = c.ClientIP()
		}
		if !h.limiter.getLimiter(key).Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorBody("rate_limited", "too many requests", nil))
			return
		}
		c.Next()
	}
}

type rateLimiter struct {
	limiters sync.Map
	rps      float64
	burst    int
}

func newRateLimiter(rps float64, burst int) *rateLimiter {
	if rps <= 0 {
		rps = 20
	}
	if burst <= 0 {
		burst = 5
	}
	return &rateLimiter{rps: rps, burst: burst}
}

func (l *rateLimiter) getLimiter(key string) *rate.Limiter {
	if v, ok := l.limiters.Load(key); ok {
		return v.(*rate.Limiter)
	}
	lim := rate.NewLimiter(rate.Limit(l.rps), l.burst)
	actual, _ := l.limiters.LoadOrStore(key, lim)
	return actual.(*rate.Limiter)
}

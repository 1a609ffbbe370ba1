package server

import (
	"net/http"
	"strconv"
	"time"

	apikeydomain "github.com/freely-hq/agentpay/internal/apikey/domain"
	"github.com/freely-hq/agentpay/internal/observability/logger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// IngestRateLimit throttles usage ingestion per API key. Redis errors
// fail open: metering must not take ingestion down with it.
func (s *Server) IngestRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.ingestLimiter == nil {
			c.Next()
			return
		}

		identity, ok := apikeydomain.IdentityFromContext(c.Request.Context())
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := c.Request.Context()
		result, err := s.ingestLimiter.Allow(ctx, identity.APIKeyID)
		if err != nil {
			logger.WithContext(ctx, s.log).Warn("ingest rate limit check failed",
				zap.Error(err),
			)
		}
		if result != nil && !result.Allowed {
			s.obsMetrics.RecordRateLimitDenied(ctx, c.FullPath())
			retryAfter := result.RetryAfter
			if retryAfter <= 0 {
				retryAfter = time.Second
			}
			c.Header("Retry-After", strconv.Itoa(int(retryAfter.Round(time.Second)/time.Second)))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{
				Error: errorPayload{
					Type:    "rate_limited",
					Message: "rate limit exceeded",
				},
			})
			return
		}

		c.Next()
	}
}

package server

import (
	"errors"
	"strings"

	apikeydomain "github.com/freely-hq/agentpay/internal/apikey/domain"
	"github.com/freely-hq/agentpay/internal/observability/obscontext"
	"github.com/gin-gonic/gin"
)

// APIKeyRequired authenticates requests with a bearer API key. The
// subscription identity is derived solely from the api_keys table.
func (s *Server) APIKeyRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		if header == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		parts := strings.Fields(header)
		if len(parts) != 2 || parts[0] != "Bearer" || strings.TrimSpace(parts[1]) == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		identity, err := s.apiKeySvc.Resolve(c.Request.Context(), parts[1])
		if err != nil {
			if errors.Is(err, apikeydomain.ErrAPIKeyNotFound) ||
				errors.Is(err, apikeydomain.ErrAPIKeyRevoked) ||
				errors.Is(err, apikeydomain.ErrAPIKeyExpired) {
				AbortWithError(c, ErrUnauthorized)
				return
			}
			AbortWithError(c, err)
			return
		}

		ctx := apikeydomain.ContextWithIdentity(c.Request.Context(), *identity)
		ctx = obscontext.WithSubscriptionID(ctx, identity.SubscriptionID.String())
		ctx = obscontext.WithActor(ctx, "api_key", identity.APIKeyID.String())

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

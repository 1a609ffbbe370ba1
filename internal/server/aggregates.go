package server

import (
	"net/http"

	aggdomain "github.com/freely-hq/agentpay/internal/aggregate/domain"
	apikeydomain "github.com/freely-hq/agentpay/internal/apikey/domain"
	"github.com/gin-gonic/gin"
)

func (s *Server) ListAggregates(c *gin.Context) {
	identity, ok := apikeydomain.IdentityFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req aggdomain.ListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.SubscriptionID = identity.SubscriptionID

	aggregates, pageInfo, err := s.aggregateSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"aggregates": aggregates,
		"page_info":  pageInfo,
	})
}

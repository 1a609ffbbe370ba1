package server

import (
	"net/http"
	"time"

	reconciledomain "github.com/freely-hq/agentpay/internal/reconcile/domain"
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

type closePeriodRequest struct {
	SubscriptionID string    `json:"subscription_id" binding:"required"`
	PeriodStart    time.Time `json:"period_start" binding:"required"`
	PeriodEnd      time.Time `json:"period_end" binding:"required"`
}

// CloseBillingPeriod closes one subscription period by hand. The
// scheduler does this on rotation; the endpoint exists for backfills
// and support work.
func (s *Server) CloseBillingPeriod(c *gin.Context) {
	var req closePeriodRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	subscriptionID, err := snowflake.ParseString(req.SubscriptionID)
	if err != nil {
		AbortWithError(c, newValidationError("subscription_id", "invalid_subscription_id", "invalid value"))
		return
	}

	invoice, err := s.billingSvc.ClosePeriod(c.Request.Context(), subscriptionID, req.PeriodStart, req.PeriodEnd)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, invoice)
}

func (s *Server) ListDeadLetters(c *gin.Context) {
	var req reconciledomain.ListDeadLettersRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	letters, pageInfo, err := s.reconcileSvc.ListDeadLetters(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"dead_letters": letters,
		"page_info":    pageInfo,
	})
}

func (s *Server) RetryDeadLetter(c *gin.Context) {
	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_dead_letter_id", "invalid value"))
		return
	}

	if err := s.reconcileSvc.RetryDeadLetter(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"retried": true})
}

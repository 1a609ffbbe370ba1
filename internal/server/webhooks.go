package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	processordomain "github.com/freely-hq/agentpay/internal/processor/domain"
	reconciledomain "github.com/freely-hq/agentpay/internal/reconcile/domain"
	"github.com/gin-gonic/gin"
)

const maxWebhookBodyBytes = 1 << 20

// HandleProviderWebhook verifies and enqueues a payment processor
// notification. Retried deliveries and event types we do not consume
// are acked so the provider stops resending them.
func (s *Server) HandleProviderWebhook(c *gin.Context) {
	provider := strings.ToLower(strings.TrimSpace(c.Param("provider")))
	if provider != "stripe" {
		AbortWithError(c, ErrNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	notification, err := s.verifier.VerifyAndParse(body, c.GetHeader("Stripe-Signature"), s.clock.Now())
	if err != nil {
		if errors.Is(err, processordomain.ErrUnsupportedEvent) {
			c.JSON(http.StatusOK, gin.H{"received": true})
			return
		}
		AbortWithError(c, err)
		return
	}

	event, err := s.reconcileSvc.IngestWebhook(c.Request.Context(), provider, notification, body)
	if err != nil {
		if errors.Is(err, reconciledomain.ErrEventAlreadyProcessed) {
			c.JSON(http.StatusOK, gin.H{"received": true})
			return
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"received": true,
		"event_id": event.ID.String(),
	})
}

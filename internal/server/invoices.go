package server

import (
	"net/http"

	apikeydomain "github.com/freely-hq/agentpay/internal/apikey/domain"
	billingdomain "github.com/freely-hq/agentpay/internal/billing/domain"
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

func (s *Server) ListInvoices(c *gin.Context) {
	identity, ok := apikeydomain.IdentityFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req billingdomain.ListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.SubscriptionID = identity.SubscriptionID

	invoices, pageInfo, err := s.billingSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"invoices":  invoices,
		"page_info": pageInfo,
	})
}

func (s *Server) GetInvoice(c *gin.Context) {
	identity, ok := apikeydomain.IdentityFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	invoiceID, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_invoice_id", "invalid value"))
		return
	}

	invoice, err := s.billingSvc.Get(c.Request.Context(), identity.SubscriptionID, invoiceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, invoice)
}

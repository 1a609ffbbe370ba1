package server

import (
	"net/http"
	"strings"

	ingestdomain "github.com/freely-hq/agentpay/internal/ingest/domain"
	"github.com/gin-gonic/gin"
)

func (s *Server) RecordUsage(c *gin.Context) {
	var req ingestdomain.RecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if eventType := strings.TrimSpace(req.EventType); eventType != "" {
		c.Set("event_type", eventType)
	}

	event, err := s.ingestSvc.Record(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, event)
}

func (s *Server) ListUsage(c *gin.Context) {
	var req ingestdomain.ListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	events, pageInfo, err := s.ingestSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events":    events,
		"page_info": pageInfo,
	})
}

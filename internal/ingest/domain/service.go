package domain

import (
	"context"
	"errors"
	"time"

	"github.com/freely-hq/agentpay/pkg/db/pagination"
)

var (
	ErrInvalidQuantity     = errors.New("invalid_quantity")
	ErrInvalidEventType    = errors.New("invalid_event_type")
	ErrInvalidMetadata     = errors.New("invalid_metadata")
	ErrEventTooFarInFuture = errors.New("event_too_far_in_future")
	ErrUnknownAPIKey       = errors.New("unknown_api_key")
)

type RecordRequest struct {
	EventType  string         `json:"event_type" binding:"required"`
	Quantity   float64        `json:"quantity" binding:"required"`
	OccurredAt time.Time      `json:"occurred_at"`
	DedupeKey  string         `json:"dedupe_key"`
	Metadata   map[string]any `json:"metadata"`
}

type ListRequest struct {
	EventType string `form:"event_type"`
	pagination.Pagination
}

type Service interface {
	// Record validates and persists one usage event. A repeated dedupe
	// key returns the previously stored event.
	Record(ctx context.Context, req RecordRequest) (*UsageEvent, error)

	// List returns the authenticated subscription's events, newest first.
	List(ctx context.Context, req ListRequest) ([]UsageEvent, pagination.PageInfo, error)
}

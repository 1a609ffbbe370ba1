package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/freely-hq/agentpay/pkg/db/pagination"
)

// ErrVersionConflict is returned when an aggregate recompute loses the
// optimistic version check too many times in a row.
var ErrVersionConflict = errors.New("aggregate_version_conflict")

type ListRequest struct {
	SubscriptionID snowflake.ID
	EventType      string    `form:"event_type"`
	From           time.Time `form:"from" time_format:"2006-01-02T15:04:05Z07:00"`
	To             time.Time `form:"to" time_format:"2006-01-02T15:04:05Z07:00"`
	pagination.Pagination
}

type Service interface {
	// Run claims up to batchSize unassigned events, routes each to its
	// bucket (or a correction bucket when the origin is already billed)
	// and recomputes every touched aggregate. Returns the number of
	// events folded.
	Run(ctx context.Context, batchSize int) (int, error)

	List(ctx context.Context, req ListRequest) ([]UsageAggregate, pagination.PageInfo, error)
}

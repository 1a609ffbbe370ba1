package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	GetByID(ctx context.Context, id snowflake.ID) (*Subscription, error)
	TermsFor(ctx context.Context, subscriptionID snowflake.ID) ([]PlanTerm, error)
	TermForEventType(ctx context.Context, subscriptionID snowflake.ID, eventType string) (*PlanTerm, error)

	// ListDue returns billable subscriptions whose current period ended
	// at or before now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]Subscription, error)

	// RotatePeriod advances the current period after a successful close.
	// It is a no-op when the stored period no longer matches closedEnd.
	RotatePeriod(ctx context.Context, subscriptionID snowflake.ID, closedEnd time.Time) error

	MarkPastDue(ctx context.Context, subscriptionID snowflake.ID) error
}

var (
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrTermNotFound         = errors.New("plan_term_not_found")
)

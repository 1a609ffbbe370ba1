package domain

import (
	"context"
	"time"
)

type Service interface {
	// RebuildRevenueMetrics recomputes the metric row for the calendar
	// month containing period.
	RebuildRevenueMetrics(ctx context.Context, period time.Time) error

	// ScoreSubscriptions refreshes health scores for billable
	// subscriptions. Returns the number of subscriptions scored.
	ScoreSubscriptions(ctx context.Context, batchSize int) (int, error)
}

// MonthStart truncates an instant to the first of its calendar month.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

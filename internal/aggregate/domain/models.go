package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// UsageAggregate is the per-bucket running total of one event type.
//
// A regular bucket has origin_period_start equal to period_start. A
// correction bucket (late events arriving after the origin bucket was
// billed) lives in a later period but keeps origin_period_start
// pointing at the bucket the usage belonged to.
type UsageAggregate struct {
	ID                snowflake.ID `gorm:"primaryKey" json:"id"`
	SubscriptionID    snowflake.ID `gorm:"column:subscription_id;not null" json:"subscription_id"`
	EventType         string       `gorm:"column:event_type;not null" json:"event_type"`
	PeriodStart       time.Time    `gorm:"column:period_start;not null" json:"period_start"`
	PeriodEnd         time.Time    `gorm:"column:period_end;not null" json:"period_end"`
	OriginPeriodStart time.Time    `gorm:"column:origin_period_start;not null" json:"origin_period_start"`
	TotalQuantity     float64      `gorm:"column:total_quantity;not null" json:"total_quantity"`
	EventCount        int64        `gorm:"column:event_count;not null" json:"event_count"`
	Version           int64        `gorm:"not null;default:1" json:"version"`
	BilledAt          *time.Time   `gorm:"column:billed_at" json:"billed_at,omitempty"`
	InvoiceID         *snowflake.ID `gorm:"column:invoice_id" json:"invoice_id,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

func (UsageAggregate) TableName() string { return "usage_aggregates" }

// Correction reports whether this aggregate carries late usage for an
// already billed bucket.
func (a UsageAggregate) Correction() bool {
	return !a.OriginPeriodStart.Equal(a.PeriodStart)
}

// BucketStart truncates an instant to its hourly bucket boundary.
func BucketStart(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// BucketEnd is the half-open upper bound of the bucket starting at start.
func BucketEnd(start time.Time) time.Time {
	return start.Add(time.Hour)
}

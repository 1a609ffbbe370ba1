package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// UsageEvent is a single metered occurrence reported by an API key.
// Assignment columns are written by the aggregator; the only later
// rewrite is moving an event forward when billing froze its bucket
// before the totals caught up.
type UsageEvent struct {
	ID             snowflake.ID   `gorm:"primaryKey" json:"id"`
	APIKeyID       snowflake.ID   `gorm:"column:api_key_id;not null" json:"api_key_id"`
	SubscriptionID snowflake.ID   `gorm:"column:subscription_id;not null;index" json:"subscription_id"`
	EventType      string         `gorm:"column:event_type;not null" json:"event_type"`
	Quantity       float64        `gorm:"not null" json:"quantity"`
	OccurredAt     time.Time      `gorm:"column:occurred_at;not null" json:"occurred_at"`
	ReceivedAt     time.Time      `gorm:"column:received_at;not null" json:"received_at"`
	DedupeKey      *string        `gorm:"column:dedupe_key" json:"dedupe_key,omitempty"`
	Metadata       datatypes.JSON `gorm:"type:jsonb" json:"metadata,omitempty"`

	// Durable bucket assignment, set when the aggregator claims the event.
	OriginPeriodStart   *time.Time `gorm:"column:origin_period_start" json:"origin_period_start,omitempty"`
	AssignedPeriodStart *time.Time `gorm:"column:assigned_period_start" json:"assigned_period_start,omitempty"`
	AssignedAt          *time.Time `gorm:"column:assigned_at" json:"assigned_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (UsageEvent) TableName() string { return "usage_events" }

// BucketStart truncates the event's occurrence time to its hourly bucket.
func (e UsageEvent) BucketStart() time.Time {
	return e.OccurredAt.UTC().Truncate(time.Hour)
}

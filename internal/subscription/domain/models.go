package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type SubscriptionStatus string

const (
	SubscriptionStatusTrialing SubscriptionStatus = "trialing"
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
)

type BillingPeriod string

const (
	BillingPeriodMonthly BillingPeriod = "monthly"
	BillingPeriodWeekly  BillingPeriod = "weekly"
	BillingPeriodDaily   BillingPeriod = "daily"
)

// Subscription snapshots the customer's plan terms at signup. Pricing
// changes never rewrite an existing subscription's terms.
type Subscription struct {
	ID                 snowflake.ID       `gorm:"primaryKey" json:"id"`
	CustomerRef        string             `gorm:"column:customer_ref;type:text;not null" json:"customer_ref"`
	PlanCode           string             `gorm:"column:plan_code;type:text;not null" json:"plan_code"`
	Status             SubscriptionStatus `gorm:"type:text;not null;default:active" json:"status"`
	Currency           string             `gorm:"type:text;not null;default:usd" json:"currency"`
	FlatFeeCents       int64              `gorm:"column:flat_fee_cents;not null;default:0" json:"flat_fee_cents"`
	BillingPeriod      BillingPeriod      `gorm:"column:billing_period;type:text;not null;default:monthly" json:"billing_period"`
	CurrentPeriodStart time.Time          `gorm:"column:current_period_start;not null" json:"current_period_start"`
	CurrentPeriodEnd   time.Time          `gorm:"column:current_period_end;not null" json:"current_period_end"`
	TrialEndsAt        *time.Time         `gorm:"column:trial_ends_at" json:"trial_ends_at,omitempty"`
	CanceledAt         *time.Time         `gorm:"column:canceled_at" json:"canceled_at,omitempty"`
	CreatedAt          time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt          time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Subscription) TableName() string { return "subscriptions" }

// Billable reports whether usage against this subscription may be metered.
func (s Subscription) Billable() bool {
	return s.Status == SubscriptionStatusActive ||
		s.Status == SubscriptionStatusTrialing ||
		s.Status == SubscriptionStatusPastDue
}

// NextPeriodEnd advances a period boundary by the subscription's billing period.
func (s Subscription) NextPeriodEnd(from time.Time) time.Time {
	from = from.UTC()
	switch s.BillingPeriod {
	case BillingPeriodDaily:
		return from.AddDate(0, 0, 1)
	case BillingPeriodWeekly:
		return from.AddDate(0, 0, 7)
	default:
		return from.AddDate(0, 1, 0)
	}
}

type TermKind string

const (
	TermKindFlat   TermKind = "flat"
	TermKindUnit   TermKind = "unit"
	TermKindTiered TermKind = "tiered"
)

// PlanTerm prices one event type on a subscription.
type PlanTerm struct {
	ID               snowflake.ID   `gorm:"primaryKey" json:"id"`
	SubscriptionID   snowflake.ID   `gorm:"column:subscription_id;not null;uniqueIndex:ux_plan_terms_subscription_event,priority:1" json:"subscription_id"`
	EventType        string         `gorm:"column:event_type;type:text;not null;uniqueIndex:ux_plan_terms_subscription_event,priority:2" json:"event_type"`
	Kind             TermKind       `gorm:"type:text;not null" json:"kind"`
	UnitAmountCents  int64          `gorm:"column:unit_amount_cents;not null;default:0" json:"unit_amount_cents"`
	IncludedQuantity float64        `gorm:"column:included_quantity;type:numeric(20,6);not null;default:0" json:"included_quantity"`
	Tiers            datatypes.JSON `gorm:"type:jsonb" json:"tiers,omitempty"`
	CreatedAt        time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

func (PlanTerm) TableName() string { return "plan_terms" }

// Tier is one step of a graduated price. A nil UpTo marks the last,
// unbounded tier.
type Tier struct {
	UpTo            *float64 `json:"up_to,omitempty"`
	UnitAmountCents int64    `json:"unit_amount_cents"`
	FlatAmountCents int64    `json:"flat_amount_cents"`
}

package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// RevenueMetric is one month of realized revenue per currency, rebuilt
// from invoices rather than incrementally maintained.
type RevenueMetric struct {
	ID                   snowflake.ID `gorm:"primaryKey" json:"id"`
	PeriodStart          time.Time    `gorm:"column:period_start;not null" json:"period_start"`
	Currency             string       `gorm:"not null" json:"currency"`
	UsageRevenueCents    int64        `gorm:"column:usage_revenue_cents;not null" json:"usage_revenue_cents"`
	FlatRevenueCents     int64        `gorm:"column:flat_revenue_cents;not null" json:"flat_revenue_cents"`
	InvoicesPaid         int          `gorm:"column:invoices_paid;not null" json:"invoices_paid"`
	InvoicesFailed       int          `gorm:"column:invoices_failed;not null" json:"invoices_failed"`
	ActiveSubscriptions  int          `gorm:"column:active_subscriptions;not null" json:"active_subscriptions"`
	ChurnedSubscriptions int          `gorm:"column:churned_subscriptions;not null" json:"churned_subscriptions"`
	ComputedAt           time.Time    `gorm:"column:computed_at;not null" json:"computed_at"`
}

func (RevenueMetric) TableName() string { return "revenue_metrics" }

type ChurnRisk string

const (
	ChurnRiskLow    ChurnRisk = "low"
	ChurnRiskMedium ChurnRisk = "medium"
	ChurnRiskHigh   ChurnRisk = "high"
)

// CustomerInsight is the per-subscription health snapshot. It informs
// dashboards only and never feeds back into billing decisions.
type CustomerInsight struct {
	ID                snowflake.ID `gorm:"primaryKey" json:"id"`
	SubscriptionID    snowflake.ID `gorm:"column:subscription_id;uniqueIndex;not null" json:"subscription_id"`
	HealthScore       int          `gorm:"column:health_score;not null" json:"health_score"`
	ChurnRisk         ChurnRisk    `gorm:"column:churn_risk;type:text;not null;default:low" json:"churn_risk"`
	LastEventAt       *time.Time   `gorm:"column:last_event_at" json:"last_event_at,omitempty"`
	Events30d         float64      `gorm:"column:events_30d;not null" json:"events_30d"`
	FailedInvoices90d int          `gorm:"column:failed_invoices_90d;not null" json:"failed_invoices_90d"`
	ComputedAt        time.Time    `gorm:"column:computed_at;not null" json:"computed_at"`
}

func (CustomerInsight) TableName() string { return "customer_insights" }

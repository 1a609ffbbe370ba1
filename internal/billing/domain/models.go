package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type InvoiceStatus string

const (
	InvoiceStatusDraft           InvoiceStatus = "draft"
	InvoiceStatusPendingExternal InvoiceStatus = "pending_external"
	InvoiceStatusFailed          InvoiceStatus = "failed"
	InvoiceStatusOpen            InvoiceStatus = "open"
	InvoiceStatusPaid            InvoiceStatus = "paid"
	InvoiceStatusVoid            InvoiceStatus = "void"
)

// statusRank orders the lifecycle so reconciliation can drop stale
// notifications: a status never moves to a lower rank.
var statusRank = map[InvoiceStatus]int{
	InvoiceStatusDraft:           0,
	InvoiceStatusPendingExternal: 1,
	InvoiceStatusFailed:          2,
	InvoiceStatusOpen:            3,
	InvoiceStatusPaid:            4,
	InvoiceStatusVoid:            4,
}

func StatusRank(s InvoiceStatus) (int, bool) {
	rank, ok := statusRank[s]
	return rank, ok
}

func IsTerminal(s InvoiceStatus) bool {
	return s == InvoiceStatusPaid || s == InvoiceStatusVoid
}

type Invoice struct {
	ID                 snowflake.ID  `gorm:"primaryKey" json:"id"`
	SubscriptionID     snowflake.ID  `gorm:"column:subscription_id;not null" json:"subscription_id"`
	PeriodStart        time.Time     `gorm:"column:period_start;not null" json:"period_start"`
	PeriodEnd          time.Time     `gorm:"column:period_end;not null" json:"period_end"`
	Status             InvoiceStatus `gorm:"type:text;not null;default:draft" json:"status"`
	Currency           string        `gorm:"not null" json:"currency"`
	TotalAmountCents   int64         `gorm:"column:total_amount_cents;not null" json:"total_amount_cents"`
	ExternalInvoiceRef *string       `gorm:"column:external_invoice_ref" json:"external_invoice_ref,omitempty"`
	IdempotencyKey     string        `gorm:"column:idempotency_key;not null" json:"-"`
	AttemptCount       int           `gorm:"column:attempt_count;not null" json:"attempt_count"`
	NextRetryAt        *time.Time    `gorm:"column:next_retry_at" json:"next_retry_at,omitempty"`
	LastError          *string       `gorm:"column:last_error" json:"last_error,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`

	LineItems []InvoiceLineItem `gorm:"foreignKey:InvoiceID" json:"line_items,omitempty"`
}

func (Invoice) TableName() string { return "invoices" }

type LineItemKind string

const (
	LineItemKindUsage      LineItemKind = "usage"
	LineItemKindCorrection LineItemKind = "correction"
	LineItemKindFlatFee    LineItemKind = "flat_fee"
)

type InvoiceLineItem struct {
	ID              snowflake.ID  `gorm:"primaryKey" json:"id"`
	InvoiceID       snowflake.ID  `gorm:"column:invoice_id;not null;index" json:"invoice_id"`
	AggregateID     *snowflake.ID `gorm:"column:aggregate_id" json:"aggregate_id,omitempty"`
	Kind            LineItemKind  `gorm:"type:text;not null" json:"kind"`
	Description     string        `gorm:"not null;default:''" json:"description"`
	EventType       string        `gorm:"column:event_type;not null;default:''" json:"event_type"`
	Quantity        float64       `gorm:"not null" json:"quantity"`
	UnitAmountCents int64         `gorm:"column:unit_amount_cents;not null" json:"unit_amount_cents"`
	AmountCents     int64         `gorm:"column:amount_cents;not null" json:"amount_cents"`
	CreatedAt       time.Time     `json:"created_at"`
}

func (InvoiceLineItem) TableName() string { return "invoice_line_items" }

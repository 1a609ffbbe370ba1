package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type ProviderEventStatus string

const (
	ProviderEventStatusReceived   ProviderEventStatus = "received"
	ProviderEventStatusProcessed  ProviderEventStatus = "processed"
	ProviderEventStatusDeadLetter ProviderEventStatus = "dead_letter"
)

// ProviderEvent is a raw provider notification, persisted before any
// processing so the webhook handler can ack immediately.
type ProviderEvent struct {
	ID                 snowflake.ID        `gorm:"primaryKey" json:"id"`
	Provider           string              `gorm:"not null" json:"provider"`
	ProviderEventID    string              `gorm:"column:provider_event_id;not null" json:"provider_event_id"`
	EventType          string              `gorm:"column:event_type;not null" json:"event_type"`
	ExternalInvoiceRef string              `gorm:"column:external_invoice_ref;not null;default:''" json:"external_invoice_ref"`
	TargetStatus       string              `gorm:"column:target_status;not null;default:''" json:"target_status"`
	Status             ProviderEventStatus `gorm:"type:text;not null;default:received" json:"status"`
	Payload            datatypes.JSON      `gorm:"type:jsonb" json:"-"`
	LookupAttempts     int                 `gorm:"column:lookup_attempts;not null;default:0" json:"lookup_attempts"`
	LastError          *string             `gorm:"column:last_error" json:"last_error,omitempty"`
	ReceivedAt         time.Time           `gorm:"column:received_at;not null" json:"received_at"`
	ProcessedAt        *time.Time          `gorm:"column:processed_at" json:"processed_at,omitempty"`
}

func (ProviderEvent) TableName() string { return "provider_events" }

type DeadLetterReason string

const (
	DeadLetterReasonUnknownInvoice   DeadLetterReason = "unknown_invoice"
	DeadLetterReasonTerminalConflict DeadLetterReason = "terminal_conflict"
	DeadLetterReasonUnmappableStatus DeadLetterReason = "unmappable_status"
)

// DeadLetter records a notification reconciliation gave up on, kept
// for operator review and manual retry.
type DeadLetter struct {
	ID                 snowflake.ID     `gorm:"primaryKey" json:"id"`
	ProviderEventID    snowflake.ID     `gorm:"column:provider_event_id;not null" json:"provider_event_id"`
	Provider           string           `gorm:"not null" json:"provider"`
	ExternalInvoiceRef string           `gorm:"column:external_invoice_ref;not null;default:''" json:"external_invoice_ref"`
	Reason             DeadLetterReason `gorm:"type:text;not null" json:"reason"`
	Detail             string           `gorm:"not null;default:''" json:"detail"`
	CreatedAt          time.Time        `json:"created_at"`
	RetriedAt          *time.Time       `gorm:"column:retried_at" json:"retried_at,omitempty"`
}

func (DeadLetter) TableName() string { return "reconcile_dead_letters" }

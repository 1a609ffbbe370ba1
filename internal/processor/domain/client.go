package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// ErrProcessorRejected means the provider definitively refused the
// invoice. Rejections are retried with backoff; anything else (network
// failure, timeout) leaves the outcome unknown and the invoice is
// re-reported idempotently.
var ErrProcessorRejected = errors.New("processor_rejected")

type ReportRequest struct {
	InvoiceID      snowflake.ID
	SubscriptionID snowflake.ID
	CustomerRef    string
	Currency       string
	AmountCents    int64
	PeriodStart    time.Time
	PeriodEnd      time.Time

	// IdempotencyKey makes re-reporting after an unknown outcome safe.
	IdempotencyKey string
}

type ReportResult struct {
	ExternalInvoiceRef string
}

// Client pushes closed invoices to the external payment processor.
type Client interface {
	ReportInvoice(ctx context.Context, req ReportRequest) (*ReportResult, error)
}

// WebhookNotification is a provider callback decoded into the fields
// reconciliation cares about.
type WebhookNotification struct {
	ProviderEventID    string
	EventType          string
	ExternalInvoiceRef string
	Status             string
	OccurredAt         time.Time
}

var (
	// ErrInvalidSignature rejects webhooks that fail HMAC verification.
	ErrInvalidSignature = errors.New("invalid_webhook_signature")
	// ErrUnsupportedEvent marks provider event types we do not consume.
	ErrUnsupportedEvent = errors.New("unsupported_webhook_event")
)

// WebhookVerifier authenticates and decodes provider callbacks.
type WebhookVerifier interface {
	// VerifyAndParse checks the signature header against the raw body
	// and decodes the notification.
	VerifyAndParse(body []byte, signatureHeader string, now time.Time) (*WebhookNotification, error)
}

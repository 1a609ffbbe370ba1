package domain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/freely-hq/agentpay/pkg/db/pagination"
)

var (
	ErrInvoiceNotFound = errors.New("invoice_not_found")
	ErrInvalidPeriod   = errors.New("invalid_billing_period")
)

// IdempotencyKey derives the stable key an invoice is reported under.
// Re-reporting after an unknown outcome reuses the same key, so the
// processor can collapse duplicates.
func IdempotencyKey(subscriptionID snowflake.ID, periodStart, periodEnd time.Time) string {
	payload := fmt.Sprintf("%d|%s|%s",
		subscriptionID,
		periodStart.UTC().Format(time.RFC3339),
		periodEnd.UTC().Format(time.RFC3339),
	)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

type ListRequest struct {
	SubscriptionID snowflake.ID
	Status         string `form:"status"`
	pagination.Pagination
}

type Service interface {
	// ClosePeriod freezes all unbilled aggregates up to periodEnd into
	// one invoice. The period must have elapsed; closing the same
	// period twice returns the first invoice unchanged.
	ClosePeriod(ctx context.Context, subscriptionID snowflake.ID, periodStart, periodEnd time.Time) (*Invoice, error)

	// CloseDuePeriods closes and rotates every subscription whose
	// current period has ended. Returns the number of invoices closed.
	CloseDuePeriods(ctx context.Context, batchSize int) (int, error)

	// ReportPending pushes pending_external invoices to the processor.
	ReportPending(ctx context.Context, batchSize int) (int, error)

	// RetryFailed requeues failed invoices whose backoff has elapsed.
	RetryFailed(ctx context.Context, batchSize int) (int, error)

	Get(ctx context.Context, subscriptionID, invoiceID snowflake.ID) (*Invoice, error)
	List(ctx context.Context, req ListRequest) ([]Invoice, pagination.PageInfo, error)
}

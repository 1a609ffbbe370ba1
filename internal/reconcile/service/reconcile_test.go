package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	billingdomain "github.com/freely-hq/agentpay/internal/billing/domain"
	clockpkg "github.com/freely-hq/agentpay/internal/clock"
	"github.com/freely-hq/agentpay/internal/config"
	"github.com/freely-hq/agentpay/internal/observability/metrics"
	processordomain "github.com/freely-hq/agentpay/internal/processor/domain"
	reconciledomain "github.com/freely-hq/agentpay/internal/reconcile/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	svc  *Service
	db   *gorm.DB
	clk  *clockpkg.FakeClock
	node *snowflake.Node
}

func setup(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, gdb.AutoMigrate(
		&billingdomain.Invoice{},
		&reconciledomain.ProviderEvent{},
		&reconciledomain.DeadLetter{},
	))
	require.NoError(t, gdb.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_provider_events_provider_event
		 ON provider_events (provider, provider_event_id)`,
	).Error)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clk := clockpkg.NewFakeClock(time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC))

	policy := config.DefaultBillingPolicy()
	policy.MaxLookupAttempts = 2

	svc := New(Params{
		DB:      gdb,
		Log:     zap.NewNop(),
		Clock:   clk,
		GenID:   node,
		Metrics: metrics.NewNop(),
		Policy:  config.StaticBillingPolicyHolder(policy),
	}).(*Service)

	return &fixture{svc: svc, db: gdb, clk: clk, node: node}
}

func (f *fixture) seedInvoice(t *testing.T, status billingdomain.InvoiceStatus, externalRef string) snowflake.ID {
	t.Helper()
	invoice := billingdomain.Invoice{
		ID:                 f.node.Generate(),
		SubscriptionID:     1,
		PeriodStart:        time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:          time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		Status:             status,
		Currency:           "usd",
		TotalAmountCents:   1000,
		ExternalInvoiceRef: &externalRef,
		IdempotencyKey:     "key-" + externalRef,
	}
	require.NoError(t, f.db.Create(&invoice).Error)
	return invoice.ID
}

func notification(eventID, ref, status string) *processordomain.WebhookNotification {
	return &processordomain.WebhookNotification{
		ProviderEventID:    eventID,
		EventType:          "invoice." + status,
		ExternalInvoiceRef: ref,
		Status:             status,
	}
}

func TestIngestWebhookDeduplicatesDeliveries(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.IngestWebhook(ctx, "stripe", notification("evt_1", "in_a", "paid"), []byte(`{}`))
	require.NoError(t, err)

	_, err = f.svc.IngestWebhook(ctx, "stripe", notification("evt_1", "in_a", "paid"), []byte(`{}`))
	assert.ErrorIs(t, err, reconciledomain.ErrEventAlreadyProcessed)

	var count int64
	require.NoError(t, f.db.Model(&reconciledomain.ProviderEvent{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestProcessPendingAppliesMonotonicTransitions(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	invoiceID := f.seedInvoice(t, billingdomain.InvoiceStatusPendingExternal, "in_a")

	// Deliveries arrive out of order: open, paid, then a stale open.
	for i, status := range []string{"open", "paid", "open"} {
		_, err := f.svc.IngestWebhook(ctx, "stripe", notification(fmt.Sprintf("evt_%d", i), "in_a", status), []byte(`{}`))
		require.NoError(t, err)
		f.clk.Advance(time.Second)
	}

	processed, err := f.svc.ProcessPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, processed)

	var invoice billingdomain.Invoice
	require.NoError(t, f.db.First(&invoice, "id = ?", invoiceID).Error)
	assert.Equal(t, billingdomain.InvoiceStatusPaid, invoice.Status)

	var pending int64
	require.NoError(t, f.db.Model(&reconciledomain.ProviderEvent{}).
		Where("status = ?", reconciledomain.ProviderEventStatusReceived).
		Count(&pending).Error)
	assert.Zero(t, pending)
}

func TestProcessPendingRetriesUnknownRefThenDeadLetters(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.IngestWebhook(ctx, "stripe", notification("evt_1", "in_missing", "paid"), []byte(`{}`))
	require.NoError(t, err)

	processed, err := f.svc.ProcessPending(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, processed)

	var event reconciledomain.ProviderEvent
	require.NoError(t, f.db.First(&event, "provider_event_id = ?", "evt_1").Error)
	assert.Equal(t, reconciledomain.ProviderEventStatusReceived, event.Status)
	assert.Equal(t, 1, event.LookupAttempts)

	// Second pass hits the lookup cap.
	processed, err = f.svc.ProcessPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	require.NoError(t, f.db.First(&event, "provider_event_id = ?", "evt_1").Error)
	assert.Equal(t, reconciledomain.ProviderEventStatusDeadLetter, event.Status)

	letters, _, err := f.svc.ListDeadLetters(ctx, reconciledomain.ListDeadLettersRequest{})
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, reconciledomain.DeadLetterReasonUnknownInvoice, letters[0].Reason)
}

func TestProcessPendingDeadLettersTerminalConflict(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	invoiceID := f.seedInvoice(t, billingdomain.InvoiceStatusVoid, "in_a")

	_, err := f.svc.IngestWebhook(ctx, "stripe", notification("evt_1", "in_a", "paid"), []byte(`{}`))
	require.NoError(t, err)

	processed, err := f.svc.ProcessPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	// The invoice keeps its terminal state.
	var invoice billingdomain.Invoice
	require.NoError(t, f.db.First(&invoice, "id = ?", invoiceID).Error)
	assert.Equal(t, billingdomain.InvoiceStatusVoid, invoice.Status)

	letters, _, err := f.svc.ListDeadLetters(ctx, reconciledomain.ListDeadLettersRequest{})
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, reconciledomain.DeadLetterReasonTerminalConflict, letters[0].Reason)
}

func TestRetryDeadLetterRequeuesEvent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.IngestWebhook(ctx, "stripe", notification("evt_1", "in_late", "paid"), []byte(`{}`))
	require.NoError(t, err)

	// Exhaust lookups so the event dead-letters.
	for i := 0; i < 2; i++ {
		_, err = f.svc.ProcessPending(ctx, 10)
		require.NoError(t, err)
	}

	letters, _, err := f.svc.ListDeadLetters(ctx, reconciledomain.ListDeadLettersRequest{})
	require.NoError(t, err)
	require.Len(t, letters, 1)

	// The invoice shows up afterwards; a manual retry succeeds.
	f.seedInvoice(t, billingdomain.InvoiceStatusOpen, "in_late")
	require.NoError(t, f.svc.RetryDeadLetter(ctx, letters[0].ID))

	processed, err := f.svc.ProcessPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	var invoice billingdomain.Invoice
	require.NoError(t, f.db.First(&invoice, "external_invoice_ref = ?", "in_late").Error)
	assert.Equal(t, billingdomain.InvoiceStatusPaid, invoice.Status)

	require.NoError(t, f.db.First(&letters[0], "id = ?", letters[0].ID).Error)
	assert.NotNil(t, letters[0].RetriedAt)

	assert.ErrorIs(t, f.svc.RetryDeadLetter(ctx, 99999), reconciledomain.ErrDeadLetterNotFound)
}

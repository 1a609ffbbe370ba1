package e2e

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	aggdomain "github.com/freely-hq/agentpay/internal/aggregate/domain"
	aggregateservice "github.com/freely-hq/agentpay/internal/aggregate/service"
	apikeydomain "github.com/freely-hq/agentpay/internal/apikey/domain"
	apikeyservice "github.com/freely-hq/agentpay/internal/apikey/service"
	billingdomain "github.com/freely-hq/agentpay/internal/billing/domain"
	billingservice "github.com/freely-hq/agentpay/internal/billing/service"
	clockpkg "github.com/freely-hq/agentpay/internal/clock"
	"github.com/freely-hq/agentpay/internal/config"
	ingestdomain "github.com/freely-hq/agentpay/internal/ingest/domain"
	ingestservice "github.com/freely-hq/agentpay/internal/ingest/service"
	insightsdomain "github.com/freely-hq/agentpay/internal/insights/domain"
	insightsservice "github.com/freely-hq/agentpay/internal/insights/service"
	"github.com/freely-hq/agentpay/internal/observability/metrics"
	processordomain "github.com/freely-hq/agentpay/internal/processor/domain"
	reconciledomain "github.com/freely-hq/agentpay/internal/reconcile/domain"
	reconcileservice "github.com/freely-hq/agentpay/internal/reconcile/service"
	subscriptiondomain "github.com/freely-hq/agentpay/internal/subscription/domain"
	subscriptionservice "github.com/freely-hq/agentpay/internal/subscription/service"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type recordingProcessor struct {
	reports []processordomain.ReportRequest
}

func (p *recordingProcessor) ReportInvoice(_ context.Context, req processordomain.ReportRequest) (*processordomain.ReportResult, error) {
	p.reports = append(p.reports, req)
	return &processordomain.ReportResult{ExternalInvoiceRef: "in_e2e_1"}, nil
}

type world struct {
	db        *gorm.DB
	clk       *clockpkg.FakeClock
	node      *snowflake.Node
	processor *recordingProcessor

	apiKeys   apikeydomain.Service
	ingest    ingestdomain.Service
	aggregate aggdomain.Service
	billing   billingdomain.Service
	reconcile reconciledomain.Service
	insights  insightsdomain.Service
}

func newWorld(t *testing.T) *world {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, gdb.AutoMigrate(
		&apikeydomain.APIKey{},
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.PlanTerm{},
		&ingestdomain.UsageEvent{},
		&aggdomain.UsageAggregate{},
		&billingdomain.Invoice{},
		&billingdomain.InvoiceLineItem{},
		&reconciledomain.ProviderEvent{},
		&reconciledomain.DeadLetter{},
		&insightsdomain.RevenueMetric{},
		&insightsdomain.CustomerInsight{},
	))
	for _, stmt := range []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_usage_events_dedupe
		 ON usage_events (api_key_id, dedupe_key) WHERE dedupe_key IS NOT NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_usage_aggregates_bucket
		 ON usage_aggregates (subscription_id, event_type, period_start, origin_period_start)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_invoices_subscription_period
		 ON invoices (subscription_id, period_start, period_end)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_provider_events_provider_event
		 ON provider_events (provider, provider_event_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_revenue_metrics_period_currency
		 ON revenue_metrics (period_start, currency)`,
	} {
		require.NoError(t, gdb.Exec(stmt).Error)
	}

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clk := clockpkg.NewFakeClock(time.Date(2026, 5, 1, 0, 10, 0, 0, time.UTC))
	log := zap.NewNop()
	nop := metrics.NewNop()
	cfg := config.Config{IngestGraceWindow: time.Hour}
	policy := config.StaticBillingPolicyHolder(config.DefaultBillingPolicy())
	proc := &recordingProcessor{}

	subs := subscriptionservice.New(subscriptionservice.Params{DB: gdb, Log: log})

	return &world{
		db:        gdb,
		clk:       clk,
		node:      node,
		processor: proc,
		apiKeys: apikeyservice.New(apikeyservice.Params{
			DB: gdb, Log: log, Clock: clk, GenID: node,
		}),
		ingest: ingestservice.New(ingestservice.Params{
			Config: cfg, DB: gdb, Log: log, Clock: clk, GenID: node, Metrics: nop,
		}),
		aggregate: aggregateservice.New(aggregateservice.Params{
			DB: gdb, Log: log, Clock: clk, GenID: node, Metrics: nop,
		}),
		billing: billingservice.New(billingservice.Params{
			DB: gdb, Log: log, Clock: clk, GenID: node, Metrics: nop,
			Policy: policy, Subscriptions: subs, Processor: proc,
		}),
		reconcile: reconcileservice.New(reconcileservice.Params{
			DB: gdb, Log: log, Clock: clk, GenID: node, Metrics: nop, Policy: policy,
		}),
		insights: insightsservice.New(insightsservice.Params{
			DB: gdb, Log: log, Clock: clk, GenID: node, Policy: policy,
		}),
	}
}

// TestFullBillingCycle walks one subscription through the whole
// pipeline: ingest with a duplicate delivery, hourly aggregation,
// period close, processor report, webhook reconciliation and the
// revenue rollup.
func TestFullBillingCycle(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	periodStart := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	sub := subscriptiondomain.Subscription{
		ID:                 w.node.Generate(),
		CustomerRef:        "cus_e2e",
		PlanCode:           "metered",
		Status:             subscriptiondomain.SubscriptionStatusActive,
		Currency:           "usd",
		BillingPeriod:      subscriptiondomain.BillingPeriodMonthly,
		CurrentPeriodStart: periodStart,
		CurrentPeriodEnd:   periodEnd,
	}
	require.NoError(t, w.db.Create(&sub).Error)
	require.NoError(t, w.db.Create(&subscriptiondomain.PlanTerm{
		ID:              w.node.Generate(),
		SubscriptionID:  sub.ID,
		EventType:       "tokens_in",
		Kind:            subscriptiondomain.TermKindUnit,
		UnitAmountCents: 2,
	}).Error)

	created, err := w.apiKeys.Create(ctx, apikeydomain.CreateKeyRequest{
		SubscriptionID: sub.ID,
		Name:           "e2e key",
	})
	require.NoError(t, err)
	authed := apikeydomain.ContextWithIdentity(ctx, apikeydomain.Identity{
		APIKeyID:       created.Key.ID,
		SubscriptionID: sub.ID,
	})

	// Ingest three events plus one duplicate delivery.
	for _, ev := range []struct {
		quantity float64
		at       time.Time
		dedupe   string
	}{
		{100, time.Date(2026, 4, 29, 10, 15, 0, 0, time.UTC), "req-1"},
		{200, time.Date(2026, 4, 29, 10, 45, 0, 0, time.UTC), "req-2"},
		{50, time.Date(2026, 4, 30, 8, 5, 0, 0, time.UTC), "req-3"},
		{200, time.Date(2026, 4, 29, 10, 45, 0, 0, time.UTC), "req-2"},
	} {
		_, err := w.ingest.Record(authed, ingestdomain.RecordRequest{
			EventType:  "tokens_in",
			Quantity:   ev.quantity,
			OccurredAt: ev.at,
			DedupeKey:  ev.dedupe,
		})
		require.NoError(t, err)
	}

	var eventCount int64
	require.NoError(t, w.db.Model(&ingestdomain.UsageEvent{}).Count(&eventCount).Error)
	require.Equal(t, int64(3), eventCount)

	// Fold events into hourly buckets.
	folded, err := w.aggregate.Run(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 3, folded)

	var aggregates []aggdomain.UsageAggregate
	require.NoError(t, w.db.Order("period_start").Find(&aggregates).Error)
	require.Len(t, aggregates, 2)
	assert.Equal(t, 300.0, aggregates[0].TotalQuantity)
	assert.Equal(t, 50.0, aggregates[1].TotalQuantity)

	// Close the period now that it has ended.
	closed, err := w.billing.CloseDuePeriods(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, closed)

	var invoice billingdomain.Invoice
	require.NoError(t, w.db.Preload("LineItems").
		Where("subscription_id = ?", sub.ID).First(&invoice).Error)
	assert.Equal(t, billingdomain.InvoiceStatusPendingExternal, invoice.Status)
	assert.Equal(t, int64(700), invoice.TotalAmountCents)

	var rotated subscriptiondomain.Subscription
	require.NoError(t, w.db.First(&rotated, "id = ?", sub.ID).Error)
	assert.Equal(t, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), rotated.CurrentPeriodEnd.UTC())

	// Report to the processor.
	reported, err := w.billing.ReportPending(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, reported)
	require.Len(t, w.processor.reports, 1)
	assert.Equal(t, billingdomain.IdempotencyKey(sub.ID, invoice.PeriodStart, invoice.PeriodEnd),
		w.processor.reports[0].IdempotencyKey)

	require.NoError(t, w.db.First(&invoice, "id = ?", invoice.ID).Error)
	require.Equal(t, billingdomain.InvoiceStatusOpen, invoice.Status)
	require.NotNil(t, invoice.ExternalInvoiceRef)

	// Provider confirms payment via webhook.
	_, err = w.reconcile.IngestWebhook(ctx, "stripe", &processordomain.WebhookNotification{
		ProviderEventID:    "evt_e2e_paid",
		EventType:          "invoice.paid",
		ExternalInvoiceRef: *invoice.ExternalInvoiceRef,
		Status:             string(billingdomain.InvoiceStatusPaid),
		OccurredAt:         w.clk.Now(),
	}, []byte(`{"id":"evt_e2e_paid"}`))
	require.NoError(t, err)

	processed, err := w.reconcile.ProcessPending(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, processed)

	require.NoError(t, w.db.First(&invoice, "id = ?", invoice.ID).Error)
	assert.Equal(t, billingdomain.InvoiceStatusPaid, invoice.Status)

	// Roll up revenue for the month the invoice landed in.
	require.NoError(t, w.insights.RebuildRevenueMetrics(ctx, time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC)))

	var metric insightsdomain.RevenueMetric
	require.NoError(t, w.db.Where("currency = ?", "usd").First(&metric).Error)
	assert.Equal(t, int64(700), metric.UsageRevenueCents)
	assert.Equal(t, int64(0), metric.FlatRevenueCents)
	assert.Equal(t, 1, metric.InvoicesPaid)
}

// TestLateEventBecomesCorrection delivers an event for an already
// billed bucket and verifies it lands as a correction in the open
// period instead of mutating the closed invoice.
func TestLateEventBecomesCorrection(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	periodStart := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	sub := subscriptiondomain.Subscription{
		ID:                 w.node.Generate(),
		CustomerRef:        "cus_late",
		PlanCode:           "metered",
		Status:             subscriptiondomain.SubscriptionStatusActive,
		Currency:           "usd",
		BillingPeriod:      subscriptiondomain.BillingPeriodMonthly,
		CurrentPeriodStart: periodStart,
		CurrentPeriodEnd:   periodEnd,
	}
	require.NoError(t, w.db.Create(&sub).Error)
	require.NoError(t, w.db.Create(&subscriptiondomain.PlanTerm{
		ID:              w.node.Generate(),
		SubscriptionID:  sub.ID,
		EventType:       "tokens_in",
		Kind:            subscriptiondomain.TermKindUnit,
		UnitAmountCents: 2,
	}).Error)

	created, err := w.apiKeys.Create(ctx, apikeydomain.CreateKeyRequest{
		SubscriptionID: sub.ID,
		Name:           "late key",
	})
	require.NoError(t, err)
	authed := apikeydomain.ContextWithIdentity(ctx, apikeydomain.Identity{
		APIKeyID:       created.Key.ID,
		SubscriptionID: sub.ID,
	})

	occurred := time.Date(2026, 4, 29, 10, 15, 0, 0, time.UTC)
	_, err = w.ingest.Record(authed, ingestdomain.RecordRequest{
		EventType:  "tokens_in",
		Quantity:   100,
		OccurredAt: occurred,
	})
	require.NoError(t, err)

	folded, err := w.aggregate.Run(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, folded)

	closed, err := w.billing.CloseDuePeriods(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, closed)

	// A straggler for the billed bucket shows up a day later.
	w.clk.Advance(24 * time.Hour)
	_, err = w.ingest.Record(authed, ingestdomain.RecordRequest{
		EventType:  "tokens_in",
		Quantity:   40,
		OccurredAt: occurred,
	})
	require.NoError(t, err)

	folded, err = w.aggregate.Run(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, folded)

	var corrections []aggdomain.UsageAggregate
	require.NoError(t, w.db.
		Where("period_start != origin_period_start").Find(&corrections).Error)
	require.Len(t, corrections, 1)
	assert.Equal(t, 40.0, corrections[0].TotalQuantity)
	assert.True(t, corrections[0].Correction())
	assert.Nil(t, corrections[0].BilledAt)

	// The billed bucket itself is untouched.
	var billed aggdomain.UsageAggregate
	require.NoError(t, w.db.
		Where("period_start = origin_period_start").First(&billed).Error)
	assert.Equal(t, 100.0, billed.TotalQuantity)
	assert.NotNil(t, billed.BilledAt)
}

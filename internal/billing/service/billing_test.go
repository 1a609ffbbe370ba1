package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	aggdomain "github.com/freely-hq/agentpay/internal/aggregate/domain"
	billingdomain "github.com/freely-hq/agentpay/internal/billing/domain"
	clockpkg "github.com/freely-hq/agentpay/internal/clock"
	"github.com/freely-hq/agentpay/internal/config"
	"github.com/freely-hq/agentpay/internal/observability/metrics"
	processordomain "github.com/freely-hq/agentpay/internal/processor/domain"
	subscriptiondomain "github.com/freely-hq/agentpay/internal/subscription/domain"
	subscriptionservice "github.com/freely-hq/agentpay/internal/subscription/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type mockProcessor struct {
	mock.Mock
}

func (m *mockProcessor) ReportInvoice(ctx context.Context, req processordomain.ReportRequest) (*processordomain.ReportResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*processordomain.ReportResult), args.Error(1)
}

type fixture struct {
	svc       *Service
	db        *gorm.DB
	clk       *clockpkg.FakeClock
	node      *snowflake.Node
	processor *mockProcessor
}

func setup(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, gdb.AutoMigrate(
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.PlanTerm{},
		&aggdomain.UsageAggregate{},
		&billingdomain.Invoice{},
		&billingdomain.InvoiceLineItem{},
	))
	require.NoError(t, gdb.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_invoices_subscription_period
		 ON invoices (subscription_id, period_start, period_end)`,
	).Error)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clk := clockpkg.NewFakeClock(time.Date(2026, 4, 1, 0, 30, 0, 0, time.UTC))
	proc := &mockProcessor{}

	subs := subscriptionservice.New(subscriptionservice.Params{
		DB:  gdb,
		Log: zap.NewNop(),
	})

	policy := config.DefaultBillingPolicy()
	policy.MaxReportAttempts = 2
	policy.RetryBackoffBase = time.Minute

	svc := New(Params{
		DB:            gdb,
		Log:           zap.NewNop(),
		Clock:         clk,
		GenID:         node,
		Metrics:       metrics.NewNop(),
		Policy:        config.StaticBillingPolicyHolder(policy),
		Subscriptions: subs,
		Processor:     proc,
	}).(*Service)

	return &fixture{svc: svc, db: gdb, clk: clk, node: node, processor: proc}
}

func (f *fixture) seedSubscription(t *testing.T, flatFee int64, periodStart, periodEnd time.Time) snowflake.ID {
	t.Helper()
	sub := subscriptiondomain.Subscription{
		ID:                 f.node.Generate(),
		CustomerRef:        "cus_test",
		PlanCode:           "pro",
		Status:             subscriptiondomain.SubscriptionStatusActive,
		Currency:           "usd",
		FlatFeeCents:       flatFee,
		BillingPeriod:      subscriptiondomain.BillingPeriodMonthly,
		CurrentPeriodStart: periodStart,
		CurrentPeriodEnd:   periodEnd,
	}
	require.NoError(t, f.db.Create(&sub).Error)
	return sub.ID
}

func (f *fixture) seedUnitTerm(t *testing.T, subscriptionID snowflake.ID, eventType string, unitCents int64) {
	t.Helper()
	term := subscriptiondomain.PlanTerm{
		ID:              f.node.Generate(),
		SubscriptionID:  subscriptionID,
		EventType:       eventType,
		Kind:            subscriptiondomain.TermKindUnit,
		UnitAmountCents: unitCents,
	}
	require.NoError(t, f.db.Create(&term).Error)
}

func (f *fixture) seedAggregate(t *testing.T, subscriptionID snowflake.ID, eventType string, bucket time.Time, quantity float64) snowflake.ID {
	t.Helper()
	agg := aggdomain.UsageAggregate{
		ID:                f.node.Generate(),
		SubscriptionID:    subscriptionID,
		EventType:         eventType,
		PeriodStart:       bucket,
		PeriodEnd:         bucket.Add(time.Hour),
		OriginPeriodStart: bucket,
		TotalQuantity:     quantity,
		EventCount:        1,
		Version:           1,
	}
	require.NoError(t, f.db.Create(&agg).Error)
	return agg.ID
}

func TestClosePeriodBuildsInvoice(t *testing.T) {
	f := setup(t)
	periodStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	subID := f.seedSubscription(t, 1000, periodStart, periodEnd)
	f.seedUnitTerm(t, subID, "api_call", 2)

	f.seedAggregate(t, subID, "api_call", periodStart.Add(5*time.Hour), 100)
	f.seedAggregate(t, subID, "api_call", periodStart.Add(9*time.Hour), 250)

	invoice, err := f.svc.ClosePeriod(context.Background(), subID, periodStart, periodEnd)
	require.NoError(t, err)
	assert.Equal(t, billingdomain.InvoiceStatusPendingExternal, invoice.Status)
	// 100*2 + 250*2 usage plus the 1000 flat fee.
	assert.EqualValues(t, 1700, invoice.TotalAmountCents)

	var lines []billingdomain.InvoiceLineItem
	require.NoError(t, f.db.Where("invoice_id = ?", invoice.ID).Find(&lines).Error)
	assert.Len(t, lines, 3)

	var unbilled int64
	require.NoError(t, f.db.Model(&aggdomain.UsageAggregate{}).
		Where("billed_at IS NULL").Count(&unbilled).Error)
	assert.Zero(t, unbilled)
}

func TestClosePeriodTwiceReturnsSameInvoice(t *testing.T) {
	f := setup(t)
	periodStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	subID := f.seedSubscription(t, 0, periodStart, periodEnd)
	f.seedUnitTerm(t, subID, "api_call", 3)
	f.seedAggregate(t, subID, "api_call", periodStart.Add(time.Hour), 10)

	first, err := f.svc.ClosePeriod(context.Background(), subID, periodStart, periodEnd)
	require.NoError(t, err)

	second, err := f.svc.ClosePeriod(context.Background(), subID, periodStart, periodEnd)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.TotalAmountCents, second.TotalAmountCents)

	var count int64
	require.NoError(t, f.db.Model(&billingdomain.Invoice{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestClosePeriodZeroTotalOpensImmediately(t *testing.T) {
	f := setup(t)
	periodStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	subID := f.seedSubscription(t, 0, periodStart, periodEnd)

	invoice, err := f.svc.ClosePeriod(context.Background(), subID, periodStart, periodEnd)
	require.NoError(t, err)
	assert.Equal(t, billingdomain.InvoiceStatusOpen, invoice.Status)
	assert.Zero(t, invoice.TotalAmountCents)
}

func TestClosePeriodRejectsInvertedPeriod(t *testing.T) {
	f := setup(t)
	now := f.clk.Now()

	_, err := f.svc.ClosePeriod(context.Background(), 1, now, now.Add(-time.Hour))
	assert.ErrorIs(t, err, billingdomain.ErrInvalidPeriod)
}

func TestClosePeriodRejectsFutureEnd(t *testing.T) {
	f := setup(t)
	periodStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := f.clk.Now().Add(2 * time.Hour)
	subID := f.seedSubscription(t, 0, periodStart, periodEnd)

	// A period that has not elapsed would sweep the open hourly bucket
	// onto the invoice and freeze it while usage is still arriving.
	_, err := f.svc.ClosePeriod(context.Background(), subID, periodStart, periodEnd)
	assert.ErrorIs(t, err, billingdomain.ErrInvalidPeriod)

	var count int64
	require.NoError(t, f.db.Model(&billingdomain.Invoice{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestClosePeriodBumpsAggregateVersion(t *testing.T) {
	f := setup(t)
	periodStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	subID := f.seedSubscription(t, 0, periodStart, periodEnd)
	f.seedUnitTerm(t, subID, "api_call", 2)
	aggID := f.seedAggregate(t, subID, "api_call", periodStart.Add(time.Hour), 50)

	_, err := f.svc.ClosePeriod(context.Background(), subID, periodStart, periodEnd)
	require.NoError(t, err)

	var agg aggdomain.UsageAggregate
	require.NoError(t, f.db.First(&agg, "id = ?", aggID).Error)
	require.NotNil(t, agg.BilledAt)
	// Freezing advances the version so a recompute holding the old one
	// cannot overwrite the billed totals.
	assert.EqualValues(t, 2, agg.Version)
}

func pendingInvoice(t *testing.T, f *fixture) (snowflake.ID, *billingdomain.Invoice) {
	t.Helper()
	periodStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	subID := f.seedSubscription(t, 500, periodStart, periodEnd)

	invoice, err := f.svc.ClosePeriod(context.Background(), subID, periodStart, periodEnd)
	require.NoError(t, err)
	require.Equal(t, billingdomain.InvoiceStatusPendingExternal, invoice.Status)
	return subID, invoice
}

func TestReportPendingSuccess(t *testing.T) {
	f := setup(t)
	_, invoice := pendingInvoice(t, f)

	f.processor.On("ReportInvoice", mock.Anything, mock.MatchedBy(func(req processordomain.ReportRequest) bool {
		return req.InvoiceID == invoice.ID && req.IdempotencyKey == invoice.IdempotencyKey
	})).Return(&processordomain.ReportResult{ExternalInvoiceRef: "in_ext_1"}, nil)

	reported, err := f.svc.ReportPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, reported)

	var stored billingdomain.Invoice
	require.NoError(t, f.db.First(&stored, "id = ?", invoice.ID).Error)
	assert.Equal(t, billingdomain.InvoiceStatusOpen, stored.Status)
	require.NotNil(t, stored.ExternalInvoiceRef)
	assert.Equal(t, "in_ext_1", *stored.ExternalInvoiceRef)
	f.processor.AssertExpectations(t)
}

func TestReportPendingRejectionSchedulesRetry(t *testing.T) {
	f := setup(t)
	_, invoice := pendingInvoice(t, f)

	f.processor.On("ReportInvoice", mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("%w: card declined", processordomain.ErrProcessorRejected)).Once()

	_, err := f.svc.ReportPending(context.Background(), 10)
	require.NoError(t, err)

	var stored billingdomain.Invoice
	require.NoError(t, f.db.First(&stored, "id = ?", invoice.ID).Error)
	assert.Equal(t, billingdomain.InvoiceStatusFailed, stored.Status)
	assert.Equal(t, 1, stored.AttemptCount)
	require.NotNil(t, stored.NextRetryAt)
	assert.True(t, stored.NextRetryAt.After(f.clk.Now()))

	// Before the backoff elapses nothing is requeued.
	requeued, err := f.svc.RetryFailed(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, requeued)

	f.clk.Advance(2 * time.Minute)
	requeued, err = f.svc.RetryFailed(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)

	// Re-read into a fresh struct: gorm leaves the previous non-nil
	// NextRetryAt in place when scanning a NULL column into a reused value.
	var requeuedInvoice billingdomain.Invoice
	require.NoError(t, f.db.First(&requeuedInvoice, "id = ?", invoice.ID).Error)
	assert.Equal(t, billingdomain.InvoiceStatusPendingExternal, requeuedInvoice.Status)
	assert.Nil(t, requeuedInvoice.NextRetryAt)
}

func TestReportPendingExhaustsAttempts(t *testing.T) {
	f := setup(t)
	subID, invoice := pendingInvoice(t, f)

	f.processor.On("ReportInvoice", mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("%w: card declined", processordomain.ErrProcessorRejected))

	for attempt := 0; attempt < 2; attempt++ {
		_, err := f.svc.ReportPending(context.Background(), 10)
		require.NoError(t, err)
		f.clk.Advance(10 * time.Minute)
		_, err = f.svc.RetryFailed(context.Background(), 10)
		require.NoError(t, err)
	}

	var stored billingdomain.Invoice
	require.NoError(t, f.db.First(&stored, "id = ?", invoice.ID).Error)
	assert.Equal(t, billingdomain.InvoiceStatusFailed, stored.Status)
	assert.Equal(t, 2, stored.AttemptCount)
	assert.Nil(t, stored.NextRetryAt)

	var sub subscriptiondomain.Subscription
	require.NoError(t, f.db.First(&sub, "id = ?", subID).Error)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusPastDue, sub.Status)
}

func TestReportPendingUnknownOutcomeStaysPending(t *testing.T) {
	f := setup(t)
	_, invoice := pendingInvoice(t, f)

	f.processor.On("ReportInvoice", mock.Anything, mock.Anything).
		Return(nil, errors.New("connection reset"))

	reported, err := f.svc.ReportPending(context.Background(), 10)
	assert.Error(t, err)
	assert.Zero(t, reported)

	var stored billingdomain.Invoice
	require.NoError(t, f.db.First(&stored, "id = ?", invoice.ID).Error)
	assert.Equal(t, billingdomain.InvoiceStatusPendingExternal, stored.Status)
	assert.Zero(t, stored.AttemptCount)
}

func TestCloseDuePeriodsRotatesSubscription(t *testing.T) {
	f := setup(t)
	periodStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	subID := f.seedSubscription(t, 500, periodStart, periodEnd)

	// Clock starts past periodEnd, so the subscription is due.
	closed, err := f.svc.CloseDuePeriods(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	var sub subscriptiondomain.Subscription
	require.NoError(t, f.db.First(&sub, "id = ?", subID).Error)
	assert.True(t, sub.CurrentPeriodStart.Equal(periodEnd))
	assert.True(t, sub.CurrentPeriodEnd.Equal(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)))

	var count int64
	require.NoError(t, f.db.Model(&billingdomain.Invoice{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

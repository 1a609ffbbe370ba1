package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	aggdomain "github.com/freely-hq/agentpay/internal/aggregate/domain"
	clockpkg "github.com/freely-hq/agentpay/internal/clock"
	ingestdomain "github.com/freely-hq/agentpay/internal/ingest/domain"
	"github.com/freely-hq/agentpay/internal/observability/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupService(t *testing.T) (*Service, *gorm.DB, *clockpkg.FakeClock, *snowflake.Node) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(&ingestdomain.UsageEvent{}, &aggdomain.UsageAggregate{}))
	require.NoError(t, db.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_usage_aggregates_bucket
		 ON usage_aggregates (subscription_id, event_type, period_start, origin_period_start)`,
	).Error)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clk := clockpkg.NewFakeClock(time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC))

	svc := New(Params{
		DB:      db,
		Log:     zap.NewNop(),
		Clock:   clk,
		GenID:   node,
		Metrics: metrics.NewNop(),
	}).(*Service)
	return svc, db, clk, node
}

func seedEvent(t *testing.T, db *gorm.DB, node *snowflake.Node, subscriptionID snowflake.ID, eventType string, quantity float64, occurredAt time.Time) {
	t.Helper()
	event := ingestdomain.UsageEvent{
		ID:             node.Generate(),
		APIKeyID:       1,
		SubscriptionID: subscriptionID,
		EventType:      eventType,
		Quantity:       quantity,
		OccurredAt:     occurredAt.UTC(),
		ReceivedAt:     occurredAt.UTC(),
	}
	require.NoError(t, db.Create(&event).Error)
}

func TestRunFoldsEventsIntoHourlyBuckets(t *testing.T) {
	svc, db, clk, node := setupService(t)
	base := clk.Now().Truncate(time.Hour)

	seedEvent(t, db, node, 10, "api_call", 100, base.Add(5*time.Minute))
	seedEvent(t, db, node, 10, "api_call", 200, base.Add(20*time.Minute))
	seedEvent(t, db, node, 10, "api_call", 50, base.Add(-30*time.Minute))
	seedEvent(t, db, node, 10, "tokens", 7, base.Add(10*time.Minute))

	folded, err := svc.Run(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 4, folded)

	var aggregates []aggdomain.UsageAggregate
	require.NoError(t, db.Order("event_type, period_start").Find(&aggregates).Error)
	require.Len(t, aggregates, 3)

	var current aggdomain.UsageAggregate
	require.NoError(t, db.Where("event_type = ? AND period_start = ?", "api_call", base).First(&current).Error)
	assert.InDelta(t, 300, current.TotalQuantity, 1e-9)
	assert.EqualValues(t, 2, current.EventCount)
	assert.True(t, current.OriginPeriodStart.Equal(current.PeriodStart))

	var unassigned int64
	require.NoError(t, db.Model(&ingestdomain.UsageEvent{}).Where("assigned_at IS NULL").Count(&unassigned).Error)
	assert.Zero(t, unassigned)
}

func TestRunTwiceLeavesTotalsUnchanged(t *testing.T) {
	svc, db, clk, node := setupService(t)
	base := clk.Now().Truncate(time.Hour)

	seedEvent(t, db, node, 10, "api_call", 100, base.Add(time.Minute))
	seedEvent(t, db, node, 10, "api_call", 200, base.Add(2*time.Minute))

	folded, err := svc.Run(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 2, folded)

	folded, err = svc.Run(context.Background(), 100)
	require.NoError(t, err)
	assert.Zero(t, folded)

	var agg aggdomain.UsageAggregate
	require.NoError(t, db.Where("event_type = ?", "api_call").First(&agg).Error)
	assert.InDelta(t, 300, agg.TotalQuantity, 1e-9)
	assert.EqualValues(t, 2, agg.EventCount)
}

func TestRunRecomputesDerivedTotals(t *testing.T) {
	svc, db, clk, node := setupService(t)
	base := clk.Now().Truncate(time.Hour)

	seedEvent(t, db, node, 10, "api_call", 100, base.Add(time.Minute))
	_, err := svc.Run(context.Background(), 100)
	require.NoError(t, err)

	seedEvent(t, db, node, 10, "api_call", 25, base.Add(2*time.Minute))
	_, err = svc.Run(context.Background(), 100)
	require.NoError(t, err)

	var agg aggdomain.UsageAggregate
	require.NoError(t, db.Where("event_type = ?", "api_call").First(&agg).Error)
	assert.InDelta(t, 125, agg.TotalQuantity, 1e-9)
	assert.EqualValues(t, 2, agg.EventCount)
	assert.EqualValues(t, 2, agg.Version)
}

func TestLateEventAfterBillingBecomesCorrection(t *testing.T) {
	svc, db, clk, node := setupService(t)
	billedBucket := clk.Now().Truncate(time.Hour)

	seedEvent(t, db, node, 10, "api_call", 100, billedBucket.Add(time.Minute))
	_, err := svc.Run(context.Background(), 100)
	require.NoError(t, err)

	// Freeze the bucket as billing would.
	billedAt := clk.Now()
	require.NoError(t, db.Model(&aggdomain.UsageAggregate{}).
		Where("event_type = ?", "api_call").
		Update("billed_at", billedAt).Error)

	clk.Advance(3 * time.Hour)
	openBucket := clk.Now().Truncate(time.Hour)

	seedEvent(t, db, node, 10, "api_call", 40, billedBucket.Add(30*time.Minute))
	folded, err := svc.Run(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, folded)

	var billed aggdomain.UsageAggregate
	require.NoError(t, db.Where("period_start = ? AND origin_period_start = ?", billedBucket, billedBucket).First(&billed).Error)
	assert.InDelta(t, 100, billed.TotalQuantity, 1e-9)
	require.NotNil(t, billed.BilledAt)

	var correction aggdomain.UsageAggregate
	require.NoError(t, db.Where("period_start = ? AND origin_period_start = ?", openBucket, billedBucket).First(&correction).Error)
	assert.InDelta(t, 40, correction.TotalQuantity, 1e-9)
	assert.True(t, correction.Correction())
	assert.Nil(t, correction.BilledAt)
}

func TestCorrectionAvoidsBilledOpenBucket(t *testing.T) {
	svc, db, clk, node := setupService(t)
	bucket := clk.Now().Truncate(time.Hour)

	seedEvent(t, db, node, 10, "api_call", 100, bucket.Add(time.Minute))
	_, err := svc.Run(context.Background(), 100)
	require.NoError(t, err)

	// The still-open bucket gets frozen on an invoice.
	require.NoError(t, db.Model(&aggdomain.UsageAggregate{}).
		Where("event_type = ?", "api_call").
		Update("billed_at", clk.Now()).Error)

	// More usage arrives in the same hour. It cannot fold back into the
	// frozen row and must not be dropped.
	seedEvent(t, db, node, 10, "api_call", 40, bucket.Add(20*time.Minute))
	folded, err := svc.Run(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, folded)

	var billed aggdomain.UsageAggregate
	require.NoError(t, db.Where("period_start = ? AND origin_period_start = ?", bucket, bucket).First(&billed).Error)
	assert.InDelta(t, 100, billed.TotalQuantity, 1e-9)

	next := bucket.Add(time.Hour)
	var correction aggdomain.UsageAggregate
	require.NoError(t, db.Where("period_start = ? AND origin_period_start = ?", next, bucket).First(&correction).Error)
	assert.InDelta(t, 40, correction.TotalQuantity, 1e-9)
	assert.True(t, correction.Correction())
	assert.Nil(t, correction.BilledAt)

	var total float64
	require.NoError(t, db.Model(&aggdomain.UsageAggregate{}).
		Select("COALESCE(SUM(total_quantity), 0)").Scan(&total).Error)
	assert.InDelta(t, 140, total, 1e-9)
}

func TestRecomputeReroutesEventsFromFrozenBucket(t *testing.T) {
	svc, db, clk, node := setupService(t)
	bucket := clk.Now().Truncate(time.Hour)
	now := clk.Now()
	billedAt := now.Add(-time.Second)

	agg := aggdomain.UsageAggregate{
		ID:                node.Generate(),
		SubscriptionID:    10,
		EventType:         "api_call",
		PeriodStart:       bucket,
		PeriodEnd:         aggdomain.BucketEnd(bucket),
		OriginPeriodStart: bucket,
		TotalQuantity:     100,
		EventCount:        1,
		Version:           2,
		BilledAt:          &billedAt,
	}
	require.NoError(t, db.Create(&agg).Error)

	// An event claimed by the current run while billing froze the bucket
	// underneath it.
	event := ingestdomain.UsageEvent{
		ID:                  node.Generate(),
		APIKeyID:            1,
		SubscriptionID:      10,
		EventType:           "api_call",
		Quantity:            40,
		OccurredAt:          bucket.Add(10 * time.Minute),
		ReceivedAt:          now,
		OriginPeriodStart:   &bucket,
		AssignedPeriodStart: &bucket,
		AssignedAt:          &now,
	}
	require.NoError(t, db.Create(&event).Error)

	require.NoError(t, svc.recompute(db, 10, "api_call", bucket, bucket, now))

	var frozen aggdomain.UsageAggregate
	require.NoError(t, db.First(&frozen, "id = ?", agg.ID).Error)
	assert.InDelta(t, 100, frozen.TotalQuantity, 1e-9)
	assert.EqualValues(t, 2, frozen.Version)

	next := bucket.Add(time.Hour)
	var correction aggdomain.UsageAggregate
	require.NoError(t, db.Where("period_start = ? AND origin_period_start = ?", next, bucket).First(&correction).Error)
	assert.InDelta(t, 40, correction.TotalQuantity, 1e-9)
	assert.True(t, correction.Correction())

	require.NoError(t, db.First(&event, "id = ?", event.ID).Error)
	require.NotNil(t, event.AssignedPeriodStart)
	assert.True(t, event.AssignedPeriodStart.Equal(next))
}

package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/freely-hq/agentpay/internal/billing/domain"
	"github.com/freely-hq/agentpay/internal/clock"
	"github.com/freely-hq/agentpay/internal/config"
	ingestdomain "github.com/freely-hq/agentpay/internal/ingest/domain"
	insightsdomain "github.com/freely-hq/agentpay/internal/insights/domain"
	subscriptiondomain "github.com/freely-hq/agentpay/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultBatchSize = 200

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Clock  clock.Clock
	GenID  *snowflake.Node
	Policy *config.BillingPolicyHolder
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	clock  clock.Clock
	genID  *snowflake.Node
	policy *config.BillingPolicyHolder
}

func New(p Params) insightsdomain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("insights.service"),
		clock:  p.Clock,
		genID:  p.GenID,
		policy: p.Policy,
	}
}

type revenueBucket struct {
	usageCents int64
	flatCents  int64
	paid       int
	failed     int
}

func (s *Service) RebuildRevenueMetrics(ctx context.Context, period time.Time) error {
	monthStart := insightsdomain.MonthStart(period)
	monthEnd := monthStart.AddDate(0, 1, 0)

	var invoices []billingdomain.Invoice
	err := s.db.WithContext(ctx).Preload("LineItems").
		Where("period_end > ? AND period_end <= ?", monthStart, monthEnd).
		Find(&invoices).Error
	if err != nil {
		return err
	}

	buckets := map[string]*revenueBucket{}
	bucketFor := func(currency string) *revenueBucket {
		b, ok := buckets[currency]
		if !ok {
			b = &revenueBucket{}
			buckets[currency] = b
		}
		return b
	}

	for _, invoice := range invoices {
		bucket := bucketFor(invoice.Currency)
		switch invoice.Status {
		case billingdomain.InvoiceStatusPaid:
			bucket.paid++
			for _, line := range invoice.LineItems {
				if line.Kind == billingdomain.LineItemKindFlatFee {
					bucket.flatCents += line.AmountCents
				} else {
					bucket.usageCents += line.AmountCents
				}
			}
		case billingdomain.InvoiceStatusFailed:
			bucket.failed++
		}
	}

	var active int64
	err = s.db.WithContext(ctx).Model(&subscriptiondomain.Subscription{}).
		Where("status IN ?", []subscriptiondomain.SubscriptionStatus{
			subscriptiondomain.SubscriptionStatusActive,
			subscriptiondomain.SubscriptionStatusTrialing,
			subscriptiondomain.SubscriptionStatusPastDue,
		}).Count(&active).Error
	if err != nil {
		return err
	}

	var churned int64
	err = s.db.WithContext(ctx).Model(&subscriptiondomain.Subscription{}).
		Where("canceled_at >= ? AND canceled_at < ?", monthStart, monthEnd).
		Count(&churned).Error
	if err != nil {
		return err
	}

	now := s.clock.Now()
	for currency, bucket := range buckets {
		metric := insightsdomain.RevenueMetric{
			ID:                   s.genID.Generate(),
			PeriodStart:          monthStart,
			Currency:             currency,
			UsageRevenueCents:    bucket.usageCents,
			FlatRevenueCents:     bucket.flatCents,
			InvoicesPaid:         bucket.paid,
			InvoicesFailed:       bucket.failed,
			ActiveSubscriptions:  int(active),
			ChurnedSubscriptions: int(churned),
			ComputedAt:           now,
		}
		err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "period_start"}, {Name: "currency"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"usage_revenue_cents", "flat_revenue_cents",
				"invoices_paid", "invoices_failed",
				"active_subscriptions", "churned_subscriptions",
				"computed_at",
			}),
		}).Create(&metric).Error
		if err != nil {
			return err
		}
	}

	s.log.Info("insights.revenue_rebuilt",
		zap.Time("period_start", monthStart),
		zap.Int("currencies", len(buckets)),
	)
	return nil
}

func (s *Service) ScoreSubscriptions(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	var subs []subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).
		Where("status IN ?", []subscriptiondomain.SubscriptionStatus{
			subscriptiondomain.SubscriptionStatusActive,
			subscriptiondomain.SubscriptionStatusTrialing,
			subscriptiondomain.SubscriptionStatusPastDue,
		}).
		Order("id").
		Limit(batchSize).
		Find(&subs).Error
	if err != nil {
		return 0, err
	}

	now := s.clock.Now()
	policy := s.policy.Get().ChurnRisk
	scored := 0
	for _, sub := range subs {
		if err := s.scoreOne(ctx, sub.ID, now, policy); err != nil {
			return scored, err
		}
		scored++
	}
	return scored, nil
}

func (s *Service) scoreOne(ctx context.Context, subscriptionID snowflake.ID, now time.Time, policy config.ChurnRiskPolicy) error {
	var lastEventAt *time.Time
	var lastEvent ingestdomain.UsageEvent
	err := s.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("occurred_at DESC").
		First(&lastEvent).Error
	if err == nil {
		occurredAt := lastEvent.OccurredAt
		lastEventAt = &occurredAt
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	sumQuantity := func(from, to time.Time) (float64, error) {
		var total *float64
		err := s.db.WithContext(ctx).Model(&ingestdomain.UsageEvent{}).
			Where("subscription_id = ? AND occurred_at >= ? AND occurred_at < ?", subscriptionID, from, to).
			Select("SUM(quantity)").
			Scan(&total).Error
		if err != nil || total == nil {
			return 0, err
		}
		return *total, nil
	}

	events30d, err := sumQuantity(now.AddDate(0, 0, -30), now.Add(time.Second))
	if err != nil {
		return err
	}
	prev30d, err := sumQuantity(now.AddDate(0, 0, -60), now.AddDate(0, 0, -30))
	if err != nil {
		return err
	}

	var failed90d int64
	err = s.db.WithContext(ctx).Model(&billingdomain.Invoice{}).
		Where("subscription_id = ? AND status = ? AND updated_at >= ?",
			subscriptionID, billingdomain.InvoiceStatusFailed, now.AddDate(0, 0, -90)).
		Count(&failed90d).Error
	if err != nil {
		return err
	}

	score, risk := healthScore(policy, now, lastEventAt, events30d, prev30d, int(failed90d))

	insight := insightsdomain.CustomerInsight{
		ID:                s.genID.Generate(),
		SubscriptionID:    subscriptionID,
		HealthScore:       score,
		ChurnRisk:         risk,
		LastEventAt:       lastEventAt,
		Events30d:         events30d,
		FailedInvoices90d: int(failed90d),
		ComputedAt:        now,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "subscription_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"health_score", "churn_risk", "last_event_at",
			"events_30d", "failed_invoices_90d", "computed_at",
		}),
	}).Create(&insight).Error
}

// healthScore grades recency, payment reliability and volume trend.
func healthScore(policy config.ChurnRiskPolicy, now time.Time, lastEventAt *time.Time, events30d, prev30d float64, failed90d int) (int, insightsdomain.ChurnRisk) {
	score := 100

	idleDays := policy.IdleDaysHigh + 1
	if lastEventAt != nil {
		idleDays = int(now.Sub(*lastEventAt).Hours() / 24)
	}
	switch {
	case idleDays >= policy.IdleDaysHigh:
		score -= 60
	case idleDays >= policy.IdleDaysMedium:
		score -= 30
	}

	if policy.FailedInvoices > 0 && failed90d >= policy.FailedInvoices {
		score -= 40
	}

	if prev30d > 0 {
		dropRatio := int((prev30d - events30d) / prev30d * 100)
		if dropRatio >= policy.VolumeDropRatio {
			score -= 20
		}
	}

	if score < 0 {
		score = 0
	}

	switch {
	case score <= 40:
		return score, insightsdomain.ChurnRiskHigh
	case score <= 75:
		return score, insightsdomain.ChurnRiskMedium
	default:
		return score, insightsdomain.ChurnRiskLow
	}
}

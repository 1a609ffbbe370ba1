package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/freely-hq/agentpay/internal/subscription/domain"
	"github.com/freely-hq/agentpay/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger
}

func New(p Params) subscriptiondomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("subscription.service"),
	}
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var sub subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).First(&sub, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, subscriptiondomain.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

func (s *Service) TermsFor(ctx context.Context, subscriptionID snowflake.ID) ([]subscriptiondomain.PlanTerm, error) {
	var terms []subscriptiondomain.PlanTerm
	err := s.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("event_type").
		Find(&terms).Error
	if err != nil {
		return nil, err
	}
	return terms, nil
}

func (s *Service) TermForEventType(ctx context.Context, subscriptionID snowflake.ID, eventType string) (*subscriptiondomain.PlanTerm, error) {
	var term subscriptiondomain.PlanTerm
	err := s.db.WithContext(ctx).
		Where("subscription_id = ? AND event_type = ?", subscriptionID, eventType).
		First(&term).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, subscriptiondomain.ErrTermNotFound
		}
		return nil, err
	}
	return &term, nil
}

func (s *Service) ListDue(ctx context.Context, now time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	if limit <= 0 {
		limit = 50
	}
	var subs []subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).
		Where("status IN ? AND current_period_end <= ?", []subscriptiondomain.SubscriptionStatus{
			subscriptiondomain.SubscriptionStatusActive,
			subscriptiondomain.SubscriptionStatusTrialing,
			subscriptiondomain.SubscriptionStatusPastDue,
		}, now.UTC()).
		Order("current_period_end").
		Limit(limit).
		Find(&subs).Error
	if err != nil {
		return nil, err
	}
	return subs, nil
}

func (s *Service) RotatePeriod(ctx context.Context, subscriptionID snowflake.ID, closedEnd time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub subscriptiondomain.Subscription
		if err := db.LockForUpdate(tx).First(&sub, "id = ?", subscriptionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return subscriptiondomain.ErrSubscriptionNotFound
			}
			return err
		}

		if !sub.CurrentPeriodEnd.Equal(closedEnd.UTC()) {
			// Another close already rotated this subscription.
			return nil
		}

		nextStart := sub.CurrentPeriodEnd
		nextEnd := sub.NextPeriodEnd(nextStart)
		return tx.Model(&subscriptiondomain.Subscription{}).
			Where("id = ?", subscriptionID).
			Updates(map[string]any{
				"current_period_start": nextStart,
				"current_period_end":   nextEnd,
				"updated_at":           time.Now().UTC(),
			}).Error
	})
}

func (s *Service) MarkPastDue(ctx context.Context, subscriptionID snowflake.ID) error {
	result := s.db.WithContext(ctx).Model(&subscriptiondomain.Subscription{}).
		Where("id = ? AND status IN ?", subscriptionID, []subscriptiondomain.SubscriptionStatus{
			subscriptiondomain.SubscriptionStatusActive,
			subscriptiondomain.SubscriptionStatusTrialing,
		}).
		Updates(map[string]any{
			"status":     subscriptiondomain.SubscriptionStatusPastDue,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		s.log.Info("subscription.past_due", zap.String("subscription_id", subscriptionID.String()))
	}
	return nil
}

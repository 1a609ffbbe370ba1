package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	aggdomain "github.com/freely-hq/agentpay/internal/aggregate/domain"
	"github.com/freely-hq/agentpay/internal/clock"
	ingestdomain "github.com/freely-hq/agentpay/internal/ingest/domain"
	"github.com/freely-hq/agentpay/internal/observability/metrics"
	"github.com/freely-hq/agentpay/pkg/db"
	"github.com/freely-hq/agentpay/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultBatchSize  = 500
	recomputeAttempts = 3
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	GenID   *snowflake.Node
	Metrics *metrics.Metrics
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	genID   *snowflake.Node
	metrics *metrics.Metrics
}

func New(p Params) aggdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("aggregate.service"),
		clock:   p.Clock,
		genID:   p.GenID,
		metrics: p.Metrics,
	}
}

type bucketKey struct {
	subscriptionID snowflake.ID
	eventType      string
	periodStart    int64
	originStart    int64
}

func (s *Service) Run(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	var (
		folded      int
		corrections int
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var events []ingestdomain.UsageEvent
		err := db.LockForUpdate(tx).
			Where("assigned_at IS NULL").
			Order("received_at").
			Limit(batchSize).
			Find(&events).Error
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		now := s.clock.Now()
		openBucket := aggdomain.BucketStart(now)
		billedCache := map[bucketKey]bool{}
		touched := map[bucketKey]struct{}{}

		for i := range events {
			ev := &events[i]
			origin := ev.BucketStart()
			assigned := origin

			originKey := bucketKey{ev.SubscriptionID, ev.EventType, origin.Unix(), origin.Unix()}
			billed, ok := billedCache[originKey]
			if !ok {
				var err error
				billed, err = s.bucketBilled(tx, ev.SubscriptionID, ev.EventType, origin)
				if err != nil {
					return err
				}
				billedCache[originKey] = billed
			}
			if billed {
				// The origin bucket is frozen on an invoice; late usage
				// lands in the open bucket as a correction. The target
				// must sit strictly after the frozen origin or the
				// correction would fold back into the invoiced row.
				assigned = openBucket
				if !assigned.After(origin) {
					assigned = origin.Add(time.Hour)
				}
				corrections++
			}

			err := tx.Model(&ingestdomain.UsageEvent{}).
				Where("id = ? AND assigned_at IS NULL", ev.ID).
				Updates(map[string]any{
					"origin_period_start":   origin,
					"assigned_period_start": assigned,
					"assigned_at":           now,
					"updated_at":            now,
				}).Error
			if err != nil {
				return err
			}
			touched[bucketKey{ev.SubscriptionID, ev.EventType, assigned.Unix(), origin.Unix()}] = struct{}{}
		}

		for key := range touched {
			period := time.Unix(key.periodStart, 0).UTC()
			origin := time.Unix(key.originStart, 0).UTC()
			if err := s.recompute(tx, key.subscriptionID, key.eventType, period, origin, now); err != nil {
				return err
			}
		}

		folded = len(events)
		return nil
	})
	if err != nil {
		return 0, err
	}

	if folded > 0 {
		s.metrics.RecordEventsFolded(ctx, folded-corrections, false)
		if corrections > 0 {
			s.metrics.RecordEventsFolded(ctx, corrections, true)
		}
		s.log.Info("aggregate.folded",
			zap.Int("events", folded),
			zap.Int("corrections", corrections),
		)
	}
	return folded, nil
}

func (s *Service) bucketBilled(tx *gorm.DB, subscriptionID snowflake.ID, eventType string, bucket time.Time) (bool, error) {
	var count int64
	err := tx.Model(&aggdomain.UsageAggregate{}).
		Where("subscription_id = ? AND event_type = ? AND period_start = ? AND origin_period_start = ? AND billed_at IS NOT NULL",
			subscriptionID, eventType, bucket, bucket).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// recompute rebuilds one aggregate from its assigned events. Totals are
// derived, never incremented, so replaying a batch cannot double count.
func (s *Service) recompute(tx *gorm.DB, subscriptionID snowflake.ID, eventType string, periodStart, originStart time.Time, now time.Time) error {
	for attempt := 0; attempt < recomputeAttempts; attempt++ {
		var current aggdomain.UsageAggregate
		err := tx.Where("subscription_id = ? AND event_type = ? AND period_start = ? AND origin_period_start = ?",
			subscriptionID, eventType, periodStart, originStart).
			First(&current).Error
		notFound := errors.Is(err, gorm.ErrRecordNotFound)
		if err != nil && !notFound {
			return err
		}

		var totals struct {
			TotalQuantity float64
			EventCount    int64
		}
		err = tx.Model(&ingestdomain.UsageEvent{}).
			Select("COALESCE(SUM(quantity), 0) AS total_quantity, COUNT(*) AS event_count").
			Where("subscription_id = ? AND event_type = ? AND assigned_period_start = ? AND origin_period_start = ?",
				subscriptionID, eventType, periodStart, originStart).
			Scan(&totals).Error
		if err != nil {
			return err
		}

		if notFound {
			agg := aggdomain.UsageAggregate{
				ID:                s.genID.Generate(),
				SubscriptionID:    subscriptionID,
				EventType:         eventType,
				PeriodStart:       periodStart,
				PeriodEnd:         aggdomain.BucketEnd(periodStart),
				OriginPeriodStart: originStart,
				TotalQuantity:     totals.TotalQuantity,
				EventCount:        totals.EventCount,
				Version:           1,
				CreatedAt:         now,
				UpdatedAt:         now,
			}
			result := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{
					{Name: "subscription_id"}, {Name: "event_type"},
					{Name: "period_start"}, {Name: "origin_period_start"},
				},
				DoNothing: true,
			}).Create(&agg)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 1 {
				return nil
			}
			// Lost the insert race; reload and update instead.
			continue
		}

		if current.BilledAt != nil {
			// The bucket was invoiced between assignment and recompute.
			// Its totals are frozen; move this run's events forward.
			return s.rerouteFromBilled(tx, &current, now)
		}

		result := tx.Model(&aggdomain.UsageAggregate{}).
			Where("id = ? AND version = ? AND billed_at IS NULL", current.ID, current.Version).
			Updates(map[string]any{
				"total_quantity": totals.TotalQuantity,
				"event_count":    totals.EventCount,
				"version":        current.Version + 1,
				"updated_at":     now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 1 {
			return nil
		}
	}
	return aggdomain.ErrVersionConflict
}

// rerouteFromBilled rescues events that were folded into a bucket during
// the window in which billing froze it. Only the events assigned by the
// current run are moved; everything assigned earlier is already counted
// in the frozen totals.
func (s *Service) rerouteFromBilled(tx *gorm.DB, billed *aggdomain.UsageAggregate, now time.Time) error {
	next := billed.PeriodStart.Add(time.Hour)
	if open := aggdomain.BucketStart(now); open.After(next) {
		next = open
	}

	result := tx.Model(&ingestdomain.UsageEvent{}).
		Where("subscription_id = ? AND event_type = ? AND assigned_period_start = ? AND origin_period_start = ? AND assigned_at = ?",
			billed.SubscriptionID, billed.EventType, billed.PeriodStart, billed.OriginPeriodStart, now).
		Updates(map[string]any{
			"assigned_period_start": next,
			"updated_at":            now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return nil
	}

	s.log.Warn("aggregate.rerouted_from_billed_bucket",
		zap.String("subscription_id", billed.SubscriptionID.String()),
		zap.String("event_type", billed.EventType),
		zap.Time("billed_period_start", billed.PeriodStart),
		zap.Time("rerouted_to", next),
		zap.Int64("events", result.RowsAffected),
	)
	return s.recompute(tx, billed.SubscriptionID, billed.EventType, next, billed.OriginPeriodStart, now)
}

func (s *Service) List(ctx context.Context, req aggdomain.ListRequest) ([]aggdomain.UsageAggregate, pagination.PageInfo, error) {
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 25
	}

	query := s.db.WithContext(ctx).
		Where("subscription_id = ?", req.SubscriptionID)
	if req.EventType != "" {
		query = query.Where("event_type = ?", req.EventType)
	}
	if !req.From.IsZero() {
		query = query.Where("period_start >= ?", req.From.UTC())
	}
	if !req.To.IsZero() {
		query = query.Where("period_start < ?", req.To.UTC())
	}
	if req.PageToken != "" {
		cursor, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return nil, pagination.PageInfo{}, err
		}
		lastID, err := strconv.ParseInt(cursor.ID, 10, 64)
		if err != nil {
			return nil, pagination.PageInfo{}, err
		}
		query = query.Where("id < ?", lastID)
	}

	var aggregates []aggdomain.UsageAggregate
	err := query.Order("id DESC").Limit(pageSize + 1).Find(&aggregates).Error
	if err != nil {
		return nil, pagination.PageInfo{}, err
	}

	aggregates, hasMore := pagination.Trim(aggregates, pageSize)
	info := pagination.PageInfo{HasMore: hasMore}
	if hasMore {
		last := aggregates[len(aggregates)-1]
		info.NextPageToken = pagination.EncodeCursor(last.ID.String(), last.CreatedAt)
	}
	return aggregates, info, nil
}

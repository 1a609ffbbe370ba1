package service

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/bwmarrin/snowflake"
	apikeydomain "github.com/freely-hq/agentpay/internal/apikey/domain"
	"github.com/freely-hq/agentpay/internal/clock"
	"github.com/freely-hq/agentpay/internal/config"
	ingestdomain "github.com/freely-hq/agentpay/internal/ingest/domain"
	"github.com/freely-hq/agentpay/internal/observability/logger"
	"github.com/freely-hq/agentpay/internal/observability/metrics"
	"github.com/freely-hq/agentpay/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxEventTypeLen = 200

type Params struct {
	fx.In

	Config  config.Config
	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	GenID   *snowflake.Node
	Metrics *metrics.Metrics
}

type Service struct {
	cfg     config.Config
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	genID   *snowflake.Node
	metrics *metrics.Metrics
}

func New(p Params) ingestdomain.Service {
	return &Service{
		cfg:     p.Config,
		db:      p.DB,
		log:     p.Log.Named("ingest.service"),
		clock:   p.Clock,
		genID:   p.GenID,
		metrics: p.Metrics,
	}
}

func (s *Service) Record(ctx context.Context, req ingestdomain.RecordRequest) (*ingestdomain.UsageEvent, error) {
	identity, ok := apikeydomain.IdentityFromContext(ctx)
	if !ok {
		return nil, ingestdomain.ErrUnknownAPIKey
	}

	now := s.clock.Now()
	if req.Quantity <= 0 {
		return nil, ingestdomain.ErrInvalidQuantity
	}
	if req.EventType == "" || len(req.EventType) > maxEventTypeLen {
		return nil, ingestdomain.ErrInvalidEventType
	}

	occurredAt := req.OccurredAt.UTC()
	if occurredAt.IsZero() {
		occurredAt = now
	}
	if occurredAt.After(now.Add(s.cfg.IngestGraceWindow)) {
		return nil, ingestdomain.ErrEventTooFarInFuture
	}

	event := ingestdomain.UsageEvent{
		ID:             s.genID.Generate(),
		APIKeyID:       identity.APIKeyID,
		SubscriptionID: identity.SubscriptionID,
		EventType:      req.EventType,
		Quantity:       req.Quantity,
		OccurredAt:     occurredAt,
		ReceivedAt:     now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.DedupeKey != "" {
		event.DedupeKey = &req.DedupeKey
	}
	if len(req.Metadata) > 0 {
		raw, err := json.Marshal(req.Metadata)
		if err != nil {
			return nil, ingestdomain.ErrInvalidMetadata
		}
		event.Metadata = datatypes.JSON(raw)
	}

	if event.DedupeKey == nil {
		if err := s.db.WithContext(ctx).Create(&event).Error; err != nil {
			return nil, err
		}
		s.metrics.RecordEventIngested(ctx, event.EventType, false)
		return &event, nil
	}

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "api_key_id"}, {Name: "dedupe_key"}},
		TargetWhere: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "dedupe_key IS NOT NULL"},
		}},
		DoNothing: true,
	}).Create(&event)
	if result.Error != nil {
		return nil, result.Error
	}

	if result.RowsAffected == 0 {
		// Lost the dedupe race; return the row the winner stored.
		var existing ingestdomain.UsageEvent
		err := s.db.WithContext(ctx).
			Where("api_key_id = ? AND dedupe_key = ?", identity.APIKeyID, req.DedupeKey).
			First(&existing).Error
		if err != nil {
			return nil, err
		}
		logger.WithContext(ctx, s.log).Debug("ingest.deduplicated",
			zap.String("event_type", req.EventType),
			zap.String("dedupe_key", req.DedupeKey),
		)
		s.metrics.RecordEventIngested(ctx, req.EventType, true)
		return &existing, nil
	}

	s.metrics.RecordEventIngested(ctx, event.EventType, false)
	return &event, nil
}

func (s *Service) List(ctx context.Context, req ingestdomain.ListRequest) ([]ingestdomain.UsageEvent, pagination.PageInfo, error) {
	identity, ok := apikeydomain.IdentityFromContext(ctx)
	if !ok {
		return nil, pagination.PageInfo{}, ingestdomain.ErrUnknownAPIKey
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 25
	}

	query := s.db.WithContext(ctx).
		Where("subscription_id = ?", identity.SubscriptionID)
	if req.EventType != "" {
		query = query.Where("event_type = ?", req.EventType)
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

	var events []ingestdomain.UsageEvent
	err := query.Order("id DESC").Limit(pageSize + 1).Find(&events).Error
	if err != nil {
		return nil, pagination.PageInfo{}, err
	}

	events, hasMore := pagination.Trim(events, pageSize)
	info := pagination.PageInfo{HasMore: hasMore}
	if hasMore {
		last := events[len(events)-1]
		info.NextPageToken = pagination.EncodeCursor(last.ID.String(), last.CreatedAt)
	}
	return events, info, nil
}

package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/freely-hq/agentpay/internal/billing/domain"
	"github.com/freely-hq/agentpay/internal/clock"
	"github.com/freely-hq/agentpay/internal/config"
	"github.com/freely-hq/agentpay/internal/observability/logger"
	"github.com/freely-hq/agentpay/internal/observability/metrics"
	processordomain "github.com/freely-hq/agentpay/internal/processor/domain"
	reconciledomain "github.com/freely-hq/agentpay/internal/reconcile/domain"
	"github.com/freely-hq/agentpay/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultBatchSize = 100

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	GenID   *snowflake.Node
	Metrics *metrics.Metrics
	Policy  *config.BillingPolicyHolder
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	genID   *snowflake.Node
	metrics *metrics.Metrics
	policy  *config.BillingPolicyHolder
}

func New(p Params) reconciledomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("reconcile.service"),
		clock:   p.Clock,
		genID:   p.GenID,
		metrics: p.Metrics,
		policy:  p.Policy,
	}
}

func (s *Service) IngestWebhook(ctx context.Context, provider string, notification *processordomain.WebhookNotification, payload []byte) (*reconciledomain.ProviderEvent, error) {
	event := reconciledomain.ProviderEvent{
		ID:                 s.genID.Generate(),
		Provider:           provider,
		ProviderEventID:    notification.ProviderEventID,
		EventType:          notification.EventType,
		ExternalInvoiceRef: notification.ExternalInvoiceRef,
		TargetStatus:       notification.Status,
		Status:             reconciledomain.ProviderEventStatusReceived,
		Payload:            datatypes.JSON(payload),
		ReceivedAt:         s.clock.Now(),
	}

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}, {Name: "provider_event_id"}},
		DoNothing: true,
	}).Create(&event)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, reconciledomain.ErrEventAlreadyProcessed
	}

	s.metrics.RecordWebhookEvent(ctx, provider, notification.EventType)
	logger.WithContext(ctx, s.log).Info("reconcile.webhook_received",
		zap.String("provider", provider),
		zap.String("provider_event_id", notification.ProviderEventID),
		zap.String("external_ref", notification.ExternalInvoiceRef),
	)
	return &event, nil
}

func (s *Service) ProcessPending(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	var events []reconciledomain.ProviderEvent
	err := s.db.WithContext(ctx).
		Where("status = ?", reconciledomain.ProviderEventStatusReceived).
		Order("received_at").
		Limit(batchSize).
		Find(&events).Error
	if err != nil {
		return 0, err
	}

	var (
		processed int
		errs      []error
	)
	for i := range events {
		done, err := s.processOne(ctx, &events[i])
		if err != nil {
			errs = append(errs, fmt.Errorf("provider event %s: %w", events[i].ProviderEventID, err))
			continue
		}
		if done {
			processed++
		}
	}
	return processed, errors.Join(errs...)
}

// processOne applies a single notification. It returns false when the
// event stays received for a later pass (invoice not visible yet).
func (s *Service) processOne(ctx context.Context, event *reconciledomain.ProviderEvent) (bool, error) {
	log := logger.WithContext(ctx, s.log).With(
		zap.String("provider", event.Provider),
		zap.String("provider_event_id", event.ProviderEventID),
		zap.String("external_ref", event.ExternalInvoiceRef),
	)

	target := billingdomain.InvoiceStatus(event.TargetStatus)
	targetRank, ok := billingdomain.StatusRank(target)
	if !ok || event.ExternalInvoiceRef == "" {
		return true, s.deadLetter(ctx, event, reconciledomain.DeadLetterReasonUnmappableStatus,
			fmt.Sprintf("target status %q", event.TargetStatus))
	}

	var invoice billingdomain.Invoice
	err := s.db.WithContext(ctx).
		First(&invoice, "external_invoice_ref = ?", event.ExternalInvoiceRef).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// The invoice may still be in flight through ReportPending;
		// keep retrying before giving up.
		attempts := event.LookupAttempts + 1
		if attempts >= s.policy.Get().MaxLookupAttempts {
			return true, s.deadLetter(ctx, event, reconciledomain.DeadLetterReasonUnknownInvoice,
				fmt.Sprintf("no invoice after %d lookups", attempts))
		}
		return false, s.db.WithContext(ctx).Model(&reconciledomain.ProviderEvent{}).
			Where("id = ?", event.ID).
			Updates(map[string]any{
				"lookup_attempts": attempts,
				"last_error":      "invoice not found",
			}).Error
	}
	if err != nil {
		return false, err
	}

	currentRank, _ := billingdomain.StatusRank(invoice.Status)
	switch {
	case target == invoice.Status:
		// Idempotent redelivery.

	case billingdomain.IsTerminal(invoice.Status) && targetRank == currentRank:
		// paid vs void disagree; neither side wins.
		return true, s.deadLetter(ctx, event, reconciledomain.DeadLetterReasonTerminalConflict,
			fmt.Sprintf("invoice %s is %s, provider says %s", invoice.ID, invoice.Status, target))

	case targetRank < currentRank:
		log.Debug("reconcile.stale_notification",
			zap.String("invoice_status", string(invoice.Status)),
			zap.String("target_status", string(target)),
		)

	default:
		result := s.db.WithContext(ctx).Model(&billingdomain.Invoice{}).
			Where("id = ? AND status = ?", invoice.ID, invoice.Status).
			Updates(map[string]any{
				"status":     target,
				"updated_at": s.clock.Now(),
			})
		if result.Error != nil {
			return false, result.Error
		}
		if result.RowsAffected == 0 {
			// The invoice moved underneath us; re-evaluate next pass.
			return false, nil
		}
		log.Info("reconcile.invoice_transition",
			zap.String("invoice_id", invoice.ID.String()),
			zap.String("from", string(invoice.Status)),
			zap.String("to", string(target)),
		)
	}

	return true, s.markProcessed(ctx, event)
}

func (s *Service) markProcessed(ctx context.Context, event *reconciledomain.ProviderEvent) error {
	now := s.clock.Now()
	return s.db.WithContext(ctx).Model(&reconciledomain.ProviderEvent{}).
		Where("id = ?", event.ID).
		Updates(map[string]any{
			"status":       reconciledomain.ProviderEventStatusProcessed,
			"processed_at": now,
		}).Error
}

func (s *Service) deadLetter(ctx context.Context, event *reconciledomain.ProviderEvent, reason reconciledomain.DeadLetterReason, detail string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		letter := reconciledomain.DeadLetter{
			ID:                 s.genID.Generate(),
			ProviderEventID:    event.ID,
			Provider:           event.Provider,
			ExternalInvoiceRef: event.ExternalInvoiceRef,
			Reason:             reason,
			Detail:             detail,
			CreatedAt:          s.clock.Now(),
		}
		if err := tx.Create(&letter).Error; err != nil {
			return err
		}

		err := tx.Model(&reconciledomain.ProviderEvent{}).
			Where("id = ?", event.ID).
			Updates(map[string]any{
				"status":     reconciledomain.ProviderEventStatusDeadLetter,
				"last_error": detail,
			}).Error
		if err != nil {
			return err
		}

		s.metrics.RecordDeadLetter(ctx, string(reason))
		logger.WithContext(ctx, s.log).Warn("reconcile.dead_letter",
			zap.String("provider_event_id", event.ProviderEventID),
			zap.String("reason", string(reason)),
			zap.String("detail", detail),
		)
		return nil
	})
}

func (s *Service) ListDeadLetters(ctx context.Context, req reconciledomain.ListDeadLettersRequest) ([]reconciledomain.DeadLetter, pagination.PageInfo, error) {
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 25
	}

	query := s.db.WithContext(ctx).Model(&reconciledomain.DeadLetter{})
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

	var letters []reconciledomain.DeadLetter
	err := query.Order("id DESC").Limit(pageSize + 1).Find(&letters).Error
	if err != nil {
		return nil, pagination.PageInfo{}, err
	}

	letters, hasMore := pagination.Trim(letters, pageSize)
	info := pagination.PageInfo{HasMore: hasMore}
	if hasMore {
		last := letters[len(letters)-1]
		info.NextPageToken = pagination.EncodeCursor(last.ID.String(), last.CreatedAt)
	}
	return letters, info, nil
}

func (s *Service) RetryDeadLetter(ctx context.Context, id snowflake.ID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var letter reconciledomain.DeadLetter
		if err := tx.First(&letter, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return reconciledomain.ErrDeadLetterNotFound
			}
			return err
		}

		now := s.clock.Now()
		err := tx.Model(&reconciledomain.ProviderEvent{}).
			Where("id = ?", letter.ProviderEventID).
			Updates(map[string]any{
				"status":          reconciledomain.ProviderEventStatusReceived,
				"lookup_attempts": 0,
				"last_error":      nil,
			}).Error
		if err != nil {
			return err
		}

		err = tx.Model(&reconciledomain.DeadLetter{}).
			Where("id = ?", id).
			Update("retried_at", now).Error
		if err != nil {
			return err
		}

		s.log.Info("reconcile.dead_letter_retried",
			zap.String("dead_letter_id", id.String()),
			zap.String("external_ref", letter.ExternalInvoiceRef),
		)
		return nil
	})
}

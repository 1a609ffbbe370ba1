package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	aggdomain "github.com/freely-hq/agentpay/internal/aggregate/domain"
	billingdomain "github.com/freely-hq/agentpay/internal/billing/domain"
	"github.com/freely-hq/agentpay/internal/clock"
	"github.com/freely-hq/agentpay/internal/config"
	"github.com/freely-hq/agentpay/internal/observability/logger"
	"github.com/freely-hq/agentpay/internal/observability/metrics"
	processordomain "github.com/freely-hq/agentpay/internal/processor/domain"
	subscriptiondomain "github.com/freely-hq/agentpay/internal/subscription/domain"
	"github.com/freely-hq/agentpay/pkg/db"
	"github.com/freely-hq/agentpay/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultBatchSize = 50

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Clock         clock.Clock
	GenID         *snowflake.Node
	Metrics       *metrics.Metrics
	Policy        *config.BillingPolicyHolder
	Subscriptions subscriptiondomain.Service
	Processor     processordomain.Client
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	clock         clock.Clock
	genID         *snowflake.Node
	metrics       *metrics.Metrics
	policy        *config.BillingPolicyHolder
	subscriptions subscriptiondomain.Service
	processor     processordomain.Client
}

func New(p Params) billingdomain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("billing.service"),
		clock:         p.Clock,
		genID:         p.GenID,
		metrics:       p.Metrics,
		policy:        p.Policy,
		subscriptions: p.Subscriptions,
		processor:     p.Processor,
	}
}

func (s *Service) ClosePeriod(ctx context.Context, subscriptionID snowflake.ID, periodStart, periodEnd time.Time) (*billingdomain.Invoice, error) {
	periodStart = periodStart.UTC()
	periodEnd = periodEnd.UTC()
	if !periodEnd.After(periodStart) {
		return nil, billingdomain.ErrInvalidPeriod
	}
	if periodEnd.After(s.clock.Now()) {
		// Closing a period that has not elapsed would sweep the open
		// bucket onto an invoice and freeze it mid-hour.
		return nil, billingdomain.ErrInvalidPeriod
	}

	var (
		invoice billingdomain.Invoice
		closed  bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The subscription row is the close-period mutex: concurrent
		// closers for the same subscription serialize here.
		var sub subscriptiondomain.Subscription
		if err := db.LockForUpdate(tx).First(&sub, "id = ?", subscriptionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return subscriptiondomain.ErrSubscriptionNotFound
			}
			return err
		}

		err := tx.Where("subscription_id = ? AND period_start = ? AND period_end = ?",
			subscriptionID, periodStart, periodEnd).
			First(&invoice).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		var terms []subscriptiondomain.PlanTerm
		if err := tx.Find(&terms, "subscription_id = ?", subscriptionID).Error; err != nil {
			return err
		}
		termsByType := make(map[string]subscriptiondomain.PlanTerm, len(terms))
		for _, term := range terms {
			termsByType[term.EventType] = term
		}

		var aggregates []aggdomain.UsageAggregate
		err = db.LockForUpdate(tx).
			Where("subscription_id = ? AND billed_at IS NULL AND period_end <= ?", subscriptionID, periodEnd).
			Order("period_start").
			Find(&aggregates).Error
		if err != nil {
			return err
		}

		now := s.clock.Now()
		invoice = billingdomain.Invoice{
			ID:             s.genID.Generate(),
			SubscriptionID: subscriptionID,
			PeriodStart:    periodStart,
			PeriodEnd:      periodEnd,
			Status:         billingdomain.InvoiceStatusDraft,
			Currency:       sub.Currency,
			IdempotencyKey: billingdomain.IdempotencyKey(subscriptionID, periodStart, periodEnd),
			CreatedAt:      now,
			UpdatedAt:      now,
		}

		var (
			lines     []billingdomain.InvoiceLineItem
			total     int64
			billedIDs []snowflake.ID
		)
		for _, agg := range aggregates {
			billedIDs = append(billedIDs, agg.ID)

			term, ok := termsByType[agg.EventType]
			if !ok {
				// No priced term: the usage closes with the period but
				// produces no charge.
				logger.WithContext(ctx, s.log).Warn("billing.unpriced_event_type",
					zap.String("subscription_id", subscriptionID.String()),
					zap.String("event_type", agg.EventType),
				)
				continue
			}

			kind := billingdomain.LineItemKindUsage
			description := fmt.Sprintf("%s usage %s – %s",
				agg.EventType,
				agg.PeriodStart.Format(time.RFC3339),
				agg.PeriodEnd.Format(time.RFC3339),
			)
			if agg.Correction() {
				kind = billingdomain.LineItemKindCorrection
				description = fmt.Sprintf("%s late usage for %s",
					agg.EventType,
					agg.OriginPeriodStart.Format(time.RFC3339),
				)
			}

			amount := subscriptiondomain.ComputeAmount(term, agg.TotalQuantity)
			aggID := agg.ID
			lines = append(lines, billingdomain.InvoiceLineItem{
				ID:              s.genID.Generate(),
				InvoiceID:       invoice.ID,
				AggregateID:     &aggID,
				Kind:            kind,
				Description:     description,
				EventType:       agg.EventType,
				Quantity:        agg.TotalQuantity,
				UnitAmountCents: term.UnitAmountCents,
				AmountCents:     amount,
				CreatedAt:       now,
			})
			total += amount
		}

		if sub.FlatFeeCents > 0 {
			lines = append(lines, billingdomain.InvoiceLineItem{
				ID:          s.genID.Generate(),
				InvoiceID:   invoice.ID,
				Kind:        billingdomain.LineItemKindFlatFee,
				Description: fmt.Sprintf("%s plan fee", sub.PlanCode),
				Quantity:    1,
				AmountCents: sub.FlatFeeCents,
				CreatedAt:   now,
			})
			total += sub.FlatFeeCents
		}

		invoice.TotalAmountCents = total
		if total == 0 {
			// Nothing to collect; skip the processor round-trip.
			invoice.Status = billingdomain.InvoiceStatusOpen
		} else {
			invoice.Status = billingdomain.InvoiceStatusPendingExternal
		}

		result := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "subscription_id"}, {Name: "period_start"}, {Name: "period_end"},
			},
			DoNothing: true,
		}).Create(&invoice)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return tx.Where("subscription_id = ? AND period_start = ? AND period_end = ?",
				subscriptionID, periodStart, periodEnd).
				First(&invoice).Error
		}

		if len(lines) > 0 {
			if err := tx.Create(&lines).Error; err != nil {
				return err
			}
		}
		if len(billedIDs) > 0 {
			err := tx.Model(&aggdomain.UsageAggregate{}).
				Where("id IN ? AND billed_at IS NULL", billedIDs).
				Updates(map[string]any{
					"billed_at":  now,
					"invoice_id": invoice.ID,
					"version":    gorm.Expr("version + 1"),
					"updated_at": now,
				}).Error
			if err != nil {
				return err
			}
		}

		closed = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if closed {
		s.metrics.RecordInvoiceClosed(ctx)
		logger.WithContext(ctx, s.log).Info("billing.period_closed",
			zap.String("subscription_id", subscriptionID.String()),
			zap.String("invoice_id", invoice.ID.String()),
			zap.Time("period_start", periodStart),
			zap.Time("period_end", periodEnd),
			zap.Int64("total_amount_cents", invoice.TotalAmountCents),
		)
	}
	return &invoice, nil
}

func (s *Service) CloseDuePeriods(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	subs, err := s.subscriptions.ListDue(ctx, s.clock.Now(), batchSize)
	if err != nil {
		return 0, err
	}

	var (
		closed int
		errs   []error
	)
	for _, sub := range subs {
		if _, err := s.ClosePeriod(ctx, sub.ID, sub.CurrentPeriodStart, sub.CurrentPeriodEnd); err != nil {
			errs = append(errs, fmt.Errorf("close subscription %s: %w", sub.ID, err))
			continue
		}
		if err := s.subscriptions.RotatePeriod(ctx, sub.ID, sub.CurrentPeriodEnd); err != nil {
			errs = append(errs, fmt.Errorf("rotate subscription %s: %w", sub.ID, err))
			continue
		}
		closed++
	}
	return closed, errors.Join(errs...)
}

func (s *Service) ReportPending(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	var invoices []billingdomain.Invoice
	err := s.db.WithContext(ctx).
		Where("status = ?", billingdomain.InvoiceStatusPendingExternal).
		Order("created_at").
		Limit(batchSize).
		Find(&invoices).Error
	if err != nil {
		return 0, err
	}

	var (
		reported int
		errs     []error
	)
	for i := range invoices {
		if err := s.reportOne(ctx, &invoices[i]); err != nil {
			errs = append(errs, err)
			continue
		}
		reported++
	}
	return reported, errors.Join(errs...)
}

func (s *Service) reportOne(ctx context.Context, invoice *billingdomain.Invoice) error {
	sub, err := s.subscriptions.GetByID(ctx, invoice.SubscriptionID)
	if err != nil {
		return fmt.Errorf("report invoice %s: %w", invoice.ID, err)
	}

	result, reportErr := s.processor.ReportInvoice(ctx, processordomain.ReportRequest{
		InvoiceID:      invoice.ID,
		SubscriptionID: invoice.SubscriptionID,
		CustomerRef:    sub.CustomerRef,
		Currency:       invoice.Currency,
		AmountCents:    invoice.TotalAmountCents,
		PeriodStart:    invoice.PeriodStart,
		PeriodEnd:      invoice.PeriodEnd,
		IdempotencyKey: invoice.IdempotencyKey,
	})

	now := s.clock.Now()
	log := logger.WithContext(ctx, s.log).With(
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("subscription_id", invoice.SubscriptionID.String()),
	)

	switch {
	case reportErr == nil:
		err := s.db.WithContext(ctx).Model(&billingdomain.Invoice{}).
			Where("id = ? AND status = ?", invoice.ID, billingdomain.InvoiceStatusPendingExternal).
			Updates(map[string]any{
				"status":               billingdomain.InvoiceStatusOpen,
				"external_invoice_ref": result.ExternalInvoiceRef,
				"next_retry_at":        nil,
				"last_error":           nil,
				"updated_at":           now,
			}).Error
		if err != nil {
			return err
		}
		s.metrics.RecordInvoiceReported(ctx, "success")
		log.Info("billing.invoice_reported", zap.String("external_ref", result.ExternalInvoiceRef))
		return nil

	case errors.Is(reportErr, processordomain.ErrProcessorRejected):
		policy := s.policy.Get()
		attempt := invoice.AttemptCount + 1
		updates := map[string]any{
			"status":        billingdomain.InvoiceStatusFailed,
			"attempt_count": attempt,
			"last_error":    reportErr.Error(),
			"updated_at":    now,
		}
		if attempt >= policy.MaxReportAttempts {
			// Out of retries; the invoice stays failed for an operator
			// and the subscription is flagged.
			updates["next_retry_at"] = nil
			s.metrics.RecordInvoiceReported(ctx, "rejected_final")
			if err := s.subscriptions.MarkPastDue(ctx, invoice.SubscriptionID); err != nil {
				log.Error("billing.mark_past_due", zap.Error(err))
			}
		} else {
			updates["next_retry_at"] = now.Add(retryBackoff(policy, attempt))
			s.metrics.RecordInvoiceReported(ctx, "rejected")
		}
		err := s.db.WithContext(ctx).Model(&billingdomain.Invoice{}).
			Where("id = ? AND status = ?", invoice.ID, billingdomain.InvoiceStatusPendingExternal).
			Updates(updates).Error
		if err != nil {
			return err
		}
		log.Warn("billing.invoice_rejected",
			zap.Int("attempt", attempt),
			zap.Error(reportErr),
		)
		return nil

	default:
		// Unknown outcome (timeout, network failure): the invoice stays
		// pending_external and is re-reported under the same
		// idempotency key.
		s.metrics.RecordInvoiceReported(ctx, "unknown")
		log.Warn("billing.invoice_report_unknown_outcome", zap.Error(reportErr))
		return fmt.Errorf("report invoice %s: %w", invoice.ID, reportErr)
	}
}

// retryBackoff doubles per attempt from the policy base, capped at the
// policy maximum.
func retryBackoff(policy config.BillingPolicy, attempt int) time.Duration {
	backoff := policy.RetryBackoffBase
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= policy.RetryBackoffMax {
			return policy.RetryBackoffMax
		}
	}
	if backoff > policy.RetryBackoffMax {
		return policy.RetryBackoffMax
	}
	return backoff
}

func (s *Service) RetryFailed(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	now := s.clock.Now()

	var ids []snowflake.ID
	err := s.db.WithContext(ctx).Model(&billingdomain.Invoice{}).
		Where("status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?",
			billingdomain.InvoiceStatusFailed, now).
		Order("next_retry_at").
		Limit(batchSize).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	result := s.db.WithContext(ctx).Model(&billingdomain.Invoice{}).
		Where("id IN ? AND status = ?", ids, billingdomain.InvoiceStatusFailed).
		Updates(map[string]any{
			"status":        billingdomain.InvoiceStatusPendingExternal,
			"next_retry_at": nil,
			"updated_at":    now,
		})
	if result.Error != nil {
		return 0, result.Error
	}

	if result.RowsAffected > 0 {
		s.log.Info("billing.failed_requeued", zap.Int64("count", result.RowsAffected))
	}
	return int(result.RowsAffected), nil
}

func (s *Service) Get(ctx context.Context, subscriptionID, invoiceID snowflake.ID) (*billingdomain.Invoice, error) {
	var invoice billingdomain.Invoice
	query := s.db.WithContext(ctx).Preload("LineItems")
	if subscriptionID != 0 {
		query = query.Where("subscription_id = ?", subscriptionID)
	}
	err := query.First(&invoice, "id = ?", invoiceID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, billingdomain.ErrInvoiceNotFound
		}
		return nil, err
	}
	return &invoice, nil
}

func (s *Service) List(ctx context.Context, req billingdomain.ListRequest) ([]billingdomain.Invoice, pagination.PageInfo, error) {
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 25
	}

	query := s.db.WithContext(ctx).Where("subscription_id = ?", req.SubscriptionID)
	if req.Status != "" {
		query = query.Where("status = ?", req.Status)
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

	var invoices []billingdomain.Invoice
	err := query.Order("id DESC").Limit(pageSize + 1).Find(&invoices).Error
	if err != nil {
		return nil, pagination.PageInfo{}, err
	}

	invoices, hasMore := pagination.Trim(invoices, pageSize)
	info := pagination.PageInfo{HasMore: hasMore}
	if hasMore {
		last := invoices[len(invoices)-1]
		info.NextPageToken = pagination.EncodeCursor(last.ID.String(), last.CreatedAt)
	}
	return invoices, info, nil
}

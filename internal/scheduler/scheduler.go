package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	aggdomain "github.com/freely-hq/agentpay/internal/aggregate/domain"
	billingdomain "github.com/freely-hq/agentpay/internal/billing/domain"
	"github.com/freely-hq/agentpay/internal/clock"
	insightsdomain "github.com/freely-hq/agentpay/internal/insights/domain"
	obsmetrics "github.com/freely-hq/agentpay/internal/observability/metrics"
	reconciledomain "github.com/freely-hq/agentpay/internal/reconcile/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("scheduler_invalid_config")

type Params struct {
	fx.In

	Log          *zap.Logger
	Clock        clock.Clock
	GenID        *snowflake.Node
	AggregateSvc aggdomain.Service
	BillingSvc   billingdomain.Service
	ReconcileSvc reconciledomain.Service
	InsightsSvc  insightsdomain.Service
	Config       Config `optional:"true"`
}

type Scheduler struct {
	log          *zap.Logger
	cfg          Config
	clock        clock.Clock
	genID        *snowflake.Node
	aggregateSvc aggdomain.Service
	billingSvc   billingdomain.Service
	reconcileSvc reconciledomain.Service
	insightsSvc  insightsdomain.Service
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.GenID == nil ||
		p.AggregateSvc == nil || p.BillingSvc == nil ||
		p.ReconcileSvc == nil || p.InsightsSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:          p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:          p.Config.withDefaults(),
		clock:        p.Clock,
		genID:        p.GenID,
		aggregateSvc: p.AggregateSvc,
		billingSvc:   p.BillingSvc,
		reconcileSvc: p.ReconcileSvc,
		insightsSvc:  p.InsightsSvc,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Timeout time.Duration
		Run     func(context.Context) error
	}{
		{"aggregate", 30 * time.Second, s.AggregateJob},
		{"close_periods", 60 * time.Second, s.ClosePeriodsJob},
		{"report_pending", 60 * time.Second, s.ReportPendingJob},
		{"dunning_retry", 30 * time.Second, s.DunningRetryJob},
		{"reconcile_pending", 30 * time.Second, s.ReconcilePendingJob},
		{"insights_rollup", 5 * time.Minute, s.InsightsRollupJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		run := job.Run
		err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.BatchSize, job.Timeout, run))
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := s.runLoopLag(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runLoopLag reports how far behind its scheduled start the loop is,
// measured against the injected clock.
func (s *Scheduler) runLoopLag(nextRun time.Time) time.Duration {
	return s.clock.Now().Sub(nextRun)
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// No allowlist means every job runs (monolith mode).
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// AggregateJob drains unassigned usage events into hourly aggregates,
// looping until the backlog is empty or the deadline hits.
func (s *Scheduler) AggregateJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "aggregate", s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		folded, err := s.aggregateSvc.Run(ctx, s.cfg.BatchSize)
		if err != nil {
			run.IncError()
			return err
		}
		run.AddProcessed(folded)
		if folded == 0 {
			return nil
		}
	}
}

func (s *Scheduler) ClosePeriodsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "close_periods", s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	closed, err := s.billingSvc.CloseDuePeriods(ctx, s.cfg.BatchSize)
	run.AddProcessed(closed)
	if err != nil {
		run.IncError()
	}
	return err
}

func (s *Scheduler) ReportPendingJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "report_pending", s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	reported, err := s.billingSvc.ReportPending(ctx, s.cfg.BatchSize)
	run.AddProcessed(reported)
	if err != nil {
		run.IncError()
	}
	return err
}

func (s *Scheduler) DunningRetryJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "dunning_retry", s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	requeued, err := s.billingSvc.RetryFailed(ctx, s.cfg.BatchSize)
	run.AddProcessed(requeued)
	if err != nil {
		run.IncError()
	}
	return err
}

func (s *Scheduler) ReconcilePendingJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "reconcile_pending", s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	processed, err := s.reconcileSvc.ProcessPending(ctx, s.cfg.BatchSize)
	run.AddProcessed(processed)
	if err != nil {
		run.IncError()
	}
	return err
}

func (s *Scheduler) InsightsRollupJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "insights_rollup", s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	now := s.clock.Now()
	var jobErr error
	// Rebuild the previous and current months; late reconciliations can
	// move revenue after a month boundary.
	for _, period := range []time.Time{now.AddDate(0, -1, 0), now} {
		if err := s.insightsSvc.RebuildRevenueMetrics(ctx, period); err != nil {
			run.IncError()
			jobErr = errors.Join(jobErr, err)
		}
	}

	scored, err := s.insightsSvc.ScoreSubscriptions(ctx, s.cfg.BatchSize)
	run.AddProcessed(scored)
	if err != nil {
		run.IncError()
		jobErr = errors.Join(jobErr, err)
	}
	return jobErr
}

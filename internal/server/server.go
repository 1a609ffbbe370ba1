package server

import (
	"context"
	"net/http"
	"time"

	"github.com/freely-hq/agentpay/internal/aggregate"
	aggdomain "github.com/freely-hq/agentpay/internal/aggregate/domain"
	"github.com/freely-hq/agentpay/internal/apikey"
	apikeydomain "github.com/freely-hq/agentpay/internal/apikey/domain"
	"github.com/freely-hq/agentpay/internal/billing"
	billingdomain "github.com/freely-hq/agentpay/internal/billing/domain"
	"github.com/freely-hq/agentpay/internal/clock"
	"github.com/freely-hq/agentpay/internal/config"
	"github.com/freely-hq/agentpay/internal/ingest"
	ingestdomain "github.com/freely-hq/agentpay/internal/ingest/domain"
	"github.com/freely-hq/agentpay/internal/insights"
	"github.com/freely-hq/agentpay/internal/observability"
	obslogger "github.com/freely-hq/agentpay/internal/observability/logger"
	obsmetrics "github.com/freely-hq/agentpay/internal/observability/metrics"
	obstracing "github.com/freely-hq/agentpay/internal/observability/tracing"
	"github.com/freely-hq/agentpay/internal/processor"
	processordomain "github.com/freely-hq/agentpay/internal/processor/domain"
	"github.com/freely-hq/agentpay/internal/ratelimit"
	"github.com/freely-hq/agentpay/internal/reconcile"
	reconciledomain "github.com/freely-hq/agentpay/internal/reconcile/domain"
	"github.com/freely-hq/agentpay/internal/subscription"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	apikey.Module,
	subscription.Module,
	ingest.Module,
	aggregate.Module,
	billing.Module,
	processor.Module,
	reconcile.Module,
	insights.Module,
	ratelimit.Module,
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, s *Server) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: s.Engine(),
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine        *gin.Engine
	cfg           config.Config
	log           *zap.Logger
	clock         clock.Clock
	apiKeySvc     apikeydomain.Service
	ingestSvc     ingestdomain.Service
	aggregateSvc  aggdomain.Service
	billingSvc    billingdomain.Service
	reconcileSvc  reconciledomain.Service
	verifier      processordomain.WebhookVerifier
	ingestLimiter *ratelimit.IngestLimiter
	obsMetrics    *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	Log          *zap.Logger
	Clock        clock.Clock
	APIKeySvc    apikeydomain.Service
	IngestSvc    ingestdomain.Service
	AggregateSvc aggdomain.Service
	BillingSvc   billingdomain.Service
	ReconcileSvc reconciledomain.Service
	Verifier     processordomain.WebhookVerifier

	IngestLimiter *ratelimit.IngestLimiter `optional:"true"`
	ObsMetrics    *obsmetrics.Metrics      `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		log:           p.Log.Named("http.server"),
		clock:         p.Clock,
		apiKeySvc:     p.APIKeySvc,
		ingestSvc:     p.IngestSvc,
		aggregateSvc:  p.AggregateSvc,
		billingSvc:    p.BillingSvc,
		reconcileSvc:  p.ReconcileSvc,
		verifier:      p.Verifier,
		ingestLimiter: p.IngestLimiter,
		obsMetrics:    p.ObsMetrics,
	}

	s.registerAPIRoutes()
	s.registerWebhookRoutes()
	s.registerOpsRoutes()

	return s
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api", s.APIKeyRequired())

	api.POST("/usage", s.IngestRateLimit(), s.RecordUsage)
	api.GET("/usage", s.ListUsage)
	api.GET("/aggregates", s.ListAggregates)
	api.GET("/invoices", s.ListInvoices)
	api.GET("/invoices/:id", s.GetInvoice)
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/:provider", s.HandleProviderWebhook)
}

func (s *Server) registerOpsRoutes() {
	ops := s.engine.Group("/ops")

	ops.POST("/billing/close-period", s.CloseBillingPeriod)
	ops.GET("/reconcile/dead-letters", s.ListDeadLetters)
	ops.POST("/reconcile/dead-letters/:id/retry", s.RetryDeadLetter)
}

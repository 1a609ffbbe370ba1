package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	eventsIngested   metric.Int64Counter
	eventsFolded     metric.Int64Counter
	invoicesClosed   metric.Int64Counter
	invoicesReported metric.Int64Counter
	webhookEvents    metric.Int64Counter
	deadLetters      metric.Int64Counter
	rateLimitDenied  metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "agentpay"
	}
	meter := provider.Meter(name)

	eventsIngested, err := meter.Int64Counter("agentpay_usage_events_ingested_total")
	if err != nil {
		return nil, err
	}
	eventsFolded, err := meter.Int64Counter("agentpay_usage_events_folded_total")
	if err != nil {
		return nil, err
	}
	invoicesClosed, err := meter.Int64Counter("agentpay_invoices_closed_total")
	if err != nil {
		return nil, err
	}
	invoicesReported, err := meter.Int64Counter("agentpay_invoices_reported_total")
	if err != nil {
		return nil, err
	}
	webhookEvents, err := meter.Int64Counter("agentpay_webhook_events_total")
	if err != nil {
		return nil, err
	}
	deadLetters, err := meter.Int64Counter("agentpay_reconcile_dead_letters_total")
	if err != nil {
		return nil, err
	}
	rateLimitDenied, err := meter.Int64Counter("agentpay_rate_limit_denied_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		eventsIngested:   eventsIngested,
		eventsFolded:     eventsFolded,
		invoicesClosed:   invoicesClosed,
		invoicesReported: invoicesReported,
		webhookEvents:    webhookEvents,
		deadLetters:      deadLetters,
		rateLimitDenied:  rateLimitDenied,
	}, nil
}

// RecordEventIngested increments ingest counts per event type.
func (m *Metrics) RecordEventIngested(ctx context.Context, eventType string, deduplicated bool) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.Bool("deduplicated", deduplicated),
	)
	m.eventsIngested.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordEventsFolded counts events assigned to aggregates.
func (m *Metrics) RecordEventsFolded(ctx context.Context, count int, correction bool) {
	if m == nil || count <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.Bool("correction", correction))
	m.eventsFolded.Add(ctx, int64(count), metric.WithAttributes(attrs...))
}

// RecordInvoiceClosed counts invoices produced by period close.
func (m *Metrics) RecordInvoiceClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.invoicesClosed.Add(ctx, 1)
}

// RecordInvoiceReported counts processor report outcomes.
func (m *Metrics) RecordInvoiceReported(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.invoicesReported.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordWebhookEvent counts webhook notifications per provider and type.
func (m *Metrics) RecordWebhookEvent(ctx context.Context, provider, eventType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
	)
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDeadLetter counts notifications parked for operator review.
func (m *Metrics) RecordDeadLetter(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.deadLetters.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitDenied increments rate limit deny counts.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("endpoint", strings.TrimSpace(endpoint)))
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// NewNop returns instruments backed by the no-op provider, for tests.
func NewNop() *Metrics {
	m, _ := New(Config{}, noop.NewMeterProvider())
	return m
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"event_type":   {},
	"endpoint":     {},
	"provider":     {},
	"outcome":      {},
	"reason":       {},
	"deduplicated": {},
	"correction":   {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}

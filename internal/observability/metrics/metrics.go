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

// Metrics exposes the engine's application-level instruments.
type Metrics struct {
	authorizeDecisions metric.Int64Counter
	consumeConflicts   metric.Int64Counter
	paymentEvents      metric.Int64Counter
	creditGrants       metric.Int64Counter
	rateLimitDenied    metric.Int64Counter
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
		name = "storyloom"
	}
	meter := provider.Meter(name)

	authorizeDecisions, err := meter.Int64Counter("storyloom_authorize_decisions_total")
	if err != nil {
		return nil, err
	}
	consumeConflicts, err := meter.Int64Counter("storyloom_consume_conflicts_total")
	if err != nil {
		return nil, err
	}
	paymentEvents, err := meter.Int64Counter("storyloom_payment_events_total")
	if err != nil {
		return nil, err
	}
	creditGrants, err := meter.Int64Counter("storyloom_credit_grants_total")
	if err != nil {
		return nil, err
	}
	rateLimitDenied, err := meter.Int64Counter("storyloom_rate_limit_denied_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		authorizeDecisions: authorizeDecisions,
		consumeConflicts:   consumeConflicts,
		paymentEvents:      paymentEvents,
		creditGrants:       creditGrants,
		rateLimitDenied:    rateLimitDenied,
	}, nil
}

// RecordAuthorizeDecision counts authorization outcomes per action and reason.
func (m *Metrics) RecordAuthorizeDecision(ctx context.Context, action, source, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("action", strings.TrimSpace(action)),
		attribute.String("source", strings.TrimSpace(source)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.authorizeDecisions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordConsumeConflict counts conditional writes that lost the race.
func (m *Metrics) RecordConsumeConflict(ctx context.Context, action, source string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("action", strings.TrimSpace(action)),
		attribute.String("source", strings.TrimSpace(source)),
	)
	m.consumeConflicts.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPaymentEvent counts reconciled gateway events per type and outcome.
func (m *Metrics) RecordPaymentEvent(ctx context.Context, provider, eventType, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.paymentEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCreditGrant counts credits granted from one-time purchases.
func (m *Metrics) RecordCreditGrant(ctx context.Context, item string, amount int64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("item", strings.TrimSpace(item)))
	m.creditGrants.Add(ctx, amount, metric.WithAttributes(attrs...))
}

// RecordRateLimitDenied counts requests rejected by the token bucket.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
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
	"action":      {},
	"source":      {},
	"reason":      {},
	"provider":    {},
	"event_type":  {},
	"outcome":     {},
	"item":        {},
	"endpoint":    {},
	"status_code": {},
	"route":       {},
	"method":      {},
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

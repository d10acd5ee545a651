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

// Metrics exposes billing domain instruments over OTLP.
type Metrics struct {
	cyclesCompleted metric.Int64Counter
	cyclesFailed    metric.Int64Counter
	captures        metric.Int64Counter
	ordersRolled    metric.Int64Counter
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
		name = "recurring"
	}
	meter := provider.Meter(name)

	cyclesCompleted, err := meter.Int64Counter("recurring_cycles_completed_total")
	if err != nil {
		return nil, err
	}
	cyclesFailed, err := meter.Int64Counter("recurring_cycles_failed_total")
	if err != nil {
		return nil, err
	}
	captures, err := meter.Int64Counter("recurring_payment_captures_total")
	if err != nil {
		return nil, err
	}
	ordersRolled, err := meter.Int64Counter("recurring_orders_rolled_back_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		cyclesCompleted: cyclesCompleted,
		cyclesFailed:    cyclesFailed,
		captures:        captures,
		ordersRolled:    ordersRolled,
	}, nil
}

// RecordCycleCompleted counts a billed period by interval unit.
func (m *Metrics) RecordCycleCompleted(ctx context.Context, interval string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("interval", strings.TrimSpace(interval)))
	m.cyclesCompleted.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCycleFailed counts failed attempts by reason and whether retries remain.
func (m *Metrics) RecordCycleFailed(ctx context.Context, reason string, exhausted bool) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("reason", strings.TrimSpace(reason)),
		attribute.Bool("exhausted", exhausted),
	)
	m.cyclesFailed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCapture counts capture outcomes per provider.
func (m *Metrics) RecordCapture(ctx context.Context, provider, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("status", strings.TrimSpace(status)),
	)
	m.captures.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordOrderRollback(ctx context.Context, ok bool) {
	if m == nil {
		return
	}
	m.ordersRolled.Add(ctx, 1, metric.WithAttributes(attribute.Bool("ok", ok)))
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
	"interval":  {},
	"reason":    {},
	"exhausted": {},
	"provider":  {},
	"status":    {},
	"job":       {},
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

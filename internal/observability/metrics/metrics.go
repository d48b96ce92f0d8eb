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

// Metrics exposes application-level instruments for the metering engine.
type Metrics struct {
	usageTracked    metric.Int64Counter
	deductions      metric.Float64Counter
	overage         metric.Float64Counter
	cacheHits       metric.Int64Counter
	cacheMisses     metric.Int64Counter
	cacheWriteFails metric.Int64Counter
	batchFlushes    metric.Int64Counter
	batchEvents     metric.Int64Counter
	lockContention  metric.Int64Counter
	grantResets     metric.Int64Counter
	rollovers       metric.Int64Counter
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
		name = "meterline"
	}
	meter := provider.Meter(name)

	usageTracked, err := meter.Int64Counter("meterline_usage_tracked_total")
	if err != nil {
		return nil, err
	}
	deductions, err := meter.Float64Counter("meterline_balance_deducted_total")
	if err != nil {
		return nil, err
	}
	overage, err := meter.Float64Counter("meterline_balance_overage_total")
	if err != nil {
		return nil, err
	}
	cacheHits, err := meter.Int64Counter("meterline_customer_cache_hits_total")
	if err != nil {
		return nil, err
	}
	cacheMisses, err := meter.Int64Counter("meterline_customer_cache_misses_total")
	if err != nil {
		return nil, err
	}
	cacheWriteFails, err := meter.Int64Counter("meterline_customer_cache_write_failures_total")
	if err != nil {
		return nil, err
	}
	batchFlushes, err := meter.Int64Counter("meterline_event_batch_flushes_total")
	if err != nil {
		return nil, err
	}
	batchEvents, err := meter.Int64Counter("meterline_event_batch_events_total")
	if err != nil {
		return nil, err
	}
	lockContention, err := meter.Int64Counter("meterline_customer_lock_contention_total")
	if err != nil {
		return nil, err
	}
	grantResets, err := meter.Int64Counter("meterline_grant_resets_total")
	if err != nil {
		return nil, err
	}
	rollovers, err := meter.Int64Counter("meterline_rollovers_created_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		usageTracked:    usageTracked,
		deductions:      deductions,
		overage:         overage,
		cacheHits:       cacheHits,
		cacheMisses:     cacheMisses,
		cacheWriteFails: cacheWriteFails,
		batchFlushes:    batchFlushes,
		batchEvents:     batchEvents,
		lockContention:  lockContention,
		grantResets:     grantResets,
		rollovers:       rollovers,
	}, nil
}

// RecordUsageTracked increments tracked usage event counts.
func (m *Metrics) RecordUsageTracked(ctx context.Context, featureKey string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("feature_key", strings.TrimSpace(featureKey)))
	m.usageTracked.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDeduction records the amount drawn from balances.
func (m *Metrics) RecordDeduction(ctx context.Context, featureKey string, amount float64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("feature_key", strings.TrimSpace(featureKey)))
	m.deductions.Add(ctx, amount, metric.WithAttributes(attrs...))
}

// RecordOverage records usage that could not be covered by any balance pool.
func (m *Metrics) RecordOverage(ctx context.Context, featureKey string, amount float64) {
	if m == nil || amount <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("feature_key", strings.TrimSpace(featureKey)))
	m.overage.Add(ctx, amount, metric.WithAttributes(attrs...))
}

// RecordCacheHit increments customer cache hit counts.
func (m *Metrics) RecordCacheHit(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("operation", strings.TrimSpace(operation)))
	m.cacheHits.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCacheMiss increments customer cache miss counts.
func (m *Metrics) RecordCacheMiss(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("operation", strings.TrimSpace(operation)))
	m.cacheMisses.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCacheWriteFailure increments failed fire-and-forget cache writes.
func (m *Metrics) RecordCacheWriteFailure(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("operation", strings.TrimSpace(operation)))
	m.cacheWriteFails.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordBatchFlush records one flush and the number of events it carried.
func (m *Metrics) RecordBatchFlush(ctx context.Context, reason string, events int) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.batchFlushes.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.batchEvents.Add(ctx, int64(events), metric.WithAttributes(attrs...))
}

// RecordLockContention increments per-customer lock contention counts.
func (m *Metrics) RecordLockContention(ctx context.Context) {
	if m == nil {
		return
	}
	m.lockContention.Add(ctx, 1)
}

// RecordGrantReset increments period reset counts.
func (m *Metrics) RecordGrantReset(ctx context.Context, rolledOver bool) {
	if m == nil {
		return
	}
	m.grantResets.Add(ctx, 1)
	if rolledOver {
		m.rollovers.Add(ctx, 1)
	}
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
	"org_id":      {},
	"feature_key": {},
	"operation":   {},
	"reason":      {},
	"status_code": {},
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

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
	reservationsCreated  metric.Int64Counter
	reservationsExpired  metric.Int64Counter
	commits              metric.Int64Counter
	releases             metric.Int64Counter
	deductions           metric.Int64Counter
	insufficientRejected metric.Int64Counter
	tokensCommitted      metric.Int64Counter
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
		name = "quizforge"
	}
	meter := provider.Meter(name)

	reservationsCreated, err := meter.Int64Counter("quizforge_reservations_created_total")
	if err != nil {
		return nil, err
	}
	reservationsExpired, err := meter.Int64Counter("quizforge_reservations_expired_total")
	if err != nil {
		return nil, err
	}
	commits, err := meter.Int64Counter("quizforge_commits_total")
	if err != nil {
		return nil, err
	}
	releases, err := meter.Int64Counter("quizforge_releases_total")
	if err != nil {
		return nil, err
	}
	deductions, err := meter.Int64Counter("quizforge_deductions_total")
	if err != nil {
		return nil, err
	}
	insufficientRejected, err := meter.Int64Counter("quizforge_insufficient_tokens_total")
	if err != nil {
		return nil, err
	}
	tokensCommitted, err := meter.Int64Counter("quizforge_tokens_committed_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		reservationsCreated:  reservationsCreated,
		reservationsExpired:  reservationsExpired,
		commits:              commits,
		releases:             releases,
		deductions:           deductions,
		insufficientRejected: insufficientRejected,
		tokensCommitted:      tokensCommitted,
	}, nil
}

// RecordReservationCreated increments reservation creation counts. It
// fires on idempotent replays too, recording the logical event.
func (m *Metrics) RecordReservationCreated(ctx context.Context) {
	if m == nil {
		return
	}
	m.reservationsCreated.Add(ctx, 1)
}

// RecordReservationExpired increments expiration counts from the sweeper.
func (m *Metrics) RecordReservationExpired(ctx context.Context, count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.reservationsExpired.Add(ctx, count)
}

// RecordCommit increments commit counts and adds the committed token total.
func (m *Metrics) RecordCommit(ctx context.Context, tokens int64) {
	if m == nil {
		return
	}
	m.commits.Add(ctx, 1)
	if tokens > 0 {
		m.tokensCommitted.Add(ctx, tokens)
	}
}

// RecordRelease increments release counts.
func (m *Metrics) RecordRelease(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.releases.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDeduction increments out-of-band deduction counts.
func (m *Metrics) RecordDeduction(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.deductions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordInsufficientTokens increments rejected reserve counts.
func (m *Metrics) RecordInsufficientTokens(ctx context.Context) {
	if m == nil {
		return
	}
	m.insufficientRejected.Add(ctx, 1)
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
	"operation":   {},
	"reason":      {},
	"endpoint":    {},
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

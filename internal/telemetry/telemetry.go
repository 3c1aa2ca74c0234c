// Package telemetry wires OpenTelemetry metrics for the call bridge.
// When disabled, every instrument is a no-op.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// MeterName is the instrumentation scope name for call-bridge metrics.
const MeterName = "call-bridge"

// DefaultInterval is how often metrics are pushed when no interval is set.
const DefaultInterval = time.Minute

// Config holds telemetry configuration.
type Config struct {
	Enabled     bool   `yaml:"enabled" env:"CALLBRIDGE_TELEMETRY_ENABLED"`
	ServiceName string `yaml:"service_name" env:"CALLBRIDGE_TELEMETRY_SERVICE_NAME"`
	// Exporter is otlp-http (the default), stdout or none.
	Exporter string        `yaml:"exporter" env:"CALLBRIDGE_TELEMETRY_EXPORTER"`
	Endpoint string        `yaml:"endpoint" env:"CALLBRIDGE_TELEMETRY_ENDPOINT"`
	Interval time.Duration `yaml:"interval" env:"CALLBRIDGE_TELEMETRY_INTERVAL"`
}

// Provider wraps the meter provider with cleanup.
type Provider struct {
	MeterProvider metric.MeterProvider
	Meter         metric.Meter
	shutdown      func(context.Context) error
}

// Init sets up the meter provider and its periodic exporter. Extra readers
// (for example a manual reader in tests) are attached to the SDK provider.
func Init(ctx context.Context, cfg Config, readers ...sdkmetric.Reader) (*Provider, error) {
	return initWith(ctx, cfg, os.Stdout, readers...)
}

func initWith(ctx context.Context, cfg Config, out io.Writer, readers ...sdkmetric.Reader) (*Provider, error) {
	if !cfg.Enabled {
		mp := noop.NewMeterProvider()
		return &Provider{
			MeterProvider: mp,
			Meter:         mp.Meter(MeterName),
			shutdown:      func(context.Context) error { return nil },
		}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "call-bridge"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, err := createExporter(ctx, cfg, out)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}
	if exporter != nil {
		interval := cfg.Interval
		if interval <= 0 {
			interval = DefaultInterval
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval)))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}
	mp := sdkmetric.NewMeterProvider(opts...)

	return &Provider{
		MeterProvider: mp,
		Meter:         mp.Meter(MeterName),
		shutdown:      mp.Shutdown,
	}, nil
}

// createExporter returns nil for exporter=none.
func createExporter(ctx context.Context, cfg Config, out io.Writer) (sdkmetric.Exporter, error) {
	switch cfg.Exporter {
	case "otlp-http", "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		return otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(endpoint),
			otlpmetrichttp.WithInsecure(),
		)
	case "stdout":
		return stdoutmetric.New(stdoutmetric.WithWriter(out), stdoutmetric.WithPrettyPrint())
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown exporter: %s (supported: otlp-http, stdout, none)", cfg.Exporter)
	}
}

// Shutdown flushes and shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// Delivery paths recorded on callbridge.delivery.
const (
	PathLive    = "live"
	PathWarm    = "warm"
	PathMailbox = "mailbox"
)

// Metrics holds the call-bridge instruments.
type Metrics struct {
	Deliveries       metric.Int64Counter
	SessionsOpened   metric.Int64Counter
	Timeouts         metric.Int64Counter
	ResourceFailures metric.Int64Counter
}

// NewMetrics creates all instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.Deliveries, err = meter.Int64Counter("callbridge.delivery",
		metric.WithDescription("Call actions handed to the runtime, by path"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsOpened, err = meter.Int64Counter("callbridge.sessions.opened",
		metric.WithDescription("Call sessions created"),
	)
	if err != nil {
		return nil, err
	}

	m.Timeouts, err = meter.Int64Counter("callbridge.timeouts",
		metric.WithDescription("Incoming calls that rang out"),
	)
	if err != nil {
		return nil, err
	}

	m.ResourceFailures, err = meter.Int64Counter("callbridge.resource.failures",
		metric.WithDescription("OS resource acquisitions that failed and degraded the call"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Noop returns instruments that record nothing.
func Noop() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}

// Delivered records one delivery on path.
func (m *Metrics) Delivered(ctx context.Context, path string) {
	m.Deliveries.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
}

// ResourceFailed records one failed resource acquisition.
func (m *Metrics) ResourceFailed(ctx context.Context, resource string) {
	m.ResourceFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("resource", resource)))
}

// Package otel wires OpenTelemetry traces and metrics for crewdesk.
// When disabled every provider is a no-op.
package otel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/crewdesk/internal/config"
)

const (
	TracerName = "crewdesk"
	MeterName  = "crewdesk"
	// Version is reported as a resource attribute.
	Version = "v0.1.0"
)

type Config struct {
	Enabled     bool
	Exporter    string // otlp-http (default), stdout or none
	Endpoint    string // host:port or a full URL
	ServiceName string
	SampleRate  float64
	// MetricsEnabled keeps an in-process meter provider that Counters reads;
	// otherwise instruments are no-ops even when tracing is on.
	MetricsEnabled bool
}

func FromConfig(tc config.TelemetryConfig) Config {
	return Config{
		Enabled:        tc.Enabled,
		Exporter:       tc.Exporter,
		Endpoint:       tc.Endpoint,
		ServiceName:    tc.ServiceName,
		SampleRate:     tc.SampleRate,
		MetricsEnabled: tc.MetricsEnabled,
	}
}

// Provider owns the tracer and meter providers. Shutdown flushes both.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter

	reader  *sdkmetric.ManualReader
	closers []func(context.Context) error
}

func noopProvider() *Provider {
	mp := noop.NewMeterProvider()
	return &Provider{
		Tracer:        nooptrace.NewTracerProvider().Tracer(TracerName),
		MeterProvider: mp,
		Meter:         mp.Meter(MeterName),
	}
}

// Init builds the providers described by cfg and installs them as the
// process-wide OTel defaults. A disabled config yields no-op providers.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return noopProvider(), nil
	}
	res, err := newResource(ctx, cfg.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	exporter, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	rate := cfg.SampleRate
	if rate <= 0 || rate > 1 {
		rate = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	)
	otel.SetTracerProvider(tp)

	p := noopProvider()
	p.TracerProvider = tp
	p.Tracer = tp.Tracer(TracerName)
	p.closers = append(p.closers, tp.Shutdown)

	if cfg.MetricsEnabled {
		p.reader = sdkmetric.NewManualReader()
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(p.reader),
		)
		otel.SetMeterProvider(mp)
		p.MeterProvider = mp
		p.Meter = mp.Meter(MeterName)
		p.closers = append(p.closers, mp.Shutdown)
	}
	return p, nil
}

func newResource(ctx context.Context, service string) (*resource.Resource, error) {
	if service == "" {
		service = "crewdesk"
	}
	return resource.New(ctx,
		resource.WithHost(),
		resource.WithProcessPID(),
		resource.WithAttributes(
			semconv.ServiceName(service),
			semconv.ServiceVersion(Version),
			attribute.String("crewdesk.version", Version),
		),
	)
}

func newSpanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "", "otlp-http":
		ep := cfg.Endpoint
		if ep == "" {
			ep = "localhost:4318"
		}
		if strings.HasPrefix(ep, "http://") || strings.HasPrefix(ep, "https://") {
			return otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(ep))
		}
		return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(ep), otlptracehttp.WithInsecure())
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return discardExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown exporter %q (supported: otlp-http, stdout, none)", cfg.Exporter)
	}
}

type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                             { return nil }

// Counters collects the current totals of every integer counter, keyed by
// instrument name and summed across attribute sets. It returns nil when
// metrics are off.
func (p *Provider) Counters(ctx context.Context) (map[string]int64, error) {
	if p.reader == nil {
		return nil, nil
	}
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, err
	}
	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				out[m.Name] += dp.Value
			}
		}
	}
	return out, nil
}

func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		errs = append(errs, p.closers[i](ctx))
	}
	return errors.Join(errs...)
}

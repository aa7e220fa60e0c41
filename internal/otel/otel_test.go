package otel

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/crewdesk/internal/config"
)

func TestInit(t *testing.T) {
	tests := []struct {
		name        string
		cfg         Config
		wantErr     bool
		wantTracing bool
		wantMetrics bool
	}{
		{name: "disabled", cfg: Config{}},
		{name: "none exporter", cfg: Config{Enabled: true, Exporter: "none"}, wantTracing: true},
		{name: "custom service and sampling", cfg: Config{Enabled: true, Exporter: "none", ServiceName: "desk-eu", SampleRate: 0.5}, wantTracing: true},
		{name: "out of range sample rate", cfg: Config{Enabled: true, Exporter: "none", SampleRate: 7}, wantTracing: true},
		{name: "metrics on", cfg: Config{Enabled: true, Exporter: "none", MetricsEnabled: true}, wantTracing: true, wantMetrics: true},
		{name: "otlp url endpoint", cfg: Config{Enabled: true, Endpoint: "http://127.0.0.1:4318"}, wantTracing: true},
		{name: "unknown exporter", cfg: Config{Enabled: true, Exporter: "carrier-pigeon"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Init(context.Background(), tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Init: %v", err)
			}
			defer p.Shutdown(context.Background())

			if p.Tracer == nil || p.Meter == nil || p.MeterProvider == nil {
				t.Fatalf("provider has nil members: %+v", p)
			}
			if (p.TracerProvider != nil) != tt.wantTracing {
				t.Fatalf("tracing = %v, want %v", p.TracerProvider != nil, tt.wantTracing)
			}
			if (p.reader != nil) != tt.wantMetrics {
				t.Fatalf("metrics reader = %v, want %v", p.reader != nil, tt.wantMetrics)
			}

			_, span := p.Tracer.Start(context.Background(), "test.span")
			span.End()
		})
	}
}

func TestShutdown_DisabledIsNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestCounters(t *testing.T) {
	ctx := context.Background()
	p, err := Init(ctx, Config{Enabled: true, Exporter: "none", MetricsEnabled: true})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(ctx)

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.BudgetDenials.Add(ctx, 2)
	m.BudgetDenials.Add(ctx, 1, metric.WithAttributes(attribute.String("tenant", "acme")))
	m.RateLimitRejects.Add(ctx, 4)

	got, err := p.Counters(ctx)
	if err != nil {
		t.Fatalf("Counters: %v", err)
	}
	if got["crewdesk.budget.denials"] != 3 || got["crewdesk.ratelimit.rejects"] != 4 {
		t.Fatalf("counters = %v", got)
	}

	off, _ := Init(ctx, Config{})
	if c, err := off.Counters(ctx); c != nil || err != nil {
		t.Fatalf("disabled counters = %v, %v", c, err)
	}
}

func TestSpanHelpers(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := StartSpan(context.Background(), p.Tracer, "test.internal",
		AttrAgentID.String("coder"),
		AttrTaskID.String("task-1"),
	)
	if !span.SpanContext().IsValid() {
		t.Fatal("internal span has no valid context")
	}
	span.End()

	_, server := StartServerSpan(context.Background(), p.Tracer, "http GET")
	server.End()

	_, client := StartClientSpan(context.Background(), p.Tracer, "llm.generate",
		AttrModel.String("gemini-2.5-flash"),
	)
	client.End()
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.TelemetryConfig{Enabled: true, Exporter: "stdout", SampleRate: 0.25, MetricsEnabled: true})
	if !cfg.Enabled || cfg.Exporter != "stdout" || cfg.SampleRate != 0.25 || !cfg.MetricsEnabled {
		t.Fatalf("unexpected conversion: %+v", cfg)
	}
}

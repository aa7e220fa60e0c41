package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the crewdesk metric instruments.
type Metrics struct {
	RequestDuration    metric.Float64Histogram
	TurnDuration       metric.Float64Histogram
	AdmissionGranted   metric.Int64Counter
	RateLimitRejects   metric.Int64Counter
	BudgetDenials      metric.Int64Counter
	AuditWriteFailures metric.Int64Counter
	MemoryArchived     metric.Int64Counter
	TokensUsed         metric.Int64Counter
	ToolCallDuration   metric.Float64Histogram
	ToolCallErrors     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("crewdesk.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TurnDuration, err = meter.Float64Histogram("crewdesk.turn.duration",
		metric.WithDescription("Agent turn duration in seconds, admission to result"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.AdmissionGranted, err = meter.Int64Counter("crewdesk.admission.granted",
		metric.WithDescription("Turns admitted by both rate limiter and budget"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("crewdesk.ratelimit.rejects",
		metric.WithDescription("Calls rejected by a rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	m.BudgetDenials, err = meter.Int64Counter("crewdesk.budget.denials",
		metric.WithDescription("Turns denied by the tenant budget"),
	)
	if err != nil {
		return nil, err
	}

	m.AuditWriteFailures, err = meter.Int64Counter("crewdesk.audit.write_failures",
		metric.WithDescription("Audit entries that exhausted their retries"),
	)
	if err != nil {
		return nil, err
	}

	m.MemoryArchived, err = meter.Int64Counter("crewdesk.memory.archived",
		metric.WithDescription("Memory records archived by decay passes"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("crewdesk.llm.tokens",
		metric.WithDescription("Total tokens consumed"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("crewdesk.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("crewdesk.tool.errors",
		metric.WithDescription("Tool call error count"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments that record nothing.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}

package shared

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey int

const (
	traceKey ctxKey = iota
	sessionKey
	taskKey
	agentKey
	tenantKey
	turnKey
)

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey, traceID)
}

// TraceID returns the trace_id on ctx, or "-" when absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// NewID generates an identifier for persisted rows.
func NewID() string {
	return uuid.NewString()
}

func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey, sessionID)
}

func SessionID(ctx context.Context) string {
	v, _ := ctx.Value(sessionKey).(string)
	return v
}

func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskKey, taskID)
}

func TaskID(ctx context.Context) string {
	v, _ := ctx.Value(taskKey).(string)
	return v
}

// WithAgentID records the acting agent. Tool calls use it as the actor.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentKey, agentID)
}

func AgentID(ctx context.Context) string {
	v, _ := ctx.Value(agentKey).(string)
	return v
}

// WithTurnID marks ctx as belonging to one agent turn. Tool calls derive
// their retry keys from it.
func WithTurnID(ctx context.Context, turnID string) context.Context {
	return context.WithValue(ctx, turnKey, turnID)
}

func TurnID(ctx context.Context) string {
	v, _ := ctx.Value(turnKey).(string)
	return v
}

// WithTenantID records the tenant billed for work done under ctx.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey, tenantID)
}

func TenantID(ctx context.Context) string {
	v, _ := ctx.Value(tenantKey).(string)
	return v
}

// DefaultTenant bills work that carries no tenant.
const DefaultTenant = "default"

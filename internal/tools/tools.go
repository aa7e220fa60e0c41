// Package tools is the registry of agent-callable tools. Every call is
// validated against the tool's JSON schema, checked against the tool
// policy for the calling agent, and deduplicated so a retried side effect
// happens at most once.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/crewdesk/internal/agent"
	"github.com/basket/crewdesk/internal/apperr"
	"github.com/basket/crewdesk/internal/otel"
	"github.com/basket/crewdesk/internal/policy"
	"github.com/basket/crewdesk/internal/shared"
)

// Tool is one callable operation.
type Tool interface {
	Name() string
	Description() string
	InputSchema() json.RawMessage
	Invoke(ctx context.Context, input json.RawMessage) (any, error)
}

// ReadOnly is implemented by tools without side effects. Their calls are
// never deduplicated.
type ReadOnly interface {
	ReadOnly() bool
}

// AgentResolver maps the calling agent to its profile for policy checks.
type AgentResolver interface {
	Resolve(ref string) (agent.Profile, bool)
}

// DedupStore persists results of completed side-effecting calls.
type DedupStore interface {
	LookupToolCall(ctx context.Context, key, requestHash string) (string, bool, error)
	RecordToolCall(ctx context.Context, key, toolName, requestHash, resultJSON string) error
}

// Descriptor is what callers (the executor, the HTTP API) see of a tool.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type Config struct {
	Policy  policy.Checker
	Agents  AgentResolver
	Dedup   DedupStore
	Logger  *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer
}

type registered struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry holds the tools and enforces validation, policy and dedup.
type Registry struct {
	policy  policy.Checker
	agents  AgentResolver
	dedup   DedupStore
	logger  *slog.Logger
	metrics *otel.Metrics
	tracer  trace.Tracer

	mu    sync.RWMutex
	tools map[string]*registered
}

func NewRegistry(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = otel.NoopMetrics()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.NoopTracer()
	}
	return &Registry{
		policy:  cfg.Policy,
		agents:  cfg.Agents,
		dedup:   cfg.Dedup,
		logger:  logger.With("component", "tools"),
		metrics: metrics,
		tracer:  tracer,
		tools:   map[string]*registered{},
	}
}

// Register compiles the tool's schema and adds it. Names are unique.
func (r *Registry) Register(t Tool) error {
	name := strings.TrimSpace(t.Name())
	if name == "" {
		return apperr.New(apperr.CodeValidation, "tool name is required")
	}
	schema, err := compileSchema(name, t.InputSchema())
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[name]; dup {
		return apperr.Newf(apperr.CodeConflict, "tool %q already registered", name)
	}
	r.tools[name] = &registered{tool: t, schema: schema}
	return nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{"type":"object"}`)
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("tool %s: unmarshal schema: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("tool %s: add schema resource: %w", name, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tool %s: compile schema: %w", name, err)
	}
	return schema, nil
}

// List returns the registered tools sorted by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, reg := range r.tools {
		out = append(out, Descriptor{
			Name:        reg.tool.Name(),
			Description: reg.tool.Description(),
			InputSchema: reg.tool.InputSchema(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) lookup(name string) (*registered, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	return reg, ok
}

// Invoke runs a tool call for the agent carried in ctx (shared.AgentID).
// A replayed side-effecting call returns the first call's result as
// json.RawMessage without running the tool again.
func (r *Registry) Invoke(ctx context.Context, name string, input json.RawMessage) (any, error) {
	reg, ok := r.lookup(name)
	if !ok {
		return nil, apperr.Newf(apperr.CodeNotFound, "unknown tool %q", name)
	}
	if len(strings.TrimSpace(string(input))) == 0 {
		input = json.RawMessage("{}")
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(input)))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, err, "tool input is not valid JSON")
	}
	if err := reg.schema.Validate(parsed); err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, err, fmt.Sprintf("invalid input for %s: %v", name, err))
	}

	caller := shared.AgentID(ctx)
	if err := r.authorize(caller, name); err != nil {
		return nil, err
	}

	ctx, span := otel.StartSpan(ctx, r.tracer, "tools.invoke",
		otel.AttrToolName.String(name),
		otel.AttrAgentID.String(caller),
		otel.AttrTaskID.String(shared.TaskID(ctx)),
	)
	defer span.End()
	start := time.Now()

	key, reqHash := "", ""
	if r.dedup != nil && !isReadOnly(reg.tool) {
		key, reqHash = idempotencyKey(ctx, name, parsed)
	}
	if key != "" {
		stored, found, err := r.dedup.LookupToolCall(ctx, key, reqHash)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if found {
			r.logger.Info("tool call replayed", "tool", name, "agent_id", caller, "idempotency_key", key)
			span.SetAttributes(otel.AttrOutcome.String("replayed"))
			return json.RawMessage(stored), nil
		}
	}

	out, err := reg.tool.Invoke(ctx, input)
	r.metrics.ToolCallDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(otel.AttrToolName.String(name)))
	if err != nil {
		r.metrics.ToolCallErrors.Add(ctx, 1, metric.WithAttributes(otel.AttrToolName.String(name)))
		span.SetStatus(codes.Error, err.Error())
		r.logger.Warn("tool call failed", "tool", name, "agent_id", caller, "task_id", shared.TaskID(ctx), "error", err)
		return nil, err
	}

	if key != "" {
		body, merr := json.Marshal(out)
		if merr == nil {
			merr = r.dedup.RecordToolCall(ctx, key, name, reqHash, string(body))
		}
		if merr != nil {
			r.logger.Error("record tool call failed", "tool", name, "idempotency_key", key, "error", merr)
		}
	}
	return out, nil
}

// authorize checks the tool policy. Calls without an agent (operator API)
// are checked as an anonymous caller.
func (r *Registry) authorize(caller, tool string) error {
	if r.policy == nil {
		return nil
	}
	name, level := "", ""
	if caller != "" && r.agents != nil {
		p, ok := r.agents.Resolve(caller)
		if !ok {
			return apperr.Newf(apperr.CodePermissionDenied, "unknown agent %q may not call tools", caller)
		}
		name, level = p.Name, p.Level
	}
	if !r.policy.AllowTool(name, level, tool) {
		return apperr.New(apperr.CodePermissionDenied,
			fmt.Sprintf("policy denies %s to %s", tool, displayCaller(name)),
			apperr.WithMetadata("tool", tool),
			apperr.WithMetadata("policy_version", r.policy.PolicyVersion()),
		)
	}
	return nil
}

func displayCaller(name string) string {
	if name == "" {
		return "anonymous caller"
	}
	return name
}

func isReadOnly(t Tool) bool {
	ro, ok := t.(ReadOnly)
	return ok && ro.ReadOnly()
}

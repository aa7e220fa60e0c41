package tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/basket/crewdesk/internal/apperr"
	"github.com/basket/crewdesk/internal/memory"
	"github.com/basket/crewdesk/internal/persistence"
	"github.com/basket/crewdesk/internal/shared"
)

// MemoryService is the slice of memory.Service the tools use.
type MemoryService interface {
	Store(ctx context.Context, agentID, content string, vector []float64, source string) (*persistence.MemoryRecord, error)
	Retrieve(ctx context.Context, agentID string, query []float64, k int) ([]memory.Match, error)
}

// MemoryStoreInput is the input for memory_store. Without a vector the
// content is embedded locally.
type MemoryStoreInput struct {
	Content string    `json:"content"`
	Source  string    `json:"source,omitempty"`
	Vector  []float64 `json:"vector,omitempty"`
}

type MemoryStoreOutput struct {
	ID string `json:"id"`
}

// MemoryRecallInput is the input for memory_recall.
type MemoryRecallInput struct {
	Query  string    `json:"query,omitempty"`
	Vector []float64 `json:"vector,omitempty"`
	K      int       `json:"k,omitempty"`
}

type MemoryHit struct {
	ID      string  `json:"id"`
	Content string  `json:"content"`
	Source  string  `json:"source,omitempty"`
	Score   float64 `json:"score"`
}

type MemoryRecallOutput struct {
	Hits []MemoryHit `json:"hits"`
}

func callerAgent(ctx context.Context) (string, error) {
	id := shared.AgentID(ctx)
	if id == "" {
		return "", apperr.New(apperr.CodeValidation, "memory tools need a calling agent")
	}
	return id, nil
}

type memoryStoreTool struct{ svc MemoryService }

func NewMemoryStore(svc MemoryService) Tool { return memoryStoreTool{svc: svc} }

func (memoryStoreTool) Name() string { return "memory_store" }

func (memoryStoreTool) Description() string {
	return "Save a fact to the calling agent's long-term memory."
}

func (memoryStoreTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "content": {"type": "string", "minLength": 1, "maxLength": 8000},
    "source": {"type": "string", "maxLength": 200},
    "vector": {"type": "array", "items": {"type": "number"}, "minItems": 1}
  },
  "required": ["content"],
  "additionalProperties": false
}`)
}

func (t memoryStoreTool) Invoke(ctx context.Context, input json.RawMessage) (any, error) {
	var in MemoryStoreInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	agentID, err := callerAgent(ctx)
	if err != nil {
		return nil, err
	}
	vec := in.Vector
	if len(vec) == 0 {
		vec = memory.HashEmbed(in.Content)
	}
	source := in.Source
	if source == "" {
		if taskID := shared.TaskID(ctx); taskID != "" {
			source = "task:" + taskID
		}
	}
	rec, err := t.svc.Store(ctx, agentID, in.Content, vec, source)
	if err != nil {
		return nil, err
	}
	return MemoryStoreOutput{ID: rec.ID}, nil
}

type memoryRecallTool struct{ svc MemoryService }

func NewMemoryRecall(svc MemoryService) Tool { return memoryRecallTool{svc: svc} }

func (memoryRecallTool) Name() string { return "memory_recall" }

// ReadOnly skips idempotency replay. Recall still bumps access counts,
// which is the point of calling it.
func (memoryRecallTool) ReadOnly() bool { return true }

func (memoryRecallTool) Description() string {
	return "Recall the calling agent's memories most similar to a query."
}

func (memoryRecallTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "query": {"type": "string", "minLength": 1, "maxLength": 2000},
    "vector": {"type": "array", "items": {"type": "number"}, "minItems": 1},
    "k": {"type": "integer", "minimum": 1, "maximum": 20}
  },
  "additionalProperties": false
}`)
}

func (t memoryRecallTool) Invoke(ctx context.Context, input json.RawMessage) (any, error) {
	var in MemoryRecallInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	agentID, err := callerAgent(ctx)
	if err != nil {
		return nil, err
	}
	vec := in.Vector
	if len(vec) == 0 {
		if strings.TrimSpace(in.Query) == "" {
			return nil, apperr.New(apperr.CodeValidation, "query or vector is required")
		}
		vec = memory.HashEmbed(in.Query)
	}
	k := in.K
	if k == 0 {
		k = 5
	}
	matches, err := t.svc.Retrieve(ctx, agentID, vec, k)
	if err != nil {
		return nil, err
	}
	out := MemoryRecallOutput{Hits: make([]MemoryHit, 0, len(matches))}
	for _, m := range matches {
		out.Hits = append(out.Hits, MemoryHit{ID: m.ID, Content: m.Content, Source: m.Source, Score: m.Score})
	}
	return out, nil
}

// RegisterMemoryTools adds memory_store and memory_recall.
func RegisterMemoryTools(r *Registry, svc MemoryService) error {
	for _, t := range []Tool{NewMemoryStore(svc), NewMemoryRecall(svc)} {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

package agent_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basket/crewdesk/internal/agent"
	"github.com/basket/crewdesk/internal/config"
	"github.com/basket/crewdesk/internal/persistence"
)

func newRegistry(t *testing.T) (*agent.Registry, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "crewdesk.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return agent.NewRegistry(store, nil), store
}

func testConfig() config.Config {
	high := 0.9
	return config.Config{
		Escalation: config.EscalationConfig{Threshold: 0.7},
		RateLimit: config.AdmissionConfig{
			PerMinute: 10, PerDay: 100,
			Agents: map[string]config.AgentLimit{"writer": {PerMinute: 2}},
		},
		LLM: config.LLMConfig{Provider: "google", Model: "gemini-2.5-flash"},
		Agents: []config.AgentConfigEntry{
			{Name: "Researcher", Role: "finds facts", Level: config.LevelSpecialist},
			{Name: "Lead", Role: "plans", Level: config.LevelLead},
			{Name: "Writer", Role: "drafts", Level: config.LevelSpecialist, Model: "gpt-4o", Provider: "openai", EscalationThreshold: &high},
		},
	}
}

func TestRegistry_ReloadBuildsRoster(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()
	if err := reg.Reload(ctx, testConfig()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reg.Count() != 3 {
		t.Fatalf("count = %d", reg.Count())
	}
	lead, ok := reg.Lead()
	if !ok || lead.Name != "Lead" {
		t.Fatalf("lead = %+v ok=%v", lead, ok)
	}
	w, ok := reg.ByName("WRITER")
	if !ok {
		t.Fatalf("case-insensitive lookup failed")
	}
	if w.Model != "gpt-4o" || w.Provider != "openai" {
		t.Fatalf("per-agent model lost: %+v", w)
	}
	r, _ := reg.ByName("researcher")
	if r.Model != "gemini-2.5-flash" || r.Provider != "google" {
		t.Fatalf("default model not applied: %+v", r)
	}
	if got := reg.ThresholdFor(w.ID); got != 0.9 {
		t.Fatalf("writer threshold = %v", got)
	}
	if got := reg.ThresholdFor(r.ID); got != 0.7 {
		t.Fatalf("researcher threshold = %v", got)
	}
	if l := reg.LimitsFor(w.ID); l.PerMinute != 2 || l.PerDay != 100 {
		t.Fatalf("writer limits = %+v", l)
	}
	if l := reg.LimitsFor("unknown"); l.PerMinute != 10 {
		t.Fatalf("default limits = %+v", l)
	}
}

func TestRegistry_ReloadKeepsIDsAndDropsRemoved(t *testing.T) {
	reg, store := newRegistry(t)
	ctx := context.Background()
	cfg := testConfig()
	if err := reg.Reload(ctx, cfg); err != nil {
		t.Fatalf("reload: %v", err)
	}
	before, _ := reg.ByName("writer")

	cfg.Agents = cfg.Agents[1:]
	if err := reg.Reload(ctx, cfg); err != nil {
		t.Fatalf("reload: %v", err)
	}
	after, ok := reg.ByName("writer")
	if !ok || after.ID != before.ID {
		t.Fatalf("id changed across reloads: %s -> %s", before.ID, after.ID)
	}
	if _, ok := reg.ByName("researcher"); ok {
		t.Fatalf("removed agent still routable")
	}
	rows, err := store.ListAgents(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("removed agent must stay in the store, got %d rows", len(rows))
	}
}

func TestRegistry_ResolveAll(t *testing.T) {
	reg, _ := newRegistry(t)
	if err := reg.Reload(context.Background(), testConfig()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	lead, _ := reg.Lead()
	ids, err := reg.ResolveAll([]string{"writer", lead.ID, "Writer"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(ids) != 2 || ids[1] != lead.ID {
		t.Fatalf("unexpected ids %v", ids)
	}
	if _, err := reg.ResolveAll([]string{"ghost"}); err == nil {
		t.Fatalf("expected error for unknown agent")
	}
}

func TestRegistry_StatusAndHeartbeat(t *testing.T) {
	reg, store := newRegistry(t)
	ctx := context.Background()
	if err := reg.Reload(ctx, testConfig()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	w, _ := reg.ByName("writer")
	if err := reg.Heartbeat(ctx, w.ID); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if err := reg.MarkError(ctx, w.ID); err != nil {
		t.Fatalf("mark error: %v", err)
	}
	row, _ := store.GetAgent(ctx, w.ID)
	if row.Status != persistence.AgentStatusError || row.LastHeartbeat == nil {
		t.Fatalf("unexpected row %+v", row)
	}
	if err := reg.MarkHealthy(ctx, w.ID); err != nil {
		t.Fatalf("mark healthy: %v", err)
	}
	row, _ = store.GetAgent(ctx, w.ID)
	if row.Status != persistence.AgentStatusIdle {
		t.Fatalf("expected idle, got %s", row.Status)
	}
}

// Package agent holds the roster of configured agents. The roster is an
// explicit object passed to the orchestrator; Reload swaps it atomically when
// the config file changes.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/basket/crewdesk/internal/apperr"
	"github.com/basket/crewdesk/internal/config"
	"github.com/basket/crewdesk/internal/persistence"
	"github.com/basket/crewdesk/internal/ratelimit"
)

// Profile is an agent as the engine sees it: the stored identity plus the
// settings that come from config.
type Profile struct {
	ID                  string
	Name                string
	Role                string
	Level               string
	Provider            string
	Model               string
	ModelConfig         map[string]string
	EscalationThreshold float64
	Limits              ratelimit.Limits
}

// IsLead reports whether the agent operates at lead level.
func (p Profile) IsLead() bool {
	return p.Level == config.LevelLead
}

type roster struct {
	byID   map[string]Profile
	byName map[string]string // lowercased name -> id
	order  []string
	lead   string
	def    ratelimit.Limits
	thresh float64
}

// Registry manages the agent roster.
type Registry struct {
	mu     sync.RWMutex
	cur    roster
	store  *persistence.Store
	logger *slog.Logger
}

func NewRegistry(store *persistence.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  store,
		logger: logger,
		cur:    roster{byID: map[string]Profile{}, byName: map[string]string{}, thresh: config.DefaultEscalationThreshold},
	}
}

// Reload upserts every configured agent and replaces the roster. Agents that
// disappear from config stay in the store, since historical tasks still
// reference them, but are no longer routable.
func (r *Registry) Reload(ctx context.Context, cfg config.Config) error {
	next := roster{
		byID:   make(map[string]Profile, len(cfg.Agents)),
		byName: make(map[string]string, len(cfg.Agents)),
		def:    ratelimit.Limits{PerMinute: cfg.RateLimit.PerMinute, PerDay: cfg.RateLimit.PerDay},
		thresh: cfg.EscalationThresholdFor(""),
	}
	for _, entry := range cfg.Agents {
		mc := make(map[string]string, len(entry.ModelConfig)+2)
		for k, v := range entry.ModelConfig {
			mc[k] = v
		}
		provider, model := entry.Provider, entry.Model
		if provider == "" {
			provider = cfg.LLM.Provider
		}
		if model == "" {
			model = cfg.LLM.Model
		}
		mc["provider"] = provider
		mc["model"] = model

		stored, err := r.store.UpsertAgent(ctx, persistence.Agent{
			Name:        entry.Name,
			Role:        entry.Role,
			Level:       entry.Level,
			ModelConfig: mc,
		})
		if err != nil {
			return fmt.Errorf("register agent %q: %w", entry.Name, err)
		}
		limits := cfg.AgentLimits(entry.Name)
		p := Profile{
			ID:                  stored.ID,
			Name:                stored.Name,
			Role:                stored.Role,
			Level:               stored.Level,
			Provider:            provider,
			Model:               model,
			ModelConfig:         mc,
			EscalationThreshold: cfg.EscalationThresholdFor(entry.Name),
			Limits:              ratelimit.Limits{PerMinute: limits.PerMinute, PerDay: limits.PerDay},
		}
		next.byID[p.ID] = p
		next.byName[strings.ToLower(p.Name)] = p.ID
		next.order = append(next.order, p.ID)
		if next.lead == "" && p.IsLead() {
			next.lead = p.ID
		}
	}

	r.mu.Lock()
	r.cur = next
	r.mu.Unlock()
	r.logger.Info("agent roster loaded", "agents", len(next.order), "lead", next.lead)
	return nil
}

func (r *Registry) Get(id string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.cur.byID[id]
	return p, ok
}

// ByName looks an agent up case-insensitively.
func (r *Registry) ByName(name string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.cur.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Profile{}, false
	}
	return r.cur.byID[id], true
}

// Resolve accepts an id or a name.
func (r *Registry) Resolve(ref string) (Profile, bool) {
	if p, ok := r.Get(ref); ok {
		return p, true
	}
	return r.ByName(ref)
}

// ResolveAll maps refs to ids, failing on the first unknown ref.
func (r *Registry) ResolveAll(refs []string) ([]string, error) {
	out := make([]string, 0, len(refs))
	seen := make(map[string]bool, len(refs))
	for _, ref := range refs {
		p, ok := r.Resolve(ref)
		if !ok {
			return nil, apperr.Newf(apperr.CodeNotFound, "unknown agent %q", ref)
		}
		if seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		out = append(out, p.ID)
	}
	return out, nil
}

// Lead returns the first configured lead agent.
func (r *Registry) Lead() (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.cur.lead == "" {
		return Profile{}, false
	}
	return r.cur.byID[r.cur.lead], true
}

// List returns the roster in config order.
func (r *Registry) List() []Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Profile, 0, len(r.cur.order))
	for _, id := range r.cur.order {
		out = append(out, r.cur.byID[id])
	}
	return out
}

// Names returns the roster names sorted, for mention matching and display.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.cur.order))
	for _, id := range r.cur.order {
		out = append(out, r.cur.byID[id].Name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cur.order)
}

// ThresholdFor is the escalation cutoff for an agent id. Unknown agents get
// the global threshold.
func (r *Registry) ThresholdFor(id string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.cur.byID[id]; ok {
		return p.EscalationThreshold
	}
	return r.cur.thresh
}

// LimitsFor implements ratelimit.PolicySource.
func (r *Registry) LimitsFor(id string) ratelimit.Limits {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.cur.byID[id]; ok {
		return p.Limits
	}
	return r.cur.def
}

// Heartbeat records that the agent is alive.
func (r *Registry) Heartbeat(ctx context.Context, id string) error {
	return r.store.TouchHeartbeat(ctx, id)
}

// MarkError flags the agent after a failed turn.
func (r *Registry) MarkError(ctx context.Context, id string) error {
	return r.store.SetAgentStatus(ctx, id, persistence.AgentStatusError)
}

// MarkHealthy clears an error flag left by an earlier failure.
func (r *Registry) MarkHealthy(ctx context.Context, id string) error {
	a, err := r.store.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	if a.Status != persistence.AgentStatusError {
		return nil
	}
	return r.store.SetAgentStatus(ctx, id, persistence.AgentStatusIdle)
}

// Agents returns the stored rows, including live status.
func (r *Registry) Agents(ctx context.Context) ([]persistence.Agent, error) {
	return r.store.ListAgents(ctx)
}

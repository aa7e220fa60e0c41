// Package policy decides which agents may call which tools. Rules live in
// <home>/policy.yaml and are hot-reloaded; an invalid file never replaces the
// active policy.
package policy

import (
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Checker is the interface consumed by the tool registry.
type Checker interface {
	AllowTool(agentName, level, tool string) bool
	PolicyVersion() string
}

// ToolRule grants tools to agents. Agent is an agent name, "level:<level>",
// or "*". An empty Tools list matches the agent and denies everything.
type ToolRule struct {
	Agent string   `yaml:"agent"`
	Tools []string `yaml:"tools"`
}

// Policy is the serializable policy data.
type Policy struct {
	// Default is "allow" or "deny" and applies when no rule matches.
	Default string     `yaml:"default"`
	Rules   []ToolRule `yaml:"rules"`
}

// Default allows every tool: with no policy file the task tools just work.
func Default() Policy {
	return Policy{Default: "allow"}
}

func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return Default(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) validate() error {
	switch strings.ToLower(strings.TrimSpace(p.Default)) {
	case "", "allow", "deny":
	default:
		return fmt.Errorf("policy default must be allow or deny, got %q", p.Default)
	}
	for i, r := range p.Rules {
		agent := strings.TrimSpace(r.Agent)
		if agent == "" {
			return fmt.Errorf("rule %d: agent is required", i)
		}
		if strings.HasPrefix(strings.ToLower(agent), "level:") {
			switch strings.ToLower(strings.TrimPrefix(strings.ToLower(agent), "level:")) {
			case "lead", "specialist":
			default:
				return fmt.Errorf("rule %d: unknown level in %q", i, r.Agent)
			}
		}
	}
	return nil
}

// AllowTool checks whether an agent may invoke tool. The most specific
// matching rule wins: exact name, then level, then "*". If the winning rule
// does not list the tool, the call is denied. With no matching rule the
// default applies; an unset default denies.
func (p Policy) AllowTool(agentName, level, tool string) bool {
	agentName = strings.ToLower(strings.TrimSpace(agentName))
	level = "level:" + strings.ToLower(strings.TrimSpace(level))
	tool = strings.ToLower(strings.TrimSpace(tool))

	var best *ToolRule
	bestScore := 0
	for i := range p.Rules {
		rule := &p.Rules[i]
		sel := strings.ToLower(strings.TrimSpace(rule.Agent))
		score := 0
		switch sel {
		case agentName:
			score = 3
		case level:
			score = 2
		case "*":
			score = 1
		default:
			continue
		}
		if score > bestScore {
			best, bestScore = rule, score
		}
	}
	if best == nil {
		return strings.ToLower(strings.TrimSpace(p.Default)) == "allow"
	}
	for _, t := range best.Tools {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "*" || t == tool {
			return true
		}
	}
	return false
}

func (p Policy) PolicyVersion() string {
	return policyVersionFor(p)
}

// LivePolicy wraps a Policy with thread-safe reload.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
}

func NewLivePolicy(initial Policy) *LivePolicy {
	return &LivePolicy{data: initial}
}

func (lp *LivePolicy) AllowTool(agentName, level, tool string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.AllowTool(agentName, level, tool)
}

func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return policyVersionFor(lp.data)
}

// Reload replaces the policy data from a fresh Policy snapshot.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// Snapshot returns a copy of the current policy data.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := lp.data
	cp.Rules = make([]ToolRule, len(lp.data.Rules))
	for i, r := range lp.data.Rules {
		cp.Rules[i] = ToolRule{Agent: r.Agent, Tools: append([]string(nil), r.Tools...)}
	}
	return cp
}

// ReloadFromFile updates the live policy only when the incoming file parses and validates.
// On error, the previous policy remains active.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}

func policyVersionFor(p Policy) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte("default=" + strings.ToLower(strings.TrimSpace(p.Default)) + "|"))
	for _, r := range p.Rules {
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(r.Agent)) + ":"))
		for _, t := range r.Tools {
			_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(t)) + ","))
		}
		_, _ = h.Write([]byte("|"))
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/crewdesk/internal/config"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CREWDESK_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("home = %q, want %q", cfg.HomeDir, home)
	}
	if cfg.Escalation.Threshold != config.DefaultEscalationThreshold {
		t.Fatalf("threshold = %v, want 0.70", cfg.Escalation.Threshold)
	}
	if cfg.DBPath != filepath.Join(home, "crewdesk.db") {
		t.Fatalf("unexpected db path %q", cfg.DBPath)
	}
	if cfg.Memory.StalenessDays != 30 || cfg.Memory.PopularityFloor != 1 || cfg.Memory.BatchSize != 500 {
		t.Fatalf("unexpected memory defaults %+v", cfg.Memory)
	}
	if len(cfg.Agents) != 3 || cfg.Agents[0].Level != config.LevelLead {
		t.Fatalf("expected starter roster with a lead first, got %+v", cfg.Agents)
	}
}

func TestLoad_FromYAML(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, `
worker_count: 2
escalation:
  threshold: 0.6
rate_limit:
  backend: memory
  per_minute: 5
  per_day: 50
  agents:
    Coder: {per_minute: 2}
budget:
  default_daily_usd: 3
  tenants:
    acme: {daily_usd: 10, monthly_usd: 100}
agents:
  - name: boss
    level: LEAD
  - name: coder
    escalation_threshold: 0.9
`)
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WorkerCount != 2 || cfg.Escalation.Threshold != 0.6 {
		t.Fatalf("unexpected values %+v", cfg)
	}
	if cfg.RateLimit.Backend != "memory" || cfg.RateLimit.PerMinute != 5 {
		t.Fatalf("unexpected rate limit %+v", cfg.RateLimit)
	}
	if cfg.Budget.Tenants["acme"].DailyUSD != 10 {
		t.Fatalf("tenant budget lost: %+v", cfg.Budget)
	}
	if cfg.Agents[0].Level != config.LevelLead || cfg.Agents[1].Level != config.LevelSpecialist {
		t.Fatalf("levels not normalized: %+v", cfg.Agents)
	}
	if cfg.Agents[1].EscalationThreshold == nil || *cfg.Agents[1].EscalationThreshold != 0.9 {
		t.Fatalf("per-agent threshold lost")
	}
	if got := cfg.EscalationThresholdFor("CODER"); got != 0.9 {
		t.Fatalf("EscalationThresholdFor(coder) = %v, want 0.9", got)
	}
	if got := cfg.EscalationThresholdFor("boss"); got != 0.6 {
		t.Fatalf("EscalationThresholdFor(boss) = %v, want global 0.6", got)
	}
	if got := cfg.AgentLimits("coder"); got.PerMinute != 2 || got.PerDay != 50 {
		t.Fatalf("AgentLimits(coder) = %+v, want per_minute override and inherited per_day", got)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "worker_count: 2\n")
	t.Setenv("CREWDESK_WORKER_COUNT", "7")
	t.Setenv("CREWDESK_ESCALATION_THRESHOLD", "0.5")
	t.Setenv("CREWDESK_API_KEY", "k-123")
	t.Setenv("TELEGRAM_TOKEN", "tg")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WorkerCount != 7 || cfg.Escalation.Threshold != 0.5 {
		t.Fatalf("env overrides not applied: workers=%d threshold=%v", cfg.WorkerCount, cfg.Escalation.Threshold)
	}
	if !cfg.Gateway.Auth.Enabled || len(cfg.Gateway.Auth.Keys) != 1 || cfg.Gateway.Auth.Keys[0].Key != "k-123" {
		t.Fatalf("api key override missing: %+v", cfg.Gateway.Auth)
	}
	if cfg.Channels.Telegram.Token != "tg" {
		t.Fatalf("telegram token override missing")
	}
}

func TestLoad_Validation(t *testing.T) {
	cases := map[string]string{
		"bad backend":        "rate_limit: {backend: etcd}\n",
		"redis without addr": "rate_limit: {backend: redis}\n",
		"rabbit without url": "queue: {backend: rabbitmq}\n",
		"bad cron":           "memory: {decay_cron: 'not a cron'}\n",
		"zero floor":         "memory: {popularity_floor: 0}\n",
		"negative floor":     "memory: {popularity_floor: -2}\n",
		"threshold > 1":      "escalation: {threshold: 1.5}\n",
		"duplicate agents":   "agents: [{name: a}, {name: A}]\n",
		"unknown level":      "agents: [{name: a, level: boss}]\n",
		"unnamed agent":      "agents: [{role: x}]\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			home := t.TempDir()
			writeConfig(t, home, body)
			if _, err := config.LoadFrom(home); err == nil {
				t.Fatalf("expected validation error for %q", body)
			}
		})
	}
}

func TestLoad_ParseError(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "worker_count: [\n")
	_, err := config.LoadFrom(home)
	if err == nil || !strings.Contains(err.Error(), "parse config.yaml") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestFingerprint_StableAndSensitive(t *testing.T) {
	home := t.TempDir()
	a, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b, _ := config.LoadFrom(home)
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("fingerprint not stable")
	}
	b.Escalation.Threshold = 0.5
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatalf("fingerprint ignored threshold change")
	}
}

func TestProviderAPIKey_EnvWins(t *testing.T) {
	cfg := config.Config{Providers: map[string]config.ProviderConfig{"anthropic": {APIKey: "from-file"}}}
	t.Setenv("ANTHROPIC_API_KEY", "")
	if got := cfg.ProviderAPIKey("anthropic"); got != "from-file" {
		t.Fatalf("got %q", got)
	}
	t.Setenv("ANTHROPIC_API_KEY", "from-env")
	if got := cfg.ProviderAPIKey("anthropic"); got != "from-env" {
		t.Fatalf("got %q", got)
	}
}

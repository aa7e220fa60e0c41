package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	DefaultEscalationThreshold = 0.70
	LevelLead                  = "lead"
	LevelSpecialist            = "specialist"
)

// ProviderConfig holds per-provider LLM credentials.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

type LLMConfig struct {
	// Provider is one of "google", "anthropic", "openai", "openai_compatible".
	Provider        string `yaml:"provider"`
	Model           string `yaml:"model"`
	MaxOutputTokens int    `yaml:"max_output_tokens"`
}

// AgentConfigEntry seeds one roster member. Threshold and limits override the
// global values when set.
type AgentConfigEntry struct {
	Name                string            `yaml:"name"`
	Role                string            `yaml:"role"`
	Level               string            `yaml:"level"`
	Provider            string            `yaml:"provider"`
	Model               string            `yaml:"model"`
	ModelConfig         map[string]string `yaml:"model_config"`
	EscalationThreshold *float64          `yaml:"escalation_threshold"`
}

type EscalationConfig struct {
	Threshold float64 `yaml:"threshold"`
}

// AgentLimit is a pair of call ceilings. Zero means unlimited.
type AgentLimit struct {
	PerMinute int `yaml:"per_minute"`
	PerDay    int `yaml:"per_day"`
}

// AdmissionConfig configures the per-agent call rate limiter.
type AdmissionConfig struct {
	// Backend is "memory", "sqlite" or "redis".
	Backend   string `yaml:"backend"`
	PerMinute int    `yaml:"per_minute"`
	PerDay    int    `yaml:"per_day"`
	// Agents overrides the ceilings per agent name. Zero fields inherit.
	Agents map[string]AgentLimit `yaml:"agents"`
}

type TenantBudget struct {
	DailyUSD   float64 `yaml:"daily_usd"`
	MonthlyUSD float64 `yaml:"monthly_usd"`
}

type BudgetConfig struct {
	DefaultDailyUSD   float64                 `yaml:"default_daily_usd"`
	DefaultMonthlyUSD float64                 `yaml:"default_monthly_usd"`
	Tenants           map[string]TenantBudget `yaml:"tenants"`
}

type MemoryConfig struct {
	DecayIntervalSeconds int    `yaml:"decay_interval_seconds"`
	DecayCron            string `yaml:"decay_cron"`
	StalenessDays        int    `yaml:"staleness_days"`
	PopularityFloor      int    `yaml:"popularity_floor"`
	BatchSize            int    `yaml:"batch_size"`
}

type AuditConfig struct {
	MaxRetries int  `yaml:"max_retries"`
	JSONL      bool `yaml:"jsonl"`
}

type OrchestratorConfig struct {
	MaxDelegationDepth int `yaml:"max_delegation_depth"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type QueueConfig struct {
	// Backend is "memory", "redis" or "rabbitmq".
	Backend string `yaml:"backend"`
	URL     string `yaml:"url"`
	Name    string `yaml:"name"`
}

type TelegramConfig struct {
	Enabled     bool             `yaml:"enabled"`
	Token       string           `yaml:"token"`
	Chats       map[string]int64 `yaml:"chats"`
	PollSeconds int              `yaml:"poll_seconds"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
}

// RateLimitConfig throttles HTTP clients of the gateway.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

type APIKeyEntry struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"`
	// Tenant bills requests made with this key. Empty means the default tenant.
	Tenant string `yaml:"tenant"`
}

type AuthConfig struct {
	Enabled bool          `yaml:"enabled"`
	Keys    []APIKeyEntry `yaml:"keys"`
}

type GatewayConfig struct {
	Auth         AuthConfig      `yaml:"auth"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
	AllowOrigins []string        `yaml:"allow_origins"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr             string `yaml:"bind_addr"`
	LogLevel             string `yaml:"log_level"`
	DBPath               string `yaml:"db_path"`
	WorkerCount          int    `yaml:"worker_count"`
	TurnTimeoutSeconds   int    `yaml:"turn_timeout_seconds"`
	SweepIntervalSeconds int    `yaml:"sweep_interval_seconds"`

	Escalation   EscalationConfig          `yaml:"escalation"`
	RateLimit    AdmissionConfig           `yaml:"rate_limit"`
	Budget       BudgetConfig              `yaml:"budget"`
	Memory       MemoryConfig              `yaml:"memory"`
	Audit        AuditConfig               `yaml:"audit"`
	Orchestrator OrchestratorConfig        `yaml:"orchestrator"`
	LLM          LLMConfig                 `yaml:"llm"`
	Providers    map[string]ProviderConfig `yaml:"providers"`
	Agents       []AgentConfigEntry        `yaml:"agents"`
	Redis        RedisConfig               `yaml:"redis"`
	Queue        QueueConfig               `yaml:"queue"`
	Channels     ChannelsConfig            `yaml:"channels"`
	Telemetry    TelemetryConfig           `yaml:"telemetry"`
	Gateway      GatewayConfig             `yaml:"gateway"`
}

func defaultConfig() Config {
	return Config{
		BindAddr:             "127.0.0.1:18790",
		LogLevel:             "info",
		WorkerCount:          4,
		TurnTimeoutSeconds:   120,
		SweepIntervalSeconds: 30,
		Escalation:           EscalationConfig{Threshold: DefaultEscalationThreshold},
		RateLimit:            AdmissionConfig{Backend: "sqlite", PerMinute: 10, PerDay: 1000},
		Budget:               BudgetConfig{DefaultDailyUSD: 10, DefaultMonthlyUSD: 200},
		Memory: MemoryConfig{
			DecayIntervalSeconds: 3600,
			StalenessDays:        30,
			PopularityFloor:      1,
			BatchSize:            500,
		},
		Audit:        AuditConfig{MaxRetries: 3},
		Orchestrator: OrchestratorConfig{MaxDelegationDepth: 5},
		LLM:          LLMConfig{Provider: "google", Model: "gemini-2.5-flash", MaxOutputTokens: 1024},
		Queue:        QueueConfig{Backend: "memory", Name: "crewdesk.turns"},
		Channels:     ChannelsConfig{Telegram: TelegramConfig{PollSeconds: 5}},
		Telemetry:    TelemetryConfig{Exporter: "none", ServiceName: "crewdesk", SampleRate: 1},
		Gateway:      GatewayConfig{RateLimit: RateLimitConfig{RequestsPerMinute: 120, BurstSize: 20}},
	}
}

// HomeDir resolves $CREWDESK_HOME, falling back to ~/.crewdesk.
func HomeDir() string {
	if override := os.Getenv("CREWDESK_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".crewdesk")
}

func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func PolicyPath(homeDir string) string {
	return filepath.Join(homeDir, "policy.yaml")
}

// Load reads <home>/config.yaml. A missing file yields the defaults plus the
// starter roster.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create crewdesk home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(homeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.TurnTimeoutSeconds <= 0 {
		cfg.TurnTimeoutSeconds = 120
	}
	if cfg.SweepIntervalSeconds <= 0 {
		cfg.SweepIntervalSeconds = 30
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "crewdesk.db")
	}
	if cfg.Escalation.Threshold <= 0 {
		cfg.Escalation.Threshold = DefaultEscalationThreshold
	}
	cfg.RateLimit.Backend = strings.ToLower(strings.TrimSpace(cfg.RateLimit.Backend))
	if cfg.RateLimit.Backend == "" {
		cfg.RateLimit.Backend = "sqlite"
	}
	if len(cfg.RateLimit.Agents) > 0 {
		limits := make(map[string]AgentLimit, len(cfg.RateLimit.Agents))
		for name, l := range cfg.RateLimit.Agents {
			limits[strings.ToLower(strings.TrimSpace(name))] = l
		}
		cfg.RateLimit.Agents = limits
	}
	cfg.Queue.Backend = strings.ToLower(strings.TrimSpace(cfg.Queue.Backend))
	if cfg.Queue.Backend == "" {
		cfg.Queue.Backend = "memory"
	}
	if cfg.Queue.Name == "" {
		cfg.Queue.Name = "crewdesk.turns"
	}
	if cfg.Memory.StalenessDays <= 0 {
		cfg.Memory.StalenessDays = 30
	}
	if cfg.Memory.BatchSize <= 0 {
		cfg.Memory.BatchSize = 500
	}
	if cfg.Memory.DecayIntervalSeconds <= 0 && cfg.Memory.DecayCron == "" {
		cfg.Memory.DecayIntervalSeconds = 3600
	}
	if cfg.Audit.MaxRetries <= 0 {
		cfg.Audit.MaxRetries = 3
	}
	if cfg.Orchestrator.MaxDelegationDepth <= 0 {
		cfg.Orchestrator.MaxDelegationDepth = 5
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "google"
	}
	if cfg.Channels.Telegram.PollSeconds <= 0 {
		cfg.Channels.Telegram.PollSeconds = 5
	}
	if len(cfg.Agents) == 0 {
		cfg.Agents = StarterAgents()
	}
	for i := range cfg.Agents {
		a := &cfg.Agents[i]
		a.Name = strings.TrimSpace(a.Name)
		a.Level = strings.ToLower(strings.TrimSpace(a.Level))
		if a.Level == "" {
			a.Level = LevelSpecialist
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Escalation.Threshold > 1 {
		return fmt.Errorf("escalation.threshold must be within (0,1], got %v", cfg.Escalation.Threshold)
	}
	switch cfg.RateLimit.Backend {
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("rate_limit.backend %q is not one of memory, sqlite, redis", cfg.RateLimit.Backend)
	}
	if cfg.RateLimit.Backend == "redis" && cfg.Redis.Addr == "" {
		return fmt.Errorf("rate_limit.backend redis requires redis.addr")
	}
	switch cfg.Queue.Backend {
	case "memory":
	case "redis":
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("queue.backend redis requires redis.addr")
		}
	case "rabbitmq":
		if cfg.Queue.URL == "" {
			return fmt.Errorf("queue.backend rabbitmq requires queue.url")
		}
	default:
		return fmt.Errorf("queue.backend %q is not one of memory, redis, rabbitmq", cfg.Queue.Backend)
	}
	// A record is a candidate when access_count < floor, so 0 would turn
	// decay off without saying so.
	if cfg.Memory.PopularityFloor < 1 {
		return fmt.Errorf("memory.popularity_floor must be at least 1, got %d", cfg.Memory.PopularityFloor)
	}
	if cfg.Memory.DecayCron != "" {
		if _, err := cron.ParseStandard(cfg.Memory.DecayCron); err != nil {
			return fmt.Errorf("memory.decay_cron: %w", err)
		}
	}
	if cfg.Budget.DefaultDailyUSD < 0 || cfg.Budget.DefaultMonthlyUSD < 0 {
		return fmt.Errorf("budget limits must not be negative")
	}
	if cfg.RateLimit.PerMinute < 0 || cfg.RateLimit.PerDay < 0 {
		return fmt.Errorf("rate_limit ceilings must not be negative")
	}
	for name, l := range cfg.RateLimit.Agents {
		if l.PerMinute < 0 || l.PerDay < 0 {
			return fmt.Errorf("rate_limit.agents.%s: ceilings must not be negative", name)
		}
	}

	seen := make(map[string]bool, len(cfg.Agents))
	for _, a := range cfg.Agents {
		if a.Name == "" {
			return fmt.Errorf("agents: every agent needs a name")
		}
		key := strings.ToLower(a.Name)
		if seen[key] {
			return fmt.Errorf("agents: duplicate name %q", a.Name)
		}
		seen[key] = true
		if a.Level != LevelLead && a.Level != LevelSpecialist {
			return fmt.Errorf("agents: %s has unknown level %q", a.Name, a.Level)
		}
		if a.EscalationThreshold != nil && (*a.EscalationThreshold <= 0 || *a.EscalationThreshold > 1) {
			return fmt.Errorf("agents: %s escalation_threshold must be within (0,1]", a.Name)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	setInt := func(name string, dst *int) {
		if raw := os.Getenv(name); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil {
				*dst = v
			}
		}
	}
	setString := func(name string, dst *string) {
		if raw := os.Getenv(name); raw != "" {
			*dst = raw
		}
	}

	setInt("CREWDESK_WORKER_COUNT", &cfg.WorkerCount)
	setInt("CREWDESK_TURN_TIMEOUT_SECONDS", &cfg.TurnTimeoutSeconds)
	setInt("CREWDESK_SWEEP_INTERVAL_SECONDS", &cfg.SweepIntervalSeconds)
	setString("CREWDESK_BIND_ADDR", &cfg.BindAddr)
	setString("CREWDESK_LOG_LEVEL", &cfg.LogLevel)
	setString("CREWDESK_DB_PATH", &cfg.DBPath)
	setString("CREWDESK_RATE_LIMIT_BACKEND", &cfg.RateLimit.Backend)
	setString("CREWDESK_QUEUE_BACKEND", &cfg.Queue.Backend)
	setString("CREWDESK_QUEUE_URL", &cfg.Queue.URL)
	setString("CREWDESK_REDIS_ADDR", &cfg.Redis.Addr)
	setString("CREWDESK_REDIS_PASSWORD", &cfg.Redis.Password)
	setString("TELEGRAM_TOKEN", &cfg.Channels.Telegram.Token)
	if raw := os.Getenv("CREWDESK_ESCALATION_THRESHOLD"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.Escalation.Threshold = v
		}
	}
	if raw := os.Getenv("CREWDESK_API_KEY"); raw != "" {
		cfg.Gateway.Auth.Enabled = true
		cfg.Gateway.Auth.Keys = append(cfg.Gateway.Auth.Keys, APIKeyEntry{Name: "env", Key: raw})
	}
}

// ProviderAPIKey returns the key for an LLM provider. Well-known env vars win
// over config.yaml.
func (c Config) ProviderAPIKey(provider string) string {
	envMap := map[string]string{
		"google":            "GEMINI_API_KEY",
		"anthropic":         "ANTHROPIC_API_KEY",
		"openai":            "OPENAI_API_KEY",
		"openai_compatible": "OPENAI_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if p, ok := c.Providers[provider]; ok {
		return p.APIKey
	}
	return ""
}

// AgentLimits resolves the call ceilings for an agent name.
func (c Config) AgentLimits(name string) AgentLimit {
	out := AgentLimit{PerMinute: c.RateLimit.PerMinute, PerDay: c.RateLimit.PerDay}
	if o, ok := c.RateLimit.Agents[strings.ToLower(name)]; ok {
		if o.PerMinute > 0 {
			out.PerMinute = o.PerMinute
		}
		if o.PerDay > 0 {
			out.PerDay = o.PerDay
		}
	}
	return out
}

// EscalationThresholdFor resolves the confidence cutoff for an agent name.
func (c Config) EscalationThresholdFor(name string) float64 {
	for _, a := range c.Agents {
		if strings.EqualFold(a.Name, name) && a.EscalationThreshold != nil {
			return *a.EscalationThreshold
		}
	}
	if c.Escalation.Threshold > 0 {
		return c.Escalation.Threshold
	}
	return DefaultEscalationThreshold
}

func (c Config) TurnTimeout() time.Duration {
	return time.Duration(c.TurnTimeoutSeconds) * time.Second
}

func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c Config) DecayInterval() time.Duration {
	return time.Duration(c.Memory.DecayIntervalSeconds) * time.Second
}

func (c Config) Staleness() time.Duration {
	return time.Duration(c.Memory.StalenessDays) * 24 * time.Hour
}

// Fingerprint returns a stable hash of the settings that shape admission and
// routing.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "workers=%d|timeout=%d|bind=%s|threshold=%v|rl=%s:%d/%d|budget=%v/%v|queue=%s",
		c.WorkerCount, c.TurnTimeoutSeconds, c.BindAddr, c.Escalation.Threshold,
		c.RateLimit.Backend, c.RateLimit.PerMinute, c.RateLimit.PerDay,
		c.Budget.DefaultDailyUSD, c.Budget.DefaultMonthlyUSD, c.Queue.Backend)
	names := make([]string, 0, len(c.Agents))
	for _, a := range c.Agents {
		names = append(names, a.Name+"/"+a.Level)
	}
	sort.Strings(names)
	fmt.Fprintf(h, "|agents=%s", strings.Join(names, ","))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

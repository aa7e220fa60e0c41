package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/basket/crewdesk/internal/config"
	"github.com/basket/crewdesk/internal/persistence"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed outright.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkAPIKey,
		checkDatabase,
		checkPermissions,
		checkRedis,
		checkRabbitMQ,
		checkTelegram,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	leads := 0
	for _, a := range cfg.Agents {
		if a.Level == config.LevelLead {
			leads++
		}
	}
	res := CheckResult{
		Name:    "Config",
		Status:  StatusPass,
		Message: fmt.Sprintf("Loaded from %s (%d agents)", config.ConfigPath(cfg.HomeDir), len(cfg.Agents)),
		Detail:  cfg.Fingerprint(),
	}
	if leads == 0 {
		res.Status = StatusWarn
		res.Message = "No lead agent configured; escalations will be rejected"
	}
	return res
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: StatusSkip, Message: "Config missing"}
	}
	provider := strings.ToLower(cfg.LLM.Provider)
	if cfg.ProviderAPIKey(provider) != "" {
		return CheckResult{Name: "API Key", Status: StatusPass, Message: fmt.Sprintf("Key found for %s", provider)}
	}
	return CheckResult{
		Name:    "API Key",
		Status:  StatusWarn,
		Message: fmt.Sprintf("No API key for %s; agent turns will use the offline executor", provider),
		Detail:  "Set the provider's env var or providers.<name>.api_key in config.yaml",
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err), Detail: cfg.DBPath}
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Ping failed: %v", err)}
	}
	version, checksum, err := store.SchemaVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: fmt.Sprintf("Schema v%d", version),
		Detail:  fmt.Sprintf("path=%s checksum=%s", cfg.DBPath, checksum),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func usesRedis(cfg *config.Config) bool {
	return cfg.RateLimit.Backend == "redis" || cfg.Queue.Backend == "redis"
}

func checkRedis(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !usesRedis(cfg) {
		return CheckResult{Name: "Redis", Status: StatusSkip, Message: "Not configured"}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer client.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	start := time.Now()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return CheckResult{Name: "Redis", Status: StatusFail, Message: fmt.Sprintf("Ping %s failed: %v", cfg.Redis.Addr, err)}
	}
	return CheckResult{
		Name:    "Redis",
		Status:  StatusPass,
		Message: fmt.Sprintf("Ping %s ok (%dms)", cfg.Redis.Addr, time.Since(start).Milliseconds()),
	}
}

func checkRabbitMQ(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Queue.Backend != "rabbitmq" {
		return CheckResult{Name: "RabbitMQ", Status: StatusSkip, Message: "Not configured"}
	}
	deadline := 5 * time.Second
	if d, ok := ctx.Deadline(); ok && time.Until(d) < deadline {
		deadline = time.Until(d)
	}
	conn, err := amqp.DialConfig(cfg.Queue.URL, amqp.Config{
		Dial: amqp.DefaultDial(deadline),
	})
	if err != nil {
		return CheckResult{Name: "RabbitMQ", Status: StatusFail, Message: fmt.Sprintf("Dial failed: %v", err)}
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		return CheckResult{Name: "RabbitMQ", Status: StatusFail, Message: fmt.Sprintf("Open channel failed: %v", err)}
	}
	defer ch.Close()
	return CheckResult{Name: "RabbitMQ", Status: StatusPass, Message: "Broker reachable", Detail: "queue=" + cfg.Queue.Name}
}

func checkTelegram(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Channels.Telegram.Enabled {
		return CheckResult{Name: "Telegram", Status: StatusSkip, Message: "Disabled"}
	}
	tg := cfg.Channels.Telegram
	if tg.Token == "" {
		return CheckResult{Name: "Telegram", Status: StatusFail, Message: "Enabled without a token", Detail: "Set TELEGRAM_TOKEN or channels.telegram.token"}
	}
	var unknown []string
	for name := range tg.Chats {
		found := false
		for _, a := range cfg.Agents {
			if strings.EqualFold(a.Name, name) {
				found = true
				break
			}
		}
		if !found {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		return CheckResult{Name: "Telegram", Status: StatusWarn, Message: "Chats configured for unknown agents", Detail: strings.Join(unknown, ", ")}
	}
	return CheckResult{Name: "Telegram", Status: StatusPass, Message: fmt.Sprintf("%d chats configured", len(tg.Chats))}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}

	provider := "google"
	if cfg.LLM.Provider != "" {
		provider = strings.ToLower(cfg.LLM.Provider)
	}

	endpoints := map[string]string{
		"google":    "generativelanguage.googleapis.com",
		"anthropic": "api.anthropic.com",
		"openai":    "api.openai.com",
	}

	host, ok := endpoints[provider]
	if p, set := cfg.Providers[provider]; set && p.BaseURL != "" {
		host = hostOf(p.BaseURL)
		ok = host != ""
	}
	if !ok {
		host = "generativelanguage.googleapis.com"
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", provider, latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Network",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s, addresses=%v", provider, addrs),
	}
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

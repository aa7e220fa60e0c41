package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/redis/go-redis/v9"

	"github.com/basket/crewdesk/internal/agent"
	"github.com/basket/crewdesk/internal/audit"
	"github.com/basket/crewdesk/internal/budget"
	"github.com/basket/crewdesk/internal/bus"
	"github.com/basket/crewdesk/internal/channels"
	"github.com/basket/crewdesk/internal/config"
	"github.com/basket/crewdesk/internal/cron"
	"github.com/basket/crewdesk/internal/engine"
	"github.com/basket/crewdesk/internal/gateway"
	"github.com/basket/crewdesk/internal/memory"
	"github.com/basket/crewdesk/internal/orchestrator"
	otelPkg "github.com/basket/crewdesk/internal/otel"
	"github.com/basket/crewdesk/internal/persistence"
	"github.com/basket/crewdesk/internal/policy"
	"github.com/basket/crewdesk/internal/queue"
	"github.com/basket/crewdesk/internal/ratelimit"
	"github.com/basket/crewdesk/internal/telemetry"
	"github.com/basket/crewdesk/internal/tools"
	"github.com/basket/crewdesk/internal/tui"
)

// app is the wired daemon. newApp builds it without starting anything so
// tests can drive the same graph.
type app struct {
	cfg     config.Config
	cfgMu   sync.RWMutex
	logger  *slog.Logger
	started time.Time

	telemetry *otelPkg.Provider
	metrics   *otelPkg.Metrics

	store      *persistence.Store
	bus        *bus.Bus
	registry   *agent.Registry
	policy     *policy.LivePolicy
	budgets    *budget.LiveLimits
	redis      *redis.Client
	queue      queue.Queue
	limiter    ratelimit.Limiter
	budget     *budget.Enforcer
	audit      *audit.Trail
	orch       *orchestrator.Orchestrator
	tools      *tools.Registry
	dispatcher *engine.Dispatcher
	scheduler  *cron.Scheduler
	decayer    *memory.Decayer
	channels   *channels.Group
	gateway    *gateway.Server
	feed       *tui.ActivityFeed

	fingerprint atomic.Value // string
	closers     []func() error
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger, started: time.Now(), bus: bus.New(), feed: tui.NewActivityFeed()}
	a.fingerprint.Store(cfg.Fingerprint())
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.telemetry, err = otelPkg.Init(ctx, otelPkg.FromConfig(cfg.Telemetry))
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.closers = append(a.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if totals, err := a.telemetry.Counters(sctx); err == nil && len(totals) > 0 {
			a.logger.Info("final metric totals", "counters", totals)
		}
		return a.telemetry.Shutdown(sctx)
	})
	a.metrics, err = otelPkg.NewMetrics(a.telemetry.Meter)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	a.store, err = persistence.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.closers = append(a.closers, a.store.Close)
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	a.registry = agent.NewRegistry(a.store, logger)
	if err := a.registry.Reload(ctx, cfg); err != nil {
		return nil, fmt.Errorf("load roster: %w", err)
	}

	pol, err := policy.Load(config.PolicyPath(cfg.HomeDir))
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	a.policy = policy.NewLivePolicy(pol)
	logger.Info("startup phase", "phase", "policy_loaded", "policy_version", a.policy.PolicyVersion())

	if needsRedis(cfg) {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		a.closers = append(a.closers, a.redis.Close)
	}
	a.queue, err = queue.New(cfg.Queue, a.redis)
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	a.closers = append(a.closers, a.queue.Close)

	a.limiter, err = ratelimit.New(cfg.RateLimit.Backend, a.registry, a.store, a.redis)
	if err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	a.budgets = budget.NewLiveLimits(cfg.Budget)
	a.budget = budget.New(budget.Config{Store: a.store, Limits: a.budgets, Logger: logger})

	auditCfg := audit.Config{
		Backend:     a.store,
		Logger:      logger,
		MaxAttempts: cfg.Audit.MaxRetries,
		OnWriteFailure: func(ctx context.Context) {
			a.metrics.AuditWriteFailures.Add(ctx, 1)
		},
	}
	if cfg.Audit.JSONL {
		auditCfg.MirrorPath = audit.DefaultMirrorPath(cfg.HomeDir)
	}
	a.audit, err = audit.New(auditCfg)
	if err != nil {
		return nil, fmt.Errorf("audit trail: %w", err)
	}
	a.closers = append(a.closers, a.audit.Close)

	tracer := a.telemetry.Tracer
	a.orch, err = orchestrator.New(orchestrator.Config{
		Store:              a.store,
		Registry:           a.registry,
		Limiter:            a.limiter,
		Budget:             a.budget,
		Audit:              a.audit,
		Bus:                a.bus,
		Logger:             logger,
		Metrics:            a.metrics,
		Tracer:             tracer,
		MaxDelegationDepth: cfg.Orchestrator.MaxDelegationDepth,
		TurnTimeout:        cfg.TurnTimeout(),
		MaxOutputTokens:    cfg.LLM.MaxOutputTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	a.tools = tools.NewRegistry(tools.Config{
		Policy:  a.policy,
		Agents:  a.registry,
		Dedup:   a.store,
		Logger:  logger,
		Metrics: a.metrics,
		Tracer:  tracer,
	})
	if err := tools.RegisterTaskTools(a.tools, a.orch, a.store); err != nil {
		return nil, fmt.Errorf("register task tools: %w", err)
	}
	if err := tools.RegisterCollabTools(a.tools, a.orch); err != nil {
		return nil, fmt.Errorf("register collaboration tools: %w", err)
	}
	if err := tools.RegisterMemoryTools(a.tools, memory.New(a.store)); err != nil {
		return nil, fmt.Errorf("register memory tools: %w", err)
	}

	a.orch.SetExecutor(engine.NewGenkitExecutor(ctx, engine.GenkitConfig{
		Provider:  cfg.LLM.Provider,
		Model:     cfg.LLM.Model,
		Providers: providerCreds(cfg),
		Tools:     a.tools,
		Logger:    logger,
	}))

	var purger engine.Purger
	if p, ok := a.limiter.(engine.Purger); ok {
		purger = p
	}
	a.dispatcher = engine.NewDispatcher(engine.DispatcherConfig{
		Orchestrator:  a.orch,
		Queue:         a.queue,
		Bus:           a.bus,
		Logger:        logger,
		WorkerCount:   cfg.WorkerCount,
		SweepInterval: cfg.SweepInterval(),
		Purger:        purger,
	})

	a.scheduler = cron.NewScheduler(cron.Config{Store: a.store, Creator: a.orch, Logger: logger})

	a.decayer, err = memory.NewDecayer(memory.DecayConfig{
		Store:           a.store,
		Bus:             a.bus,
		Logger:          logger,
		Interval:        cfg.DecayInterval(),
		CronSpec:        cfg.Memory.DecayCron,
		Staleness:       cfg.Staleness(),
		PopularityFloor: cfg.Memory.PopularityFloor,
		BatchSize:       cfg.Memory.BatchSize,
		Metrics:         a.metrics,
		Tracer:          tracer,
	})
	if err != nil {
		return nil, fmt.Errorf("memory decay: %w", err)
	}

	var outbound []channels.Channel
	if tg := cfg.Channels.Telegram; tg.Enabled {
		if tg.Token == "" {
			logger.Warn("telegram channel enabled but token is missing")
		} else {
			outbound = append(outbound, channels.NewTelegramDeliverer(channels.TelegramConfig{
				Token:    tg.Token,
				Chats:    tg.Chats,
				Store:    a.store,
				Agents:   a.registry,
				Bus:      a.bus,
				Logger:   logger,
				Interval: time.Duration(tg.PollSeconds) * time.Second,
			}))
		}
	}
	a.channels = channels.NewGroup(logger, outbound...)

	a.gateway = gateway.New(gateway.Config{
		Store:             a.store,
		Orchestrator:      a.orch,
		Registry:          a.registry,
		Tools:             a.tools,
		Budget:            a.budget,
		Audit:             a.audit,
		Limiter:           a.limiter,
		Bus:               a.bus,
		Logger:            logger,
		Metrics:           a.metrics,
		Tracer:            tracer,
		Auth:              cfg.Gateway.Auth,
		RateLimit:         cfg.Gateway.RateLimit,
		AllowOrigins:      cfg.Gateway.AllowOrigins,
		ConfigFingerprint: func() string { return a.fingerprint.Load().(string) },
		Dispatcher:        a.dispatcher.Status,
	})
	return a, nil
}

func needsRedis(cfg config.Config) bool {
	return cfg.RateLimit.Backend == "redis" || cfg.Queue.Backend == "redis"
}

func providerCreds(cfg config.Config) map[string]engine.ProviderCreds {
	out := make(map[string]engine.ProviderCreds, len(cfg.Providers)+1)
	for name, p := range cfg.Providers {
		out[name] = engine.ProviderCreds{APIKey: cfg.ProviderAPIKey(name), BaseURL: p.BaseURL}
	}
	name := strings.ToLower(cfg.LLM.Provider)
	if _, ok := out[name]; !ok {
		out[name] = engine.ProviderCreds{APIKey: cfg.ProviderAPIKey(name)}
	}
	return out
}

// start launches every background worker. They stop when ctx ends.
func (a *app) start(ctx context.Context) {
	a.feed.Follow(ctx, a.bus)
	a.gateway.Start(ctx)
	a.dispatcher.Start(ctx)
	a.scheduler.Start(ctx)
	a.decayer.Start(ctx)
	a.channels.Start(ctx)
	a.logger.Info("startup phase", "phase", "workers_started")
}

// wait blocks until the workers started by start have exited.
func (a *app) wait() {
	a.dispatcher.Wait()
	a.scheduler.Stop()
	a.decayer.Wait()
	a.channels.Wait()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && a.logger != nil {
			a.logger.Warn("shutdown step failed", "error", err)
		}
	}
	a.closers = nil
}

// reload applies one watcher event. A file that fails to parse leaves the
// running settings untouched.
func (a *app) reload(ctx context.Context, path string) {
	switch filepath.Base(path) {
	case "policy.yaml":
		if err := policy.ReloadFromFile(a.policy, path); err != nil {
			a.logger.Error("policy.yaml reload rejected; retaining previous policy", "error", err)
			return
		}
		a.logger.Info("policy.yaml hot-reloaded", "policy_version", a.policy.PolicyVersion())
	case "config.yaml":
		next, err := config.LoadFrom(a.cfg.HomeDir)
		if err != nil {
			a.logger.Error("config.yaml reload failed", "error", err)
			return
		}
		if err := a.registry.Reload(ctx, next); err != nil {
			a.logger.Error("agent roster reload failed", "error", err)
			return
		}
		a.budgets.Update(next.Budget)
		a.cfgMu.Lock()
		prev := a.cfg
		a.cfg = next
		a.cfgMu.Unlock()
		a.fingerprint.Store(next.Fingerprint())
		if prev.Queue != next.Queue || prev.RateLimit.Backend != next.RateLimit.Backend || prev.BindAddr != next.BindAddr {
			a.logger.Warn("config.yaml changes to bind_addr, queue or rate_limit.backend apply on restart")
		}
		a.logger.Info("config.yaml hot-reloaded", "fingerprint", next.Fingerprint())
	default:
		return
	}
	a.bus.Publish(bus.TopicConfigReloaded, bus.ConfigReloadedEvent{Path: path})
}

func (a *app) watchConfig(ctx context.Context) error {
	w := config.NewWatcher(a.cfg.HomeDir, a.logger)
	if err := w.Start(ctx); err != nil {
		return err
	}
	go func() {
		for ev := range w.Events() {
			a.logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
			a.reload(ctx, ev.Path)
		}
	}()
	return nil
}

func (a *app) snapshot() tui.Snapshot {
	return tui.Source{
		Store:      a.store,
		Dispatcher: a.dispatcher.Status,
		Started:    a.started,
	}.Snapshot()
}

func runServeCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("serve")
	headless := fs.Bool("headless", false, "do not show the task board; log to stdout")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	interactive := !*headless && isatty.IsTerminal(os.Stdout.Fd())

	cfg, err := config.Load()
	if err != nil {
		return fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, interactive)
	if err != nil {
		return fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "fingerprint", cfg.Fingerprint())
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.ToLower(strings.TrimSpace(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && !cfg.Gateway.Auth.Enabled {
			logger.Warn("gateway bound to a non-loopback address without auth", "bind_addr", cfg.BindAddr)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a, err := newApp(runCtx, cfg, logger)
	if err != nil {
		return fatalStartup(logger, "E_APP_INIT", err)
	}
	defer a.close()

	if err := a.watchConfig(runCtx); err != nil {
		logger.Warn("config watcher unavailable; hot reload disabled", "error", err)
	}

	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	server := &http.Server{
		Handler:           a.gateway.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", ln.Addr().String(), "ws", "/ws")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	a.start(runCtx)

	if interactive {
		go func() {
			if err := tui.Run(runCtx, a.snapshot, a.feed); err != nil && runCtx.Err() == nil {
				logger.Error("board exited with error", "error", err)
			}
			cancel()
		}()
	}

	exit := 0
	select {
	case <-runCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
		exit = 1
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	_ = server.Shutdown(shutdownCtx)
	cancel()
	a.wait()
	logger.Info("shutdown complete")
	return exit
}

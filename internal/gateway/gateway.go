// Package gateway is the HTTP surface of the daemon: health, the REST API
// over the orchestrator, and a WebSocket stream of engine events.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/crewdesk/internal/agent"
	"github.com/basket/crewdesk/internal/audit"
	"github.com/basket/crewdesk/internal/budget"
	"github.com/basket/crewdesk/internal/bus"
	"github.com/basket/crewdesk/internal/config"
	"github.com/basket/crewdesk/internal/engine"
	"github.com/basket/crewdesk/internal/orchestrator"
	"github.com/basket/crewdesk/internal/otel"
	"github.com/basket/crewdesk/internal/persistence"
	"github.com/basket/crewdesk/internal/ratelimit"
	"github.com/basket/crewdesk/internal/shared"
	"github.com/basket/crewdesk/internal/tools"
)

const maxRequestBytes = 1 << 20

type Config struct {
	Store        *persistence.Store
	Orchestrator *orchestrator.Orchestrator
	Registry     *agent.Registry
	Tools        *tools.Registry
	Budget       *budget.Enforcer
	Audit        *audit.Trail
	Limiter      ratelimit.Limiter
	Bus          *bus.Bus
	Logger       *slog.Logger
	Metrics      *otel.Metrics
	Tracer       trace.Tracer

	Auth      config.AuthConfig
	RateLimit config.RateLimitConfig
	// AllowOrigins controls accepted Origin headers for browsers, both for
	// CORS and the WebSocket handshake. Empty means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is reported by /healthz.
	ConfigFingerprint func() string
	Dispatcher        func() engine.DispatcherStatus
}

type Server struct {
	cfg    Config
	logger *slog.Logger

	auth    *keyring
	limiter *requestLimiter

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

type client struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	topics []string
}

// rpcNotification is a JSON-RPC 2.0 notification: no id, no reply.
type rpcNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = otel.NoopMetrics()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.NoopTracer()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger.With("component", "gateway"),
		auth:    newKeyring(cfg.Auth),
		limiter: newRequestLimiter(cfg.RateLimit),
		clients: map[*client]struct{}{},
	}
}

// Start runs background upkeep until ctx ends: idle request limiters are
// dropped and bus events fan out to WebSocket clients.
func (s *Server) Start(ctx context.Context) {
	s.limiter.startEviction(ctx, time.Minute, 10*time.Minute)
	if s.cfg.Bus == nil {
		return
	}
	sub := s.cfg.Bus.Subscribe("")
	go func() {
		defer s.cfg.Bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				s.broadcast(ctx, ev)
			}
		}
	}()
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /ws", s.handleWS)

	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /api/tasks/{id}/assign", s.handleAssign)
	mux.HandleFunc("POST /api/tasks/{id}/advance", s.handleAdvance)
	mux.HandleFunc("POST /api/tasks/{id}/delegate", s.handleDelegate)
	mux.HandleFunc("POST /api/tasks/{id}/escalate", s.handleEscalate)
	mux.HandleFunc("GET /api/tasks/{id}/messages", s.handleListMessages)
	mux.HandleFunc("POST /api/tasks/{id}/messages", s.handlePostMessage)
	mux.HandleFunc("GET /api/tasks/{id}/timeline", s.handleTimeline)
	mux.HandleFunc("GET /api/sessions/{id}/audit", s.handleSessionAudit)
	mux.HandleFunc("GET /api/tools", s.handleListTools)
	mux.HandleFunc("POST /api/tools/{name}", s.handleInvokeTool)
	mux.HandleFunc("GET /api/budgets/{tenant}", s.handleBudget)
	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("GET /api/notifications", s.handleListNotifications)

	var h http.Handler = mux
	h = s.limiter.wrap(h)
	h = s.auth.wrap(h)
	h = RequestSizeLimitMiddleware(maxRequestBytes)(h)
	h = NewCORSMiddleware(s.cfg.AllowOrigins)(h)
	return s.instrument(h)
}

// instrument gives every request a trace id, a server span and a duration
// sample.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
		ctx, span := otel.StartServerSpan(ctx, s.cfg.Tracer, "http "+r.Method,
			attribute.String("http.route", routeOf(r.URL.Path)))
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		s.cfg.Metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", routeOf(r.URL.Path)),
				attribute.Int("http.status_code", rec.status),
			))
	})
}

// routeOf collapses ids so metric cardinality stays bounded.
func routeOf(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 3 && parts[0] == "api" {
		parts[2] = "{id}"
	}
	return "/" + strings.Join(parts, "/")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack is needed for the WebSocket upgrade.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	storeOK := s.cfg.Store != nil && s.cfg.Store.Ping(ctx) == nil
	limiterOK := true
	if s.cfg.Limiter != nil {
		if err := s.cfg.Limiter.Ping(ctx); err != nil {
			limiterOK = false
			s.logger.Warn("healthz: limiter ping failed", "error", err)
		}
	}
	payload := map[string]any{
		"healthy":     storeOK && limiterOK,
		"store_ok":    storeOK,
		"limiter_ok":  limiterOK,
		"agent_count": 0,
	}
	if s.cfg.Registry != nil {
		payload["agent_count"] = s.cfg.Registry.Count()
	}
	if s.cfg.ConfigFingerprint != nil {
		payload["config_fingerprint"] = s.cfg.ConfigFingerprint()
	}
	if s.cfg.Dispatcher != nil {
		payload["dispatcher"] = s.cfg.Dispatcher()
	}
	if s.cfg.Bus != nil {
		payload["ws_clients"] = s.clientCount()
		payload["bus_dropped"] = s.cfg.Bus.Dropped()
	}

	status := http.StatusOK
	if !storeOK || !limiterOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

// handleWS streams bus events to the client as JSON-RPC notifications.
// The optional topics query parameter is a comma-separated list of topic
// prefixes; without it the client gets everything.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Warn("ws: accept failed", "error", err)
		return
	}
	c := &client{conn: conn}
	if raw := strings.TrimSpace(r.URL.Query().Get("topics")); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				c.topics = append(c.topics, t)
			}
		}
	}
	s.addClient(c)
	s.logger.Info("ws: client connected", "topics", c.topics)
	defer func() {
		s.removeClient(c)
		s.logger.Info("ws: client disconnected")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	_ = c.write(r.Context(), rpcNotification{JSONRPC: "2.0", Method: "system.hello", Params: map[string]any{
		"topics": c.topics,
	}})

	// Clients only listen; reading keeps control frames flowing and
	// notices the close.
	ctx := conn.CloseRead(r.Context())
	<-ctx.Done()
}

func (c *client) wants(topic string) bool {
	if len(c.topics) == 0 {
		return true
	}
	for _, p := range c.topics {
		if strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, c.conn, payload)
}

func (s *Server) broadcast(ctx context.Context, ev bus.Event) {
	s.clientsMu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		if c.wants(ev.Topic) {
			targets = append(targets, c)
		}
	}
	s.clientsMu.RUnlock()

	msg := rpcNotification{JSONRPC: "2.0", Method: ev.Topic, Params: ev.Payload}
	for _, c := range targets {
		if err := c.write(ctx, msg); err != nil {
			s.logger.Debug("ws: write failed", "topic", ev.Topic, "error", err)
		}
	}
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (s *Server) clientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

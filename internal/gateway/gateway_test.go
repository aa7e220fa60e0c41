package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/crewdesk/internal/agent"
	"github.com/basket/crewdesk/internal/audit"
	"github.com/basket/crewdesk/internal/budget"
	"github.com/basket/crewdesk/internal/bus"
	"github.com/basket/crewdesk/internal/config"
	"github.com/basket/crewdesk/internal/gateway"
	"github.com/basket/crewdesk/internal/orchestrator"
	"github.com/basket/crewdesk/internal/persistence"
	"github.com/basket/crewdesk/internal/ratelimit"
	"github.com/basket/crewdesk/internal/tools"
)

type apiEnv struct {
	server *gateway.Server
	http   *httptest.Server
	store  *persistence.Store
}

func newAPI(t *testing.T, auth config.AuthConfig) *apiEnv {
	t.Helper()
	ctx := context.Background()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "crewdesk.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	reg := agent.NewRegistry(store, nil)
	if err := reg.Reload(ctx, config.Config{
		Escalation: config.EscalationConfig{Threshold: 0.7},
		Agents: []config.AgentConfigEntry{
			{Name: "Boss", Role: "plans", Level: config.LevelLead},
			{Name: "Coder", Role: "code", Level: config.LevelSpecialist},
			{Name: "Writer", Role: "docs", Level: config.LevelSpecialist},
		},
	}); err != nil {
		t.Fatalf("reload: %v", err)
	}
	b := bus.New()
	enf := budget.New(budget.Config{Store: store, Limits: budget.StaticLimits{
		Default: budget.Limits{DailyUSD: 5, MonthlyUSD: 50},
	}})
	trail, err := audit.New(audit.Config{Backend: store, BaseDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	limiter := ratelimit.NewMemoryLimiter(reg)
	orch, err := orchestrator.New(orchestrator.Config{
		Store:    store,
		Registry: reg,
		Limiter:  limiter,
		Budget:   enf,
		Audit:    trail,
		Bus:      b,
	})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	tr := tools.NewRegistry(tools.Config{Agents: reg, Dedup: store})
	if err := tools.RegisterTaskTools(tr, orch, store); err != nil {
		t.Fatalf("register tools: %v", err)
	}

	srv := gateway.New(gateway.Config{
		Store:             store,
		Orchestrator:      orch,
		Registry:          reg,
		Tools:             tr,
		Budget:            enf,
		Audit:             trail,
		Limiter:           limiter,
		Bus:               b,
		Auth:              auth,
		ConfigFingerprint: func() string { return "abc123" },
	})
	runCtx, cancel := context.WithCancel(context.Background())
	srv.Start(runCtx)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		cancel()
	})
	return &apiEnv{server: srv, http: hs, store: store}
}

func (e *apiEnv) do(t *testing.T, method, path, key string, body any, header ...string) (int, map[string]any, http.Header) {
	t.Helper()
	var rdr *bytes.Reader
	switch v := body.(type) {
	case nil:
		rdr = bytes.NewReader(nil)
	case string:
		rdr = bytes.NewReader([]byte(v))
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.http.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out, resp.Header
}

func errCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestHealthz(t *testing.T) {
	e := newAPI(t, config.AuthConfig{})
	status, body, _ := e.do(t, "GET", "/healthz", "", nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d, body %v", status, body)
	}
	if body["store_ok"] != true || body["limiter_ok"] != true {
		t.Fatalf("unexpected health %v", body)
	}
	if body["agent_count"] != float64(3) || body["config_fingerprint"] != "abc123" {
		t.Fatalf("unexpected health %v", body)
	}
}

func TestHealthz_StoreDown(t *testing.T) {
	e := newAPI(t, config.AuthConfig{})
	_ = e.store.Close()
	status, body, _ := e.do(t, "GET", "/healthz", "", nil)
	if status != http.StatusServiceUnavailable || body["store_ok"] != false {
		t.Fatalf("status = %d, body %v", status, body)
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	e := newAPI(t, config.AuthConfig{})

	status, task, _ := e.do(t, "POST", "/api/tasks", "", map[string]any{
		"title":      "Ship the release",
		"priority":   "high",
		"assignees":  []string{"Coder"},
		"created_by": "Boss",
	})
	if status != http.StatusCreated {
		t.Fatalf("create status = %d, body %v", status, task)
	}
	id, _ := task["id"].(string)
	if id == "" || task["status"] != "inbox" {
		t.Fatalf("unexpected task %v", task)
	}

	status, task, _ = e.do(t, "POST", "/api/tasks/"+id+"/assign", "", map[string]any{
		"assignees": []string{"Coder"}, "actor": "Boss",
	})
	if status != http.StatusOK || task["status"] != "in_progress" {
		t.Fatalf("assign = %d %v", status, task)
	}

	status, msg, _ := e.do(t, "POST", "/api/tasks/"+id+"/messages", "", map[string]any{
		"author": "Coder", "content": "tagging @Writer for the notes",
	})
	if status != http.StatusCreated {
		t.Fatalf("post message = %d %v", status, msg)
	}
	status, list, _ := e.do(t, "GET", "/api/tasks/"+id+"/messages", "", nil)
	if msgs, _ := list["messages"].([]any); status != http.StatusOK || len(msgs) != 1 {
		t.Fatalf("messages = %d %v", status, list)
	}

	status, task, _ = e.do(t, "POST", "/api/tasks/"+id+"/advance", "", map[string]any{
		"status": "done", "actor": "Coder",
	})
	if status != http.StatusOK || task["status"] != "done" {
		t.Fatalf("advance = %d %v", status, task)
	}

	status, body, _ := e.do(t, "POST", "/api/tasks/"+id+"/advance", "", map[string]any{"status": "in_progress"})
	if status != http.StatusConflict {
		t.Fatalf("advance after done = %d %v", status, body)
	}

	status, tl, _ := e.do(t, "GET", "/api/tasks/"+id+"/timeline", "", nil)
	if acts, _ := tl["activities"].([]any); status != http.StatusOK || len(acts) < 3 {
		t.Fatalf("timeline = %d %v", status, tl)
	}

	status, tasks, _ := e.do(t, "GET", "/api/tasks?status=done&assignee=coder", "", nil)
	if got, _ := tasks["tasks"].([]any); status != http.StatusOK || len(got) != 1 {
		t.Fatalf("list = %d %v", status, tasks)
	}

	status, notes, _ := e.do(t, "GET", "/api/notifications?agent=Writer", "", nil)
	if got, _ := notes["notifications"].([]any); status != http.StatusOK || len(got) == 0 {
		t.Fatalf("writer notifications = %d %v", status, notes)
	}
}

func TestDelegateOverHTTP(t *testing.T) {
	e := newAPI(t, config.AuthConfig{})
	_, task, _ := e.do(t, "POST", "/api/tasks", "", map[string]any{"title": "Launch"})
	id := task["id"].(string)
	e.do(t, "POST", "/api/tasks/"+id+"/assign", "", map[string]any{"assignees": []string{"Boss"}})

	status, body, _ := e.do(t, "POST", "/api/tasks/"+id+"/delegate", "", map[string]any{
		"actor": "Boss",
		"subtasks": []map[string]any{
			{"title": "Write code", "assignees": []string{"Coder"}},
			{"title": "Write docs", "assignees": []string{"Writer"}},
		},
	})
	if subs, _ := body["subtasks"].([]any); status != http.StatusCreated || len(subs) != 2 {
		t.Fatalf("delegate = %d %v", status, body)
	}

	status, got, _ := e.do(t, "GET", "/api/tasks/"+id, "", nil)
	if children, _ := got["children"].([]any); status != http.StatusOK || len(children) != 2 {
		t.Fatalf("get = %d %v", status, got)
	}
}

func TestErrorMapping(t *testing.T) {
	e := newAPI(t, config.AuthConfig{})

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"missing title", "POST", "/api/tasks", map[string]any{"title": "  "}, 400, "VALIDATION_ERROR"},
		{"unknown field", "POST", "/api/tasks", `{"title":"x","owner":"me"}`, 400, "VALIDATION_ERROR"},
		{"empty body", "POST", "/api/tasks", "", 400, "VALIDATION_ERROR"},
		{"bad status filter", "GET", "/api/tasks?status=later", nil, 400, "VALIDATION_ERROR"},
		{"unknown task", "GET", "/api/tasks/nope", nil, 404, "NOT_FOUND"},
		{"unknown agent", "POST", "/api/tasks", map[string]any{"title": "x", "assignees": []string{"Ghost"}}, 404, "NOT_FOUND"},
		{"unknown tool", "POST", "/api/tools/teleport", `{}`, 404, "NOT_FOUND"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body, _ := e.do(t, tc.method, tc.path, "", tc.body)
			if status != tc.status || errCode(body) != tc.code {
				t.Fatalf("got %d %v, want %d %s", status, body, tc.status, tc.code)
			}
		})
	}
}

func TestInvokeTool(t *testing.T) {
	e := newAPI(t, config.AuthConfig{})

	status, body, _ := e.do(t, "GET", "/api/tools", "", nil)
	if list, _ := body["tools"].([]any); status != http.StatusOK || len(list) != 4 {
		t.Fatalf("tools = %d %v", status, body)
	}

	payload := `{"title":"Filed by a tool"}`
	for i := 0; i < 2; i++ {
		status, body, _ = e.do(t, "POST", "/api/tools/task_create", "", payload,
			"X-Agent-ID", "Boss", "Idempotency-Key", "create-once")
		if status != http.StatusOK {
			t.Fatalf("invoke %d = %d %v", i, status, body)
		}
	}
	_, list, _ := e.do(t, "GET", "/api/tasks", "", nil)
	if got, _ := list["tasks"].([]any); len(got) != 1 {
		t.Fatalf("idempotent replay created %d tasks", len(got))
	}

	status, body, _ = e.do(t, "POST", "/api/tools/task_create", "", `{"title":5}`, "X-Agent-ID", "Boss")
	if status != http.StatusBadRequest {
		t.Fatalf("schema violation = %d %v", status, body)
	}
}

func TestTenantIsolation(t *testing.T) {
	e := newAPI(t, config.AuthConfig{Enabled: true, Keys: []config.APIKeyEntry{
		{Name: "acme", Key: "acme-key", Tenant: "acme"},
		{Name: "globex", Key: "globex-key", Tenant: "globex"},
	}})

	status, _, _ := e.do(t, "GET", "/api/tasks", "", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("no key = %d", status)
	}

	_, task, _ := e.do(t, "POST", "/api/tasks", "acme-key", map[string]any{"title": "Acme only", "tenant_id": "globex"})
	if task["tenant_id"] != "acme" {
		t.Fatalf("tenant = %v", task["tenant_id"])
	}
	id := task["id"].(string)

	if status, _, _ := e.do(t, "GET", "/api/tasks/"+id, "globex-key", nil); status != http.StatusNotFound {
		t.Fatalf("foreign get = %d", status)
	}
	_, list, _ := e.do(t, "GET", "/api/tasks", "globex-key", nil)
	if got, _ := list["tasks"].([]any); len(got) != 0 {
		t.Fatalf("globex sees %d tasks", len(got))
	}
	if status, _, _ := e.do(t, "GET", "/api/tasks/"+id, "acme-key", nil); status != http.StatusOK {
		t.Fatalf("own get = %d", status)
	}

	if status, _, _ := e.do(t, "GET", "/api/budgets/acme", "globex-key", nil); status != http.StatusForbidden {
		t.Fatalf("foreign budget = %d", status)
	}
	status, st, _ := e.do(t, "GET", "/api/budgets/acme", "acme-key", nil)
	if status != http.StatusOK {
		t.Fatalf("budget = %d %v", status, st)
	}
}

func TestWebSocketStreamsEvents(t *testing.T) {
	e := newAPI(t, config.AuthConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws?topics=task."
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var hello map[string]any
	if err := wsjson.Read(ctx, conn, &hello); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if hello["method"] != "system.hello" || hello["jsonrpc"] != "2.0" {
		t.Fatalf("hello = %v", hello)
	}

	if status, _, _ := e.do(t, "POST", "/api/tasks", "", map[string]any{"title": "Watch me"}); status != http.StatusCreated {
		t.Fatalf("create = %d", status)
	}
	var ev map[string]any
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev["method"] != bus.TopicTaskCreated {
		t.Fatalf("event = %v", ev)
	}
}

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/basket/crewdesk/internal/apperr"
	"github.com/basket/crewdesk/internal/orchestrator"
	"github.com/basket/crewdesk/internal/persistence"
	"github.com/basket/crewdesk/internal/shared"
	"github.com/basket/crewdesk/internal/tools"
)

type createTaskRequest struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Priority    string     `json:"priority"`
	ParentID    string     `json:"parent_id"`
	Assignees   []string   `json:"assignees"`
	Tags        []string   `json:"tags"`
	DueDate     *time.Time `json:"due_date"`
	CreatedBy   string     `json:"created_by"`
	TenantID    string     `json:"tenant_id"`
	SessionID   string     `json:"session_id"`
}

type assignRequest struct {
	Assignees []string `json:"assignees"`
	Actor     string   `json:"actor"`
}

type advanceRequest struct {
	Status string `json:"status"`
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

type subtaskRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Priority    string   `json:"priority"`
	Assignees   []string `json:"assignees"`
	Tags        []string `json:"tags"`
}

type delegateRequest struct {
	Subtasks []subtaskRequest `json:"subtasks"`
	Actor    string           `json:"actor"`
}

type escalateRequest struct {
	Agent      string  `json:"agent"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

type messageRequest struct {
	Author       string   `json:"author"`
	Content      string   `json:"content"`
	Confidence   *float64 `json:"confidence"`
	ThinkingMode string   `json:"thinking_mode"`
	Attachments  []string `json:"attachments"`
}

// decodeBody reads a JSON body into v. Unknown fields are rejected.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			return err
		}
		if errors.Is(err, io.EOF) {
			return apperr.New(apperr.CodeValidation, "request body is required")
		}
		return apperr.Wrap(apperr.CodeValidation, err, "invalid JSON body: "+err.Error())
	}
	return nil
}

// loadTask fetches a task and hides it from callers of another tenant.
func (s *Server) loadTask(r *http.Request) (*persistence.Task, error) {
	task, err := s.cfg.Orchestrator.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	if tenant := shared.TenantID(r.Context()); tenant != "" && task.TenantID != tenant {
		return nil, apperr.Newf(apperr.CodeNotFound, "task %s not found", task.ID)
	}
	return task, nil
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := persistence.TaskFilter{
		Status:   persistence.TaskStatus(q.Get("status")),
		ParentID: q.Get("parent"),
		TenantID: shared.TenantID(r.Context()),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		badRequest(w, "unknown status "+strconv.Quote(string(filter.Status)))
		return
	}
	if ref := strings.TrimSpace(q.Get("assignee")); ref != "" {
		p, ok := s.cfg.Registry.Resolve(ref)
		if !ok {
			writeError(w, apperr.Newf(apperr.CodeNotFound, "agent %q not found", ref))
			return
		}
		filter.AssigneeID = p.ID
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(w, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	tasks, err := s.cfg.Orchestrator.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []persistence.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	tenant := req.TenantID
	if ctxTenant := shared.TenantID(r.Context()); ctxTenant != "" {
		tenant = ctxTenant
	}
	task, err := s.cfg.Orchestrator.Create(r.Context(), orchestrator.CreateInput{
		Title:       req.Title,
		Description: req.Description,
		Priority:    persistence.Priority(req.Priority),
		ParentID:    req.ParentID,
		Assignees:   req.Assignees,
		Tags:        req.Tags,
		DueDate:     req.DueDate,
		CreatedBy:   req.CreatedBy,
		TenantID:    tenant,
		SessionID:   req.SessionID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.loadTask(r)
	if err != nil {
		writeError(w, err)
		return
	}
	children, err := s.cfg.Orchestrator.Children(r.Context(), task.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if children == nil {
		children = []persistence.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task, "children": children})
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.loadTask(r); err != nil {
		writeError(w, err)
		return
	}
	task, err := s.cfg.Orchestrator.Assign(r.Context(), r.PathValue("id"), req.Assignees, req.Actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	var req advanceRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	to := persistence.TaskStatus(strings.TrimSpace(req.Status))
	if !to.Valid() {
		badRequest(w, "unknown status "+strconv.Quote(req.Status))
		return
	}
	if _, err := s.loadTask(r); err != nil {
		writeError(w, err)
		return
	}
	task, err := s.cfg.Orchestrator.Advance(r.Context(), r.PathValue("id"), to, req.Actor, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDelegate(w http.ResponseWriter, r *http.Request) {
	var req delegateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.loadTask(r); err != nil {
		writeError(w, err)
		return
	}
	subtasks := make([]orchestrator.SubtaskInput, 0, len(req.Subtasks))
	for _, st := range req.Subtasks {
		subtasks = append(subtasks, orchestrator.SubtaskInput{
			Title:       st.Title,
			Description: st.Description,
			Priority:    persistence.Priority(st.Priority),
			Assignees:   st.Assignees,
			Tags:        st.Tags,
		})
	}
	children, err := s.cfg.Orchestrator.Delegate(r.Context(), r.PathValue("id"), subtasks, req.Actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"subtasks": children})
}

func (s *Server) handleEscalate(w http.ResponseWriter, r *http.Request) {
	var req escalateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.loadTask(r); err != nil {
		writeError(w, err)
		return
	}
	task, err := s.cfg.Orchestrator.Escalate(r.Context(), r.PathValue("id"), req.Agent, req.Reason, req.Confidence)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	task, err := s.loadTask(r)
	if err != nil {
		writeError(w, err)
		return
	}
	msgs, err := s.cfg.Orchestrator.Messages(r.Context(), task.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []persistence.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	task, err := s.loadTask(r)
	if err != nil {
		writeError(w, err)
		return
	}
	msg, err := s.cfg.Orchestrator.PostMessage(r.Context(), orchestrator.MessageInput{
		TaskID:       task.ID,
		Author:       req.Author,
		Content:      req.Content,
		Confidence:   req.Confidence,
		ThinkingMode: req.ThinkingMode,
		Attachments:  req.Attachments,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	task, err := s.loadTask(r)
	if err != nil {
		writeError(w, err)
		return
	}
	acts, err := s.cfg.Orchestrator.Timeline(r.Context(), task.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if acts == nil {
		acts = []persistence.Activity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"activities": acts})
}

func (s *Server) handleSessionAudit(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Audit == nil {
		writeError(w, apperr.New(apperr.CodeNotFound, "audit trail is not configured"))
		return
	}
	entries, err := s.cfg.Audit.EntriesForSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []persistence.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	descs := []tools.Descriptor{}
	if s.cfg.Tools != nil {
		descs = s.cfg.Tools.List()
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": descs})
}

// handleInvokeTool runs a tool on behalf of the agent named by X-Agent-ID
// (or ?agent=). Idempotency-Key makes a retried call replay its first result.
func (s *Server) handleInvokeTool(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Tools == nil {
		writeError(w, apperr.New(apperr.CodeNotFound, "no tools are registered"))
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx := r.Context()
	ref := strings.TrimSpace(r.Header.Get("X-Agent-ID"))
	if ref == "" {
		ref = strings.TrimSpace(r.URL.Query().Get("agent"))
	}
	if ref != "" {
		p, ok := s.cfg.Registry.Resolve(ref)
		if !ok {
			writeError(w, apperr.Newf(apperr.CodeNotFound, "agent %q not found", ref))
			return
		}
		ctx = shared.WithAgentID(ctx, p.ID)
	}
	if taskID := strings.TrimSpace(r.URL.Query().Get("task")); taskID != "" {
		ctx = shared.WithTaskID(ctx, taskID)
	}
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" {
		ctx = tools.WithIdempotencyKey(ctx, key)
	}

	out, err := s.cfg.Tools.Invoke(ctx, r.PathValue("name"), json.RawMessage(body))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": out})
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Budget == nil {
		writeError(w, apperr.New(apperr.CodeNotFound, "budgets are not configured"))
		return
	}
	tenant := r.PathValue("tenant")
	if own := shared.TenantID(r.Context()); own != "" && own != tenant {
		writeError(w, apperr.New(apperr.CodePermissionDenied, "budget belongs to another tenant"))
		return
	}
	st, err := s.cfg.Budget.Status(r.Context(), tenant)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.cfg.Registry.Agents(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if agents == nil {
		agents = []persistence.Agent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	agentID := ""
	if ref := strings.TrimSpace(q.Get("agent")); ref != "" {
		p, ok := s.cfg.Registry.Resolve(ref)
		if !ok {
			writeError(w, apperr.Newf(apperr.CodeNotFound, "agent %q not found", ref))
			return
		}
		agentID = p.ID
	}
	pending := q.Get("pending") == "true" || q.Get("pending") == "1"
	limit, _ := strconv.Atoi(q.Get("limit"))
	list, err := s.cfg.Store.ListNotifications(r.Context(), agentID, pending, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []persistence.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": list})
}

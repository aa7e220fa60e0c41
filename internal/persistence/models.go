package persistence

import "time"

type TaskStatus string

const (
	TaskStatusInbox      TaskStatus = "inbox"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusDone       TaskStatus = "done"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusDone || s == TaskStatusCancelled
}

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusInbox, TaskStatusInProgress, TaskStatusBlocked, TaskStatusDone, TaskStatusCancelled:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityMedium || p == PriorityHigh
}

type AgentStatus string

const (
	AgentStatusIdle   AgentStatus = "idle"
	AgentStatusActive AgentStatus = "active"
	AgentStatusError  AgentStatus = "error"
)

type Agent struct {
	ID     string      `json:"id"`
	Name   string      `json:"name"`
	Role   string      `json:"role"`
	Level  string      `json:"level"`
	Status AgentStatus `json:"status"`
	// CurrentTaskID is a weak reference: no foreign key, may point at a task
	// that has since finished.
	CurrentTaskID string            `json:"current_task_id,omitempty"`
	ModelConfig   map[string]string `json:"model_config,omitempty"`
	LastHeartbeat *time.Time        `json:"last_heartbeat,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

type Task struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	Status        TaskStatus `json:"status"`
	Priority      Priority   `json:"priority"`
	ParentTaskID  string     `json:"parent_task_id,omitempty"`
	AssigneeIDs   []string   `json:"assignee_ids"`
	Tags          []string   `json:"tags"`
	DueDate       *time.Time `json:"due_date,omitempty"`
	CreatedBy     string     `json:"created_by"`
	TenantID      string     `json:"tenant_id"`
	SessionID     string     `json:"session_id"`
	BlockedReason string     `json:"blocked_reason,omitempty"`
	Version       int64      `json:"version"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// HasAssignee reports whether agentID is among the task's assignees.
func (t *Task) HasAssignee(agentID string) bool {
	for _, id := range t.AssigneeIDs {
		if id == agentID {
			return true
		}
	}
	return false
}

type TaskFilter struct {
	Status     TaskStatus
	AssigneeID string
	ParentID   string
	TenantID   string
	Limit      int
}

type Message struct {
	ID           string    `json:"id"`
	TaskID       string    `json:"task_id"`
	FromAgentID  string    `json:"from_agent_id"`
	Content      string    `json:"content"`
	Confidence   *float64  `json:"confidence_score,omitempty"`
	ThinkingMode string    `json:"thinking_mode,omitempty"`
	Mentions     []string  `json:"mentions,omitempty"`
	Attachments  []string  `json:"attachments,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type Activity struct {
	ID        int64             `json:"id"`
	Type      string            `json:"type"`
	AgentID   string            `json:"agent_id,omitempty"`
	TaskID    string            `json:"task_id,omitempty"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

type Notification struct {
	ID            string     `json:"id"`
	TargetAgentID string     `json:"mentioned_agent_id"`
	SourceAgentID string     `json:"source_agent_id"`
	TaskID        string     `json:"task_id"`
	Content       string     `json:"content"`
	Delivered     bool       `json:"delivered"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

type StepType string

const (
	StepReason  StepType = "reason"
	StepAct     StepType = "act"
	StepObserve StepType = "observe"
	StepSummary StepType = "summary"
)

func (s StepType) Valid() bool {
	return s == StepReason || s == StepAct || s == StepObserve || s == StepSummary
}

type AuditEntry struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	TaskID     string    `json:"task_id,omitempty"`
	Agent      string    `json:"agent"`
	StepType   StepType  `json:"step_type"`
	ToolName   string    `json:"tool_name,omitempty"`
	Content    string    `json:"content"`
	Success    bool      `json:"success"`
	DurationMS int64     `json:"duration_ms"`
	Iteration  int       `json:"iteration"`
	CreatedAt  time.Time `json:"created_at"`
}

type CostEntry struct {
	ID               int64     `json:"id"`
	UserID           string    `json:"user_id"`
	AgentName        string    `json:"agent_name"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	TaskID           string    `json:"task_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

type UserBudget struct {
	UserID            string  `json:"user_id"`
	DailyLimitUSD     float64 `json:"daily_limit_usd"`
	MonthlyLimitUSD   float64 `json:"monthly_limit_usd"`
	CurrentDaySpend   float64 `json:"current_day_spend"`
	CurrentMonthSpend float64 `json:"current_month_spend"`
	LastResetDay      string  `json:"last_reset_day"`
	LastResetMonth    string  `json:"last_reset_month"`
}

type MemoryRecord struct {
	ID             string    `json:"id"`
	AgentID        string    `json:"agent_id"`
	Content        string    `json:"content"`
	Vector         []float64 `json:"vector"`
	Source         string    `json:"source"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	AccessCount    int       `json:"access_count"`
	Archived       bool      `json:"archived"`
}

// Schedule is a reminder that creates a task when it fires. An empty
// CronExpr means one-shot.
type Schedule struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	CronExpr  string     `json:"cron_expr,omitempty"`
	Payload   string     `json:"payload"`
	SessionID string     `json:"session_id"`
	TenantID  string     `json:"tenant_id"`
	CreatedBy string     `json:"created_by"`
	Enabled   bool       `json:"enabled"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

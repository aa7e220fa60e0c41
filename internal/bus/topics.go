package bus

const (
	TopicTaskCreated      = "task.created"
	TopicTaskAssigned     = "task.assigned"
	TopicTaskTransitioned = "task.transitioned"
	TopicTaskEscalated    = "task.escalated"

	TopicTurnCompleted = "turn.completed"
	TopicTurnDenied    = "turn.denied"

	TopicNotificationCreated = "notification.created"
	TopicMemoryArchived      = "memory.archived"
	TopicConfigReloaded      = "config.reloaded"
)

// TaskEvent accompanies the task.* topics.
type TaskEvent struct {
	TaskID      string   `json:"task_id"`
	ParentID    string   `json:"parent_id,omitempty"`
	SessionID   string   `json:"session_id,omitempty"`
	From        string   `json:"from,omitempty"`
	To          string   `json:"to"`
	Actor       string   `json:"actor,omitempty"`
	AssigneeIDs []string `json:"assignee_ids,omitempty"`
	Reason      string   `json:"reason,omitempty"`
}

// TurnEvent accompanies turn.completed and turn.denied.
type TurnEvent struct {
	TaskID  string  `json:"task_id"`
	AgentID string  `json:"agent_id"`
	Outcome string  `json:"outcome"`
	CostUSD float64 `json:"cost_usd,omitempty"`
	Error   string  `json:"error,omitempty"`
}

type NotificationEvent struct {
	NotificationID string `json:"notification_id"`
	TargetAgentID  string `json:"target_agent_id"`
	TaskID         string `json:"task_id"`
}

type MemoryArchivedEvent struct {
	Archived int64 `json:"archived"`
}

type ConfigReloadedEvent struct {
	Path string `json:"path"`
}

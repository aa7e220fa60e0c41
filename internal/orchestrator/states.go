package orchestrator

import (
	"github.com/basket/crewdesk/internal/apperr"
	"github.com/basket/crewdesk/internal/persistence"
)

// transitions is the task state graph. Terminal states have no edges.
var transitions = map[persistence.TaskStatus][]persistence.TaskStatus{
	persistence.TaskStatusInbox:      {persistence.TaskStatusInProgress, persistence.TaskStatusCancelled},
	persistence.TaskStatusInProgress: {persistence.TaskStatusBlocked, persistence.TaskStatusDone, persistence.TaskStatusCancelled},
	persistence.TaskStatusBlocked:    {persistence.TaskStatusInProgress, persistence.TaskStatusCancelled},
}

// CanTransition reports whether from -> to is an edge of the graph.
func CanTransition(from, to persistence.TaskStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition(task *persistence.Task, to persistence.TaskStatus) error {
	if CanTransition(task.Status, to) {
		return nil
	}
	return apperr.New(apperr.CodeInvalidTransition,
		"cannot move task from "+string(task.Status)+" to "+string(to),
		apperr.WithMetadata("task_id", task.ID),
		apperr.WithMetadata("from", string(task.Status)),
		apperr.WithMetadata("to", string(to)),
	)
}

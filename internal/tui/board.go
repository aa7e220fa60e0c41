package tui

import (
	"context"
	"time"

	"github.com/basket/crewdesk/internal/engine"
	"github.com/basket/crewdesk/internal/persistence"
)

// Source builds board snapshots from the store. Dispatcher is optional; the
// standalone board has no workers of its own.
type Source struct {
	Store      *persistence.Store
	Dispatcher func() engine.DispatcherStatus
	Started    time.Time
	PerColumn  int
	Timeout    time.Duration
}

func (s Source) Snapshot() Snapshot {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	perColumn := s.PerColumn
	if perColumn <= 0 {
		perColumn = 8
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	snap := Snapshot{
		Cards:  make(map[persistence.TaskStatus][]TaskCard, len(Columns)),
		Counts: make(map[persistence.TaskStatus]int, len(Columns)),
	}
	if !s.Started.IsZero() {
		snap.Uptime = time.Since(s.Started)
	}
	if s.Dispatcher != nil {
		ds := s.Dispatcher()
		snap.Workers = ds.WorkerCount
		snap.Pending = int(ds.Pending)
		snap.Running = ds.Active
		snap.Deferred = ds.Deferred
		snap.Completed = ds.Completed
		snap.LastError = ds.LastError
	}

	if err := s.Store.Ping(ctx); err != nil {
		snap.LastError = humanError(err)
		return snap
	}
	snap.StoreOK = true

	agents, err := s.Store.ListAgents(ctx)
	if err != nil {
		snap.LastError = humanError(err)
	}
	names := make(map[string]string, len(agents))
	for _, a := range agents {
		names[a.ID] = a.Name
		snap.Agents = append(snap.Agents, AgentRow{
			Name:        a.Name,
			Level:       a.Level,
			Status:      a.Status,
			CurrentTask: a.CurrentTaskID,
		})
	}

	counts, err := s.Store.TaskCounts(ctx)
	if err != nil {
		snap.LastError = humanError(err)
	}
	for st, n := range counts {
		snap.Counts[st] = n
	}

	for _, st := range Columns {
		tasks, err := s.Store.ListTasks(ctx, persistence.TaskFilter{Status: st, Limit: perColumn})
		if err != nil {
			snap.LastError = humanError(err)
			continue
		}
		for _, t := range tasks {
			card := TaskCard{ID: t.ID, Title: t.Title, Priority: t.Priority, Blocked: t.BlockedReason}
			for _, id := range t.AssigneeIDs {
				if n, ok := names[id]; ok {
					card.Assignees = append(card.Assignees, n)
				} else {
					card.Assignees = append(card.Assignees, shortID(id))
				}
			}
			snap.Cards[st] = append(snap.Cards[st], card)
		}
	}
	return snap
}

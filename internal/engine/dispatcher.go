package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/crewdesk/internal/apperr"
	"github.com/basket/crewdesk/internal/bus"
	"github.com/basket/crewdesk/internal/orchestrator"
	"github.com/basket/crewdesk/internal/persistence"
	"github.com/basket/crewdesk/internal/queue"
	"github.com/basket/crewdesk/internal/shared"
)

// Orchestrator is what the dispatcher drives.
type Orchestrator interface {
	RunTurn(ctx context.Context, taskID, agentRef string) (*orchestrator.TurnOutcome, error)
	Assign(ctx context.Context, taskID string, agentRefs []string, actor string) (*persistence.Task, error)
	List(ctx context.Context, filter persistence.TaskFilter) ([]persistence.Task, error)
}

// Purger drops expired rate counters. The sqlite limiter implements it.
type Purger interface {
	Purge(ctx context.Context) (int64, error)
}

type DispatcherConfig struct {
	Orchestrator Orchestrator
	Queue        queue.Queue
	Bus          *bus.Bus
	Logger       *slog.Logger
	WorkerCount  int
	// SweepInterval is the period of the fallback scan.
	SweepInterval time.Duration
	// IdleAfter is how long an assigned agent may go without a turn on an
	// in-progress task before the sweep schedules another.
	IdleAfter time.Duration
	// MaxDeferrals bounds rate-limit re-enqueues of one job.
	MaxDeferrals int
	Purger       Purger
}

// DispatcherStatus is reported by /healthz and the doctor.
type DispatcherStatus struct {
	WorkerCount int    `json:"worker_count"`
	Pending     int    `json:"pending"`
	Active      int32  `json:"active"`
	Deferred    int64  `json:"deferred"`
	Completed   int64  `json:"completed"`
	LastError   string `json:"last_error,omitempty"`
}

// Dispatcher turns task events into agent turns. Two triggers feed the same
// queue: bus events for low latency and a periodic sweep that catches
// anything an event missed (dropped publish, restart, lost queue message).
// Both are safe to repeat: a (task, agent) pair is queued at most once at
// a time, and RunTurn itself skips tasks that are no longer in progress.
type Dispatcher struct {
	orch    Orchestrator
	queue   queue.Queue
	bus     *bus.Bus
	logger  *slog.Logger
	workers int
	sweep   time.Duration
	idle    time.Duration
	maxDef  int
	purger  Purger

	mu       sync.Mutex
	pending  map[string]struct{}
	running  map[string]struct{}
	lastTurn map[string]time.Time
	timers   map[string]*time.Timer

	active    atomic.Int32
	deferred  atomic.Int64
	completed atomic.Int64
	lastError atomic.Pointer[string]

	once sync.Once
	wg   sync.WaitGroup
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = 10 * time.Minute
	}
	if cfg.MaxDeferrals <= 0 {
		cfg.MaxDeferrals = 20
	}
	if cfg.Queue == nil {
		cfg.Queue = queue.NewMemoryQueue(256)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		orch:     cfg.Orchestrator,
		queue:    cfg.Queue,
		bus:      cfg.Bus,
		logger:   logger.With("component", "dispatcher"),
		workers:  cfg.WorkerCount,
		sweep:    cfg.SweepInterval,
		idle:     cfg.IdleAfter,
		maxDef:   cfg.MaxDeferrals,
		purger:   cfg.Purger,
		pending:  map[string]struct{}{},
		running:  map[string]struct{}{},
		lastTurn: map[string]time.Time{},
		timers:   map[string]*time.Timer{},
	}
}

// Start launches the workers, the event loop and the sweep. They stop when
// ctx ends; Wait blocks until they have.
func (d *Dispatcher) Start(ctx context.Context) {
	d.once.Do(func() {
		// Subscribe before the first sweep so nothing published in between
		// is missed.
		var sub *bus.Subscription
		if d.bus != nil {
			sub = d.bus.Subscribe("task.")
		}

		d.wg.Add(2)
		go func() {
			defer d.wg.Done()
			err := d.queue.Consume(ctx, d.workers, d.handle)
			if err != nil && !errors.Is(err, context.Canceled) {
				d.setLastError(err)
				d.logger.Error("queue consumer stopped", "error", err)
			}
		}()
		go func() {
			defer d.wg.Done()
			if sub != nil {
				defer d.bus.Unsubscribe(sub)
			}
			d.loop(ctx, sub)
		}()
		d.logger.Info("dispatcher started", "workers", d.workers, "sweep_interval", d.sweep)
	})
}

// Wait blocks until Start's goroutines exit and cancels pending deferrals.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
	d.mu.Lock()
	for key, t := range d.timers {
		t.Stop()
		delete(d.timers, key)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) loop(ctx context.Context, sub *bus.Subscription) {
	d.Sweep(ctx)

	ticker := time.NewTicker(d.sweep)
	defer ticker.Stop()

	events := func() <-chan bus.Event {
		if sub == nil {
			return nil
		}
		return sub.Ch()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Sweep(ctx)
		case ev, ok := <-events():
			if !ok {
				// Subscription closed; the sweep alone keeps things moving.
				sub = nil
				continue
			}
			d.onEvent(ctx, ev)
		}
	}
}

func (d *Dispatcher) onEvent(ctx context.Context, ev bus.Event) {
	te, ok := ev.Payload.(bus.TaskEvent)
	if !ok {
		return
	}
	switch ev.Topic {
	case bus.TopicTaskCreated:
		if len(te.AssigneeIDs) > 0 {
			d.assign(ctx, te.TaskID, te.AssigneeIDs)
		}
	case bus.TopicTaskAssigned, bus.TopicTaskTransitioned:
		if te.To != string(persistence.TaskStatusInProgress) {
			return
		}
		for _, agentID := range te.AssigneeIDs {
			d.Enqueue(ctx, queue.Job{TaskID: te.TaskID, AgentID: agentID})
		}
	}
}

func (d *Dispatcher) assign(ctx context.Context, taskID string, assignees []string) {
	if _, err := d.orch.Assign(ctx, taskID, assignees, orchestrator.SystemActor); err != nil {
		code := apperr.CodeOf(err)
		// Somebody else already moved it.
		if code == apperr.CodeAlreadyTerminal || code == apperr.CodeInvalidTransition {
			return
		}
		d.setLastError(err)
		d.logger.Warn("auto-assign failed", "task_id", taskID, "error", err)
	}
}

// Sweep is the periodic trigger: it starts inbox tasks that carry proposed
// assignees and schedules turns for assigned agents that have been idle.
func (d *Dispatcher) Sweep(ctx context.Context) {
	if d.purger != nil {
		if n, err := d.purger.Purge(ctx); err != nil {
			d.logger.Warn("purge rate counters failed", "error", err)
		} else if n > 0 {
			d.logger.Debug("purged rate counters", "count", n)
		}
	}

	inbox, err := d.orch.List(ctx, persistence.TaskFilter{Status: persistence.TaskStatusInbox, Limit: 500})
	if err != nil {
		d.setLastError(err)
		d.logger.Error("sweep: list inbox failed", "error", err)
		return
	}
	for _, t := range inbox {
		if len(t.AssigneeIDs) > 0 {
			d.assign(ctx, t.ID, t.AssigneeIDs)
		}
	}

	running, err := d.orch.List(ctx, persistence.TaskFilter{Status: persistence.TaskStatusInProgress, Limit: 500})
	if err != nil {
		d.setLastError(err)
		d.logger.Error("sweep: list in-progress failed", "error", err)
		return
	}
	now := time.Now()
	live := map[string]bool{}
	for _, t := range running {
		for _, agentID := range t.AssigneeIDs {
			job := queue.Job{TaskID: t.ID, AgentID: agentID}
			live[job.Key()] = true
			d.mu.Lock()
			last, seen := d.lastTurn[job.Key()]
			d.mu.Unlock()
			if seen && now.Sub(last) < d.idle {
				continue
			}
			d.Enqueue(ctx, job)
		}
	}
	if len(running) < 500 {
		d.mu.Lock()
		for key := range d.lastTurn {
			if !live[key] {
				delete(d.lastTurn, key)
			}
		}
		d.mu.Unlock()
	}
}

// Enqueue publishes job unless the same (task, agent) pair is already
// queued, running or waiting out a deferral. It reports whether it
// published.
func (d *Dispatcher) Enqueue(ctx context.Context, job queue.Job) bool {
	key := job.Key()
	d.mu.Lock()
	if _, busy := d.pending[key]; busy {
		d.mu.Unlock()
		return false
	}
	d.pending[key] = struct{}{}
	d.mu.Unlock()

	if err := d.queue.Publish(ctx, job); err != nil {
		d.release(key, false)
		d.setLastError(err)
		d.logger.Error("enqueue turn failed", "task_id", job.TaskID, "agent_id", job.AgentID, "error", err)
		return false
	}
	return true
}

func (d *Dispatcher) release(key string, ran bool) {
	d.mu.Lock()
	delete(d.pending, key)
	delete(d.running, key)
	if ran {
		d.lastTurn[key] = time.Now()
	}
	d.mu.Unlock()
}

// handle is the queue handler. It never asks the queue to redeliver:
// rate-limited turns are deferred here, other failures wait for the sweep.
func (d *Dispatcher) handle(ctx context.Context, job queue.Job) error {
	key := job.Key()
	d.mu.Lock()
	if _, dup := d.running[key]; dup {
		d.mu.Unlock()
		d.logger.Debug("duplicate delivery dropped", "task_id", job.TaskID, "agent_id", job.AgentID)
		return nil
	}
	// Jobs arriving from a shared broker may not have gone through Enqueue.
	d.pending[key] = struct{}{}
	d.running[key] = struct{}{}
	d.mu.Unlock()

	d.active.Add(1)
	defer d.active.Add(-1)

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	out, err := d.orch.RunTurn(ctx, job.TaskID, job.AgentID)
	if err == nil {
		d.completed.Add(1)
		d.release(key, out.Outcome != orchestrator.OutcomeSkipped)
		d.logger.Debug("turn finished", "task_id", job.TaskID, "agent_id", job.AgentID, "outcome", out.Outcome)
		return nil
	}

	switch apperr.CodeOf(err) {
	case apperr.CodeRateLimited:
		d.deferTurn(ctx, job, apperr.RetryAfterOf(err))
		return nil
	case apperr.CodeBudgetExceeded:
		// Not retried: the tenant stays denied until its budget resets.
		d.release(key, true)
	case apperr.CodeNotFound, apperr.CodePermissionDenied:
		d.release(key, false)
	default:
		d.release(key, true)
		d.setLastError(err)
	}
	d.logger.Info("turn not applied", "task_id", job.TaskID, "agent_id", job.AgentID,
		"code", string(apperr.CodeOf(err)), "error", err)
	return nil
}

// deferTurn re-publishes a rate-limited job after the limiter's hint. The
// pair stays pending meanwhile so triggers do not stack duplicates.
func (d *Dispatcher) deferTurn(ctx context.Context, job queue.Job, after time.Duration) {
	key := job.Key()
	if job.Attempt >= d.maxDef {
		d.release(key, false)
		d.logger.Warn("turn dropped after repeated rate limiting; sweep will retry",
			"task_id", job.TaskID, "agent_id", job.AgentID, "attempts", job.Attempt)
		return
	}
	if after <= 0 {
		after = time.Second
	}
	d.deferred.Add(1)
	next := job
	next.Attempt++
	d.logger.Info("turn deferred", "task_id", job.TaskID, "agent_id", job.AgentID, "retry_after", after.String(), "attempt", next.Attempt)

	d.mu.Lock()
	delete(d.running, key)
	d.timers[key] = time.AfterFunc(after, func() {
		d.mu.Lock()
		delete(d.timers, key)
		d.mu.Unlock()
		if ctx.Err() != nil {
			d.release(key, false)
			return
		}
		if err := d.queue.Publish(ctx, next); err != nil {
			d.release(key, false)
			d.logger.Error("re-enqueue deferred turn failed", "task_id", job.TaskID, "agent_id", job.AgentID, "error", err)
		}
	})
	d.mu.Unlock()
}

func (d *Dispatcher) Status() DispatcherStatus {
	d.mu.Lock()
	pending := len(d.pending)
	d.mu.Unlock()
	st := DispatcherStatus{
		WorkerCount: d.workers,
		Pending:     pending,
		Active:      d.active.Load(),
		Deferred:    d.deferred.Load(),
		Completed:   d.completed.Load(),
	}
	if p := d.lastError.Load(); p != nil {
		st.LastError = *p
	}
	return st
}

func (d *Dispatcher) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	d.lastError.Store(&msg)
}

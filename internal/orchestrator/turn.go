package orchestrator

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/basket/crewdesk/internal/agent"
	"github.com/basket/crewdesk/internal/apperr"
	"github.com/basket/crewdesk/internal/audit"
	"github.com/basket/crewdesk/internal/budget"
	"github.com/basket/crewdesk/internal/bus"
	"github.com/basket/crewdesk/internal/otel"
	"github.com/basket/crewdesk/internal/persistence"
	"github.com/basket/crewdesk/internal/pricing"
	"github.com/basket/crewdesk/internal/shared"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

// TurnExecutor performs one agent turn against an external model. It must
// report each reasoning/acting/observing step through req.OnStep as it
// happens.
type TurnExecutor interface {
	ExecuteTurn(ctx context.Context, req TurnRequest) (*TurnResult, error)
}

// TurnRequest is what an executor gets to work with.
type TurnRequest struct {
	Task    persistence.Task
	Agent   agent.Profile
	History []persistence.Message
	// MaxOutputTokens is the completion budget used for admission.
	MaxOutputTokens int
	OnStep          func(Step)
}

// Step is one unit of agent work reported during a turn.
type Step struct {
	Type     persistence.StepType
	ToolName string
	Content  string
	Success  bool
	Duration time.Duration
}

// TurnResult is the executor's answer.
type TurnResult struct {
	Reply            string
	Model            string
	PromptTokens     int
	CompletionTokens int
	// CostUSD, when zero, is computed from the token counts.
	CostUSD      float64
	Confidence   *float64
	ThinkingMode string
	// Done asks for the task to be completed with this reply.
	Done bool
}

// Turn outcomes.
const (
	OutcomeApplied   = "applied"
	OutcomeDiscarded = "discarded"
	OutcomeSkipped   = "skipped"
	OutcomeDenied    = "denied"
	OutcomeFailed    = "failed"
)

// TurnOutcome summarizes a finished RunTurn.
type TurnOutcome struct {
	TaskID           string  `json:"task_id"`
	AgentID          string  `json:"agent_id"`
	Outcome          string  `json:"outcome"`
	MessageID        string  `json:"message_id,omitempty"`
	CostUSD          float64 `json:"cost_usd"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	Completed        bool    `json:"completed"`
	Escalated        bool    `json:"escalated"`
}

// RunTurn runs one turn of agentRef on taskID.
//
// Admission comes first: the rate limiter counts the attempt, then the
// tenant budget reserves the estimated cost. Only then is the executor
// called, with no task lock held. A rate-limited turn returns
// RATE_LIMIT_EXCEEDED so the caller can retry after the hint; a budget
// denial is recorded on the timeline and returned. If the task left
// in_progress while the executor ran, the result is discarded.
func (o *Orchestrator) RunTurn(ctx context.Context, taskID, agentRef string) (*TurnOutcome, error) {
	if o.executor == nil {
		return nil, apperr.New(apperr.CodeExecutorFailure, "no turn executor configured")
	}
	profile, ok := o.registry.Resolve(agentRef)
	if !ok {
		return nil, apperr.Newf(apperr.CodeNotFound, "unknown agent %q", agentRef)
	}
	task, err := o.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	out := &TurnOutcome{TaskID: task.ID, AgentID: profile.ID}
	if task.Status != persistence.TaskStatusInProgress {
		out.Outcome = OutcomeSkipped
		return out, nil
	}
	if !task.HasAssignee(profile.ID) {
		return nil, apperr.Newf(apperr.CodePermissionDenied, "agent %s is not assigned to task %s", profile.Name, task.ID)
	}

	ctx, span := otel.StartSpan(ctx, o.tracer, "orchestrator.turn",
		otel.AttrTaskID.String(task.ID),
		otel.AttrAgentID.String(profile.ID),
		otel.AttrSessionID.String(task.SessionID),
		otel.AttrTenantID.String(task.TenantID),
		otel.AttrModel.String(profile.Model),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		o.metrics.TurnDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(otel.AttrOutcome.String(out.Outcome)))
		span.SetAttributes(otel.AttrOutcome.String(out.Outcome))
	}()

	if err := o.registry.Heartbeat(ctx, profile.ID); err != nil {
		o.logger.Warn("heartbeat failed", "agent_id", profile.ID, "error", err)
	}

	history, err := o.store.ListMessages(ctx, task.ID)
	if err != nil {
		out.Outcome = OutcomeFailed
		return nil, err
	}

	reservation, err := o.admit(ctx, task, profile, history)
	if err != nil {
		out.Outcome = OutcomeDenied
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	o.metrics.AdmissionGranted.Add(ctx, 1, metric.WithAttributes(otel.AttrAgentID.String(profile.ID)))

	res, err := o.execute(ctx, task, profile, history)
	if err != nil {
		reservation.Release()
		out.Outcome = OutcomeFailed
		span.SetStatus(codes.Error, err.Error())
		o.turnFailed(ctx, task, profile, err)
		return nil, err
	}

	model := res.Model
	if model == "" {
		model = profile.Model
	}
	cost := res.CostUSD
	if cost == 0 && (res.PromptTokens > 0 || res.CompletionTokens > 0) {
		cost = pricing.EstimateCost(model, res.PromptTokens, res.CompletionTokens)
	}
	cost = pricing.Round(cost)
	out.CostUSD = cost
	out.PromptTokens = res.PromptTokens
	out.CompletionTokens = res.CompletionTokens
	if err := reservation.Commit(ctx, budget.CostInput{
		AgentName:        profile.Name,
		Model:            model,
		PromptTokens:     res.PromptTokens,
		CompletionTokens: res.CompletionTokens,
		CostUSD:          cost,
		TaskID:           task.ID,
	}); err != nil {
		o.logger.Error("record turn cost failed", "task_id", task.ID, "agent_id", profile.ID, "tenant_id", task.TenantID, "error", err)
	}
	o.metrics.TokensUsed.Add(ctx, int64(res.PromptTokens+res.CompletionTokens),
		metric.WithAttributes(otel.AttrModel.String(model)))
	span.SetAttributes(
		otel.AttrTokensInput.Int(res.PromptTokens),
		otel.AttrTokensOutput.Int(res.CompletionTokens),
	)

	if err := o.applyResult(ctx, task.ID, profile, res, out); err != nil {
		return nil, err
	}
	if err := o.registry.MarkHealthy(ctx, profile.ID); err != nil {
		o.logger.Warn("clear agent error status failed", "agent_id", profile.ID, "error", err)
	}
	o.bus.Publish(bus.TopicTurnCompleted, bus.TurnEvent{
		TaskID:  task.ID,
		AgentID: profile.ID,
		Outcome: out.Outcome,
		CostUSD: cost,
	})
	return out, nil
}

// admit runs both admission gates. The rate limiter goes first so a
// throttled turn never holds budget.
func (o *Orchestrator) admit(ctx context.Context, task *persistence.Task, profile agent.Profile, history []persistence.Message) (*budget.Reservation, error) {
	if o.limiter != nil {
		if err := o.limiter.CheckAndConsume(ctx, profile.ID); err != nil {
			if apperr.CodeOf(err) == apperr.CodeRateLimited {
				o.metrics.RateLimitRejects.Add(ctx, 1, metric.WithAttributes(
					otel.AttrAgentID.String(profile.ID), otel.AttrBackend.String("agent")))
				o.bus.Publish(bus.TopicTurnDenied, bus.TurnEvent{
					TaskID: task.ID, AgentID: profile.ID, Outcome: "rate_limited", Error: err.Error(),
				})
				o.logger.Info("turn deferred by rate limit", "task_id", task.ID, "agent_id", profile.ID,
					"retry_after", apperr.RetryAfterOf(err).String())
			}
			return nil, err
		}
	}
	if o.budget == nil {
		return nil, nil
	}
	estimate := pricing.EstimateTurn(profile.Model, promptTokens(task, history), o.maxOutputTokens)
	res, err := o.budget.Admit(ctx, task.TenantID, estimate)
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeBudgetExceeded {
			o.metrics.BudgetDenials.Add(ctx, 1, metric.WithAttributes(otel.AttrTenantID.String(task.TenantID)))
			md := map[string]string{
				"tenant_id": task.TenantID,
				"estimate":  strconv.FormatFloat(estimate, 'f', 6, 64),
			}
			if ae, ok := apperr.From(err); ok {
				for k, v := range ae.Metadata() {
					md[k] = v
				}
			}
			if aerr := o.store.AppendActivity(ctx, &persistence.Activity{
				Type:     ActivityTurnDenied,
				AgentID:  profile.ID,
				TaskID:   task.ID,
				Message:  "turn denied: tenant budget exceeded",
				Metadata: md,
			}); aerr != nil {
				o.logger.Error("record turn denial failed", "task_id", task.ID, "error", aerr)
			}
			o.bus.Publish(bus.TopicTurnDenied, bus.TurnEvent{
				TaskID: task.ID, AgentID: profile.ID, Outcome: "budget_exceeded", Error: err.Error(),
			})
		}
		return nil, err
	}
	return res, nil
}

// execute calls the executor under the turn timeout and streams its steps
// into the audit trail. Audit failures are logged by the trail and never
// fail the turn.
func (o *Orchestrator) execute(ctx context.Context, task *persistence.Task, profile agent.Profile, history []persistence.Message) (*TurnResult, error) {
	tctx := shared.WithTurnID(ctx, shared.NewID())
	if o.turnTimeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(tctx, o.turnTimeout)
		defer cancel()
	}

	var mu sync.Mutex
	iteration := 0
	onStep := func(s Step) {
		mu.Lock()
		iteration++
		n := iteration
		mu.Unlock()
		o.appendAudit(ctx, task, profile, s, n)
	}

	res, err := o.executor.ExecuteTurn(tctx, TurnRequest{
		Task:            *task,
		Agent:           profile,
		History:         history,
		MaxOutputTokens: o.maxOutputTokens,
		OnStep:          onStep,
	})
	if err == nil && res == nil {
		err = errors.New("executor returned no result")
	}
	if err != nil {
		if errors.Is(tctx.Err(), context.DeadlineExceeded) {
			return nil, apperr.Wrap(apperr.CodeTimeout, err, "turn exceeded "+o.turnTimeout.String(),
				apperr.WithMetadata("task_id", task.ID))
		}
		if _, ok := apperr.From(err); ok {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.CodeExecutorFailure, err, "execute turn",
			apperr.WithMetadata("task_id", task.ID))
	}

	mu.Lock()
	n := iteration + 1
	mu.Unlock()
	o.appendAudit(ctx, task, profile, Step{
		Type:    persistence.StepSummary,
		Content: excerpt(res.Reply, 2000),
		Success: true,
	}, n)
	return res, nil
}

func (o *Orchestrator) appendAudit(ctx context.Context, task *persistence.Task, profile agent.Profile, s Step, iteration int) {
	if o.audit == nil {
		return
	}
	err := o.audit.Append(ctx, audit.Entry{
		SessionID: task.SessionID,
		TaskID:    task.ID,
		Agent:     profile.Name,
		StepType:  s.Type,
		ToolName:  s.ToolName,
		Content:   s.Content,
		Success:   s.Success,
		Duration:  s.Duration,
		Iteration: iteration,
	})
	if err != nil && apperr.CodeOf(err) == apperr.CodeAuditWriteFailed {
		o.metrics.AuditWriteFailures.Add(ctx, 1)
	}
}

func (o *Orchestrator) turnFailed(ctx context.Context, task *persistence.Task, profile agent.Profile, err error) {
	if merr := o.registry.MarkError(ctx, profile.ID); merr != nil {
		o.logger.Warn("mark agent error failed", "agent_id", profile.ID, "error", merr)
	}
	if aerr := o.store.AppendActivity(ctx, &persistence.Activity{
		Type:     ActivityTurnFailed,
		AgentID:  profile.ID,
		TaskID:   task.ID,
		Message:  excerpt(err.Error(), 280),
		Metadata: map[string]string{"code": string(apperr.CodeOf(err))},
	}); aerr != nil {
		o.logger.Error("record turn failure failed", "task_id", task.ID, "error", aerr)
	}
	o.bus.Publish(bus.TopicTurnCompleted, bus.TurnEvent{
		TaskID: task.ID, AgentID: profile.ID, Outcome: OutcomeFailed, Error: err.Error(),
	})
	o.logger.Warn("turn failed", "task_id", task.ID, "agent_id", profile.ID, "error", err)
}

// applyResult posts the reply and, when asked, completes the task. The task
// is re-read under its lock; anything but in_progress discards the result.
func (o *Orchestrator) applyResult(ctx context.Context, taskID string, profile agent.Profile, res *TurnResult, out *TurnOutcome) error {
	unlock := o.lockTask(taskID)
	var fx effects
	err := o.store.WithTx(ctx, func(tx *persistence.Tx) error {
		fx.reset()
		out.Outcome, out.MessageID, out.Completed = "", "", false
		task, err := o.loadTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task.Status != persistence.TaskStatusInProgress {
			out.Outcome = OutcomeDiscarded
			return tx.InsertActivity(ctx, &persistence.Activity{
				Type:    ActivityTurnDiscarded,
				AgentID: profile.ID,
				TaskID:  task.ID,
				Message: "turn finished after the task became " + string(task.Status),
				Metadata: map[string]string{
					"status": string(task.Status),
					"reply":  excerpt(res.Reply, 280),
				},
			})
		}
		msg, err := o.appendMessageTx(ctx, tx, task, MessageInput{
			TaskID:       task.ID,
			Author:       profile.ID,
			Content:      res.Reply,
			Confidence:   res.Confidence,
			ThinkingMode: res.ThinkingMode,
		}, &fx)
		if err != nil {
			return err
		}
		out.Outcome = OutcomeApplied
		out.MessageID = msg.ID
		if res.Done && !lowConfidence(res, profile) {
			open, err := openChildren(ctx, tx, task.ID)
			if err != nil {
				return err
			}
			// With subtasks still open the parent settles when they do.
			if open == 0 {
				if err := o.transitionTx(ctx, tx, task, persistence.TaskStatusDone, profile.ID, "", &fx); err != nil {
					return err
				}
				out.Completed = true
			}
		}
		return nil
	})
	unlock()
	if err != nil {
		return err
	}
	o.flush(&fx)
	if out.Outcome == OutcomeDiscarded {
		o.logger.Info("turn result discarded", "task_id", taskID, "agent_id", profile.ID)
		return nil
	}

	if lowConfidence(res, profile) {
		reason := "low confidence reply"
		if r := strings.TrimSpace(res.Reply); r != "" {
			reason += ": " + excerpt(r, 120)
		}
		if _, err := o.Escalate(ctx, taskID, profile.ID, reason, *res.Confidence); err != nil {
			o.logger.Warn("escalation failed", "task_id", taskID, "agent_id", profile.ID, "error", err)
		} else {
			out.Escalated = true
		}
	}
	return nil
}

func lowConfidence(res *TurnResult, profile agent.Profile) bool {
	return res.Confidence != nil && *res.Confidence < profile.EscalationThreshold
}

func promptTokens(task *persistence.Task, history []persistence.Message) int {
	n := pricing.EstimateTokens(task.Title) + pricing.EstimateTokens(task.Description)
	for _, m := range history {
		n += pricing.EstimateTokens(m.Content)
	}
	return n
}

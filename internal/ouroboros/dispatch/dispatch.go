// Package dispatch maps worker events to their handlers. The dispatcher
// receives an explicit Context record built once at startup — the queue,
// pool, store, budget, and gate it acts on — rather than reaching for
// globals, which is how the original design resolved its circular module
// references.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/asyncutil"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/budget"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/eventbus"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/llmclient"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/pool"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/queue"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/safety"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/statestore"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/task"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/telemetry"
)

// Gate is the slice of the safety gate the dispatcher consumes.
type Gate interface {
	Check(ctx context.Context, tool, args string) safety.Decision
}

// Context is the event-context record: every collaborator a handler may
// touch, threaded through explicitly.
type Context struct {
	Queue   *queue.Queue
	Pool    *pool.Pool
	Store   *statestore.Store
	Budget  *budget.Accountant
	Gate    Gate
	Metrics *telemetry.Provider
	Logger  *slog.Logger

	// SendToOwner delivers one chat line to the registered owner; a no-op
	// before first contact.
	SendToOwner func(text string, markdown bool)
	// PersistQueue writes the queue snapshot after a modifying handler.
	PersistQueue func(reason string)
	// ResumeIdle un-pauses the consciousness once a foreground chat task
	// reaches a terminal status.
	ResumeIdle func()

	BudgetLimitUSD float64
}

// Dispatcher is a closed match over the event variants; an unknown type is
// a logged defect, never a crash.
type Dispatcher struct {
	ctx Context
}

// New creates a Dispatcher around ctx.
func New(ctx Context) *Dispatcher {
	if ctx.Logger == nil {
		ctx.Logger = slog.Default()
	}
	if ctx.SendToOwner == nil {
		ctx.SendToOwner = func(string, bool) {}
	}
	if ctx.PersistQueue == nil {
		ctx.PersistQueue = func(string) {}
	}
	return &Dispatcher{ctx: ctx}
}

// Dispatch routes one event. Errors are absorbed at this boundary: logged,
// and reported to the owner when non-transient, per the propagation policy.
func (d *Dispatcher) Dispatch(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.TypeTaskStarted:
		d.onTaskStarted(ev)
	case eventbus.TypeTaskProgress:
		d.onTaskProgress(ev)
	case eventbus.TypeTaskDone:
		d.onTaskDone(ev)
	case eventbus.TypeTaskFailed:
		d.onTaskFailed(ev)
	case eventbus.TypeToolCallProposed:
		d.onToolCallProposed(ev)
	case eventbus.TypeLLMUsage:
		d.onLLMUsage(ev)
	case eventbus.TypeHeartbeat:
		d.ctx.Pool.RecordHeartbeat(ev.WorkerID, ev.Ts)
	case eventbus.TypeChatOut:
		d.ctx.SendToOwner(ev.Text, ev.Markdown)
	case eventbus.TypeRepoMutation:
		d.onRepoMutation(ev)
	default:
		d.ctx.Logger.Error("unknown event type", "type", ev.Type, "worker_id", ev.WorkerID)
	}
}

func (d *Dispatcher) onTaskStarted(ev eventbus.Event) {
	d.ctx.Pool.RecordHeartbeat(ev.WorkerID, ev.Ts)
	d.ctx.Pool.MarkRunning(ev.WorkerID, ev.TaskID)
	d.ctx.Queue.UpdateRunning(ev.TaskID, func(t *task.Task) {
		if t.StartedAt == nil {
			ts := ev.Ts
			t.StartedAt = &ts
		}
	})
}

func (d *Dispatcher) onTaskProgress(ev eventbus.Event) {
	t, ok := d.ctx.Queue.Get(ev.TaskID)
	if !ok {
		return
	}
	// Only owner-originated work streams progress back to chat; evolution
	// and review chatter would drown the owner.
	if t.Type == task.TypeChat && ev.Progress != "" {
		d.ctx.SendToOwner("⏳ "+ev.Progress, false)
	}
}

func (d *Dispatcher) onTaskDone(ev eventbus.Event) {
	d.recordUsage(ev)

	d.ctx.Queue.UpdateRunning(ev.TaskID, func(t *task.Task) {
		t.Status = task.StatusDone
		t.ResultSummary = ev.Result
	})
	t, ok := d.ctx.Queue.Finish(ev.TaskID)
	d.ctx.Pool.ClearTask(ev.WorkerID)
	if !ok {
		return
	}
	d.countFinished()
	d.ctx.PersistQueue("task_done")
	if t.Type == task.TypeChat && d.ctx.ResumeIdle != nil {
		d.ctx.ResumeIdle()
	}

	if ev.Result != "" {
		d.ctx.SendToOwner(ev.Result, ev.Markdown)
	} else {
		d.ctx.SendToOwner(fmt.Sprintf("✅ Task %s (%s) done.", t.ID, t.Type), false)
	}
}

func (d *Dispatcher) onTaskFailed(ev eventbus.Event) {
	d.recordUsage(ev)
	d.ctx.Pool.ClearTask(ev.WorkerID)

	t, ok := d.ctx.Queue.Get(ev.TaskID)
	if !ok {
		return
	}

	if ev.ErrorRetryable && t.CanRetry() {
		d.ctx.Queue.Requeue(t, true, true)
		d.ctx.PersistQueue("task_retry")
		d.ctx.Logger.Info("task re-queued after retryable failure",
			"task_id", t.ID, "worker_id", ev.WorkerID, "error", ev.Error)
		return
	}

	status := task.StatusFailed
	if strings.HasPrefix(ev.Error, "timeout-") {
		status = task.StatusTimedOut
	}
	d.ctx.Queue.UpdateRunning(ev.TaskID, func(t *task.Task) {
		t.Status = status
		t.ResultSummary = ev.Error
	})
	d.ctx.Queue.Finish(ev.TaskID)
	d.countFinished()
	d.ctx.PersistQueue("task_failed")
	if t.Type == task.TypeChat && d.ctx.ResumeIdle != nil {
		d.ctx.ResumeIdle()
	}

	switch {
	case strings.Contains(ev.Error, "safety_denied"):
		d.ctx.SendToOwner("⚠️ SAFETY_VIOLATION on task "+t.ID+": "+ev.Error, false)
	case status == task.StatusTimedOut:
		d.ctx.SendToOwner(fmt.Sprintf("⏱ Task %s timed out (%s).", t.ID, ev.Error), false)
	default:
		d.ctx.SendToOwner(fmt.Sprintf("❌ Task %s failed: %s", t.ID, ev.Error), false)
	}
}

// onToolCallProposed is the one synchronous event: the worker blocks on
// the verdict. The LLM-backed check runs off the main loop; the reply
// channel decouples the supervisor tick from gate latency.
func (d *Dispatcher) onToolCallProposed(ev eventbus.Event) {
	if ev.Reply == nil {
		d.ctx.Logger.Error("tool_call_proposed without reply channel", "worker_id", ev.WorkerID)
		return
	}

	// An exhausted budget refuses further gate calls too: the check itself
	// costs money.
	if d.ctx.Budget != nil && d.ctx.Budget.Exhausted() {
		ev.Reply <- eventbus.ToolVerdict{Allow: false, Reason: "budget exhausted"}
		return
	}
	if d.ctx.Gate == nil {
		ev.Reply <- eventbus.ToolVerdict{Allow: false, Reason: "safety gate unavailable"}
		return
	}

	tool, args := ev.Tool, ev.ToolArgs
	reply := ev.Reply
	asyncutil.Go(d.ctx.Logger, "dispatch.gate", func() {
		decision := d.ctx.Gate.Check(context.Background(), tool, args)
		reply <- eventbus.ToolVerdict{Allow: decision.Allow, Reason: decision.Reason}
	})
}

func (d *Dispatcher) onLLMUsage(ev eventbus.Event) {
	out, err := d.record(ev)
	if err != nil {
		d.ctx.Logger.Error("budget update failed", "error", err)
		return
	}

	if out.JustExhausted {
		d.cancelEverything(out.State)
		return
	}
	if out.DigestDue {
		d.ctx.SendToOwner(budget.DigestLine(out.State), false)
	}
}

// cancelEverything is the budget_exhausted fan-out: every running worker
// gets a cancel, both queue sides are cleared, and the owner gets exactly
// one warning line.
func (d *Dispatcher) cancelEverything(st statestore.State) {
	for _, t := range d.ctx.Queue.Running() {
		if t.AssignedTo != "" {
			if err := d.ctx.Pool.SendCancel(t.AssignedTo); err != nil {
				d.ctx.Logger.Warn("cancel signal failed", "worker_id", t.AssignedTo, "error", err)
			}
		}
	}
	cancelled := d.ctx.Queue.CancelAllRunningAndPending()
	d.ctx.PersistQueue("budget_exhausted")
	d.ctx.Logger.Warn("budget exhausted, all activity cancelled", "cancelled", len(cancelled))
	d.ctx.SendToOwner(budget.ExhaustedLine(st), false)
}

func (d *Dispatcher) onRepoMutation(ev eventbus.Event) {
	if ev.Branch == "" && ev.CommitHash == "" {
		return
	}
	_, err := d.ctx.Store.Mutate(d.ctx.BudgetLimitUSD, func(s *statestore.State) {
		if ev.Branch != "" && s.CurrentBranch != ev.Branch {
			s.CurrentBranch = ev.Branch
		}
	})
	if err != nil {
		d.ctx.Logger.Error("branch pointer update failed", "error", err)
	}
	d.ctx.Logger.Info("repo mutation", "worker_id", ev.WorkerID, "commit", ev.CommitHash, "branch", ev.Branch)
}

func (d *Dispatcher) recordUsage(ev eventbus.Event) {
	if ev.CostUSD == 0 && ev.PromptTokens == 0 && ev.CompletionTokens == 0 {
		return
	}
	if out, err := d.record(ev); err != nil {
		d.ctx.Logger.Error("budget update failed", "error", err)
	} else if out.JustExhausted {
		d.cancelEverything(out.State)
	}
}

func (d *Dispatcher) record(ev eventbus.Event) (budget.Outcome, error) {
	if d.ctx.Budget == nil {
		return budget.Outcome{}, nil
	}
	return d.ctx.Budget.Record(ev.Model, usageOf(ev))
}

func (d *Dispatcher) countFinished() {
	if d.ctx.Metrics != nil {
		d.ctx.Metrics.TasksFinished.Add(context.Background(), 1)
	}
}

func usageOf(ev eventbus.Event) llmclient.Usage {
	return llmclient.Usage{
		PromptTokens:     ev.PromptTokens,
		CompletionTokens: ev.CompletionTokens,
		CostUSD:          ev.CostUSD,
	}
}

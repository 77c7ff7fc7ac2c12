// Package workerproc is the child-process side of the worker protocol:
// it reads directives from the task pipe, drives one task at a time
// through its agent, and emits events on the event pipe. The reasoning
// loop itself is deliberately thin; the supervisor treats whatever runs
// here as an opaque emitter of events.
package workerproc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/asyncutil"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/budget"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/eventbus"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/llmclient"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/task"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/wire"
)

// HeartbeatInterval paces liveness events; well under the supervisor's
// stale threshold.
const HeartbeatInterval = 5 * time.Second

// Runner is one worker process's event/directive loop.
type Runner struct {
	id     string
	events io.Writer
	tasks  io.Reader
	client llmclient.Client
	model  string
	logger *slog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	cancel   context.CancelFunc
	inbox    chan string
	verdicts chan wire.Directive
}

// New creates a Runner for worker id over the two pipe ends. client may
// be nil; the runner then acts as a deterministic echo agent (used by
// tests and offline smoke runs).
func New(id string, events io.Writer, tasks io.Reader, client llmclient.Client, model string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		id:       id,
		events:   events,
		tasks:    tasks,
		client:   client,
		model:    model,
		logger:   logger,
		verdicts: make(chan wire.Directive, 1),
	}
}

// Run processes directives until shutdown or pipe EOF. The returned error
// is nil on a clean shutdown.
func (r *Runner) Run(ctx context.Context) error {
	stopBeat := r.startHeartbeat(ctx)
	defer stopBeat()

	reader := wire.NewReader(r.tasks)
	for {
		d, err := reader.ReadDirective()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("workerproc: task pipe: %w", err)
		}

		switch d.Op {
		case wire.OpRun:
			if d.Task != nil {
				r.startTask(ctx, *d.Task)
			}
		case wire.OpCancel:
			r.cancelTask()
		case wire.OpInject:
			r.inject(d.Text)
		case wire.OpVerdict:
			select {
			case r.verdicts <- d:
			default:
				r.logger.Warn("verdict with no pending proposal dropped")
			}
		case wire.OpShutdown:
			r.cancelTask()
			return nil
		default:
			r.logger.Warn("unknown directive", "op", d.Op)
		}
	}
}

func (r *Runner) startHeartbeat(ctx context.Context) func() {
	ticker := time.NewTicker(HeartbeatInterval)
	done := make(chan struct{})
	asyncutil.Go(r.logger, "workerproc.heartbeat", func() {
		r.emit(eventbus.Event{Type: eventbus.TypeHeartbeat})
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				r.emit(eventbus.Event{Type: eventbus.TypeHeartbeat})
			}
		}
	})
	return func() {
		ticker.Stop()
		close(done)
	}
}

func (r *Runner) startTask(parent context.Context, t task.Task) {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		r.logger.Error("run directive while a task is active", "task_id", t.ID)
		r.emit(eventbus.Event{Type: eventbus.TypeTaskFailed, TaskID: t.ID, Error: "worker busy"})
		return
	}
	ctx, cancel := context.WithCancel(parent)
	r.cancel = cancel
	r.inbox = make(chan string, 8)
	r.mu.Unlock()

	asyncutil.Go(r.logger, "workerproc.task."+t.ID, func() {
		defer func() {
			r.mu.Lock()
			r.cancel = nil
			r.inbox = nil
			r.mu.Unlock()
		}()
		r.emit(eventbus.Event{Type: eventbus.TypeTaskStarted, TaskID: t.ID})
		r.execute(ctx, t)
	})
}

func (r *Runner) cancelTask() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Runner) inject(text string) {
	r.mu.Lock()
	inbox := r.inbox
	r.mu.Unlock()
	if inbox == nil {
		return
	}
	select {
	case inbox <- text:
	default:
		r.logger.Warn("inject dropped, inbox full")
	}
}

// execute runs one task to completion. With no LLM client configured the
// echo path keeps the full event protocol observable end to end.
func (r *Runner) execute(ctx context.Context, t task.Task) {
	if r.client == nil {
		r.emit(eventbus.Event{Type: eventbus.TypeTaskProgress, TaskID: t.ID, Progress: "thinking"})
		select {
		case <-ctx.Done():
			r.emit(eventbus.Event{Type: eventbus.TypeTaskFailed, TaskID: t.ID, Error: "cancelled"})
		default:
			r.emit(eventbus.Event{Type: eventbus.TypeTaskDone, TaskID: t.ID, Result: "echo: " + t.Payload})
		}
		return
	}

	prompt := r.promptFor(t)
	completion, err := r.client.Complete(ctx, r.model, prompt)
	if err != nil {
		if ctx.Err() != nil {
			r.emit(eventbus.Event{Type: eventbus.TypeTaskFailed, TaskID: t.ID, Error: "cancelled"})
			return
		}
		r.emit(eventbus.Event{Type: eventbus.TypeTaskFailed, TaskID: t.ID, Error: err.Error(), ErrorRetryable: true})
		return
	}

	usage := completion.Usage
	if usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
		usage.PromptTokens = budget.EstimateTokens(prompt)
		usage.CompletionTokens = budget.EstimateTokens(completion.Text)
	}
	r.emit(eventbus.Event{
		Type:             eventbus.TypeLLMUsage,
		TaskID:           t.ID,
		Model:            r.model,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		CostUSD:          usage.CostUSD,
	})

	if ctx.Err() != nil {
		r.emit(eventbus.Event{Type: eventbus.TypeTaskFailed, TaskID: t.ID, Error: "cancelled"})
		return
	}
	r.emit(eventbus.Event{Type: eventbus.TypeTaskDone, TaskID: t.ID, Result: strings.TrimSpace(completion.Text), Markdown: true})
}

func (r *Runner) promptFor(t task.Task) string {
	switch t.Type {
	case task.TypeReview:
		return "Review the current state of the managed repository and summarize risks and follow-ups."
	case task.TypeEvolution:
		return "Propose and describe one concrete self-improvement to this codebase."
	default:
		return t.Payload
	}
}

// ProposeToolCall publishes a tool_call_proposed event and blocks until
// the supervisor's verdict arrives on the task pipe. Exposed for agent
// implementations that execute mutating tools.
func (r *Runner) ProposeToolCall(ctx context.Context, taskID, tool, args string) (bool, string, error) {
	r.emit(eventbus.Event{Type: eventbus.TypeToolCallProposed, TaskID: taskID, Tool: tool, ToolArgs: args})
	select {
	case <-ctx.Done():
		return false, "", ctx.Err()
	case d := <-r.verdicts:
		return d.Allow, d.Reason, nil
	}
}

func (r *Runner) emit(ev eventbus.Event) {
	ev.WorkerID = r.id
	if ev.Ts.IsZero() {
		ev.Ts = time.Now().UTC()
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := wire.WriteFrame(r.events, ev); err != nil {
		r.logger.Error("event emit failed", "type", ev.Type, "error", err)
	}
}

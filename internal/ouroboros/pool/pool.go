// Package pool implements the Worker Pool: it spawns and kills the child
// processes running LLM reasoning loops, tracks their liveness through
// heartbeat events, assigns pending tasks to idle workers, and bridges the
// two per-worker pipes (events in, directives out) onto the event bus.
package pool

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/asyncutil"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/errs"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/eventbus"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/idgen"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/queue"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/wire"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/worker"
)

const (
	// DefaultGracefulStop is T_graceful: SIGTERM grace before SIGKILL.
	DefaultGracefulStop = 5 * time.Second
	// DefaultStaleAfter is T_stale: a worker silent this long is replaced.
	DefaultStaleAfter = 30 * time.Second
	// MaxWorkers bounds the configured pool size.
	MaxWorkers = 10
)

// Process is one spawned worker's supervisor-side handles. Cmd is nil for
// in-test fake workers driven directly through the pipes.
type Process struct {
	Cmd    *exec.Cmd
	Events io.ReadCloser  // worker→supervisor event pipe
	Tasks  io.WriteCloser // supervisor→worker task pipe
}

// StartProcess launches one worker process for id. The default spawner
// re-execs this binary's `worker` subcommand; tests substitute pipe pairs.
type StartProcess func(id string) (*Process, error)

// Pool owns the worker set. All mutation happens on the supervisor main
// loop; the mutex exists for the reader goroutines and read-only observers.
type Pool struct {
	start        StartProcess
	bus          *eventbus.Bus
	queue        *queue.Queue
	logger       *slog.Logger
	gracefulStop time.Duration
	staleAfter   time.Duration
	targetCount  int

	mu      sync.Mutex
	workers map[string]*entry
}

type entry struct {
	rec     *worker.Worker
	proc    *Process
	writeMu sync.Mutex
	dead    bool
}

// New creates a Pool. gracefulStop/staleAfter of zero use package defaults.
func New(start StartProcess, bus *eventbus.Bus, q *queue.Queue, gracefulStop, staleAfter time.Duration, logger *slog.Logger) *Pool {
	if gracefulStop <= 0 {
		gracefulStop = DefaultGracefulStop
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		start:        start,
		bus:          bus,
		queue:        q,
		logger:       logger,
		gracefulStop: gracefulStop,
		staleAfter:   staleAfter,
		workers:      make(map[string]*entry),
	}
}

// SelfExecSpawner returns the production StartProcess: it re-execs the
// current binary's `worker` subcommand with the two pipes passed as inherited
// descriptors 3 (event write end) and 4 (task read end).
func SelfExecSpawner(dataDir string, extraEnv []string) StartProcess {
	return func(id string) (*Process, error) {
		self, err := os.Executable()
		if err != nil {
			return nil, errs.NewFatal(err, "cannot locate own binary to spawn worker")
		}

		eventR, eventW, err := os.Pipe()
		if err != nil {
			return nil, errs.NewFatal(err, "cannot allocate event pipe")
		}
		taskR, taskW, err := os.Pipe()
		if err != nil {
			eventR.Close()
			eventW.Close()
			return nil, errs.NewFatal(err, "cannot allocate task pipe")
		}

		cmd := exec.Command(self, "worker", "--id", id, "--event-fd", "3", "--task-fd", "4", "--data-dir", dataDir)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.ExtraFiles = []*os.File{eventW, taskR}
		cmd.Env = append(os.Environ(), extraEnv...)

		if err := cmd.Start(); err != nil {
			eventR.Close()
			eventW.Close()
			taskR.Close()
			taskW.Close()
			return nil, errs.NewFatal(err, "cannot spawn worker process")
		}
		// The child inherited its copies; close the parent's duplicates of
		// the child-side ends so EOF propagates when the child dies.
		eventW.Close()
		taskR.Close()

		return &Process{Cmd: cmd, Events: eventR, Tasks: taskW}, nil
	}
}

// SpawnWorkers launches n workers (clamped to MaxWorkers) and remembers n
// as the target count EnsureWorkersHealthy replenishes to.
func (p *Pool) SpawnWorkers(n int) error {
	if n < 1 {
		n = 1
	}
	if n > MaxWorkers {
		n = MaxWorkers
	}
	p.mu.Lock()
	p.targetCount = n
	p.mu.Unlock()

	for i := 0; i < n; i++ {
		if err := p.spawnOne(); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) spawnOne() error {
	id := idgen.Worker()
	proc, err := p.start(id)
	if err != nil {
		return fmt.Errorf("pool: spawn worker %s: %w", id, err)
	}

	rec := worker.New(id)
	if proc.Cmd != nil && proc.Cmd.Process != nil {
		rec.PID = proc.Cmd.Process.Pid
	}
	e := &entry{rec: rec, proc: proc}

	p.mu.Lock()
	p.workers[id] = e
	p.mu.Unlock()

	asyncutil.Go(p.logger, "pool.reader."+id, func() { p.readEvents(e) })
	if proc.Cmd != nil {
		asyncutil.Go(p.logger, "pool.waiter."+id, func() { p.waitExit(e) })
	}

	p.logger.Info("worker spawned", "worker_id", id, "pid", rec.PID)
	return nil
}

// readEvents pumps one worker's event pipe onto the bus until EOF. The
// synchronous tool_call_proposed event gets a Reply channel; the reader
// blocks on it (this is the worker's own synchronous wait, not the
// supervisor's) and relays the verdict back over the task pipe.
func (p *Pool) readEvents(e *entry) {
	r := wire.NewReader(e.proc.Events)
	for {
		ev, err := r.ReadEvent()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.logger.Warn("worker event pipe error", "worker_id", e.rec.ID, "error", err)
			}
			return
		}
		ev.WorkerID = e.rec.ID // the pipe is authoritative for identity
		if ev.Type == eventbus.TypeToolCallProposed {
			ev.Reply = make(chan eventbus.ToolVerdict, 1)
			p.bus.Publish(ev)
			verdict := <-ev.Reply
			p.send(e, wire.Directive{Op: wire.OpVerdict, Allow: verdict.Allow, Reason: verdict.Reason})
			continue
		}
		p.bus.Publish(ev)
	}
}

// waitExit reaps the child and, if it died holding a task, publishes a
// synthetic retryable task_failed event so the dispatcher re-queues it
// under the normal retry-cap rules.
func (p *Pool) waitExit(e *entry) {
	err := e.proc.Cmd.Wait()

	p.mu.Lock()
	e.dead = true
	taskID := e.rec.CurrentTaskID
	id := e.rec.ID
	p.mu.Unlock()

	p.logger.Info("worker exited", "worker_id", id, "error", err)
	if taskID != "" {
		p.bus.Publish(eventbus.Event{
			WorkerID:       id,
			TaskID:         taskID,
			Ts:             time.Now().UTC(),
			Type:           eventbus.TypeTaskFailed,
			Error:          "worker exited unexpectedly",
			ErrorRetryable: true,
		})
	}
}

// KillWorkers soft-terminates every worker, waits up to the graceful stop
// window, then SIGKILLs stragglers. Idempotent.
func (p *Pool) KillWorkers() {
	p.mu.Lock()
	entries := make([]*entry, 0, len(p.workers))
	for _, e := range p.workers {
		entries = append(entries, e)
	}
	p.workers = make(map[string]*entry)
	p.targetCount = 0
	p.mu.Unlock()

	for _, e := range entries {
		p.send(e, wire.Directive{Op: wire.OpShutdown})
	}

	deadline := time.Now().Add(p.gracefulStop)
	for _, e := range entries {
		p.reap(e, deadline)
	}
}

func (p *Pool) reap(e *entry, deadline time.Time) {
	defer func() {
		e.proc.Tasks.Close()
		e.proc.Events.Close()
	}()

	if e.proc.Cmd == nil || e.proc.Cmd.Process == nil {
		return
	}
	_ = e.proc.Cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	asyncutil.Go(p.logger, "pool.reap."+e.rec.ID, func() {
		for {
			p.mu.Lock()
			dead := e.dead
			p.mu.Unlock()
			if dead {
				close(done)
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	})

	select {
	case <-done:
	case <-time.After(time.Until(deadline)):
		p.logger.Warn("worker ignored SIGTERM, killing", "worker_id", e.rec.ID)
		_ = e.proc.Cmd.Process.Kill()
	}
}

// KillWorker hard-kills one worker (hard-deadline enforcement) and
// respawns a replacement. The dead worker's task is NOT touched here; the
// caller publishes the synthetic timeout event.
func (p *Pool) KillWorker(id string) error {
	p.mu.Lock()
	e, ok := p.workers[id]
	if ok {
		delete(p.workers, id)
	}
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("pool: no such worker %s", id)
	}

	if e.proc.Cmd != nil && e.proc.Cmd.Process != nil {
		_ = e.proc.Cmd.Process.Kill()
	}
	e.proc.Tasks.Close()
	e.proc.Events.Close()

	return p.spawnOne()
}

// EnsureWorkersHealthy kills and replaces stale or dead workers, topping
// the pool back up to the target count.
func (p *Pool) EnsureWorkersHealthy(now time.Time) {
	p.mu.Lock()
	var stale []*entry
	alive := 0
	for id, e := range p.workers {
		if e.dead || e.rec.Stale(now, p.staleAfter) {
			stale = append(stale, e)
			delete(p.workers, id)
			continue
		}
		alive++
	}
	target := p.targetCount
	p.mu.Unlock()

	for _, e := range stale {
		p.logger.Warn("replacing unhealthy worker", "worker_id", e.rec.ID, "dead", e.dead,
			"last_heartbeat", e.rec.LastHeartbeat)
		if e.proc.Cmd != nil && e.proc.Cmd.Process != nil && !e.dead {
			_ = e.proc.Cmd.Process.Kill()
		}
		e.proc.Tasks.Close()
		e.proc.Events.Close()
	}

	for alive < target {
		if err := p.spawnOne(); err != nil {
			p.logger.Error("respawn failed", "error", err)
			return
		}
		alive++
	}
}

// AssignTasks pairs each idle worker with the head of the pending list,
// moving the task into the running set before the worker is signalled so
// the single-assignment invariant holds even if the write fails (a failed
// handoff marks the worker dead and re-queues the task directly).
func (p *Pool) AssignTasks(now time.Time) int {
	p.mu.Lock()
	var idle []*entry
	for _, e := range p.workers {
		if !e.dead && e.rec.Idle() {
			idle = append(idle, e)
		}
	}
	p.mu.Unlock()
	sort.Slice(idle, func(i, j int) bool { return idle[i].rec.ID < idle[j].rec.ID })

	assigned := 0
	for _, e := range idle {
		t, ok := p.queue.AssignHead(e.rec.ID, now)
		if !ok {
			break
		}

		p.mu.Lock()
		e.rec.CurrentTaskID = t.ID
		p.mu.Unlock()

		if err := p.send(e, wire.Directive{Op: wire.OpRun, Task: &t}); err != nil {
			p.logger.Warn("task handoff failed, re-queueing", "worker_id", e.rec.ID, "task_id", t.ID, "error", err)
			p.mu.Lock()
			e.rec.CurrentTaskID = ""
			e.dead = true
			p.mu.Unlock()
			p.queue.Requeue(t, false, t.CanRetry())
			continue
		}
		assigned++
	}
	return assigned
}

// SendInject delivers a follow-up owner message into a worker's running
// chat session.
func (p *Pool) SendInject(workerID, text string) error {
	p.mu.Lock()
	e, ok := p.workers[workerID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("pool: no such worker %s", workerID)
	}
	return p.send(e, wire.Directive{Op: wire.OpInject, Text: text})
}

// SendCancel delivers a cooperative cancel to workerID.
func (p *Pool) SendCancel(workerID string) error {
	p.mu.Lock()
	e, ok := p.workers[workerID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("pool: no such worker %s", workerID)
	}
	return p.send(e, wire.Directive{Op: wire.OpCancel})
}

func (p *Pool) send(e *entry, d wire.Directive) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return wire.WriteFrame(e.proc.Tasks, d)
}

// RecordHeartbeat refreshes a worker's liveness timestamp.
func (p *Pool) RecordHeartbeat(workerID string, ts time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.workers[workerID]; ok {
		if ts.After(e.rec.LastHeartbeat) {
			e.rec.LastHeartbeat = ts
		}
	}
}

// ClearTask marks the worker idle again once its task reached a terminal
// status.
func (p *Pool) ClearTask(workerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.workers[workerID]; ok {
		e.rec.CurrentTaskID = ""
	}
}

// MarkRunning records that a task_started event attributed taskID to
// workerID (a restored assignment the pool didn't make itself).
func (p *Pool) MarkRunning(workerID, taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.workers[workerID]; ok && e.rec.CurrentTaskID == "" {
		e.rec.CurrentTaskID = taskID
	}
}

// WorkerFor returns the id of the live worker holding taskID, if any.
func (p *Pool) WorkerFor(taskID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, e := range p.workers {
		if e.rec.CurrentTaskID == taskID && !e.dead {
			return id, true
		}
	}
	return "", false
}

// Snapshots returns the read-only worker views for /status and the
// dashboard, sorted by id.
func (p *Pool) Snapshots() []worker.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]worker.Snapshot, 0, len(p.workers))
	for _, e := range p.workers {
		if !e.dead {
			out = append(out, e.rec.Snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AliveCount returns the number of live workers.
func (p *Pool) AliveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.workers {
		if !e.dead {
			n++
		}
	}
	return n
}

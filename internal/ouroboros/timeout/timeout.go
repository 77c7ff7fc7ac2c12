// Package timeout implements the Timeout Enforcer: once per supervisor
// tick it sweeps the running set, cooperatively cancelling tasks past
// their soft deadline and replacing the workers of tasks past their hard
// deadline.
package timeout

import (
	"log/slog"
	"time"

	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/eventbus"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/pool"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/queue"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/task"
)

const (
	// DefaultSoftGrace is T_soft_grace: how long a cancelled worker gets to
	// wrap up before the synthetic timeout-soft failure lands.
	DefaultSoftGrace = 30 * time.Second
	// DefaultDeadlineSoft and DefaultDeadlineHard apply to tasks that carry
	// no per-task override.
	DefaultDeadlineSoft = 600 * time.Second
	DefaultDeadlineHard = 1800 * time.Second
)

// Enforcer reaps tasks exceeding their deadlines.
type Enforcer struct {
	queue     *queue.Queue
	pool      *pool.Pool
	bus       *eventbus.Bus
	logger    *slog.Logger
	softGrace time.Duration

	defaultSoft time.Duration
	defaultHard time.Duration

	// cancelled tracks soft-cancelled task ids and when their grace ends;
	// hardKilled prevents double hard-kills while the respawn settles.
	cancelled  map[string]time.Time
	hardKilled map[string]struct{}
}

// New creates an Enforcer. Zero durations use package defaults.
func New(q *queue.Queue, p *pool.Pool, bus *eventbus.Bus, softGrace, defaultSoft, defaultHard time.Duration, logger *slog.Logger) *Enforcer {
	if softGrace <= 0 {
		softGrace = DefaultSoftGrace
	}
	if defaultSoft <= 0 {
		defaultSoft = DefaultDeadlineSoft
	}
	if defaultHard <= 0 {
		defaultHard = DefaultDeadlineHard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Enforcer{
		queue:       q,
		pool:        p,
		bus:         bus,
		logger:      logger,
		softGrace:   softGrace,
		defaultSoft: defaultSoft,
		defaultHard: defaultHard,
		cancelled:   make(map[string]time.Time),
		hardKilled:  make(map[string]struct{}),
	}
}

// Sweep runs one enforcement pass at now.
func (e *Enforcer) Sweep(now time.Time) {
	running := e.queue.Running()
	seen := make(map[string]struct{}, len(running))

	for _, t := range running {
		seen[t.ID] = struct{}{}
		if t.StartedAt == nil {
			continue
		}
		elapsed := now.Sub(*t.StartedAt)

		if elapsed > e.hardDeadline(t) {
			e.enforceHard(t, elapsed)
			continue
		}
		if elapsed > e.softDeadline(t) {
			e.enforceSoft(t, now, elapsed)
		}
	}

	// Drop bookkeeping for tasks that already left the running set.
	for id := range e.cancelled {
		if _, ok := seen[id]; !ok {
			delete(e.cancelled, id)
		}
	}
	for id := range e.hardKilled {
		if _, ok := seen[id]; !ok {
			delete(e.hardKilled, id)
		}
	}
}

// enforceSoft sends the cooperative cancel exactly once and, once the
// grace window passes with the task still running, publishes the
// synthetic timeout-soft failure.
func (e *Enforcer) enforceSoft(t task.Task, now time.Time, elapsed time.Duration) {
	graceEnd, alreadyCancelled := e.cancelled[t.ID]
	if !alreadyCancelled {
		e.cancelled[t.ID] = now.Add(e.softGrace)
		e.logger.Warn("task past soft deadline, cancelling",
			"task_id", t.ID, "worker_id", t.AssignedTo, "elapsed", elapsed)
		if err := e.pool.SendCancel(t.AssignedTo); err != nil {
			e.logger.Warn("soft cancel signal failed", "task_id", t.ID, "error", err)
		}
		return
	}

	if now.Before(graceEnd) {
		return
	}
	delete(e.cancelled, t.ID)
	e.logger.Warn("task ignored cancel, marking timed out", "task_id", t.ID, "worker_id", t.AssignedTo)
	e.bus.Publish(eventbus.Event{
		WorkerID: t.AssignedTo,
		TaskID:   t.ID,
		Ts:       now,
		Type:     eventbus.TypeTaskFailed,
		Error:    "timeout-soft",
	})
}

// enforceHard kills the owning worker outright; the pool respawns a
// replacement and the synthetic retryable failure re-queues the task once.
func (e *Enforcer) enforceHard(t task.Task, elapsed time.Duration) {
	if _, done := e.hardKilled[t.ID]; done {
		return
	}
	e.hardKilled[t.ID] = struct{}{}
	delete(e.cancelled, t.ID)

	e.logger.Error("task past hard deadline, killing worker",
		"task_id", t.ID, "worker_id", t.AssignedTo, "elapsed", elapsed)
	if err := e.pool.KillWorker(t.AssignedTo); err != nil {
		e.logger.Error("hard kill failed", "worker_id", t.AssignedTo, "error", err)
	}
	e.bus.Publish(eventbus.Event{
		WorkerID:       t.AssignedTo,
		TaskID:         t.ID,
		Ts:             time.Now().UTC(),
		Type:           eventbus.TypeTaskFailed,
		Error:          "timeout-hard",
		ErrorRetryable: true,
	})
}

func (e *Enforcer) softDeadline(t task.Task) time.Duration {
	if t.DeadlineSoft > 0 {
		return t.DeadlineSoft
	}
	return e.defaultSoft
}

func (e *Enforcer) hardDeadline(t task.Task) time.Duration {
	if t.DeadlineHard > 0 {
		return t.DeadlineHard
	}
	return e.defaultHard
}

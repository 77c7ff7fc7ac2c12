// Package queue implements the task queue: an ordered pending
// list, a running set, and the snapshot file that lets a restarted
// supervisor restore both after a crash. A task invariant holds at every
// observation point: no id appears in both the pending list and the
// running set simultaneously.
package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/idgen"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/task"
)

// ReviewPayload is the well-known payload queue_review_task enqueues.
const ReviewPayload = "__review__"

// Queue holds the pending ordered list and the running set in memory,
// under a single mutex (all mutation happens on the supervisor main
// loop, but the mutex keeps the type safe to call from tests and from
// the dashboard's read-only snapshot path too).
type Queue struct {
	mu      sync.Mutex
	pending []task.Task
	running map[string]task.Task

	lastEvolutionEnqueuedAt time.Time
}

// New creates an empty Queue.
func New() *Queue {
	return &Queue{running: make(map[string]task.Task)}
}

// Enqueue inserts t into the pending list and re-sorts by (priority,
// created_at).
func (q *Queue) Enqueue(t task.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueueLocked(t)
}

func (q *Queue) enqueueLocked(t task.Task) {
	if t.ID == "" {
		t.ID = idgen.Task()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.Status = task.StatusPending
	q.pending = append(q.pending, t)
	sort.SliceStable(q.pending, func(i, j int) bool {
		return task.Less(q.pending[i], q.pending[j])
	})
}

// Cancel removes id from pending, or pulls a running task out of the
// running set marked cancelled. wasRunning tells the caller it must still
// signal the owning worker on its task pipe; the returned record carries
// the terminal status for the caller's rolling log.
func (q *Queue) Cancel(id string) (cancelled task.Task, found bool, wasRunning bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, t := range q.pending {
		if t.ID == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			t.Status = task.StatusCancelled
			return t, true, false
		}
	}
	if t, ok := q.running[id]; ok {
		t.Status = task.StatusCancelled
		delete(q.running, id)
		return t, true, true
	}
	return task.Task{}, false, false
}

// QueueReviewTask enqueues the well-known review task, deduplicating an
// existing pending-or-running review task unless force is true. Returns
// the task and whether a new one was actually enqueued.
func (q *Queue) QueueReviewTask(force bool) (task.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !force {
		for _, t := range q.pending {
			if t.Type == task.TypeReview {
				return t, false
			}
		}
		for _, t := range q.running {
			if t.Type == task.TypeReview {
				return t, false
			}
		}
	}

	t := task.Task{
		Type:     task.TypeReview,
		Priority: 0,
		Payload:  ReviewPayload,
	}
	q.enqueueLocked(t)
	return t, true
}

// EnqueueEvolutionTaskIfNeeded enqueues a well-known evolution task when
// enabled is true, no evolution task is pending or running, and the
// elapsed time since the last auto-enqueued evolution task exceeds
// threshold. Returns the task and whether one was enqueued.
func (q *Queue) EnqueueEvolutionTaskIfNeeded(enabled bool, threshold time.Duration, now time.Time) (task.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !enabled {
		return task.Task{}, false
	}
	for _, t := range q.pending {
		if t.Type == task.TypeEvolution {
			return task.Task{}, false
		}
	}
	for _, t := range q.running {
		if t.Type == task.TypeEvolution {
			return task.Task{}, false
		}
	}
	if !q.lastEvolutionEnqueuedAt.IsZero() && now.Sub(q.lastEvolutionEnqueuedAt) < threshold {
		return task.Task{}, false
	}

	t := task.Task{Type: task.TypeEvolution, Priority: 5}
	q.enqueueLocked(t)
	q.lastEvolutionEnqueuedAt = now
	return t, true
}

// PurgePendingByType removes every pending task of the given type,
// returning the count removed. Used by /evolve off to drop pending
// evolution tasks without touching anything else.
func (q *Queue) PurgePendingByType(t task.Type) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.pending[:0:0]
	removed := 0
	for _, pt := range q.pending {
		if pt.Type == t {
			removed++
			continue
		}
		kept = append(kept, pt)
	}
	q.pending = kept
	return removed
}

// AssignHead pops the head of the pending list and moves it into the
// running set, assigned to workerID, atomically with respect to other
// Queue operations. Returns (task, ok).
func (q *Queue) AssignHead(workerID string, startedAt time.Time) (task.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return task.Task{}, false
	}
	t := q.pending[0]
	q.pending = q.pending[1:]
	t.Status = task.StatusRunning
	t.AssignedTo = workerID
	started := startedAt
	t.StartedAt = &started
	q.running[t.ID] = t
	return t, true
}

// Get returns a task by id from either pending or running.
func (q *Queue) Get(id string) (task.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.pending {
		if t.ID == id {
			return t, true
		}
	}
	if t, ok := q.running[id]; ok {
		return t, true
	}
	return task.Task{}, false
}

// UpdateRunning mutates the running task with id in place via fn. Returns
// false if id is not currently running.
func (q *Queue) UpdateRunning(id string, fn func(*task.Task)) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.running[id]
	if !ok {
		return false
	}
	fn(&t)
	q.running[id] = t
	return true
}

// Finish removes id from the running set, terminal status already set by
// the caller via UpdateRunning. Returns the final task record.
func (q *Queue) Finish(id string) (task.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.running[id]
	if !ok {
		return task.Task{}, false
	}
	delete(q.running, id)
	return t, true
}

// Requeue moves a running task back onto pending (used on retryable
// failure), bumping its retry marker and priority per restore semantics.
func (q *Queue) Requeue(t task.Task, boostPriority bool, markRetried bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.running, t.ID)
	t.AssignedTo = ""
	t.StartedAt = nil
	if boostPriority && t.Priority > 0 {
		t.Priority--
	}
	if markRetried {
		t.Retried = true
		t.RetryCount++
	}
	q.enqueueLocked(t)
}

// Pending returns a snapshot copy of the pending list.
func (q *Queue) Pending() []task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]task.Task, len(q.pending))
	copy(out, q.pending)
	return out
}

// Running returns a snapshot copy of the running set.
func (q *Queue) Running() []task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]task.Task, 0, len(q.running))
	for _, t := range q.running {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CancelAllRunningAndPending marks every running task cancelled and
// clears pending, used on budget_exhausted. Returns the cancelled ids.
func (q *Queue) CancelAllRunningAndPending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make([]string, 0, len(q.running)+len(q.pending))
	for id := range q.running {
		ids = append(ids, id)
	}
	for _, t := range q.pending {
		ids = append(ids, t.ID)
	}
	q.running = make(map[string]task.Task)
	q.pending = nil
	return ids
}

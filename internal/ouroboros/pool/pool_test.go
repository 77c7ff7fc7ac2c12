package pool

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/eventbus"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/logging"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/queue"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/task"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/wire"
)

// fakeWorker holds the worker-side pipe ends for a Process with no real
// child process behind it.
type fakeWorker struct {
	id     string
	events *os.File // write end: the "worker" emits events here
	tasks  *os.File // read end: the "worker" receives directives here
}

type fakeSpawner struct {
	mu      sync.Mutex
	workers []*fakeWorker
}

func (f *fakeSpawner) start(id string) (*Process, error) {
	eventR, eventW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	taskR, taskW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.workers = append(f.workers, &fakeWorker{id: id, events: eventW, tasks: taskR})
	f.mu.Unlock()
	return &Process{Events: eventR, Tasks: taskW}, nil
}

func (f *fakeSpawner) worker(i int) *fakeWorker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.workers[i]
}

func (f *fakeSpawner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.workers)
}

func newTestPool(t *testing.T) (*Pool, *fakeSpawner, *eventbus.Bus, *queue.Queue) {
	t.Helper()
	spawner := &fakeSpawner{}
	bus := eventbus.New(64)
	q := queue.New()
	p := New(spawner.start, bus, q, 100*time.Millisecond, 30*time.Second, logging.NewDiscard())
	t.Cleanup(p.KillWorkers)
	return p, spawner, bus, q
}

func TestSpawnWorkersClampsCount(t *testing.T) {
	p, spawner, _, _ := newTestPool(t)
	require.NoError(t, p.SpawnWorkers(99))
	assert.Equal(t, MaxWorkers, spawner.count())
	assert.Equal(t, MaxWorkers, p.AliveCount())
}

func TestAssignTasksDeliversRunDirective(t *testing.T) {
	p, spawner, _, q := newTestPool(t)
	require.NoError(t, p.SpawnWorkers(1))

	q.Enqueue(task.Task{ID: "t-1", Type: task.TypeChat, Payload: "hello"})
	assert.Equal(t, 1, p.AssignTasks(time.Now()))

	d, err := wire.NewReader(spawner.worker(0).tasks).ReadDirective()
	require.NoError(t, err)
	assert.Equal(t, wire.OpRun, d.Op)
	require.NotNil(t, d.Task)
	assert.Equal(t, "t-1", d.Task.ID)
	assert.Equal(t, task.StatusRunning, d.Task.Status)

	// Single-assignment invariant: the task left pending and the worker is
	// no longer idle.
	assert.Empty(t, q.Pending())
	require.Len(t, q.Running(), 1)
	snaps := p.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, "t-1", snaps[0].CurrentTaskID)
}

func TestWorkerEventsFlowOntoBus(t *testing.T) {
	p, spawner, bus, _ := newTestPool(t)
	require.NoError(t, p.SpawnWorkers(1))
	fw := spawner.worker(0)

	require.NoError(t, wire.WriteFrame(fw.events, eventbus.Event{
		Type: eventbus.TypeHeartbeat, Ts: time.Now().UTC(),
	}))

	require.Eventually(t, func() bool { return bus.Len() == 1 }, time.Second, 5*time.Millisecond)
	evs := bus.Drain()
	require.Len(t, evs, 1)
	assert.Equal(t, fw.id, evs[0].WorkerID, "pipe identity overrides whatever the worker claimed")
}

func TestToolCallProposedRoundTrip(t *testing.T) {
	p, spawner, bus, _ := newTestPool(t)
	require.NoError(t, p.SpawnWorkers(1))
	fw := spawner.worker(0)

	require.NoError(t, wire.WriteFrame(fw.events, eventbus.Event{
		Type: eventbus.TypeToolCallProposed, Tool: "run_shell", ToolArgs: `{"cmd":"ls"}`,
	}))

	require.Eventually(t, func() bool { return bus.Len() == 1 }, time.Second, 5*time.Millisecond)
	evs := bus.Drain()
	require.Len(t, evs, 1)
	require.NotNil(t, evs[0].Reply)

	evs[0].Reply <- eventbus.ToolVerdict{Allow: false, Reason: "nope"}

	d, err := wire.NewReader(fw.tasks).ReadDirective()
	require.NoError(t, err)
	assert.Equal(t, wire.OpVerdict, d.Op)
	assert.False(t, d.Allow)
	assert.Equal(t, "nope", d.Reason)
}

func TestEnsureWorkersHealthyReplacesStale(t *testing.T) {
	p, spawner, _, _ := newTestPool(t)
	require.NoError(t, p.SpawnWorkers(2))
	first := spawner.worker(0).id

	// Heartbeat only the second worker; the first goes stale.
	p.RecordHeartbeat(spawner.worker(1).id, time.Now().Add(time.Hour))
	p.EnsureWorkersHealthy(time.Now().Add(time.Minute))

	assert.Equal(t, 2, p.AliveCount())
	assert.Equal(t, 3, spawner.count(), "one replacement spawned")
	for _, s := range p.Snapshots() {
		assert.NotEqual(t, first, s.ID, "stale worker removed")
	}
}

func TestKillWorkersIsIdempotentAndEmptiesPool(t *testing.T) {
	p, _, _, _ := newTestPool(t)
	require.NoError(t, p.SpawnWorkers(2))
	p.KillWorkers()
	p.KillWorkers()
	assert.Equal(t, 0, p.AliveCount())
}

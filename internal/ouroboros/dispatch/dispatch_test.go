package dispatch

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/budget"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/eventbus"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/logging"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/pool"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/queue"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/safety"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/statestore"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/task"
)

type fakeGate struct {
	decision safety.Decision
}

func (g *fakeGate) Check(context.Context, string, string) safety.Decision { return g.decision }

type chatLog struct {
	mu    sync.Mutex
	lines []string
}

func (c *chatLog) send(text string, _ bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, text)
}

func (c *chatLog) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

type fixture struct {
	d     *Dispatcher
	q     *queue.Queue
	p     *pool.Pool
	chat  *chatLog
	acct  *budget.Accountant
	store *statestore.Store
}

func pipeSpawner(id string) (*pool.Process, error) {
	eventR, _, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	_, taskW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	return &pool.Process{Events: eventR, Tasks: taskW}, nil
}

func newFixture(t *testing.T, limitUSD float64, gate Gate) *fixture {
	t.Helper()
	logger := logging.NewDiscard()
	q := queue.New()
	bus := eventbus.New(64)
	p := pool.New(pipeSpawner, bus, q, 100*time.Millisecond, 30*time.Second, logger)
	t.Cleanup(p.KillWorkers)
	store := statestore.New(t.TempDir(), 0, logger)
	acct := budget.New(store, limitUSD, 100, nil, nil, logger)
	chat := &chatLog{}

	d := New(Context{
		Queue:          q,
		Pool:           p,
		Store:          store,
		Budget:         acct,
		Gate:           gate,
		Logger:         logger,
		SendToOwner:    chat.send,
		BudgetLimitUSD: limitUSD,
	})
	return &fixture{d: d, q: q, p: p, chat: chat, acct: acct, store: store}
}

// runTask enqueues and assigns a task to a synthetic worker id, bypassing
// the pool's pipes.
func runTask(f *fixture, id string, typ task.Type) task.Task {
	f.q.Enqueue(task.Task{ID: id, Type: typ, Payload: "x"})
	t, _ := f.q.AssignHead("w-test", time.Now())
	return t
}

func TestTaskDoneFinishesAndReports(t *testing.T) {
	f := newFixture(t, 10, nil)
	runTask(f, "t-1", task.TypeChat)

	f.d.Dispatch(eventbus.Event{Type: eventbus.TypeTaskDone, WorkerID: "w-test", TaskID: "t-1", Result: "all green"})

	assert.Empty(t, f.q.Running())
	assert.Empty(t, f.q.Pending())
	require.NotEmpty(t, f.chat.all())
	assert.Equal(t, "all green", f.chat.all()[0])
}

func TestTaskFailedRetryableRequeuesOnce(t *testing.T) {
	f := newFixture(t, 10, nil)
	runTask(f, "t-1", task.TypeAdhoc)

	f.d.Dispatch(eventbus.Event{Type: eventbus.TypeTaskFailed, WorkerID: "w-test", TaskID: "t-1",
		Error: "worker exited unexpectedly", ErrorRetryable: true})

	pending := f.q.Pending()
	require.Len(t, pending, 1)
	assert.True(t, pending[0].Retried)
	assert.Equal(t, 1, pending[0].RetryCount)
	assert.Empty(t, f.chat.all(), "silent requeue, no owner line")

	// Second retryable failure exceeds the cap and fails for real.
	f.q.AssignHead("w-test", time.Now())
	f.d.Dispatch(eventbus.Event{Type: eventbus.TypeTaskFailed, WorkerID: "w-test", TaskID: "t-1",
		Error: "worker exited unexpectedly", ErrorRetryable: true})

	assert.Empty(t, f.q.Pending())
	assert.Empty(t, f.q.Running())
	require.NotEmpty(t, f.chat.all())
	assert.Contains(t, f.chat.all()[0], "❌")
}

func TestSafetyDeniedFailureReportsViolation(t *testing.T) {
	f := newFixture(t, 10, nil)
	runTask(f, "t-1", task.TypeChat)

	f.d.Dispatch(eventbus.Event{Type: eventbus.TypeTaskFailed, WorkerID: "w-test", TaskID: "t-1",
		Error: "safety_denied: destructive shell command"})

	lines := f.chat.all()
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[0], "⚠️ SAFETY_VIOLATION")
}

func TestBudgetExhaustionCancelsEverything(t *testing.T) {
	f := newFixture(t, 0.10, nil)
	runTask(f, "t-1", task.TypeChat)
	f.q.Enqueue(task.Task{ID: "t-2", Type: task.TypeReview})

	f.d.Dispatch(eventbus.Event{Type: eventbus.TypeLLMUsage, WorkerID: "w-test", TaskID: "t-1", CostUSD: 0.15})

	st, err := f.store.Load(0.10)
	require.NoError(t, err)
	assert.InDelta(t, 0.15, st.SpentUSD, 1e-9)
	assert.Empty(t, f.q.Pending())
	assert.Empty(t, f.q.Running())

	lines := f.chat.all()
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[len(lines)-1], "💸")

	// Further usage stays accounted but produces no second warning.
	f.d.Dispatch(eventbus.Event{Type: eventbus.TypeLLMUsage, WorkerID: "w-test", CostUSD: 0.01})
	assert.Len(t, f.chat.all(), len(lines))
}

func TestToolCallDeniedWhenBudgetExhausted(t *testing.T) {
	f := newFixture(t, 0.01, &fakeGate{decision: safety.Decision{Allow: true}})
	f.d.Dispatch(eventbus.Event{Type: eventbus.TypeLLMUsage, WorkerID: "w-test", CostUSD: 0.05})

	reply := make(chan eventbus.ToolVerdict, 1)
	f.d.Dispatch(eventbus.Event{Type: eventbus.TypeToolCallProposed, WorkerID: "w-test",
		Tool: "run_shell", ToolArgs: `{"cmd":"ls"}`, Reply: reply})

	v := <-reply
	assert.False(t, v.Allow)
	assert.Contains(t, v.Reason, "budget")
}

func TestToolCallConsultsGate(t *testing.T) {
	f := newFixture(t, 10, &fakeGate{decision: safety.Decision{Allow: false, Reason: "rm -rf outside scratch"}})

	reply := make(chan eventbus.ToolVerdict, 1)
	f.d.Dispatch(eventbus.Event{Type: eventbus.TypeToolCallProposed, WorkerID: "w-test",
		Tool: "run_shell", ToolArgs: `{"cmd":"rm -rf /"}`, Reply: reply})

	select {
	case v := <-reply:
		assert.False(t, v.Allow)
		assert.Equal(t, "rm -rf outside scratch", v.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("gate verdict never arrived")
	}
}

func TestHeartbeatAndProgress(t *testing.T) {
	f := newFixture(t, 10, nil)
	tk := runTask(f, "t-1", task.TypeChat)
	require.Equal(t, "t-1", tk.ID)

	f.d.Dispatch(eventbus.Event{Type: eventbus.TypeHeartbeat, WorkerID: "w-test", Ts: time.Now()})
	f.d.Dispatch(eventbus.Event{Type: eventbus.TypeTaskProgress, WorkerID: "w-test", TaskID: "t-1", Progress: "editing files"})

	lines := f.chat.all()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "editing files")
}

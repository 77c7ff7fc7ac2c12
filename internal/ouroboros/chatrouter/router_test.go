package chatrouter

import (
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/consciousness"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/eventbus"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/logging"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/pool"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/queue"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/statestore"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/task"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/transport"
)

type sentLine struct {
	chatID int64
	text   string
}

type sink struct {
	mu    sync.Mutex
	lines []sentLine
	exits []int
}

func (s *sink) send(chatID int64, text string, _ bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, sentLine{chatID: chatID, text: text})
}

func (s *sink) exit(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exits = append(s.exits, code)
}

func (s *sink) all() []sentLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentLine(nil), s.lines...)
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

func newRouter(t *testing.T) (*Router, *sink, *queue.Queue, *statestore.Store) {
	t.Helper()
	logger := logging.NewDiscard()
	store := statestore.New(t.TempDir(), 0, logger)
	q := queue.New()
	bus := eventbus.New(64)
	p := pool.New(pipeSpawner, bus, q, 100*time.Millisecond, time.Hour, logger)
	t.Cleanup(p.KillWorkers)
	s := &sink{}

	r := New(Deps{
		Store:          store,
		Queue:          q,
		Pool:           p,
		Consciousness:  consciousness.New(bus, nil, "", time.Hour, logger),
		Logger:         logger,
		Send:           s.send,
		ComposeStatus:  func() string { return "📊 Ouroboros status" },
		Exit:           s.exit,
		BudgetLimitUSD: 10,
	})
	return r, s, q, store
}

func update(chatID int64, userID, text string) transport.Update {
	return transport.Update{Message: transport.Message{ChatID: chatID, UserID: userID, Text: text}}
}

func TestFirstContactRegistersOwner(t *testing.T) {
	r, s, _, store := newRouter(t)

	r.HandleUpdate(update(100, "u100", "hi"))

	st, err := store.Load(10)
	require.NoError(t, err)
	assert.Equal(t, int64(100), st.OwnerChatID)
	assert.Equal(t, "u100", st.OwnerID)

	lines := s.all()
	require.Len(t, lines, 1)
	assert.Equal(t, WelcomeLine, lines[0].text)
	assert.Equal(t, int64(100), lines[0].chatID)
}

func TestNonOwnerIsIgnored(t *testing.T) {
	r, s, _, store := newRouter(t)
	r.HandleUpdate(update(100, "u100", "hi"))
	before, err := store.Load(10)
	require.NoError(t, err)

	r.HandleUpdate(update(200, "u200", "hello"))

	after, err := store.Load(10)
	require.NoError(t, err)
	assert.Equal(t, before.OwnerChatID, after.OwnerChatID)
	assert.Equal(t, before.LastOwnerMessageAt, after.LastOwnerMessageAt)
	assert.Len(t, s.all(), 1, "no reply to the stranger")
}

func TestPanicKillsAndExitsNonZero(t *testing.T) {
	r, s, _, _ := newRouter(t)
	r.HandleUpdate(update(100, "u100", "hi"))

	r.HandleUpdate(update(100, "u100", "/panic"))

	require.Len(t, s.exits, 1)
	assert.Equal(t, 1, s.exits[0])
	lines := s.all()
	assert.Contains(t, lines[len(lines)-1].text, "🛑")
}

func TestEvolveOffPurgesPendingEvolutionTasks(t *testing.T) {
	r, s, q, store := newRouter(t)
	r.HandleUpdate(update(100, "u100", "hi"))

	for i := 0; i < 3; i++ {
		q.Enqueue(task.Task{Type: task.TypeEvolution})
	}
	q.Enqueue(task.Task{ID: "t-keep", Type: task.TypeReview})

	r.HandleUpdate(update(100, "u100", "/evolve off"))

	st, err := store.Load(10)
	require.NoError(t, err)
	assert.False(t, st.EvolutionModeEnabled)

	pending := q.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "t-keep", pending[0].ID)

	lines := s.all()
	assert.Equal(t, "🧬 Evolution: OFF", lines[len(lines)-1].text)
}

func TestEvolveOnSetsFlag(t *testing.T) {
	r, s, _, store := newRouter(t)
	r.HandleUpdate(update(100, "u100", "hi"))

	r.HandleUpdate(update(100, "u100", "/evolve on"))

	st, err := store.Load(10)
	require.NoError(t, err)
	assert.True(t, st.EvolutionModeEnabled)
	lines := s.all()
	assert.Equal(t, "🧬 Evolution: ON", lines[len(lines)-1].text)
}

func TestReviewQueuesForced(t *testing.T) {
	r, _, q, _ := newRouter(t)
	r.HandleUpdate(update(100, "u100", "hi"))

	r.HandleUpdate(update(100, "u100", "/review"))
	r.HandleUpdate(update(100, "u100", "/review"))

	reviews := 0
	for _, tk := range q.Pending() {
		if tk.Type == task.TypeReview {
			reviews++
		}
	}
	assert.Equal(t, 2, reviews, "force bypasses dedup")
}

func TestStatusRepliesWithReport(t *testing.T) {
	r, s, _, _ := newRouter(t)
	r.HandleUpdate(update(100, "u100", "hi"))

	r.HandleUpdate(update(100, "u100", "/STATUS"))

	lines := s.all()
	assert.Contains(t, lines[len(lines)-1].text, "📊")
}

func TestFreeTextSpawnsChatTask(t *testing.T) {
	r, _, q, _ := newRouter(t)
	r.HandleUpdate(update(100, "u100", "hi"))

	r.HandleUpdate(update(100, "u100", "please fix the flaky test"))

	pending := q.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, task.TypeChat, pending[0].Type)
	assert.Equal(t, "please fix the flaky test", pending[0].Payload)
}

func TestCancelPendingTask(t *testing.T) {
	r, s, q, _ := newRouter(t)
	r.HandleUpdate(update(100, "u100", "hi"))
	q.Enqueue(task.Task{ID: "t-dead", Type: task.TypeAdhoc})

	r.HandleUpdate(update(100, "u100", "/cancel t-dead"))

	assert.Empty(t, q.Pending())
	lines := s.all()
	assert.Equal(t, "🚫 Task t-dead cancelled.", lines[len(lines)-1].text)
}

func TestCancelRunningTaskLeavesRunningSet(t *testing.T) {
	r, s, q, _ := newRouter(t)
	r.HandleUpdate(update(100, "u100", "hi"))
	q.Enqueue(task.Task{ID: "t-live", Type: task.TypeAdhoc})
	_, ok := q.AssignHead("w-gone", time.Now())
	require.True(t, ok)

	r.HandleUpdate(update(100, "u100", "/cancel t-live"))

	assert.Empty(t, q.Running())
	lines := s.all()
	assert.Equal(t, "🚫 Task t-live cancelled.", lines[len(lines)-1].text)
}

func TestCancelUnknownTaskWarns(t *testing.T) {
	r, s, _, _ := newRouter(t)
	r.HandleUpdate(update(100, "u100", "hi"))

	r.HandleUpdate(update(100, "u100", "/cancel t-nope"))

	lines := s.all()
	assert.Contains(t, lines[len(lines)-1].text, "No such task")
}

func TestBgStatusLine(t *testing.T) {
	r, s, _, _ := newRouter(t)
	r.HandleUpdate(update(100, "u100", "hi"))

	r.HandleUpdate(update(100, "u100", "/bg"))

	lines := s.all()
	assert.Contains(t, lines[len(lines)-1].text, "🧠")
}

func TestComposeStatusRendering(t *testing.T) {
	st := statestore.State{SpentUSD: 1.5, BudgetLimitUSD: 10, EvolutionModeEnabled: true, CurrentBranch: "ouroboros"}
	started := time.Now().Add(-time.Minute)
	out := ComposeStatus(st,
		[]WorkerLine{{ID: "w-1", CurrentTaskID: "t-9", HeartbeatAge: 2 * time.Second}},
		[]task.Task{{ID: "t-2", Type: task.TypeReview, Priority: 1}},
		[]task.Task{{ID: "t-9", Type: task.TypeChat, AssignedTo: "w-1", StartedAt: &started}},
		3, 600*time.Second, 1800*time.Second)

	for _, want := range []string{"📊", "w-1", "t-2", "t-9", "Evolution: on", "ouroboros", "events_dropped: 3"} {
		assert.True(t, strings.Contains(out, want), "missing %q in:\n%s", want, out)
	}
}

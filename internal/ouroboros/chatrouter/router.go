// Package chatrouter parses owner chat text and routes the supervisor
// commands: /panic, /restart, /review, /evolve, /bg, /status, /cancel,
// with anything else handed to the chat agent. Ownership is first-contact
// wins; messages from any other chat id are dropped without reply.
package chatrouter

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/consciousness"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/pool"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/queue"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/restart"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/statestore"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/task"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/transport"
)

// WelcomeLine is the first-contact registration reply.
const WelcomeLine = "✅ Owner registered. Ouroboros online."

// Deps are the collaborators the router acts on, injected once at startup.
type Deps struct {
	Store         *statestore.Store
	Queue         *queue.Queue
	Pool          *pool.Pool
	Restart       *restart.Coordinator
	Consciousness *consciousness.Consciousness
	Logger        *slog.Logger

	// Send delivers one outbound line to chatID.
	Send func(chatID int64, text string, markdown bool)
	// ComposeStatus builds the multi-line /status report.
	ComposeStatus func() string
	// PersistQueue writes the queue snapshot after a modifying command.
	PersistQueue func(reason string)
	// Exit terminates the process; indirect so /panic is testable.
	Exit func(code int)

	BudgetLimitUSD float64
}

// Router handles inbound chat updates on the supervisor main loop.
type Router struct {
	deps Deps
}

// New creates a Router.
func New(deps Deps) *Router {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Send == nil {
		deps.Send = func(int64, string, bool) {}
	}
	if deps.PersistQueue == nil {
		deps.PersistQueue = func(string) {}
	}
	if deps.Exit == nil {
		deps.Exit = os.Exit
	}
	if deps.ComposeStatus == nil {
		deps.ComposeStatus = func() string { return "status unavailable" }
	}
	return &Router{deps: deps}
}

// HandleUpdate processes one inbound update.
func (r *Router) HandleUpdate(u transport.Update) {
	msg := u.Message
	now := time.Now().UTC()

	st, err := r.deps.Store.Load(r.deps.BudgetLimitUSD)
	if err != nil {
		r.deps.Logger.Error("state load failed handling chat", "error", err)
	}

	if !st.HasOwner() {
		_, err := r.deps.Store.Mutate(r.deps.BudgetLimitUSD, func(s *statestore.State) {
			s.OwnerID = msg.UserID
			s.OwnerChatID = msg.ChatID
			s.LastOwnerMessageAt = now
		})
		if err != nil {
			r.deps.Logger.Error("owner registration failed", "error", err)
			return
		}
		r.logChat("in", msg)
		r.deps.Send(msg.ChatID, WelcomeLine, false)
		return
	}

	// Non-owner chatter is ignored entirely: no state change, no reply.
	if msg.ChatID != st.OwnerChatID {
		r.deps.Logger.Info("ignoring non-owner message", "chat_id", msg.ChatID)
		return
	}

	r.logChat("in", msg)
	if _, err := r.deps.Store.Mutate(r.deps.BudgetLimitUSD, func(s *statestore.State) {
		s.LastOwnerMessageAt = now
	}); err != nil {
		r.deps.Logger.Error("last-owner-message update failed", "error", err)
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	lowered := strings.ToLower(text)
	command, rest, _ := strings.Cut(lowered, " ")
	switch {
	case command == "/panic":
		r.panic(msg.ChatID)
	case command == "/restart":
		r.restart(msg.ChatID)
	case command == "/review":
		r.review()
	case command == "/evolve":
		r.evolve(msg.ChatID, strings.TrimSpace(rest))
	case command == "/bg":
		r.background(msg.ChatID, strings.TrimSpace(rest))
	case command == "/status":
		r.deps.Send(msg.ChatID, r.deps.ComposeStatus(), false)
	case command == "/cancel":
		r.cancelTask(msg.ChatID, strings.TrimSpace(rest))
	default:
		r.chat(msg.ChatID, text)
	}
}

func (r *Router) panic(chatID int64) {
	r.deps.Send(chatID, "🛑 PANIC: stopping everything now.", false)
	r.deps.Pool.KillWorkers()
	r.deps.Exit(1)
}

func (r *Router) restart(chatID int64) {
	r.deps.Send(chatID, "♻️ Restarting (soft).", false)
	ok, msg := r.deps.Restart.SafeRestart("owner_restart", restart.PolicyRescueAndReset)
	if !ok {
		r.deps.Send(chatID, "⚠️ Restart cancelled: "+msg, false)
		return
	}
	if msg != "clean" {
		r.deps.Send(chatID, "🛟 "+msg, false)
	}
	if err := r.deps.Restart.Exec(); err != nil {
		r.deps.Send(chatID, "💥 Re-exec failed: "+err.Error(), false)
	}
}

func (r *Router) review() {
	if _, enqueued := r.deps.Queue.QueueReviewTask(true); enqueued {
		r.deps.PersistQueue("owner_review")
	}
}

func (r *Router) evolve(chatID int64, arg string) {
	turnOn := arg != "off" && arg != "stop" && arg != "0"
	if _, err := r.deps.Store.Mutate(r.deps.BudgetLimitUSD, func(s *statestore.State) {
		s.EvolutionModeEnabled = turnOn
	}); err != nil {
		r.deps.Logger.Error("evolution toggle failed", "error", err)
		return
	}

	if !turnOn {
		removed := r.deps.Queue.PurgePendingByType(task.TypeEvolution)
		r.deps.PersistQueue("evolve_off")
		r.deps.Logger.Info("evolution disabled", "purged_pending", removed)
		r.deps.Send(chatID, "🧬 Evolution: OFF", false)
		return
	}
	r.deps.Send(chatID, "🧬 Evolution: ON", false)
}

// cancelTask removes one task by id: a pending task vanishes instantly, a
// running one additionally gets its worker signalled on the task pipe. The
// terminal record lands in the supervisor event log.
func (r *Router) cancelTask(chatID int64, id string) {
	if id == "" {
		r.deps.Send(chatID, "⚠️ Usage: /cancel <task-id>", false)
		return
	}

	t, found, wasRunning := r.deps.Queue.Cancel(id)
	if !found {
		r.deps.Send(chatID, "⚠️ No such task: "+id, false)
		return
	}
	if wasRunning && t.AssignedTo != "" {
		if err := r.deps.Pool.SendCancel(t.AssignedTo); err != nil {
			r.deps.Logger.Warn("cancel signal failed", "worker_id", t.AssignedTo, "error", err)
		}
		r.deps.Pool.ClearTask(t.AssignedTo)
	}
	r.deps.PersistQueue("owner_cancel")
	r.deps.Logger.Info("task cancelled by owner",
		"task_id", t.ID, "type", t.Type, "status", t.Status, "was_running", wasRunning)
	r.deps.Send(chatID, "🚫 Task "+t.ID+" cancelled.", false)
}

func (r *Router) background(chatID int64, arg string) {
	c := r.deps.Consciousness
	if c == nil {
		r.deps.Send(chatID, "🧠 Background consciousness unavailable.", false)
		return
	}

	switch arg {
	case "start", "on", "1":
		result := c.Start()
		r.syncConsciousnessState(true)
		r.deps.Send(chatID, "🧠 "+result, false)
	case "stop", "off", "0":
		result := c.Stop()
		r.syncConsciousnessState(false)
		r.deps.Send(chatID, "🧠 "+result, false)
	default:
		r.deps.Send(chatID, c.StatusLine(), false)
	}
}

func (r *Router) syncConsciousnessState(running bool) {
	if _, err := r.deps.Store.Mutate(r.deps.BudgetLimitUSD, func(s *statestore.State) {
		s.ConsciousnessRunning = running
	}); err != nil {
		r.deps.Logger.Error("consciousness flag update failed", "error", err)
	}
}

// chat handles free-form owner text: it is observed by the consciousness,
// then either spawned as a fresh chat task or injected into the chat
// agent already running one.
func (r *Router) chat(chatID int64, text string) {
	if r.deps.Consciousness != nil {
		obs := text
		if len(obs) > 100 {
			obs = obs[:100]
		}
		r.deps.Consciousness.InjectObservation("Owner message: " + obs)
	}

	for _, t := range r.deps.Queue.Running() {
		if t.Type == task.TypeChat && t.AssignedTo != "" {
			if err := r.deps.Pool.SendInject(t.AssignedTo, text); err == nil {
				return
			}
			r.deps.Logger.Warn("chat inject failed, enqueueing instead", "worker_id", t.AssignedTo)
			break
		}
	}

	if r.deps.Consciousness != nil {
		r.deps.Consciousness.Pause()
	}
	r.deps.Queue.Enqueue(task.Task{
		Type:     task.TypeChat,
		Priority: 0,
		Payload:  text,
	})
	r.deps.PersistQueue("owner_chat")
}

func (r *Router) logChat(direction string, msg transport.Message) {
	err := r.deps.Store.AppendChatLog(statestore.ChatLogEntry{
		Direction: direction,
		ChatID:    msg.ChatID,
		UserID:    msg.UserID,
		Text:      msg.Text,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		r.deps.Logger.Warn("chat log append failed", "error", err)
	}
}

// ComposeStatus builds the /status report from live snapshots; exported so
// the supervisor can build the /status chat reply from its own component
// snapshots.
func ComposeStatus(st statestore.State, workers []WorkerLine, pending, running []task.Task, droppedEvents int64, softDefault, hardDefault time.Duration) string {
	var b strings.Builder
	b.WriteString("📊 Ouroboros status\n")

	fmt.Fprintf(&b, "Budget: $%.4f / $%.2f", st.SpentUSD, st.BudgetLimitUSD)
	if st.Exhausted() {
		b.WriteString("  (EXHAUSTED)")
	}
	b.WriteString("\n")

	evolution := "off"
	if st.EvolutionModeEnabled {
		evolution = "on"
	}
	fmt.Fprintf(&b, "Evolution: %s · Branch: %s\n", evolution, orDash(st.CurrentBranch))

	fmt.Fprintf(&b, "Workers (%d):\n", len(workers))
	for _, w := range workers {
		current := w.CurrentTaskID
		if current == "" {
			current = "idle"
		}
		fmt.Fprintf(&b, "  %s  %s  (hb %s ago)\n", w.ID, current, w.HeartbeatAge.Round(time.Second))
	}

	fmt.Fprintf(&b, "Pending (%d):\n", len(pending))
	for _, t := range pending {
		fmt.Fprintf(&b, "  %s  %s  p%d\n", t.ID, t.Type, t.Priority)
	}
	fmt.Fprintf(&b, "Running (%d):\n", len(running))
	for _, t := range running {
		age := "-"
		if t.StartedAt != nil {
			age = time.Since(*t.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(&b, "  %s  %s  on %s for %s\n", t.ID, t.Type, t.AssignedTo, age)
	}

	fmt.Fprintf(&b, "Deadlines: soft %s / hard %s\n", softDefault, hardDefault)
	if droppedEvents > 0 {
		fmt.Fprintf(&b, "⚠️ events_dropped: %d\n", droppedEvents)
	}
	return strings.TrimRight(b.String(), "\n")
}

// WorkerLine is the per-worker row ComposeStatus renders.
type WorkerLine struct {
	ID            string
	CurrentTaskID string
	HeartbeatAge  time.Duration
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

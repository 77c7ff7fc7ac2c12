// Package supervisor wires every component together and runs the single
// cooperative main loop: drain the event bus into the dispatcher, enforce
// timeouts, auto-enqueue evolution work, assign pending tasks, persist the
// queue snapshot, and route inbound chat. All state mutation happens on
// this loop; auxiliary goroutines only feed it.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/asyncutil"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/bootstrap"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/budget"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/chatrouter"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/config"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/consciousness"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/dashboard"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/dispatch"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/eventbus"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/llmclient"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/pool"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/queue"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/repo"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/restart"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/safety"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/statestore"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/telemetry"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/timeout"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/transport"
)

// DefaultEvolutionEvery is the minimum spacing between auto-enqueued
// evolution tasks.
const DefaultEvolutionEvery = 30 * time.Minute

// inboxCapacity bounds buffered inbound chat updates between the poller
// and the main loop.
const inboxCapacity = 256

// Options carries the injectable pieces of a Supervisor; zero values get
// production defaults derived from cfg.
type Options struct {
	Transport transport.ChatTransport
	Spawner   pool.StartProcess
	LLMClient llmclient.Client
	Logger    *slog.Logger
	Metrics   *telemetry.Provider
	// Exit replaces os.Exit for /panic; tests substitute a recorder.
	Exit func(code int)
}

// Supervisor owns the full component graph.
type Supervisor struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *telemetry.Provider

	store      *statestore.Store
	bus        *eventbus.Bus
	queue      *queue.Queue
	pool       *pool.Pool
	dispatcher *dispatch.Dispatcher
	enforcer   *timeout.Enforcer
	accountant *budget.Accountant
	gate       *safety.Gate
	repo       *repo.Repo
	restart    *restart.Coordinator
	router     *chatrouter.Router
	mind       *consciousness.Consciousness
	chat       transport.ChatTransport
	hub        *dashboard.Hub
	dash       *dashboard.Server

	inbox chan transport.Update
}

// New assembles a Supervisor from cfg and opts.
func New(cfg config.Config, opts Options) (*Supervisor, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Supervisor{
		cfg:     cfg,
		logger:  logger,
		metrics: opts.Metrics,
		inbox:   make(chan transport.Update, inboxCapacity),
	}

	s.store = statestore.New(cfg.DataDir, cfg.ChatLogRotateBytes, logger)
	s.bus = eventbus.New(cfg.EventQueueSize)
	s.queue = queue.New()
	s.repo = repo.New(cfg.RepoDir, "", "", logger)

	spawner := opts.Spawner
	if spawner == nil {
		spawner = pool.SelfExecSpawner(cfg.DataDir, nil)
	}
	s.pool = pool.New(spawner, s.bus, s.queue, cfg.GracefulStop, cfg.StaleAfter, logger)

	s.accountant = budget.New(s.store, cfg.BudgetLimitUSD, cfg.BudgetDigestEvery, nil, opts.Metrics, logger)

	client := opts.LLMClient
	if client == nil && cfg.APIKey != "" {
		client = llmclient.NewHTTPClient(llmclient.Config{APIKey: cfg.APIKey, BaseURL: cfg.APIBaseURL})
	}
	policy, err := safety.LoadPolicy(cfg.SafetyPolicyPath)
	if err != nil {
		policy = safety.DefaultPolicy()
	}
	if client != nil {
		s.gate = safety.New(policy, client, cfg.SafetyFastModel, cfg.SafetyDeepModel, s.accountant, cfg.SafetyVerdictCache)
	}

	s.chat = opts.Transport
	if s.chat == nil {
		switch cfg.ChatTransport {
		case "telegram":
			tg, err := transport.NewTelegram(cfg.TelegramToken, logger)
			if err != nil {
				return nil, err
			}
			s.chat = tg
		default:
			s.chat = transport.NewLocal(false)
		}
	}

	s.mind = consciousness.New(s.bus, client, cfg.ModelMain, 0, logger)
	s.restart = restart.New(cfg.DataDir, s.repo, s.queue, s.pool, logger)
	s.enforcer = timeout.New(s.queue, s.pool, s.bus, 0, cfg.DeadlineSoft, cfg.DeadlineHard, logger)

	var gate dispatch.Gate
	if s.gate != nil {
		gate = s.gate
	}
	s.dispatcher = dispatch.New(dispatch.Context{
		Queue:          s.queue,
		Pool:           s.pool,
		Store:          s.store,
		Budget:         s.accountant,
		Gate:           gate,
		Metrics:        opts.Metrics,
		Logger:         logger,
		SendToOwner:    s.sendToOwner,
		PersistQueue:   s.persistQueue,
		ResumeIdle:     s.mind.Resume,
		BudgetLimitUSD: cfg.BudgetLimitUSD,
	})

	exit := opts.Exit
	s.router = chatrouter.New(chatrouter.Deps{
		Store:          s.store,
		Queue:          s.queue,
		Pool:           s.pool,
		Restart:        s.restart,
		Consciousness:  s.mind,
		Logger:         logger,
		Send:           s.send,
		ComposeStatus:  s.ComposeStatus,
		PersistQueue:   s.persistQueue,
		Exit:           exit,
		BudgetLimitUSD: cfg.BudgetLimitUSD,
	})

	s.hub = dashboard.NewHub(logger)
	if cfg.DashboardAddr != "" {
		var registry *prometheus.Registry
		if opts.Metrics != nil {
			registry = opts.Metrics.Registry
		}
		s.dash = dashboard.New(cfg.DashboardAddr, s.Snapshot, registry, s.hub, logger)
	}

	return s, nil
}

// PIDPath returns the supervisor pidfile under dataDir, used by the
// operator-facing `panic` and `restart` subcommands.
func PIDPath(dataDir string) string {
	return filepath.Join(dataDir, "supervisor.pid")
}

// Run executes startup and the main loop until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := bootstrap.Run(s.cfg, s.repo, s.logger); err != nil {
		return err
	}

	pidPath := PIDPath(s.cfg.DataDir)
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		s.logger.Warn("pidfile write failed", "error", err)
	}
	defer os.Remove(pidPath)

	// SIGHUP triggers the same safe-restart protocol as /restart, for
	// operators whose chat transport is down.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	// A lock left by a crashed predecessor must not wedge every future
	// restart; StaleLockCheck clears it.
	restart.StaleLockCheck(s.cfg.DataDir, s.logger)
	if held, holder := restart.LockHeld(s.cfg.DataDir); held {
		// The exec'd successor is expected to find the lock held by its
		// own predecessor's pid. Any remaining holder is only logged; the
		// lock is released below once the queue is restored.
		s.logger.Info("restart lock present at startup", "holder", holder)
	}

	restored, err := s.queue.RestorePendingFromSnapshot(queue.SnapshotPath(s.cfg.DataDir), s.logger)
	if err != nil {
		s.sendToOwner("🩹 Queue snapshot was corrupt; starting with an empty queue.", false)
	}
	s.persistQueue("startup")
	restart.ReleaseLock(s.cfg.DataDir)

	if restored > 0 {
		s.sendToOwner(fmt.Sprintf("♻️ Restored pending queue from snapshot: %d tasks.", restored), false)
	}

	if err := s.pool.SpawnWorkers(s.cfg.WorkerCount); err != nil {
		return err
	}
	defer s.pool.KillWorkers()

	st, err := s.store.Load(s.cfg.BudgetLimitUSD)
	if err != nil {
		s.sendToOwner("🩹 State was corrupt and has been reset to defaults.", false)
		st, _ = s.store.Load(s.cfg.BudgetLimitUSD)
	}
	if st.ConsciousnessRunning {
		s.mind.Start()
	}

	if err := s.accountant.StartDigestCron(s.cfg.BudgetDigestCron, func(st statestore.State) {
		s.sendToOwner(budget.DigestLine(st), false)
	}); err != nil {
		s.logger.Warn("budget digest cron disabled", "error", err)
	}
	defer s.accountant.StopDigestCron()

	if s.dash != nil {
		asyncutil.Go(s.logger, "supervisor.dashboard", func() {
			if err := s.dash.Start(); err != nil {
				s.logger.Error("dashboard server failed", "error", err)
			}
		})
		defer s.dash.Close()
	}

	asyncutil.Go(s.logger, "supervisor.chatpoll", func() { s.pollChat(ctx) })

	s.logger.Info("supervisor online",
		"workers", s.cfg.WorkerCount, "tick", s.cfg.TickInterval, "data_dir", s.cfg.DataDir)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.persistQueue("shutdown")
			return nil
		case <-hup:
			s.handleHup()
		case <-ticker.C:
			s.tick(time.Now())
		}
	}
}

// handleHup runs the safe-restart protocol off a SIGHUP. On success the
// process image is replaced and this never returns.
func (s *Supervisor) handleHup() {
	ok, msg := s.restart.SafeRestart("signal", restart.PolicyRescueAndReset)
	if !ok {
		s.logger.Warn("signal-triggered restart refused", "message", msg)
		s.sendToOwner("⚠️ Restart cancelled: "+msg, false)
		return
	}
	if msg != "clean" {
		s.sendToOwner("🛟 "+msg, false)
	}
	s.ReloadPolicy()
	if err := s.restart.Exec(); err != nil {
		s.logger.Error("re-exec failed", "error", err)
	}
}

// tick is one pass of the main loop.
func (s *Supervisor) tick(now time.Time) {
	defer asyncutil.Recover(s.logger, "supervisor.tick")

	s.store.RotateChatLogIfNeeded()
	s.pool.EnsureWorkersHealthy(now)

	for _, ev := range s.bus.Drain() {
		s.hub.Broadcast(ev)
		s.dispatcher.Dispatch(ev)
	}

	s.enforcer.Sweep(now)
	s.maybeEnqueueEvolution(now)
	s.pool.AssignTasks(now)
	s.persistQueue("main_loop")
	s.observeMetrics()

	for {
		select {
		case u := <-s.inbox:
			s.router.HandleUpdate(u)
		default:
			return
		}
	}
}

func (s *Supervisor) maybeEnqueueEvolution(now time.Time) {
	st, err := s.store.Load(s.cfg.BudgetLimitUSD)
	if err != nil || st.Exhausted() {
		return
	}
	if _, enqueued := s.queue.EnqueueEvolutionTaskIfNeeded(st.EvolutionModeEnabled, DefaultEvolutionEvery, now); enqueued {
		s.persistQueue("evolution_auto")
	}
}

// pollChat is the auxiliary blocking-I/O thread: it long-polls the chat
// transport and feeds updates to the main loop.
func (s *Supervisor) pollChat(ctx context.Context) {
	var offset int64
	for ctx.Err() == nil {
		updates, err := s.chat.FetchUpdates(ctx, offset, time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("chat fetch failed", "error", err)
			time.Sleep(2 * time.Second)
			continue
		}
		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			select {
			case s.inbox <- u:
			case <-ctx.Done():
				return
			}
		}
	}
}

// send delivers one outbound line to chatID, mirroring it to the chat log.
func (s *Supervisor) send(chatID int64, text string, markdown bool) {
	if text == "" {
		return
	}
	if err := s.chat.SendMessage(chatID, text, markdown); err != nil {
		s.logger.Warn("chat send failed", "chat_id", chatID, "error", err)
	}
	if err := s.store.AppendChatLog(statestore.ChatLogEntry{
		Direction: "out", ChatID: chatID, Text: text, Timestamp: time.Now().UTC(),
	}); err != nil {
		s.logger.Warn("chat log append failed", "error", err)
	}
}

// sendToOwner delivers text to the registered owner; silently dropped
// before first contact.
func (s *Supervisor) sendToOwner(text string, markdown bool) {
	st, err := s.store.Load(s.cfg.BudgetLimitUSD)
	if err != nil || !st.HasOwner() {
		return
	}
	s.send(st.OwnerChatID, text, markdown)
}

func (s *Supervisor) persistQueue(reason string) {
	if err := s.queue.PersistSnapshot(queue.SnapshotPath(s.cfg.DataDir), reason); err != nil {
		s.logger.Error("queue snapshot persist failed", "reason", reason, "error", err)
	}
}

// ComposeStatus renders the /status report.
func (s *Supervisor) ComposeStatus() string {
	st, _ := s.store.Load(s.cfg.BudgetLimitUSD)
	now := time.Now()

	var workers []chatrouter.WorkerLine
	for _, w := range s.pool.Snapshots() {
		workers = append(workers, chatrouter.WorkerLine{
			ID:            w.ID,
			CurrentTaskID: w.CurrentTaskID,
			HeartbeatAge:  now.Sub(w.LastHeartbeat),
		})
	}
	return chatrouter.ComposeStatus(st, workers, s.queue.Pending(), s.queue.Running(),
		s.bus.DroppedTotal(), s.cfg.DeadlineSoft, s.cfg.DeadlineHard)
}

// Snapshot backs the dashboard's /status endpoint.
func (s *Supervisor) Snapshot() dashboard.Snapshot {
	st, _ := s.store.Load(s.cfg.BudgetLimitUSD)
	return dashboard.Snapshot{
		State:         st,
		Workers:       s.pool.Snapshots(),
		Pending:       s.queue.Pending(),
		Running:       s.queue.Running(),
		EventsDropped: s.bus.DroppedTotal(),
		UpdatedAt:     time.Now().UTC(),
	}
}

func (s *Supervisor) observeMetrics() {
	if s.metrics == nil {
		return
	}
	ctx := context.Background()
	s.metrics.QueuePending.Record(ctx, int64(len(s.queue.Pending())))
	s.metrics.QueueRunning.Record(ctx, int64(len(s.queue.Running())))
	s.metrics.WorkersAlive.Record(ctx, int64(s.pool.AliveCount()))
	s.metrics.EventsDropped.Record(ctx, s.bus.DroppedTotal())
}

// ReloadPolicy swaps the safety policy at a restart boundary.
func (s *Supervisor) ReloadPolicy() {
	if s.gate == nil {
		return
	}
	policy, err := safety.LoadPolicy(s.cfg.SafetyPolicyPath)
	if err != nil {
		s.logger.Warn("policy reload failed, keeping previous", "error", err)
		return
	}
	s.gate.Reload(policy)
}

// Queue exposes the task queue to the CLI layer (status/panic commands).
func (s *Supervisor) Queue() *queue.Queue { return s.queue }

// Restart exposes the restart coordinator to the CLI layer.
func (s *Supervisor) Restart() *restart.Coordinator { return s.restart }

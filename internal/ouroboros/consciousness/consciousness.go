// Package consciousness is the background idle-thought collaborator: a
// pausable loop that mulls over recent observations while the supervisor
// is otherwise quiet, surfacing the occasional thought as a chat_out
// event. Foreground chat sessions pause it; owner messages feed it
// observations either way.
package consciousness

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/asyncutil"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/eventbus"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/llmclient"
)

// DefaultThinkInterval paces idle thoughts.
const DefaultThinkInterval = 5 * time.Minute

// maxObservations bounds the rolling observation window.
const maxObservations = 32

// Consciousness runs the idle-thought loop. Thoughts are emitted as
// chat_out events on the bus under a reserved pseudo-worker id, so they
// flow through the same dispatcher path as worker chatter.
type Consciousness struct {
	bus      *eventbus.Bus
	client   llmclient.Client
	model    string
	interval time.Duration
	logger   *slog.Logger

	mu           sync.Mutex
	running      bool
	paused       bool
	observations []string
	cancel       context.CancelFunc
}

// WorkerID is the pseudo worker id idle thoughts are attributed to.
const WorkerID = "consciousness"

// New creates the collaborator. client may be nil, in which case thoughts
// are synthesized locally from the observation window (used in tests and
// offline runs).
func New(bus *eventbus.Bus, client llmclient.Client, model string, interval time.Duration, logger *slog.Logger) *Consciousness {
	if interval <= 0 {
		interval = DefaultThinkInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consciousness{bus: bus, client: client, model: model, interval: interval, logger: logger}
}

// Start launches the loop. Returns a human status line for /bg.
func (c *Consciousness) Start() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return "already running"
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.running = true
	c.paused = false
	asyncutil.Go(c.logger, "consciousness.loop", func() { c.loop(ctx) })
	return "started"
}

// Stop terminates the loop. Returns a human status line for /bg.
func (c *Consciousness) Stop() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return "already stopped"
	}
	c.cancel()
	c.running = false
	return "stopped"
}

// Pause suspends thought emission without stopping the loop, used while a
// foreground chat task runs.
func (c *Consciousness) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
}

// Resume re-enables thought emission.
func (c *Consciousness) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
}

// IsRunning reports whether the loop is live.
func (c *Consciousness) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// InjectObservation appends one observation to the rolling window.
func (c *Consciousness) InjectObservation(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observations = append(c.observations, text)
	if len(c.observations) > maxObservations {
		c.observations = c.observations[len(c.observations)-maxObservations:]
	}
}

// StatusLine renders the /bg status report.
func (c *Consciousness) StatusLine() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case !c.running:
		return "🧠 Background consciousness: stopped"
	case c.paused:
		return "🧠 Background consciousness: paused"
	default:
		return fmt.Sprintf("🧠 Background consciousness: running (%d observations)", len(c.observations))
	}
}

func (c *Consciousness) loop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.think(ctx)
		}
	}
}

func (c *Consciousness) think(ctx context.Context) {
	c.mu.Lock()
	if c.paused || len(c.observations) == 0 {
		c.mu.Unlock()
		return
	}
	window := append([]string(nil), c.observations...)
	c.mu.Unlock()

	thought := c.compose(ctx, window)
	if thought == "" {
		return
	}
	c.bus.Publish(eventbus.Event{
		WorkerID: WorkerID,
		Ts:       time.Now().UTC(),
		Type:     eventbus.TypeChatOut,
		Text:     "💭 " + thought,
	})
}

func (c *Consciousness) compose(ctx context.Context, window []string) string {
	if c.client == nil {
		return "mulling over: " + window[len(window)-1]
	}

	prompt := "You are the idle background mind of a coding agent. Recent observations:\n- " +
		strings.Join(window, "\n- ") +
		"\n\nShare one short (<=2 sentences) useful or curious thought. If nothing is worth saying, reply with exactly NOTHING."
	completion, err := c.client.Complete(ctx, c.model, prompt)
	if err != nil {
		c.logger.Debug("idle thought failed", "error", err)
		return ""
	}
	text := strings.TrimSpace(completion.Text)
	if text == "" || strings.EqualFold(text, "NOTHING") {
		return ""
	}
	return text
}

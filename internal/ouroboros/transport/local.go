package transport

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/fatih/color"
	"github.com/manifoldco/promptui"
)

// LocalChatID is the single chat id the in-process transport uses; the
// local owner is always chat 1, matching first-contact registration.
const LocalChatID int64 = 1

// Local is the in-process ChatTransport backing the GUI and the
// `ouroboros run --chat local` interactive demo. Inbound text arrives via
// Inject (called by the UI thread or the promptui loop); outbound messages
// are rendered to stdout and mirrored to subscribers.
type Local struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []Update
	nextID  int64

	// outbound mirror for the UI's chat view; bounded, oldest dropped.
	outbound []OutboundMessage

	renderer     *glamour.TermRenderer
	rendererErr  error
	rendererOnce sync.Once
	quiet        bool
}

// OutboundMessage is one supervisor→owner message kept for UI display.
type OutboundMessage struct {
	ChatID   int64     `json:"chat_id"`
	Text     string    `json:"text"`
	Markdown bool      `json:"markdown"`
	Ts       time.Time `json:"ts"`
}

// NewLocal creates the in-process transport. quiet suppresses stdout
// rendering (used in tests).
func NewLocal(quiet bool) *Local {
	l := &Local{nextID: 1, quiet: quiet}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Inject enqueues one inbound owner message, waking any FetchUpdates call.
func (l *Local) Inject(userID, text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, Update{
		UpdateID: l.nextID,
		Message:  Message{ChatID: LocalChatID, UserID: userID, Text: text},
	})
	l.nextID++
	l.cond.Broadcast()
}

// FetchUpdates returns queued updates with UpdateID >= offset, waiting up
// to timeout for one to arrive.
func (l *Local) FetchUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	deadline := time.Now().Add(timeout)

	// cond.Wait has no deadline; a ticker-style wakeup keeps the wait
	// bounded without busy spinning.
	wake := time.AfterFunc(timeout, func() {
		l.mu.Lock()
		l.cond.Broadcast()
		l.mu.Unlock()
	})
	defer wake.Stop()

	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		if out := l.takeLocked(offset); len(out) > 0 {
			return out, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		l.cond.Wait()
	}
}

func (l *Local) takeLocked(offset int64) []Update {
	var out []Update
	kept := l.pending[:0:0]
	for _, u := range l.pending {
		if u.UpdateID >= offset {
			out = append(out, u)
		} else {
			kept = append(kept, u)
		}
	}
	l.pending = kept
	return out
}

// SendMessage renders text to the local terminal and records it for the
// UI's chat view. Markdown goes through glamour; plain text gets a dim
// speaker prefix via fatih/color.
func (l *Local) SendMessage(chatID int64, text string, markdown bool) error {
	l.mu.Lock()
	l.outbound = append(l.outbound, OutboundMessage{ChatID: chatID, Text: text, Markdown: markdown, Ts: time.Now().UTC()})
	if len(l.outbound) > 500 {
		l.outbound = l.outbound[len(l.outbound)-500:]
	}
	l.mu.Unlock()

	if l.quiet {
		return nil
	}

	prefix := color.New(color.FgCyan, color.Bold).Sprint("ouroboros>")
	if markdown {
		if rendered, err := l.renderMarkdown(text); err == nil {
			fmt.Fprintf(os.Stdout, "%s\n%s", prefix, rendered)
			return nil
		}
	}
	fmt.Fprintf(os.Stdout, "%s %s\n", prefix, text)
	return nil
}

func (l *Local) renderMarkdown(text string) (string, error) {
	l.rendererOnce.Do(func() {
		l.renderer, l.rendererErr = glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(100),
		)
	})
	if l.rendererErr != nil {
		return "", l.rendererErr
	}
	return l.renderer.Render(text)
}

// Outbound returns a copy of the recorded supervisor→owner messages.
func (l *Local) Outbound() []OutboundMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]OutboundMessage, len(l.outbound))
	copy(out, l.outbound)
	return out
}

// RunPromptLoop drives an interactive owner prompt on the terminal,
// injecting each line as an inbound update until ctx is cancelled or the
// owner types /quit. This is the "passive UI" stand-in for local runs.
func (l *Local) RunPromptLoop(ctx context.Context, userID string) {
	prompt := promptui.Prompt{
		Label: "you",
		Validate: func(s string) error {
			if strings.TrimSpace(s) == "" {
				return fmt.Errorf("empty")
			}
			return nil
		},
	}
	for ctx.Err() == nil {
		line, err := prompt.Run()
		if err != nil {
			return
		}
		if strings.TrimSpace(strings.ToLower(line)) == "/quit" {
			return
		}
		l.Inject(userID, line)
	}
}

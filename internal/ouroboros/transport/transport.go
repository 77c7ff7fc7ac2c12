// Package transport abstracts the chat bridge between the owner and the
// supervisor behind a single ChatTransport interface: a local in-process
// queue backs the GUI / CLI demo, a Telegram gateway backs remote control.
// The supervisor consumes inbound updates and produces outbound messages;
// the UI (or Telegram's servers) do the reverse.
package transport

import (
	"context"
	"time"
)

// Message is the inbound payload of one chat update.
type Message struct {
	ChatID int64  `json:"chat_id"`
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

// Update is one inbound chat event, identified by a monotonically
// increasing UpdateID per transport.
type Update struct {
	UpdateID int64   `json:"update_id"`
	Message  Message `json:"message"`
}

// ChatTransport is the implementer-agnostic contract from the external
// interface design: a long-poll style fetch plus a fire-and-forget send.
type ChatTransport interface {
	// FetchUpdates returns updates with UpdateID >= offset, blocking up to
	// timeout when none are immediately available.
	FetchUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error)
	// SendMessage delivers text to chatID; markdown asks the transport to
	// render it as markdown where the medium supports that.
	SendMessage(chatID int64, text string, markdown bool) error
}

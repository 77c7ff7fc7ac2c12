package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Telegram is the remote messenger gateway: long-poll fetch_updates plus
// send_message over the Bot API. A small LRU of already-seen update ids
// keeps FetchUpdates idempotent across the reconnects the Bot API performs
// after its long-poll timeout.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	logger *slog.Logger
	seen   *lru.Cache[int64, struct{}]
}

// NewTelegram connects to the Bot API with token.
func NewTelegram(token string, logger *slog.Logger) (*Telegram, error) {
	if logger == nil {
		logger = slog.Default()
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("transport: telegram init: %w", err)
	}
	seen, _ := lru.New[int64, struct{}](2048)
	logger.Info("telegram transport connected", "bot", bot.Self.UserName)
	return &Telegram{bot: bot, logger: logger, seen: seen}, nil
}

// FetchUpdates long-polls the Bot API for updates at or past offset.
func (t *Telegram) FetchUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	cfg := tgbotapi.NewUpdate(int(offset))
	cfg.Timeout = int(timeout / time.Second)
	if cfg.Timeout < 1 {
		cfg.Timeout = 1
	}

	updates, err := t.bot.GetUpdates(cfg)
	if err != nil {
		return nil, fmt.Errorf("transport: telegram fetch: %w", err)
	}

	out := make([]Update, 0, len(updates))
	for _, u := range updates {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		if u.Message == nil || u.Message.Chat == nil || u.Message.From == nil {
			continue
		}
		id := int64(u.UpdateID)
		if _, dup := t.seen.Get(id); dup {
			continue
		}
		t.seen.Add(id, struct{}{})
		out = append(out, Update{
			UpdateID: id,
			Message: Message{
				ChatID: u.Message.Chat.ID,
				UserID: strconv.FormatInt(u.Message.From.ID, 10),
				Text:   u.Message.Text,
			},
		})
	}
	return out, nil
}

// SendMessage delivers one message, with Telegram-flavored markdown when
// requested. A markdown parse rejection is retried once as plain text so a
// stray underscore in a commit subject can't swallow an owner report.
func (t *Telegram) SendMessage(chatID int64, text string, markdown bool) error {
	msg := tgbotapi.NewMessage(chatID, text)
	if markdown {
		msg.ParseMode = tgbotapi.ModeMarkdown
	}
	if _, err := t.bot.Send(msg); err != nil {
		if !markdown {
			return fmt.Errorf("transport: telegram send: %w", err)
		}
		t.logger.Warn("telegram markdown send failed, retrying plain", "error", err)
		plain := tgbotapi.NewMessage(chatID, text)
		if _, err := t.bot.Send(plain); err != nil {
			return fmt.Errorf("transport: telegram send: %w", err)
		}
	}
	return nil
}

// Package logging builds the supervisor's slog logger: a human-readable
// text handler on stdout fanned out with a JSON-lines handler appending to
// logs/supervisor.jsonl, the append-only event log the dashboard tails.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// SupervisorLogPath returns the on-disk JSONL event log path under dataDir.
func SupervisorLogPath(dataDir string) string {
	return filepath.Join(dataDir, "logs", "supervisor.jsonl")
}

// New creates the supervisor logger. When dataDir is empty, only the stdout
// text handler is installed (used by short-lived CLI subcommands).
func New(dataDir string, level slog.Level) (*slog.Logger, func() error, error) {
	text := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	if dataDir == "" {
		return slog.New(text), func() error { return nil }, nil
	}

	path := SupervisorLogPath(dataDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}
	jsonl := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level})

	logger := slog.New(fanout{handlers: []slog.Handler{text, jsonl}})
	return logger, f.Close, nil
}

// NewDiscard returns a logger that drops everything, for tests.
func NewDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fanout duplicates every record to all wrapped handlers.
type fanout struct {
	handlers []slog.Handler
}

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range f.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		out[i] = h.WithAttrs(attrs)
	}
	return fanout{handlers: out}
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		out[i] = h.WithGroup(name)
	}
	return fanout{handlers: out}
}

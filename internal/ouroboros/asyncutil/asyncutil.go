// Package asyncutil launches background goroutines with panic recovery so a
// panicking worker watchdog, chat poller, or dispatcher fan-out cannot take
// down the supervisor process silently.
package asyncutil

import "runtime/debug"

// PanicLogger captures panic reports from background goroutines. Satisfied
// directly by *slog.Logger.
type PanicLogger interface {
	Error(msg string, args ...any)
}

// Go runs fn in a goroutine guarded by panic recovery, logging under name
// if fn panics.
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover must be deferred directly in a goroutine to log a panic without
// crashing the process.
func Recover(logger PanicLogger, name string) {
	r := recover()
	if r == nil {
		return
	}
	if logger == nil {
		return
	}
	if name == "" {
		logger.Error("goroutine panic", "panic", r, "stack", string(debug.Stack()))
		return
	}
	logger.Error("goroutine panic", "name", name, "panic", r, "stack", string(debug.Stack()))
}

package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"explicit transient", NewTransient(errors.New("x"), ""), true},
		{"explicit retryable task", NewRetryableTask(errors.New("x"), ""), false},
		{"explicit non-retryable task", NewNonRetryableTask(errors.New("x"), "safety_denied", ""), false},
		{"explicit state corruption", NewStateCorruption(errors.New("x"), "state.json", ""), false},
		{"explicit fatal", NewFatal(errors.New("x"), ""), false},
		{"rate limit 429", fmt.Errorf("API error 429: rate limit exceeded"), true},
		{"server error 500", fmt.Errorf("HTTP 500: internal server error"), true},
		{"timeout", fmt.Errorf("context deadline exceeded"), true},
		{"connection refused", fmt.Errorf("dial tcp: connect: connection refused"), true},
		{"unauthorized 401", fmt.Errorf("HTTP 401: unauthorized"), false},
		{"not found 404", fmt.Errorf("HTTP 404: not found"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.expected {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil defaults non-retryable", nil, KindNonRetryableTask},
		{"transient", NewTransient(errors.New("x"), ""), KindTransient},
		{"retryable task", NewRetryableTask(errors.New("x"), ""), KindRetryableTask},
		{"non-retryable task", NewNonRetryableTask(errors.New("x"), "budget_exhausted", ""), KindNonRetryableTask},
		{"state corruption", NewStateCorruption(errors.New("x"), "state.json", ""), KindStateCorruption},
		{"fatal", NewFatal(errors.New("x"), ""), KindFatal},
		{"unclassified string defaults non-retryable", errors.New("something weird"), KindNonRetryableTask},
		{"unclassified network string classifies transient", errors.New("connection reset by peer"), KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestChatMessageIsSingleLinePerSeverity(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		prefix string
	}{
		{"transient has no chat line", NewTransient(errors.New("x"), "will retry"), ""},
		{"retryable task", NewRetryableTask(errors.New("x"), "worker crashed"), "🔁 "},
		{"non-retryable task", NewNonRetryableTask(errors.New("x"), "safety_denied", "denied by safety gate"), "⚠️ "},
		{"state corruption", NewStateCorruption(errors.New("x"), "state.json", "state.json was corrupt"), "🩹 "},
		{"fatal", NewFatal(errors.New("x"), "restart lock held"), "💥 "},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			got := ChatMessage(tt.err)
			if tt.prefix == "" {
				if got != "" {
					t.Errorf("ChatMessage(%v) = %q, want empty (transient errors produce no chat line)", tt.err, got)
				}
				return
			}
			if len(got) < len(tt.prefix) || got[:len(tt.prefix)] != tt.prefix {
				t.Errorf("ChatMessage(%v) = %q, want prefix %q", tt.err, got, tt.prefix)
			}
		})
	}
}

func TestFormatForLLMPrefersExplicitMessage(t *testing.T) {
	err := NewNonRetryableTask(errors.New("raw"), "budget_exhausted", "budget exhausted for today")
	if got := FormatForLLM(err); got != "budget exhausted for today" {
		t.Errorf("FormatForLLM = %q, want explicit message", got)
	}
}

func TestUnwrap(t *testing.T) {
	root := errors.New("root cause")
	wrapped := NewRetryableTask(root, "")
	if !errors.Is(wrapped, root) {
		t.Error("expected errors.Is to see through RetryableTaskError via Unwrap")
	}
}

// Package idgen generates worker and task identifiers. Worker ids are
// short and human-typeable (e.g. "w-3f9a1c"); task ids fall back to a
// generated id only when a caller doesn't supply one.
package idgen

import "github.com/google/uuid"

// Worker returns a short worker id of the form "w-<6 hex chars>".
func Worker() string {
	return "w-" + shortHex()
}

// Task returns a fallback task id of the form "t-<8 hex chars>", used when
// a task is enqueued without an explicit id.
func Task() string {
	full := uuid.NewString()
	return "t-" + stripHyphens(full)[:8]
}

func shortHex() string {
	full := uuid.NewString()
	return stripHyphens(full)[:6]
}

func stripHyphens(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '-' {
			out = append(out, s[i])
		}
	}
	return string(out)
}

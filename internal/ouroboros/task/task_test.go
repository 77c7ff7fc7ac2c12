package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLessOrdersByPriorityThenCreatedAt(t *testing.T) {
	now := time.Now()
	a := Task{Priority: 1, CreatedAt: now}
	b := Task{Priority: 0, CreatedAt: now.Add(time.Hour)}
	c := Task{Priority: 1, CreatedAt: now.Add(-time.Minute)}

	assert.True(t, Less(b, a), "lower priority sorts first regardless of creation time")
	assert.True(t, Less(c, a), "equal priority breaks ties by creation time")
	assert.False(t, Less(a, c))
}

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusDone, StatusFailed, StatusCancelled, StatusTimedOut}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "%s should be terminal", s)
	}
	nonTerminal := []Status{StatusPending, StatusRunning}
	for _, s := range nonTerminal {
		assert.False(t, s.Terminal(), "%s should not be terminal", s)
	}
}

func TestCanRetry(t *testing.T) {
	fresh := Task{RetryCount: 0}
	require.True(t, fresh.CanRetry())

	retried := Task{RetryCount: 1}
	require.False(t, retried.CanRetry())
}

func TestCloneIsIndependent(t *testing.T) {
	started := time.Now()
	original := Task{ID: "t-1", StartedAt: &started}

	cloned := original.Clone()
	cloned.ID = "t-2"
	*cloned.StartedAt = started.Add(time.Minute)

	assert.Equal(t, "t-1", original.ID)
	assert.Equal(t, started, *original.StartedAt, "mutating the clone's StartedAt must not affect the original")
}

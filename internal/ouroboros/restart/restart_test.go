package restart

import (
	"os"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/eventbus"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/logging"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/pool"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/queue"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/repo"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/task"
)

func pipeSpawner(id string) (*pool.Process, error) {
	eventR, _, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	_, taskW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	return &pool.Process{Events: eventR, Tasks: taskW}, nil
}

func newCoordinator(t *testing.T) (*Coordinator, string, *queue.Queue) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	dataDir := t.TempDir()
	repoDir := dataDir + "/repo"
	r := repo.New(repoDir, "", "", logging.NewDiscard())
	require.NoError(t, r.EnsurePresent())

	q := queue.New()
	bus := eventbus.New(64)
	p := pool.New(pipeSpawner, bus, q, 100*time.Millisecond, time.Hour, logging.NewDiscard())
	t.Cleanup(p.KillWorkers)

	return New(dataDir, r, q, p, logging.NewDiscard()), dataDir, q
}

func commitOnDev(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(dir+"/"+name, []byte(name), 0o644))
	for _, args := range [][]string{{"add", "-A"}, {"commit", "-m", "add " + name}} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
}

func TestSafeRestartCleanTree(t *testing.T) {
	c, dataDir, q := newCoordinator(t)
	q.Enqueue(task.Task{ID: "t-1", Type: task.TypeChat})

	ok, msg := c.SafeRestart("test", PolicyRescueAndReset)
	assert.True(t, ok)
	assert.Equal(t, "clean", msg)

	// The lock stays held for the successor; the snapshot exists.
	held, _ := LockHeld(dataDir)
	assert.True(t, held)
	_, err := os.Stat(queue.SnapshotPath(dataDir))
	assert.NoError(t, err)
}

func TestSafeRestartRescuesUnsyncedWork(t *testing.T) {
	c, _, _ := newCoordinator(t)
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		commitOnDev(t, c.repo.Dir(), name)
	}

	ok, msg := c.SafeRestart("test", PolicyRescueAndReset)
	require.True(t, ok, msg)
	assert.Contains(t, msg, "rescued to rescue/")
	assert.Contains(t, msg, "3 unsynced commit(s)")

	// Dev is back at stable: no divergence left.
	unsynced, err := c.repo.UnsyncedCommits()
	require.NoError(t, err)
	assert.Empty(t, unsynced)
}

func TestSafeRestartFailPolicyAborts(t *testing.T) {
	c, dataDir, _ := newCoordinator(t)
	commitOnDev(t, c.repo.Dir(), "a.txt")

	ok, msg := c.SafeRestart("test", PolicyFail)
	assert.False(t, ok)
	assert.Equal(t, "has_unsynced", msg)

	// Aborting released the lock.
	held, _ := LockHeld(dataDir)
	assert.False(t, held)
}

func TestConcurrentSafeRestartExactlyOneWins(t *testing.T) {
	c, _, _ := newCoordinator(t)

	const n = 8
	var wg sync.WaitGroup
	results := make([]bool, n)
	messages := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], messages[i] = c.SafeRestart("race", PolicyRescueAndReset)
		}(i)
	}
	wg.Wait()

	wins := 0
	for i, ok := range results {
		if ok {
			wins++
		} else {
			assert.Equal(t, "already_restarting", messages[i])
		}
	}
	assert.Equal(t, 1, wins)
}

func TestStaleLockCheckClearsDeadHolder(t *testing.T) {
	dataDir := t.TempDir()
	require.NoError(t, os.WriteFile(LockPath(dataDir), []byte("999999999 0\n"), 0o644))

	StaleLockCheck(dataDir, logging.NewDiscard())

	held, _ := LockHeld(dataDir)
	assert.False(t, held)
}

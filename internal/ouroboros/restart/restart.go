// Package restart implements the safe-restart protocol: stash unsynced
// repository work, snapshot the queue, kill the workers, and re-exec the
// supervisor binary. A lock file makes the sequence mutually exclusive
// with a second restart attempt; the new process releases the lock only
// once it has restored the snapshot and is ready.
package restart

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/errs"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/pool"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/queue"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/repo"
)

// UnsyncedPolicy decides what happens to commits ahead of stable.
type UnsyncedPolicy string

const (
	// PolicyRescueAndReset stashes unsynced commits on a rescue branch and
	// resets dev to stable.
	PolicyRescueAndReset UnsyncedPolicy = "rescue_and_reset"
	// PolicyFail aborts the restart when unsynced commits exist.
	PolicyFail UnsyncedPolicy = "fail"
)

// LockPath returns the restart lock file under dataDir.
func LockPath(dataDir string) string {
	return filepath.Join(dataDir, ".restart.lock")
}

// Coordinator runs the safe-restart sequence.
type Coordinator struct {
	dataDir string
	repo    *repo.Repo
	queue   *queue.Queue
	pool    *pool.Pool
	logger  *slog.Logger

	// execFn is swapped out in tests; production re-execs the binary.
	execFn func() error
}

// New creates a Coordinator.
func New(dataDir string, r *repo.Repo, q *queue.Queue, p *pool.Pool, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{dataDir: dataDir, repo: r, queue: q, pool: p, logger: logger, execFn: reexec}
}

// SafeRestart performs the stash/snapshot/kill portion of the protocol and
// reports (ok, message). On ok the process is ready for Exec; the lock is
// deliberately left held for the successor to release via ReleaseLock.
func (c *Coordinator) SafeRestart(reason string, policy UnsyncedPolicy) (bool, string) {
	release, err := c.acquireLock()
	if err != nil {
		return false, "already_restarting"
	}

	c.logger.Info("safe restart starting", "reason", reason, "policy", policy)

	if err := c.queue.PersistSnapshot(queue.SnapshotPath(c.dataDir), "safe_restart:"+reason); err != nil {
		release()
		return false, fmt.Sprintf("snapshot failed: %v", err)
	}

	unsynced, err := c.repo.UnsyncedCommits()
	if err != nil {
		release()
		return false, fmt.Sprintf("divergence inspection failed: %v", err)
	}

	message := "clean"
	if len(unsynced) > 0 {
		switch policy {
		case PolicyRescueAndReset:
			rescue, err := c.repo.RescueAndReset(time.Now())
			if err != nil {
				release()
				return false, fmt.Sprintf("rescue failed: %v", err)
			}
			message = fmt.Sprintf("rescued to %s (%s)", rescue, c.repo.DivergenceSummary(unsynced))
		case PolicyFail:
			release()
			return false, "has_unsynced"
		default:
			release()
			return false, fmt.Sprintf("unknown unsynced policy %q", policy)
		}
	}

	c.pool.KillWorkers()
	c.logger.Info("safe restart prepared", "message", message)
	return true, message
}

// Exec replaces the current process image with a fresh supervisor carrying
// the same arguments. Only returns on failure.
func (c *Coordinator) Exec() error {
	if err := c.execFn(); err != nil {
		// Exec failed: release the lock so the still-running process can
		// try again rather than wedging every future restart.
		ReleaseLock(c.dataDir)
		return errs.NewFatal(err, "re-exec failed")
	}
	return nil
}

func reexec() error {
	self, err := os.Executable()
	if err != nil {
		return err
	}
	return syscall.Exec(self, os.Args, os.Environ())
}

// acquireLock takes the restart lock exclusively; exactly one concurrent
// caller wins.
func (c *Coordinator) acquireLock() (func(), error) {
	path := LockPath(c.dataDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(f, "%d %s\n", os.Getpid(), strconv.FormatInt(time.Now().Unix(), 10))
	f.Close()
	return func() { ReleaseLock(c.dataDir) }, nil
}

// ReleaseLock removes the restart lock. The freshly exec'd supervisor
// calls this once its snapshot restore succeeded and it is serving again.
func ReleaseLock(dataDir string) {
	_ = os.Remove(LockPath(dataDir))
}

// LockHeld reports whether a restart lock currently exists, and by whom.
func LockHeld(dataDir string) (bool, string) {
	data, err := os.ReadFile(LockPath(dataDir))
	if err != nil {
		return false, ""
	}
	return true, string(data)
}

// StaleLockCheck clears a lock left behind by a crashed predecessor: if
// the recorded pid no longer exists, the lock is released. Called by the
// new process before deciding a held lock is fatal.
func StaleLockCheck(dataDir string, logger *slog.Logger) {
	data, err := os.ReadFile(LockPath(dataDir))
	if err != nil {
		return
	}
	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil || pid <= 0 {
		ReleaseLock(dataDir)
		return
	}
	if pid == os.Getpid() {
		return
	}
	if proc, err := os.FindProcess(pid); err == nil {
		if err := proc.Signal(syscall.Signal(0)); err == nil {
			return // holder still alive
		}
	}
	if logger != nil {
		logger.Warn("clearing stale restart lock", "pid", pid)
	}
	ReleaseLock(dataDir)
}

package queue

import (
	"encoding/json"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/errs"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/filestore"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/task"
)

// Snapshot is the on-disk mirror of pending+running, written after every
// modifying operation and read back by a restarted supervisor.
type Snapshot struct {
	Pending []task.Task `json:"pending"`
	Running []task.Task `json:"running"`
	Reason  string      `json:"reason,omitempty"`
}

// PersistSnapshot writes the current pending+running sets to path,
// atomically. reason is recorded for operator-facing debugging only.
func (q *Queue) PersistSnapshot(path, reason string) error {
	q.mu.Lock()
	snap := Snapshot{
		Pending: append([]task.Task(nil), q.pending...),
		Reason:  reason,
	}
	for _, t := range q.running {
		snap.Running = append(snap.Running, t)
	}
	q.mu.Unlock()

	data, err := filestore.MarshalJSONIndent(snap)
	if err != nil {
		return err
	}
	return filestore.AtomicWrite(path, data, 0o644)
}

// RestorePendingFromSnapshot reads path and restores the union of its
// pending and running tasks as the new pending set: the workers that
// owned any previously-running task are dead, so those tasks are
// re-queued as pending with priority boosted by one step and a
// retried=true marker. Returns the count of tasks restored.
// A missing snapshot file is not an error (count 0). A corrupt snapshot
// is quarantined and reported via the returned error, with 0 restored.
func (q *Queue) RestorePendingFromSnapshot(path string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	data, err := filestore.ReadFileOrEmpty(path)
	if err != nil {
		return 0, err
	}
	if data == nil {
		return 0, nil
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		dest, qerr := filestore.QuarantineCorrupt(path, time.Now().Unix())
		if qerr != nil {
			return 0, errs.NewStateCorruption(err, path, "queue_snapshot.json unparseable and could not be quarantined")
		}
		logger.Error("queue_snapshot.json corrupt, quarantined", "path", path, "quarantined_to", dest, "error", err)
		return 0, errs.NewStateCorruption(err, path, "queue_snapshot.json was corrupt; quarantined to "+dest)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	restored := 0
	for _, t := range snap.Pending {
		q.enqueueLocked(t)
		restored++
	}
	for _, t := range snap.Running {
		t.AssignedTo = ""
		t.StartedAt = nil
		if t.Priority > 0 {
			t.Priority--
		}
		t.Retried = true
		t.RetryCount++
		q.enqueueLocked(t)
		restored++
	}
	return restored, nil
}

// SnapshotPath is a small helper matching the data-directory layout.
func SnapshotPath(dataDir string) string {
	return filepath.Join(dataDir, "queue_snapshot.json")
}

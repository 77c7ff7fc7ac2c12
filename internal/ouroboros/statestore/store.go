package statestore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/errs"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/filestore"
)

// DefaultChatLogRotateBytes is the default append-only chat log rotation
// threshold.
const DefaultChatLogRotateBytes = 5 * 1024 * 1024

// Store owns state.json under dataDir, guarded by an in-process mutex and
// a cross-process lock directory (mkdir-based) so a concurrently running
// restart coordinator can't race the outgoing supervisor's writes.
type Store struct {
	path         string
	lockDir      string
	chatLogPath  string
	rotateBytes  int64
	logger       *slog.Logger

	mu sync.Mutex
}

// New creates a Store rooted at dataDir. rotateBytes<=0 uses the default.
func New(dataDir string, rotateBytes int64, logger *slog.Logger) *Store {
	if rotateBytes <= 0 {
		rotateBytes = DefaultChatLogRotateBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:        filepath.Join(dataDir, "state.json"),
		lockDir:     filepath.Join(dataDir, ".state.lock"),
		chatLogPath: filepath.Join(dataDir, "chat.jsonl"),
		rotateBytes: rotateBytes,
		logger:      logger,
	}
}

// Path returns the state.json path, used by the dashboard and restart
// coordinator to locate the file directly.
func (s *Store) Path() string { return s.path }

// Load reads state.json, falling back to a fresh default state and
// quarantining the offending file when JSON parsing fails (StateCorrupt).
func (s *Store) Load(defaultBudgetUSD float64) (State, error) {
	data, err := filestore.ReadFileOrEmpty(s.path)
	if err != nil {
		return State{}, fmt.Errorf("statestore: read %s: %w", s.path, err)
	}
	if data == nil {
		return Default(defaultBudgetUSD), nil
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		dest, qerr := filestore.QuarantineCorrupt(s.path, time.Now().Unix())
		if qerr != nil {
			return State{}, errs.NewStateCorruption(err, s.path, "state.json unparseable and could not be quarantined")
		}
		s.logger.Error("state.json corrupt, quarantined and falling back to defaults",
			"path", s.path, "quarantined_to", dest, "error", err)
		fresh := Default(defaultBudgetUSD)
		corruptErr := errs.NewStateCorruption(err, s.path, "state.json was corrupt; quarantined to "+dest+" and reset to defaults")
		return fresh, corruptErr
	}
	return st, nil
}

// Save serializes st and writes it atomically (temp file, fsync, rename).
func (s *Store) Save(st State) error {
	data, err := filestore.MarshalJSONIndent(st)
	if err != nil {
		return fmt.Errorf("statestore: marshal: %w", err)
	}
	return filestore.AtomicWrite(s.path, data, 0o644)
}

// Mutate loads, applies fn under the in-process mutex and the
// cross-process lock directory, then saves — a crash-safe
// read-modify-write cycle used by every component that touches State.
func (s *Store) Mutate(defaultBudgetUSD float64, fn func(*State)) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	release, err := s.acquireLock()
	if err != nil {
		return State{}, err
	}
	defer release()

	st, loadErr := s.Load(defaultBudgetUSD)
	// A StateCorrupt load error still returns a usable fresh state; proceed
	// with the mutation rather than aborting it, but propagate the error
	// to the caller once the mutation has been durably applied.
	fn(&st)
	if saveErr := s.Save(st); saveErr != nil {
		return st, saveErr
	}
	return st, loadErr
}

// acquireLock takes the cross-process mkdir lock with a short bounded
// spin, keeping main-loop stalls around 100ms worst case.
func (s *Store) acquireLock() (func(), error) {
	if err := filestore.EnsureParentDir(s.lockDir); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(100 * time.Millisecond)
	for {
		err := os.Mkdir(s.lockDir, 0o755)
		if err == nil {
			return func() { _ = os.RemoveAll(s.lockDir) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("statestore: acquire lock: %w", err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("statestore: lock %s held by another process", s.lockDir)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// RotateChatLogIfNeeded checks the append-only chat log size and, if it
// exceeds the configured threshold, renames it aside with a timestamp
// suffix. Opportunistic: a failed stat or rename is logged, not fatal.
func (s *Store) RotateChatLogIfNeeded() {
	info, err := os.Stat(s.chatLogPath)
	if err != nil {
		return
	}
	if info.Size() < s.rotateBytes {
		return
	}
	rotated := s.chatLogPath + "." + strconv.FormatInt(time.Now().Unix(), 10)
	if err := os.Rename(s.chatLogPath, rotated); err != nil {
		s.logger.Warn("chat log rotation failed", "path", s.chatLogPath, "error", err)
		return
	}
	s.logger.Info("chat log rotated", "path", s.chatLogPath, "rotated_to", rotated, "size", info.Size())
}

// AppendChatLog appends one JSON line to chat.jsonl.
func (s *Store) AppendChatLog(line ChatLogEntry) error {
	if err := filestore.EnsureParentDir(s.chatLogPath); err != nil {
		return err
	}
	data, err := json.Marshal(line)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(s.chatLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

// ChatLogEntry is one line of chat.jsonl.
type ChatLogEntry struct {
	Direction string    `json:"direction"` // "in" or "out"
	ChatID    int64     `json:"chat_id"`
	UserID    string    `json:"user_id,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"ts"`
}

// ChatLogPath returns the append-only chat transcript path.
func (s *Store) ChatLogPath() string { return s.chatLogPath }

// Package repo wraps the version-control operations the supervisor needs
// at restart points: divergence inspection between the dev and stable
// branches, rescue-branch creation, and the hard reset that returns dev to
// the last known-good state.
package repo

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
)

const (
	// DefaultBranchDev is the branch workers commit to.
	DefaultBranchDev = "ouroboros"
	// DefaultBranchStable is the last known-good branch safe restarts
	// reset to.
	DefaultBranchStable = "ouroboros-stable"
)

// Commit is one unsynced commit ahead of stable.
type Commit struct {
	Hash    string
	Subject string
}

// Repo operates on the managed source tree.
type Repo struct {
	dir          string
	branchDev    string
	branchStable string
	logger       *slog.Logger
}

// New creates a Repo over dir. Empty branch names use the defaults.
func New(dir, branchDev, branchStable string, logger *slog.Logger) *Repo {
	if branchDev == "" {
		branchDev = DefaultBranchDev
	}
	if branchStable == "" {
		branchStable = DefaultBranchStable
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Repo{dir: dir, branchDev: branchDev, branchStable: branchStable, logger: logger}
}

// Dir returns the working tree path.
func (r *Repo) Dir() string { return r.dir }

// BranchDev returns the dev branch name.
func (r *Repo) BranchDev() string { return r.branchDev }

func (r *Repo) git(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = r.dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("repo: git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// EnsurePresent initializes the managed tree on first run: git init, an
// empty initial commit, and both branches pointing at it.
func (r *Repo) EnsurePresent() error {
	if _, err := os.Stat(r.dir + "/.git"); err == nil {
		return nil
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return err
	}

	steps := [][]string{
		{"init"},
		{"config", "user.name", "Ouroboros"},
		{"config", "user.email", "ouroboros@localhost"},
		{"commit", "--allow-empty", "-m", "Initial commit"},
		{"branch", "-M", r.branchDev},
		{"branch", r.branchStable},
	}
	for _, step := range steps {
		if _, err := r.git(step...); err != nil {
			return err
		}
	}
	r.logger.Info("repository bootstrapped", "dir", r.dir, "dev", r.branchDev, "stable", r.branchStable)
	return nil
}

// CurrentBranch returns the checked-out branch name.
func (r *Repo) CurrentBranch() (string, error) {
	return r.git("rev-parse", "--abbrev-ref", "HEAD")
}

// UnsyncedCommits lists commits on dev that stable doesn't have, newest
// first.
func (r *Repo) UnsyncedCommits() ([]Commit, error) {
	out, err := r.git("log", "--format=%H%x00%s", r.branchStable+".."+r.branchDev)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}

	var commits []Commit
	for _, line := range strings.Split(out, "\n") {
		hash, subject, _ := strings.Cut(line, "\x00")
		commits = append(commits, Commit{Hash: hash, Subject: subject})
	}
	return commits, nil
}

// RescueAndReset creates a timestamped rescue branch at the current dev
// head, then hard-resets dev to stable. Returns the rescue branch name.
func (r *Repo) RescueAndReset(now time.Time) (string, error) {
	rescue := fmt.Sprintf("rescue/%s", now.UTC().Format("20060102-150405"))
	if _, err := r.git("branch", rescue, r.branchDev); err != nil {
		return "", err
	}
	if _, err := r.git("checkout", r.branchDev); err != nil {
		return rescue, err
	}
	if _, err := r.git("reset", "--hard", r.branchStable); err != nil {
		return rescue, err
	}
	r.logger.Info("unsynced work rescued", "rescue_branch", rescue, "reset_to", r.branchStable)
	return rescue, nil
}

// DivergenceSummary renders a short human description of how dev's tree
// differs from stable's, for the safe-restart rescue notice: the two
// branch tree listings are diffed and the changed path count reported
// alongside the unsynced commit subjects.
func (r *Repo) DivergenceSummary(commits []Commit) string {
	if len(commits) == 0 {
		return "no unsynced commits"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d unsynced commit(s)", len(commits))

	stableTree, err1 := r.git("ls-tree", "-r", "--name-only", r.branchStable)
	devTree, err2 := r.git("ls-tree", "-r", "--name-only", r.branchDev)
	if err1 == nil && err2 == nil {
		dmp := diffmatchpatch.New()
		added, removed := 0, 0
		for _, d := range dmp.DiffMain(stableTree+"\n", devTree+"\n", true) {
			n := strings.Count(d.Text, "\n")
			switch d.Type {
			case diffmatchpatch.DiffInsert:
				added += n
			case diffmatchpatch.DiffDelete:
				removed += n
			}
		}
		if added+removed > 0 {
			fmt.Fprintf(&b, ", ~%d path(s) added, ~%d removed", added, removed)
		}
	}

	b.WriteString(":")
	max := len(commits)
	if max > 5 {
		max = 5
	}
	for _, c := range commits[:max] {
		short := c.Hash
		if len(short) > 8 {
			short = short[:8]
		}
		fmt.Fprintf(&b, "\n  %s %s", short, c.Subject)
	}
	if len(commits) > max {
		fmt.Fprintf(&b, "\n  … and %d more", len(commits)-max)
	}
	return b.String()
}

// Package bootstrap prepares the on-disk layout on first run: the data
// directory tree, the world-profile document, the default safety policy
// file, and the managed repository.
package bootstrap

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/config"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/filestore"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/repo"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/safety"
)

// WorldProfilePath returns memory/WORLD.md under dataDir.
func WorldProfilePath(dataDir string) string {
	return filepath.Join(dataDir, "memory", "WORLD.md")
}

// Run performs first-run setup; every step is idempotent.
func Run(cfg config.Config, r *repo.Repo, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	for _, dir := range []string{
		cfg.DataDir,
		filepath.Join(cfg.DataDir, "logs"),
		filepath.Join(cfg.DataDir, "memory"),
	} {
		if err := filestore.EnsureDir(dir); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
	}

	if err := writeWorldProfile(cfg, logger); err != nil {
		return err
	}
	if err := writeDefaultPolicy(cfg.SafetyPolicyPath, logger); err != nil {
		return err
	}
	if r != nil {
		if err := r.EnsurePresent(); err != nil {
			return fmt.Errorf("bootstrap: repo: %w", err)
		}
	}
	return nil
}

// writeWorldProfile generates memory/WORLD.md once: a snapshot of the host
// environment the agent wakes up in, fed into worker prompts as ambient
// context.
func writeWorldProfile(cfg config.Config, logger *slog.Logger) error {
	path := WorldProfilePath(cfg.DataDir)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	hostname, _ := os.Hostname()
	doc := fmt.Sprintf(`# World Profile

Generated at bootstrap on %s.

## Host

- hostname: %s
- os/arch: %s/%s
- cpus: %d

## Layout

- data directory: %s
- managed repository: %s

## Identity

You are Ouroboros, a self-modifying coding agent. Your working tree is the
managed repository above; your owner talks to you over the chat bridge.
Improvements you commit to the dev branch survive a safe restart only once
they reach the stable branch.
`,
		time.Now().UTC().Format(time.RFC3339),
		hostname, runtime.GOOS, runtime.GOARCH, runtime.NumCPU(),
		cfg.DataDir, cfg.RepoDir,
	)

	if err := filestore.AtomicWrite(path, []byte(doc), 0o644); err != nil {
		return fmt.Errorf("bootstrap: world profile: %w", err)
	}
	logger.Info("world profile generated", "path", path)
	return nil
}

// writeDefaultPolicy materializes the default safety policy document when
// none exists, keeping the policy as data rather than code.
func writeDefaultPolicy(path string, logger *slog.Logger) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	data, err := yaml.Marshal(safety.DefaultPolicy())
	if err != nil {
		return fmt.Errorf("bootstrap: marshal default policy: %w", err)
	}
	if err := filestore.AtomicWrite(path, data, 0o644); err != nil {
		return fmt.Errorf("bootstrap: safety policy: %w", err)
	}
	logger.Info("default safety policy written", "path", path)
	return nil
}

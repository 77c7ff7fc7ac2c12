package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/config"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/supervisor"
)

func supervisorPID(dataDir string) (int, error) {
	data, err := os.ReadFile(supervisor.PIDPath(dataDir))
	if err != nil {
		return 0, fmt.Errorf("no running supervisor found (pidfile missing): %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("malformed pidfile")
	}
	return pid, nil
}

// newPanicCmd is the operator-facing equivalent of the /panic chat
// command: stop the supervisor immediately, no graceful anything.
func newPanicCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "panic",
		Short: "Kill the running supervisor immediately",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := config.Load(config.WithOverrides(config.Overrides{DataDir: dataDir}))
			if err != nil {
				return err
			}
			pid, err := supervisorPID(cfg.DataDir)
			if err != nil {
				return err
			}
			if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
				return fmt.Errorf("kill %d: %w", pid, err)
			}
			fmt.Printf("🛑 supervisor %d killed\n", pid)
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "data directory (default ~/.ouroboros)")
	return cmd
}

// newRestartCmd triggers the safe-restart protocol in the running
// supervisor via SIGHUP.
func newRestartCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Trigger a safe restart of the running supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := config.Load(config.WithOverrides(config.Overrides{DataDir: dataDir}))
			if err != nil {
				return err
			}
			pid, err := supervisorPID(cfg.DataDir)
			if err != nil {
				return err
			}
			if err := syscall.Kill(pid, syscall.SIGHUP); err != nil {
				return fmt.Errorf("signal %d: %w", pid, err)
			}
			fmt.Printf("♻️ safe restart requested from supervisor %d\n", pid)
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "data directory (default ~/.ouroboros)")
	return cmd
}

package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/config"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/llmclient"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/logging"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/workerproc"
)

// newWorkerCmd is the internal entry point the worker pool execs for each
// child process. The two pipes arrive as inherited file descriptors.
func newWorkerCmd() *cobra.Command {
	var (
		id      string
		eventFD int
		taskFD  int
		dataDir string
	)

	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Internal: run one worker process (spawned by the supervisor)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id is required")
			}

			cfg, _, err := config.Load(config.WithOverrides(config.Overrides{DataDir: dataDir}))
			if err != nil {
				return err
			}

			logger, closeLog, err := logging.New("", slog.LevelInfo)
			if err != nil {
				return err
			}
			defer closeLog()
			logger = logger.With("worker_id", id)

			events := os.NewFile(uintptr(eventFD), "event-pipe")
			tasks := os.NewFile(uintptr(taskFD), "task-pipe")
			if events == nil || tasks == nil {
				return fmt.Errorf("worker pipes unavailable (fds %d/%d)", eventFD, taskFD)
			}
			defer events.Close()
			defer tasks.Close()

			var client llmclient.Client
			if cfg.APIKey != "" {
				client = llmclient.NewHTTPClient(llmclient.Config{APIKey: cfg.APIKey, BaseURL: cfg.APIBaseURL})
			}

			runner := workerproc.New(id, events, tasks, client, cfg.ModelMain, logger)
			return runner.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "worker id assigned by the supervisor")
	cmd.Flags().IntVar(&eventFD, "event-fd", 3, "inherited descriptor for the event pipe (write end)")
	cmd.Flags().IntVar(&taskFD, "task-fd", 4, "inherited descriptor for the task pipe (read end)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "data directory")
	return cmd
}

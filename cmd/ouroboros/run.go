package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/asyncutil"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/config"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/logging"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/supervisor"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/telemetry"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/transport"
)

func newRunCmd() *cobra.Command {
	var (
		dataDir     string
		workerCount int
		interactive bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the supervisor main loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := config.Load(config.WithOverrides(config.Overrides{
				DataDir:     dataDir,
				WorkerCount: workerCount,
			}))
			if err != nil {
				return err
			}

			logger, closeLog, err := logging.New(cfg.DataDir, slog.LevelInfo)
			if err != nil {
				return err
			}
			defer closeLog()

			metrics, err := telemetry.Init()
			if err != nil {
				return err
			}
			defer metrics.Shutdown(cmd.Context())

			opts := supervisor.Options{Logger: logger, Metrics: metrics}

			// Interactive local runs drive the owner prompt on this
			// terminal; otherwise the configured transport applies.
			var local *transport.Local
			if interactive && cfg.ChatTransport == "local" {
				local = transport.NewLocal(false)
				opts.Transport = local
			}

			s, err := supervisor.New(cfg, opts)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if local != nil {
				asyncutil.Go(logger, "run.prompt", func() {
					local.RunPromptLoop(ctx, "local-owner")
					stop()
				})
			}

			return s.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "", "data directory (default ~/.ouroboros)")
	cmd.Flags().IntVar(&workerCount, "workers", 0, "worker process count (1-10)")
	cmd.Flags().BoolVar(&interactive, "interactive", true, "drive the local owner prompt on this terminal")
	return cmd
}

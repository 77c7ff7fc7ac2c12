package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/config"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/dashboard"
	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/tui"
)

func newStatusCmd() *cobra.Command {
	var (
		dataDir string
		watch   bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the running supervisor's status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := config.Load(config.WithOverrides(config.Overrides{DataDir: dataDir}))
			if err != nil {
				return err
			}
			url := "http://" + cfg.DashboardAddr + "/status"

			if watch {
				return tui.Run(url)
			}

			client := http.Client{Timeout: 3 * time.Second}
			resp, err := client.Get(url)
			if err != nil {
				return fmt.Errorf("supervisor unreachable at %s: %w", cfg.DashboardAddr, err)
			}
			defer resp.Body.Close()

			var snap dashboard.Snapshot
			if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
				return err
			}
			printSnapshot(snap)
			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "", "data directory (default ~/.ouroboros)")
	cmd.Flags().BoolVar(&watch, "watch", false, "live-refreshing terminal view")
	return cmd
}

func printSnapshot(snap dashboard.Snapshot) {
	bold := color.New(color.Bold).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()
	warn := color.New(color.FgRed, color.Bold).SprintFunc()

	fmt.Println(bold("Ouroboros supervisor"))
	budget := fmt.Sprintf("budget   $%.4f / $%.2f", snap.State.SpentUSD, snap.State.BudgetLimitUSD)
	if snap.State.Exhausted() {
		budget += "  " + warn("EXHAUSTED")
	}
	fmt.Println(budget)
	fmt.Printf("branch   %s\n", snap.State.CurrentBranch)
	fmt.Printf("queue    %d pending / %d running\n", len(snap.Pending), len(snap.Running))
	fmt.Printf("workers  %d\n", len(snap.Workers))
	for _, w := range snap.Workers {
		current := w.CurrentTaskID
		if current == "" {
			current = gray("idle")
		}
		fmt.Printf("  %-10s %s\n", w.ID, current)
	}
	if snap.EventsDropped > 0 {
		fmt.Println(warn(fmt.Sprintf("events dropped: %d", snap.EventsDropped)))
	}
	fmt.Println(gray("updated " + snap.UpdatedAt.Format(time.RFC3339)))
}

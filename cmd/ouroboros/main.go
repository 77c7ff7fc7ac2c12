// Command ouroboros is the supervisor binary: `run` starts the main loop,
// `worker` is the internal entry point the pool execs for each child, and
// the remaining subcommands are operator-facing equivalents of the chat
// commands for when the chat transport itself is down.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

func main() {
	root := &cobra.Command{
		Use:           "ouroboros",
		Short:         "Self-modifying autonomous coding agent supervisor",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newRunCmd(),
		newWorkerCmd(),
		newStatusCmd(),
		newPanicCmd(),
		newRestartCmd(),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the supervisor version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ouroboros %s\n", version)
		},
	}
}

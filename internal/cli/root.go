package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Execute runs the meditrack command tree.
func Execute() error {
	return NewRootCmd().Execute()
}

// NewRootCmd builds the meditrack command with all subcommands.
func NewRootCmd() *cobra.Command {
	a := &app{}
	var envFile string

	root := &cobra.Command{
		Use:           "meditrack",
		Short:         "Medication adherence tracking and reminder server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(envFile)
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file read before the environment; ignored when missing")

	root.AddCommand(
		newServeCmd(a),
		newMigrateCmd(a),
		newSeedCmd(a),
		newDispatchCmd(a),
		newStatsCmd(a),
	)
	return root
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// Main is the process entry point.
func Main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "meditrack:", err)
		os.Exit(1)
	}
}

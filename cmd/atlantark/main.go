// Command atlantark signs in to Atlant-Ark and keeps the session alive from
// a terminal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rf := &rootFlags{}

	root := &cobra.Command{
		Use:           "atlantark",
		Short:         "Atlant-Ark session client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&rf.configPath, "config", "", "config file (env CONFIG_PATH, default ./atlantark.yaml)")
	root.PersistentFlags().StringVar(&rf.out, "out", "text", "output format: text|json")
	root.PersistentFlags().StringVar(&rf.logLevel, "log-level", "", "override log.level")

	root.AddCommand(
		newLoginCmd(rf),
		newIngestCmd(rf),
		newStatusCmd(rf),
		newLogoutCmd(rf),
		newCallCmd(rf),
		newWatchCmd(rf),
		newConfigCmd(rf),
	)
	return root
}

// Command marketpipe runs the multi-venue market data pipeline. The run
// subcommand ingests live venue streams and publishes consolidated metrics;
// the replay subcommand re-emits journalled events deterministically.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.New(os.Stdout, "marketpipe ", log.LstdFlags|log.Lmicroseconds)

	if err := newRootCmd(logger).ExecuteContext(ctx); err != nil {
		logger.Printf("fatal: %v", err)
		os.Exit(1)
	}
}

func newRootCmd(logger *log.Logger) *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "marketpipe",
		Short:         "Multi-venue market data ingestion and consolidation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML config (default config/app.yaml)")
	root.AddCommand(newRunCmd(logger, &configPath))
	root.AddCommand(newReplayCmd(logger))
	return root
}

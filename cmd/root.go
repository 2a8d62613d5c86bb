// Package cmd defines and implements the CLI commands for the ladder-crawler executable.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/ladder-crawler/internal/logging"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ladder-crawler",
		Short: "Crawls ranked ladders and the games their players play.",
		Long: `ladder-crawler walks a game-statistics API starting from the top of the
ranked ladder. Every qualified player's recent games are registered and the
players met in them are looked up, ranked and crawled in turn, until no
player is left to visit.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON)")
	cmd.AddCommand(newCrawlCmd())

	return cmd
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the running crawl.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		logger, lerr := logging.New(false, "")
		if lerr != nil {
			logger = zap.NewExample()
		}
		logger.Fatal("Command execution failed", zap.Error(err))
	}
}

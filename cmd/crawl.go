package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/ladder-crawler/internal/app"
	"github.com/JakeFAU/ladder-crawler/internal/config"
	"github.com/JakeFAU/ladder-crawler/internal/logging"
	"github.com/JakeFAU/ladder-crawler/internal/metrics"
)

type crawlOptions struct {
	servers  []string
	seedFile string
}

// newCrawlCmd creates the 'crawl' subcommand.
func newCrawlCmd() *cobra.Command {
	var opts crawlOptions
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawls every configured server until its frontier is exhausted",
		Long: `Loads the configuration and the API key, then crawls each configured
server concurrently. Output is appended to {server}log.txt,
{server}players.txt and {server}games.txt under output.dir.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringSliceVar(&opts.servers, "servers", nil, "servers to crawl (overrides riot.servers)")
	cmd.Flags().StringVar(&opts.seedFile, "seed-file", "", "file of player ids to seed from instead of the ladder")
	return cmd
}

func runCrawl(ctx context.Context, opts crawlOptions) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if len(opts.servers) > 0 {
		cfg.Riot.Servers = opts.servers
	}
	if opts.seedFile != "" {
		cfg.Riot.SeedPlayersFile = opts.seedFile
	}

	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	apiKey, err := cfg.ResolveAPIKey()
	if err != nil {
		return fmt.Errorf("resolve api key: %w", err)
	}
	var seeds []string
	if cfg.Riot.SeedPlayersFile != "" {
		seeds, err = config.ReadSeedPlayers(cfg.Riot.SeedPlayersFile)
		if err != nil {
			return err
		}
	}

	metrics.Init()
	services, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		if cerr := services.Close(); cerr != nil {
			logger.Warn("Error closing application services", zap.Error(cerr))
		}
	}()

	logger.Info("Starting crawl",
		zap.Strings("servers", cfg.Riot.Servers),
		zap.String("mode", cfg.Riot.Mode),
		zap.Int("seed_players", len(seeds)),
	)
	summaries, err := services.Run(ctx, apiKey, seeds)
	for _, s := range summaries {
		logger.Info("Crawl summary",
			zap.String("server", s.Server),
			zap.String("run_id", s.RunID),
			zap.Int("players", s.TotalPlayers()),
			zap.Int("games", s.TotalGames()),
			zap.Int64("bad_requests", s.BadRequests),
			zap.Int("failed_tasks", s.FailedTasks),
			zap.Duration("elapsed", s.Elapsed),
		)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run crawl: %w", err)
	}

	logger.Info("Crawl command finished.")
	return nil
}

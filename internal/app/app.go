// Package app holds the long-lived services of a crawl and runs one worker per
// configured server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/ladder-crawler/internal/api"
	"github.com/JakeFAU/ladder-crawler/internal/clock/system"
	"github.com/JakeFAU/ladder-crawler/internal/config"
	"github.com/JakeFAU/ladder-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/ladder-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/ladder-crawler/internal/governor"
	idgen "github.com/JakeFAU/ladder-crawler/internal/id/uuid"
	"github.com/JakeFAU/ladder-crawler/internal/journal"
	"github.com/JakeFAU/ladder-crawler/internal/logging"
	"github.com/JakeFAU/ladder-crawler/internal/policy/ratelimit"
	pubsubpublisher "github.com/JakeFAU/ladder-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/ladder-crawler/internal/query"
	"github.com/JakeFAU/ladder-crawler/internal/riot"
	"github.com/JakeFAU/ladder-crawler/internal/storage/gcs"
	"github.com/JakeFAU/ladder-crawler/internal/storage/postgres"
	"github.com/JakeFAU/ladder-crawler/internal/telemetry"
	"github.com/JakeFAU/ladder-crawler/internal/worker"
)

const shutdownTimeout = 5 * time.Second

// RunStore mirrors crawl output and run bookkeeping to a database.
type RunStore interface {
	crawler.Store
	StartRun(ctx context.Context, runID, server string, startedAt time.Time) error
	FinishRun(ctx context.Context, summary crawler.Summary, finishedAt time.Time, runErr error) error
}

// Archiver uploads a run's output files.
type Archiver interface {
	Archive(ctx context.Context, runID string, files ...string) ([]string, error)
}

// App holds the services shared by every server's crawl. The governor is
// process-wide; stores and sinks are optional and enabled by configuration.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	clock     crawler.Clock
	ids       crawler.IDGenerator
	transport crawler.Transport
	governor  *governor.Governor
	store     RunStore
	publisher crawler.Publisher
	archiver  Archiver
	closers   []func() error
}

// Option customizes an App.
type Option func(*App)

// WithClock replaces the wall clock.
func WithClock(c crawler.Clock) Option {
	return func(a *App) { a.clock = c }
}

// WithIDs replaces the run id generator.
func WithIDs(ids crawler.IDGenerator) Option {
	return func(a *App) { a.ids = ids }
}

// WithTransport replaces the colly transport used by every query client.
func WithTransport(t crawler.Transport) Option {
	return func(a *App) { a.transport = t }
}

// WithStore replaces the Postgres store configured by db.dsn.
func WithStore(s RunStore) Option {
	return func(a *App) { a.store = s }
}

// WithPublisher replaces the Pub/Sub publisher configured by pubsub.project_id.
func WithPublisher(p crawler.Publisher) Option {
	return func(a *App) { a.publisher = p }
}

// WithArchiver replaces the GCS archiver configured by storage.gcs_bucket.
func WithArchiver(ar Archiver) Option {
	return func(a *App) { a.archiver = ar }
}

// New initializes the shared services. It fails fast when an enabled backend
// cannot be reached.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		ids:    idgen.New(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.transport == nil {
		a.transport = collyfetcher.New(collyfetcher.Config{
			UserAgent: cfg.HTTP.UserAgent,
			Timeout:   cfg.RequestTimeout(),
		})
	}
	a.governor = governor.New(governor.Config{
		Ceiling:  cfg.Governor.Ceiling,
		Cooldown: cfg.GovernorCooldown(),
	}, a.clock, logger)

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.ServiceName)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { return tp.Shutdown(context.Background()) })

	if err := a.openBackends(ctx); err != nil {
		return nil, errors.Join(err, a.Close())
	}
	return a, nil
}

func (a *App) openBackends(ctx context.Context) error {
	if a.store == nil && a.cfg.DB.DSN != "" {
		a.logger.Info("Connecting to PostgreSQL...")
		store, err := postgres.NewCrawlStore(ctx, postgres.Config{
			DSN:      a.cfg.DB.DSN,
			MaxConns: int32(a.cfg.DB.MaxConns),
		})
		if err != nil {
			return fmt.Errorf("init postgres: %w", err)
		}
		a.closers = append(a.closers, func() error { store.Close(); return nil })
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		a.store = store
	}

	if a.publisher == nil && a.cfg.PubSub.TopicName != "" {
		a.logger.Info("Connecting to GCP Pub/Sub", zap.String("topic", a.cfg.PubSub.TopicName))
		pub, err := pubsubpublisher.Open(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
		if err != nil {
			return fmt.Errorf("init pubsub: %w", err)
		}
		a.closers = append(a.closers, pub.Close)
		a.publisher = pub
	}

	if a.archiver == nil && a.cfg.Storage.GCSBucket != "" {
		a.logger.Info("Using GCS archive", zap.String("bucket", a.cfg.Storage.GCSBucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("create gcs client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		archiver, err := gcs.New(client, gcs.Config{
			Bucket: a.cfg.Storage.GCSBucket,
			Prefix: a.cfg.Storage.Prefix,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("init gcs archive: %w", err)
		}
		a.archiver = archiver
	}
	return nil
}

// Governor returns the process-wide governor.
func (a *App) Governor() *governor.Governor {
	return a.governor
}

// Close releases every backend opened by New, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Crawl is one server's worker together with its output files.
type Crawl struct {
	Server string
	RunID  string
	Worker *worker.Worker
	files  *journal.Files
	paths  []string
}

// NewCrawl opens the output files of server and builds its query client and
// worker. The query client's limiter is registered with the governor.
func (a *App) NewCrawl(server, apiKey string, seeds []string) (*Crawl, error) {
	runID, err := a.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("run id for %s: %w", server, err)
	}
	files, err := journal.OpenFiles(a.cfg.Output.Dir, server, a.clock)
	if err != nil {
		return nil, fmt.Errorf("open output for %s: %w", server, err)
	}
	logPath, playersPath, gamesPath := journal.Paths(a.cfg.Output.Dir, server)

	limiter := ratelimit.New(ratelimit.Config{
		Spacing:      a.cfg.RateLimitBuffer(),
		SafetyBuffer: a.cfg.SafetyBuffer(),
	}, a.clock)
	a.governor.Watch(limiter)
	client := query.New(
		query.Config{Server: server, Timeout: a.cfg.RequestTimeout()},
		a.transport,
		limiter,
		files.Log,
		logging.ForServer(a.logger, "query", server),
	)

	deps := worker.Deps{
		Querier:   client,
		Governor:  a.governor,
		Endpoints: riot.NewEndpoints(a.cfg.Riot.HostTemplate, server, apiKey),
		Clock:     a.clock,
		Journal:   files.Log,
		Players:   files.Players,
		Games:     files.Games,
		Logger:    a.logger,
	}
	if a.store != nil {
		deps.Store = a.store
	}
	if a.publisher != nil {
		deps.Publisher = a.publisher
	}
	w := worker.New(worker.Config{
		Server:             server,
		Mode:               a.cfg.Riot.Mode,
		SeedTiers:          a.cfg.Riot.SeedTiers,
		QualifiedTiers:     a.cfg.Riot.QualifiedTiers,
		SeedPlayers:        seeds,
		BatchSize:          a.cfg.Crawler.BatchSize,
		BatchCooldown:      a.cfg.BatchCooldown(),
		GroupSize:          a.cfg.Crawler.GroupSize,
		StabilityChecks:    a.cfg.Crawler.StabilityChecks,
		CompletionCooldown: a.cfg.CompletionCooldown(),
		ProgressEvery:      a.cfg.Crawler.ProgressEvery,
		MaxAttempts:        a.cfg.Crawler.MaxAttempts,
		Topic:              a.cfg.PubSub.TopicName,
		RunID:              runID,
	}, deps)

	return &Crawl{
		Server: server,
		RunID:  runID,
		Worker: w,
		files:  files,
		paths:  []string{logPath, playersPath, gamesPath},
	}, nil
}

// Run crawls every configured server concurrently and returns their
// summaries in configuration order. Each server keeps running when another
// fails; the first failure is returned.
func (a *App) Run(ctx context.Context, apiKey string, seeds []string) ([]crawler.Summary, error) {
	crawls := make([]*Crawl, 0, len(a.cfg.Riot.Servers))
	for _, server := range a.cfg.Riot.Servers {
		c, err := a.NewCrawl(server, apiKey, seeds)
		if err != nil {
			for _, opened := range crawls {
				_ = opened.files.Close()
			}
			return nil, err
		}
		crawls = append(crawls, c)
	}

	sources := make([]api.StatusSource, len(crawls))
	for i, c := range crawls {
		sources[i] = c.Worker
	}
	stop := a.serveStatus(sources)
	defer stop()

	summaries := make([]crawler.Summary, len(crawls))
	var g errgroup.Group
	for i, c := range crawls {
		g.Go(func() error {
			summary, err := a.runCrawl(ctx, c)
			summaries[i] = summary
			return err
		})
	}
	err := g.Wait()
	return summaries, err
}

func (a *App) runCrawl(ctx context.Context, c *Crawl) (crawler.Summary, error) {
	logger := logging.ForServer(a.logger, "app", c.Server)
	if a.store != nil {
		if err := a.store.StartRun(ctx, c.RunID, c.Server, a.clock.Now()); err != nil {
			logger.Warn("failed to record run start", zap.Error(err))
		}
	}

	summary, runErr := c.Worker.Run(ctx)

	if err := c.files.Close(); err != nil {
		logger.Warn("failed to close output files", zap.Error(err))
	}
	finishCtx := context.WithoutCancel(ctx)
	if a.store != nil {
		if err := a.store.FinishRun(finishCtx, summary, a.clock.Now(), runErr); err != nil {
			logger.Warn("failed to record run finish", zap.Error(err))
		}
	}
	if a.archiver != nil {
		if _, err := a.archiver.Archive(finishCtx, c.RunID, c.paths...); err != nil {
			logger.Warn("failed to archive output", zap.Error(err))
		}
	}
	return summary, runErr
}

// serveStatus starts the status API when server.port is set and returns a
// function that shuts it down.
func (a *App) serveStatus(sources []api.StatusSource) func() {
	if a.cfg.Server.Port <= 0 {
		return func() {}
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           api.NewServer(a.logger, sources...).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("Starting status server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Status server failed", zap.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			a.logger.Warn("Status server shutdown failed", zap.Error(err))
		}
	}
}

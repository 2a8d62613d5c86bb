// Package worker runs the ladder crawl for one server: seed scan, batch
// dispatch, per-player expansion, batched league lookups, game registration
// and completion detection.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ladder-crawler/internal/crawler"
	"github.com/JakeFAU/ladder-crawler/internal/dispatcher"
	"github.com/JakeFAU/ladder-crawler/internal/ledger"
	"github.com/JakeFAU/ladder-crawler/internal/logging"
	"github.com/JakeFAU/ladder-crawler/internal/metrics"
	"github.com/JakeFAU/ladder-crawler/internal/riot"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultMode               = "RANKED_SOLO_5x5"
	DefaultBatchSize          = 500
	DefaultBatchCooldown      = 200 * time.Second
	DefaultGroupSize          = 10
	DefaultStabilityChecks    = 12
	DefaultCompletionCooldown = 10 * time.Second
	DefaultProgressEvery      = 50
	DefaultMaxAttempts        = 3
)

var (
	// DefaultSeedTiers are queried by the seed scan.
	DefaultSeedTiers = []string{"CHALLENGER"}
	// DefaultQualifiedTiers are the tiers a player must hold to be crawled.
	DefaultQualifiedTiers = []string{"CHALLENGER", "MASTER", "DIAMOND", "PLATINUM"}
)

// ErrGroupOverflow reports a lookup group larger than the configured size.
var ErrGroupOverflow = errors.New("lookup group overflow")

// Config controls Worker behavior.
type Config struct {
	Server             string
	Mode               string
	SeedTiers          []string
	QualifiedTiers     []string
	SeedPlayers        []string
	BatchSize          int
	BatchCooldown      time.Duration
	GroupSize          int
	StabilityChecks    int
	CompletionCooldown time.Duration
	ProgressEvery      int
	MaxAttempts        int
	Topic              string
	// RunID, when set, is used instead of an id from Deps.IDs. Either way the
	// id is fixed by New, so every record a worker emits carries it.
	RunID string
}

// Deps are the collaborators of a Worker. Store, Publisher and IDs are
// optional.
type Deps struct {
	Querier   crawler.Querier
	Governor  crawler.Governor
	Endpoints riot.Endpoints
	Clock     crawler.Clock
	Journal   crawler.Journal
	Players   crawler.RecordWriter
	Games     crawler.RecordWriter
	Store     crawler.Store
	Publisher crawler.Publisher
	IDs       crawler.IDGenerator
	Logger    *zap.Logger
}

// Worker crawls one server. A Worker runs once.
type Worker struct {
	cfg      Config
	deps     Deps
	logger   *zap.Logger
	eligible riot.TierSet

	players *ledger.Ledger
	games   *ledger.Ledger
	tasks   *dispatcher.Group

	badRequests atomic.Int64
	failed      atomic.Int64
	processed   atomic.Int64
	running     atomic.Bool

	mu      sync.Mutex
	runID   string
	started time.Time
	ended   time.Time
}

// New constructs a Worker.
func New(cfg Config, deps Deps) *Worker {
	cfg = withDefaults(cfg)
	logger := logging.ForServer(deps.Logger, "worker", cfg.Server)
	w := &Worker{
		cfg:      cfg,
		deps:     deps,
		logger:   logger,
		eligible: riot.NewTierSet(cfg.QualifiedTiers...),
		players:  ledger.New(ledger.Players),
		games:    ledger.New(ledger.Games),
	}
	w.tasks = dispatcher.New(logger, w.taskFailed)
	w.runID = resolveRunID(cfg.RunID, deps.IDs, logger)
	return w
}

// resolveRunID prefers the configured id and falls back to the generator.
func resolveRunID(configured string, ids crawler.IDGenerator, logger *zap.Logger) string {
	if configured != "" || ids == nil {
		return configured
	}
	id, err := ids.NewID()
	if err != nil {
		logger.Warn("run id generation failed", zap.Error(err))
		return ""
	}
	return id
}

func withDefaults(cfg Config) Config {
	if cfg.Mode == "" {
		cfg.Mode = DefaultMode
	}
	if len(cfg.SeedTiers) == 0 {
		cfg.SeedTiers = DefaultSeedTiers
	}
	if len(cfg.QualifiedTiers) == 0 {
		cfg.QualifiedTiers = DefaultQualifiedTiers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchCooldown < 0 {
		cfg.BatchCooldown = 0
	}
	if cfg.GroupSize <= 0 {
		cfg.GroupSize = DefaultGroupSize
	}
	if cfg.StabilityChecks <= 0 {
		cfg.StabilityChecks = DefaultStabilityChecks
	}
	if cfg.CompletionCooldown < 0 {
		cfg.CompletionCooldown = 0
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = DefaultProgressEvery
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return cfg
}

// Server returns the server this worker crawls.
func (w *Worker) Server() string {
	return w.cfg.Server
}

// Players exposes the player ledger.
func (w *Worker) Players() *ledger.Ledger {
	return w.players
}

// Games exposes the game ledger.
func (w *Worker) Games() *ledger.Ledger {
	return w.games
}

// Run crawls until the frontier stays empty for the configured number of
// checks, or ctx finishes. It always returns the final Summary.
func (w *Worker) Run(ctx context.Context) (crawler.Summary, error) {
	if !w.running.CompareAndSwap(false, true) {
		return w.Status(), errors.New("worker already running")
	}
	w.start()
	w.logger.Info("crawl started", zap.String("run_id", w.RunID()))
	w.note(fmt.Sprintf("Crawl started: run %s, mode %s", w.RunID(), w.cfg.Mode))

	if len(w.cfg.SeedPlayers) > 0 {
		w.seedFromList(ctx, w.cfg.SeedPlayers)
	} else {
		w.seed(ctx)
	}

	runErr := w.loop(ctx)
	if err := w.tasks.Wait(); err != nil {
		w.logger.Debug("tasks finished with failures", zap.Int("failures", w.tasks.Failures()))
	}

	w.mu.Lock()
	w.ended = w.deps.Clock.Now()
	w.mu.Unlock()
	w.running.Store(false)

	summary := w.Status()
	w.publishCounts(summary.Players, summary.Games)
	w.report("Crawl finished", summary)
	if runErr != nil {
		return summary, fmt.Errorf("crawl %s: %w", w.cfg.Server, runErr)
	}
	return summary, nil
}

func (w *Worker) start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.started = w.deps.Clock.Now()
}

// loop alternates batch dispatch and completion checks.
func (w *Worker) loop(ctx context.Context) error {
	first := true
	stable := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if batch := w.players.ReserveBatch(w.cfg.BatchSize); len(batch) > 0 {
			if !first {
				w.note(fmt.Sprintf("Batch of %d players reserved; cooling down for %s", len(batch), w.cfg.BatchCooldown))
				if err := w.deps.Clock.Sleep(ctx, w.cfg.BatchCooldown); err != nil {
					return err
				}
			}
			first = false
			stable = 0
			w.runBatch(ctx, len(batch))
			continue
		}

		players := w.players.Counts()
		w.publishCounts(players, w.games.Counts())
		if players.InMotion() > 0 {
			stable = 0
		} else {
			stable++
			remaining := w.cfg.StabilityChecks - stable
			w.logger.Debug("frontier empty", zap.Int("remaining_checks", remaining))
			if remaining <= 0 {
				return nil
			}
		}
		if err := w.deps.Clock.Sleep(ctx, w.cfg.CompletionCooldown); err != nil {
			return err
		}
	}
}

// runBatch claims every InQueue player under the governor and waits for the
// resulting player tasks.
func (w *Worker) runBatch(ctx context.Context, size int) {
	w.logger.Info("batch started", zap.Int("players", size))
	batch := dispatcher.New(w.logger, w.taskFailed)
	for {
		if err := w.deps.Governor.Acquire(ctx); err != nil {
			break
		}
		id, ok := w.players.ClaimNext()
		if !ok {
			w.deps.Governor.Release()
			break
		}
		batch.Go("player", func() error {
			defer w.deps.Governor.Release()
			return w.processPlayer(ctx, id)
		})
	}
	if err := batch.Wait(); err != nil {
		w.logger.Warn("batch finished with failures", zap.Int("failures", batch.Failures()))
	}
}

// Status returns a point-in-time Summary.
func (w *Worker) Status() crawler.Summary {
	w.mu.Lock()
	runID, started, ended := w.runID, w.started, w.ended
	w.mu.Unlock()

	var elapsed time.Duration
	switch {
	case started.IsZero():
	case ended.IsZero():
		elapsed = w.deps.Clock.Now().Sub(started)
	default:
		elapsed = ended.Sub(started)
	}
	return crawler.Summary{
		Server:      w.cfg.Server,
		RunID:       runID,
		Running:     w.running.Load(),
		Players:     w.players.Counts(),
		Games:       w.games.Counts(),
		BadRequests: w.badRequests.Load(),
		FailedTasks: int(w.failed.Load()),
		Elapsed:     elapsed,
	}
}

// RunID returns the identifier of the current run.
func (w *Worker) RunID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.runID
}

func (w *Worker) taskFailed(name string, err error) {
	w.failed.Add(1)
	metrics.ObserveTaskFailure(w.cfg.Server, name)
	w.note(fmt.Sprintf("ERROR in %s task: %v", name, err))
}

// note appends a line to the journal; failures are logged, not returned.
func (w *Worker) note(line string) {
	if w.deps.Journal == nil {
		return
	}
	if err := w.deps.Journal.WriteLine(line); err != nil {
		w.logger.Error("journal write failed", zap.Error(err))
	}
}

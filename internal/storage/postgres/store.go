// Package postgres mirrors crawl output into Postgres.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/ladder-crawler/internal/crawler"
)

// Schema creates the tables written by CrawlStore.
const Schema = `
CREATE TABLE IF NOT EXISTS crawl_runs (
	id            TEXT PRIMARY KEY,
	server        TEXT NOT NULL,
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ,
	status        TEXT NOT NULL,
	players       INTEGER NOT NULL DEFAULT 0,
	games         INTEGER NOT NULL DEFAULT 0,
	bad_requests  BIGINT NOT NULL DEFAULT 0,
	failed_tasks  INTEGER NOT NULL DEFAULT 0,
	error_message TEXT
);
CREATE TABLE IF NOT EXISTS ladder_players (
	server       TEXT NOT NULL,
	player_id    TEXT NOT NULL,
	run_id       TEXT NOT NULL,
	tier         TEXT NOT NULL,
	source       TEXT NOT NULL,
	qualified_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (server, player_id)
);
CREATE TABLE IF NOT EXISTS ladder_games (
	server        TEXT NOT NULL,
	game_id       TEXT NOT NULL,
	run_id        TEXT NOT NULL,
	sub_type      TEXT NOT NULL,
	winning_team  INTEGER NOT NULL,
	team_100      INTEGER[] NOT NULL,
	team_200      INTEGER[] NOT NULL,
	registered_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (server, game_id)
);`

// Run statuses stored in crawl_runs.status.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// CrawlStore writes qualified players, registered games and run bookkeeping.
type CrawlStore struct {
	pool execCloser
}

// NewCrawlStore connects a pool using cfg.
func NewCrawlStore(ctx context.Context, cfg Config) (*CrawlStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &CrawlStore{pool: pool}, nil
}

// NewCrawlStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewCrawlStoreWithPool(pool execCloser) (*CrawlStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &CrawlStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *CrawlStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate creates the crawl tables when missing.
func (s *CrawlStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// SavePlayer records a qualified player. Players already stored for the
// server are left untouched.
func (s *CrawlStore) SavePlayer(ctx context.Context, p crawler.PlayerRecord) error {
	if p.PlayerID == "" {
		return errors.New("player id is required")
	}
	const query = `
INSERT INTO ladder_players (server, player_id, run_id, tier, source, qualified_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (server, player_id) DO NOTHING`
	if _, err := s.pool.Exec(ctx, query, p.Server, p.PlayerID, p.RunID, p.Tier, p.Source, p.QualifiedAt); err != nil {
		return fmt.Errorf("insert player: %w", err)
	}
	return nil
}

// SaveGame records a registered game.
func (s *CrawlStore) SaveGame(ctx context.Context, g crawler.GameRecord) error {
	if g.GameID == "" {
		return errors.New("game id is required")
	}
	const query = `
INSERT INTO ladder_games (server, game_id, run_id, sub_type, winning_team, team_100, team_200, registered_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (server, game_id) DO NOTHING`
	args := []any{
		g.Server,
		g.GameID,
		g.RunID,
		g.SubType,
		g.WinningTeam,
		nonNil(g.Team100),
		nonNil(g.Team200),
		g.RegisteredAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert game: %w", err)
	}
	return nil
}

// StartRun inserts a crawl_runs row in the running state.
func (s *CrawlStore) StartRun(ctx context.Context, runID, server string, startedAt time.Time) error {
	const query = `
INSERT INTO crawl_runs (id, server, started_at, status)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE
SET status = EXCLUDED.status
WHERE crawl_runs.status <> EXCLUDED.status`
	if _, err := s.pool.Exec(ctx, query, runID, server, startedAt, RunRunning); err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// FinishRun stores the final counts of a crawl. A non-nil runErr marks the run failed.
func (s *CrawlStore) FinishRun(ctx context.Context, summary crawler.Summary, finishedAt time.Time, runErr error) error {
	status := RunSucceeded
	var errMsg *string
	if runErr != nil {
		status = RunFailed
		msg := runErr.Error()
		errMsg = &msg
	}
	const query = `
UPDATE crawl_runs
SET finished_at = $1, status = $2, players = $3, games = $4, bad_requests = $5, failed_tasks = $6, error_message = $7
WHERE id = $8`
	args := []any{
		finishedAt,
		status,
		summary.TotalPlayers(),
		summary.TotalGames(),
		summary.BadRequests,
		summary.FailedTasks,
		errMsg,
		summary.RunID,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

func nonNil(values []int) []int {
	if values == nil {
		return []int{}
	}
	return values
}

package worker

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/ladder-crawler/internal/crawler"
	"github.com/JakeFAU/ladder-crawler/internal/ledger"
	"github.com/JakeFAU/ladder-crawler/internal/metrics"
)

// report logs and journals a summary line.
func (w *Worker) report(title string, s crawler.Summary) {
	w.logger.Info(title,
		zap.String("run_id", s.RunID),
		zap.Int("players_processed", s.Players[ledger.Processed]),
		zap.Int("players_to_process", s.Players[ledger.ToProcess]+s.Players[ledger.InQueue]),
		zap.Int("players_under_process", s.Players[ledger.UnderProcess]),
		zap.Int("players_in_query", s.Players[ledger.InQuery]),
		zap.Int("players_discarded", s.Players[ledger.Discarded]),
		zap.Int("games", s.TotalGames()),
		zap.Int64("bad_requests", s.BadRequests),
		zap.Int("failed_tasks", s.FailedTasks),
		zap.Duration("elapsed", s.Elapsed),
	)
	w.note(fmt.Sprintf("%s: %d players processed, %d players total, %d games, %d discarded, %d bad requests, %d failed tasks",
		title,
		s.Players[ledger.Processed],
		s.TotalPlayers(),
		s.TotalGames(),
		s.Players[ledger.Discarded],
		s.BadRequests,
		s.FailedTasks,
	))
}

// publishCounts mirrors ledger sizes into gauges.
func (w *Worker) publishCounts(players, games ledger.Counts) {
	for _, state := range ledger.States {
		metrics.SetLedgerCount(w.cfg.Server, string(ledger.Players), string(state), players[state])
	}
	metrics.SetLedgerCount(w.cfg.Server, string(ledger.Games), string(ledger.Processed), games[ledger.Processed])
}

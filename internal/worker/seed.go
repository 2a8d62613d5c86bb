package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/ladder-crawler/internal/ledger"
	"github.com/JakeFAU/ladder-crawler/internal/query"
	"github.com/JakeFAU/ladder-crawler/internal/riot"
)

// Player sources recorded in the journal and metrics.
const (
	sourceSeedScan = "Seed Scan"
	sourceSeedFile = "Seed File"
	sourceFellow   = "Fellow Player"
)

// seed queries the leaderboard of every seed tier and admits eligible players.
// A failed tier is journaled and skipped.
func (w *Worker) seed(ctx context.Context) {
	for _, tier := range w.cfg.SeedTiers {
		var league *riot.League
		err := governed(ctx, w.deps.Governor, func() error {
			var fetchErr error
			league, fetchErr = query.Fetch[riot.League](ctx, w.deps.Querier, w.deps.Endpoints.League(tier, w.cfg.Mode))
			return fetchErr
		})
		if err != nil {
			w.logger.Error("seed scan failed", zap.String("tier", tier), zap.Error(err))
			w.note(fmt.Sprintf("ERROR in seed scan for %s: %v", tier, err))
			continue
		}
		if league == nil {
			w.note("Seed scan returned no data for " + tier)
			continue
		}
		admitted := 0
		for _, entry := range league.Entries {
			id := entry.PlayerOrTeamID.String()
			entryTier := league.EntryTier(entry)
			if id == "" || !w.eligible.Contains(entryTier) {
				continue
			}
			if w.admit(ctx, id, entryTier, sourceSeedScan) {
				admitted++
			}
		}
		w.logger.Info("seed scan complete",
			zap.String("tier", tier),
			zap.Int("entries", len(league.Entries)),
			zap.Int("admitted", admitted),
		)
	}
}

// seedFromList admits pre-seeded player IDs directly, bypassing the seed scan.
func (w *Worker) seedFromList(ctx context.Context, ids []string) {
	admitted := 0
	for _, id := range ids {
		if id == "" {
			continue
		}
		if w.admit(ctx, id, "", sourceSeedFile) {
			admitted++
		}
	}
	w.logger.Info("seed players loaded", zap.Int("players", len(ids)), zap.Int("admitted", admitted))
}

// admit inserts a never-seen player into ToProcess and records it.
func (w *Worker) admit(ctx context.Context, id, tier, source string) bool {
	ok, err := w.players.Admit(id, ledger.ToProcess)
	if err != nil {
		w.logger.Error("admit player", zap.String("player_id", id), zap.Error(err))
		return false
	}
	if !ok {
		return false
	}
	w.qualified(ctx, id, tier, source)
	return true
}

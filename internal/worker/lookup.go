package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/ladder-crawler/internal/crawler"
	"github.com/JakeFAU/ladder-crawler/internal/ledger"
	"github.com/JakeFAU/ladder-crawler/internal/metrics"
	"github.com/JakeFAU/ladder-crawler/internal/query"
	"github.com/JakeFAU/ladder-crawler/internal/riot"
)

// scheduleLookup starts a governed league lookup for a group of InQuery
// players. Members still InQuery when the task ends are released.
func (w *Worker) scheduleLookup(ctx context.Context, ids []string) {
	w.tasks.Go("lookup", func() error {
		defer w.releaseInQuery(ids)
		if len(ids) > w.cfg.GroupSize {
			return fmt.Errorf("%w: %d ids, limit %d", ErrGroupOverflow, len(ids), w.cfg.GroupSize)
		}
		return governed(ctx, w.deps.Governor, func() error {
			return w.lookup(ctx, ids)
		})
	})
}

// lookup resolves the ranked tier of every member of a group. Eligible
// players are promoted to ToProcess, the rest are discarded.
func (w *Worker) lookup(ctx context.Context, ids []string) error {
	entries, err := query.Fetch[riot.LeagueEntries](ctx, w.deps.Querier, w.deps.Endpoints.LeagueEntries(ids))
	if err != nil {
		return fmt.Errorf("league entries for %d players: %w", len(ids), err)
	}
	if entries == nil {
		for _, id := range ids {
			w.discard(id, "no data")
		}
		return nil
	}
	for _, id := range ids {
		if _, found := (*entries)[id]; !found {
			w.badRequests.Add(1)
			w.discard(id, "missing")
			continue
		}
		tier, ranked := entries.Rank(id, w.cfg.Mode)
		if !ranked || !w.eligible.Contains(tier) {
			w.discard(id, "ineligible")
			continue
		}
		if err := w.players.Promote(id); err != nil {
			return fmt.Errorf("promote %s: %w", id, err)
		}
		w.qualified(ctx, id, tier, sourceFellow)
	}
	return nil
}

func (w *Worker) discard(id, reason string) {
	if err := w.players.MarkDiscarded(id); err != nil {
		w.logger.Warn("discard player", zap.String("player_id", id), zap.Error(err))
		return
	}
	metrics.ObservePlayerDiscarded(w.cfg.Server, reason)
	w.note(fmt.Sprintf("Player Disqualified: %s (%s)", id, reason))
}

func (w *Worker) releaseInQuery(ids []string) {
	for _, id := range ids {
		if w.players.State(id) != ledger.InQuery {
			continue
		}
		if err := w.players.Release(id); err != nil {
			w.logger.Warn("release lookup member", zap.String("player_id", id), zap.Error(err))
		}
	}
}

// governed runs fn while holding a governor slot.
func governed(ctx context.Context, g crawler.Governor, fn func() error) error {
	if err := g.Acquire(ctx); err != nil {
		return fmt.Errorf("acquire: %w", err)
	}
	defer g.Release()
	return fn()
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/ladder-crawler/internal/crawler"
	"github.com/JakeFAU/ladder-crawler/internal/ledger"
	"github.com/JakeFAU/ladder-crawler/internal/metrics"
	"github.com/JakeFAU/ladder-crawler/internal/query"
	"github.com/JakeFAU/ladder-crawler/internal/riot"
)

var errTaskAborted = errors.New("task aborted")

// processPlayer expands one claimed player: its games are scheduled for
// registration and its unseen fellow players are grouped into lookups. The
// player is marked Processed only after everything has been scheduled.
func (w *Worker) processPlayer(ctx context.Context, id string) (err error) {
	var pending []string
	defer func() {
		w.releasePending(pending)
		w.settlePlayer(id, err)
	}()

	recent, err := query.Fetch[riot.RecentGames](ctx, w.deps.Querier, w.deps.Endpoints.RecentGames(id))
	if err != nil {
		return fmt.Errorf("recent games for %s: %w", id, err)
	}
	if recent == nil {
		if err := w.players.Release(id); err != nil {
			return fmt.Errorf("release %s: %w", id, err)
		}
		w.logger.Debug("no recent games", zap.String("player_id", id))
		return nil
	}

	for _, game := range recent.Games {
		if strings.EqualFold(game.SubType, w.cfg.Mode) {
			w.scheduleGame(ctx, game)
		}
		for _, fellow := range game.FellowPlayers {
			fid := fellow.SummonerID.String()
			if fid == "" {
				continue
			}
			ok, err := w.players.Admit(fid, ledger.InQuery)
			if err != nil {
				return fmt.Errorf("admit fellow %s: %w", fid, err)
			}
			if !ok {
				continue
			}
			pending = append(pending, fid)
			if len(pending) == w.cfg.GroupSize {
				w.scheduleLookup(ctx, pending)
				pending = nil
			}
		}
	}
	if len(pending) > 0 {
		w.scheduleLookup(ctx, pending)
		pending = nil
	}

	if err := w.players.MarkProcessed(id); err != nil {
		return fmt.Errorf("mark %s processed: %w", id, err)
	}
	w.playerProcessed(id)
	return nil
}

// releasePending forgets fellow players that were marked InQuery but never
// handed to a lookup task.
func (w *Worker) releasePending(ids []string) {
	for _, id := range ids {
		if err := w.players.Release(id); err != nil {
			w.logger.Warn("release pending fellow", zap.String("player_id", id), zap.Error(err))
		}
	}
}

// settlePlayer applies the retry policy to a player whose task ended while it
// was still UnderProcess: requeue until MaxAttempts, then discard.
func (w *Worker) settlePlayer(id string, cause error) {
	if w.players.State(id) != ledger.UnderProcess {
		return
	}
	if cause == nil {
		cause = errTaskAborted
	}
	if w.players.Attempts(id)+1 >= w.cfg.MaxAttempts {
		if err := w.players.MarkDiscarded(id); err != nil {
			w.logger.Error("discard abandoned player", zap.String("player_id", id), zap.Error(err))
			return
		}
		metrics.ObservePlayerDiscarded(w.cfg.Server, "abandoned")
		w.note(fmt.Sprintf("Player Abandoned after %d attempts: %s (%v)", w.cfg.MaxAttempts, id, cause))
		return
	}
	attempts, err := w.players.Requeue(id)
	if err != nil {
		w.logger.Error("requeue player", zap.String("player_id", id), zap.Error(err))
		return
	}
	w.note(fmt.Sprintf("Player Requeued (attempt %d of %d): %s (%v)", attempts+1, w.cfg.MaxAttempts, id, cause))
}

func (w *Worker) playerProcessed(id string) {
	n := w.processed.Add(1)
	counts := w.players.Counts()
	w.logger.Debug("player processed",
		zap.String("player_id", id),
		zap.Int("done", counts[ledger.Processed]),
		zap.Int("in_progress", counts[ledger.UnderProcess]),
		zap.Int("to_do", counts[ledger.ToProcess]+counts[ledger.InQueue]),
	)
	if n%int64(w.cfg.ProgressEvery) == 0 {
		w.report("Progress", w.Status())
	}
}

// qualified records a player that entered ToProcess.
func (w *Worker) qualified(ctx context.Context, id, tier, source string) {
	label := source
	if source == sourceFellow {
		label = tier
	}
	w.note(fmt.Sprintf("Player Qualified for Process: %s (%s)", id, label))
	metrics.ObservePlayerQualified(w.cfg.Server, source)
	if w.deps.Players != nil {
		if err := w.deps.Players.WriteRecord(id); err != nil {
			w.logger.Error("players file write failed", zap.String("player_id", id), zap.Error(err))
		}
	}
	if w.deps.Store != nil {
		rec := crawler.PlayerRecord{
			RunID:       w.RunID(),
			Server:      w.cfg.Server,
			PlayerID:    id,
			Tier:        tier,
			Source:      source,
			QualifiedAt: w.deps.Clock.Now(),
		}
		if err := w.deps.Store.SavePlayer(ctx, rec); err != nil {
			w.logger.Error("store player failed", zap.String("player_id", id), zap.Error(err))
		}
	}
}

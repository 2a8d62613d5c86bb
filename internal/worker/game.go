package worker

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/JakeFAU/ladder-crawler/internal/crawler"
	"github.com/JakeFAU/ladder-crawler/internal/ledger"
	"github.com/JakeFAU/ladder-crawler/internal/metrics"
	"github.com/JakeFAU/ladder-crawler/internal/riot"
)

var errGameWithoutID = errors.New("game without id")

var tracer = otel.Tracer("github.com/JakeFAU/ladder-crawler/internal/worker")

// scheduleGame starts a governed registration task for game.
func (w *Worker) scheduleGame(ctx context.Context, game riot.Game) {
	w.tasks.Go("game", func() error {
		return governed(ctx, w.deps.Governor, func() error {
			return w.registerGame(ctx, game)
		})
	})
}

// registerGame records a game the first time it is seen. Sinks run under a
// span whose context is carried by the published event.
func (w *Worker) registerGame(ctx context.Context, game riot.Game) error {
	id := game.GameID.String()
	if id == "" {
		return errGameWithoutID
	}
	ok, err := w.games.Admit(id, ledger.Processed)
	if err != nil {
		return fmt.Errorf("admit game %s: %w", id, err)
	}
	if !ok {
		return nil
	}

	ctx, span := tracer.Start(ctx, "register_game", trace.WithAttributes(
		attribute.String("server", w.cfg.Server),
		attribute.String("game.id", id),
		attribute.String("run.id", w.RunID()),
	))
	defer span.End()

	blue, purple := game.Champions()
	rec := crawler.GameRecord{
		RunID:        w.RunID(),
		Server:       w.cfg.Server,
		GameID:       id,
		SubType:      game.SubType,
		WinningTeam:  game.WinningTeam(),
		Team100:      blue,
		Team200:      purple,
		RegisteredAt: w.deps.Clock.Now(),
	}
	w.note("Game Registered " + id)
	metrics.ObserveGameRegistered(w.cfg.Server)

	var errs []error
	if w.deps.Games != nil {
		if err := w.deps.Games.WriteRecord(rec.Fields()...); err != nil {
			errs = append(errs, fmt.Errorf("games file: %w", err))
		}
	}
	if w.deps.Store != nil {
		if err := w.deps.Store.SaveGame(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("store game: %w", err))
		}
	}
	if w.deps.Publisher != nil && w.cfg.Topic != "" {
		if _, err := w.deps.Publisher.Publish(ctx, w.cfg.Topic, rec); err != nil {
			errs = append(errs, fmt.Errorf("publish game: %w", err))
		}
	}
	if len(errs) > 0 {
		err := fmt.Errorf("register game %s: %w", id, errors.Join(errs...))
		span.RecordError(err)
		span.SetStatus(codes.Error, "sink failure")
		return err
	}
	return nil
}

// Package governor bounds the number of query-bearing operations in flight
// across every crawl in the process.
package governor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ladder-crawler/internal/crawler"
	"github.com/JakeFAU/ladder-crawler/internal/metrics"
)

const (
	// DefaultCeiling is the in-flight limit used when Config.Ceiling is zero.
	DefaultCeiling = 400
	// DefaultCooldown is the polling interval used when Config.Cooldown is zero.
	DefaultCooldown = 5 * time.Second
)

// Signal reports a backpressure condition, typically an active rate-limit
// backoff on a query client.
type Signal interface {
	CoolingDown() bool
}

// Config controls Governor behavior.
type Config struct {
	Ceiling  int
	Cooldown time.Duration
}

// Governor is a polling counting semaphore. Waiters are not queued and get no
// fairness guarantee.
type Governor struct {
	ceiling  int
	cooldown time.Duration
	clock    crawler.Clock
	logger   *zap.Logger

	mu       sync.Mutex
	inFlight int
	signals  []Signal
}

// New constructs a Governor.
func New(cfg Config, clock crawler.Clock, logger *zap.Logger) *Governor {
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = DefaultCeiling
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Governor{
		ceiling:  cfg.Ceiling,
		cooldown: cfg.Cooldown,
		clock:    clock,
		logger:   logger,
	}
}

// Watch registers signals that block new admissions while any of them is
// cooling down.
func (g *Governor) Watch(signals ...Signal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.signals = append(g.signals, signals...)
}

// Acquire blocks until a slot is free and no watched signal is cooling down.
func (g *Governor) Acquire(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("governor acquire: %w", err)
		}
		admitted, reason := g.tryAcquire()
		if admitted {
			return nil
		}
		metrics.ObserveGovernorWait()
		g.logger.Warn("governor saturated, pausing",
			zap.String("reason", reason),
			zap.Duration("cooldown", g.cooldown),
		)
		if err := g.clock.Sleep(ctx, g.cooldown); err != nil {
			return fmt.Errorf("governor acquire: %w", err)
		}
	}
}

func (g *Governor) tryAcquire() (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range g.signals {
		if s.CoolingDown() {
			return false, "rate limit cooldown"
		}
	}
	if g.inFlight >= g.ceiling {
		return false, "ceiling reached"
	}
	g.inFlight++
	metrics.SetInFlight(g.inFlight)
	return true, ""
}

// Release returns a slot. Calling Release without a matching Acquire is a
// programming error and panics.
func (g *Governor) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight == 0 {
		panic("governor: release without acquire")
	}
	g.inFlight--
	metrics.SetInFlight(g.inFlight)
}

// Do runs fn while holding a slot; the slot is released on every exit path.
func (g *Governor) Do(ctx context.Context, fn func() error) error {
	if err := g.Acquire(ctx); err != nil {
		return err
	}
	defer g.Release()
	return fn()
}

// InFlight returns the current counter.
func (g *Governor) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}

// Ceiling returns the configured limit.
func (g *Governor) Ceiling() int {
	return g.ceiling
}

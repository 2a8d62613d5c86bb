// Package ratelimit paces requests from one API client and remembers rate-limit
// backoffs signalled by the server.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/ladder-crawler/internal/crawler"
)

// Config holds limiter configuration.
type Config struct {
	// Spacing is the minimum gap between consecutive requests.
	Spacing time.Duration
	// SafetyBuffer is added on top of every server-provided Retry-After.
	SafetyBuffer time.Duration
}

// Limiter is owned by one query client. Its remembered retry duration doubles
// as a coarse backpressure signal for the governor.
type Limiter struct {
	spacing *rate.Limiter
	safety  time.Duration
	clock   crawler.Clock

	mu         sync.Mutex
	retryAfter time.Duration
	until      time.Time
}

// New creates a Limiter.
func New(cfg Config, clock crawler.Clock) *Limiter {
	r := rate.Inf
	if cfg.Spacing > 0 {
		r = rate.Every(cfg.Spacing)
	}
	return &Limiter{
		spacing: rate.NewLimiter(r, 1),
		safety:  cfg.SafetyBuffer,
		clock:   clock,
	}
}

// Wait blocks before a request: for the remembered retry duration plus the
// safety buffer if a backoff is active, otherwise for the request spacing.
func (l *Limiter) Wait(ctx context.Context) error {
	if retry := l.RetryAfter(); retry > 0 {
		if err := l.clock.Sleep(ctx, retry+l.safety); err != nil {
			return fmt.Errorf("rate limit cooldown: %w", err)
		}
		return nil
	}
	if err := l.spacing.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

// Backoff records retryAfter, then sleeps it plus the safety buffer. It returns
// the total time slept. Overlapping backoffs keep the latest deadline, so a
// short backoff finishing early does not end a longer one.
func (l *Limiter) Backoff(ctx context.Context, retryAfter time.Duration) (time.Duration, error) {
	if retryAfter < 0 {
		retryAfter = 0
	}
	l.mu.Lock()
	if deadline := l.clock.Now().Add(retryAfter); deadline.After(l.until) {
		l.until = deadline
		l.retryAfter = retryAfter
	}
	l.mu.Unlock()

	total := retryAfter + l.safety
	if err := l.clock.Sleep(ctx, total); err != nil {
		return 0, fmt.Errorf("rate limit backoff: %w", err)
	}
	return total, nil
}

// RetryAfter returns the remembered retry duration while its deadline has not
// passed, zero otherwise.
func (l *Limiter) RetryAfter() time.Duration {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if !now.Before(l.until) {
		l.retryAfter = 0
		return 0
	}
	return l.retryAfter
}

// CoolingDown reports whether a server-signalled backoff is in progress.
func (l *Limiter) CoolingDown() bool {
	return l.RetryAfter() > 0
}

// Package query issues rate-limited API queries and journals every attempt.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ladder-crawler/internal/crawler"
	"github.com/JakeFAU/ladder-crawler/internal/metrics"
	"github.com/JakeFAU/ladder-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/ladder-crawler/internal/riot"
)

// DefaultTimeout bounds a single attempt when Config.Timeout is zero.
const DefaultTimeout = 600 * time.Second

// FailedStatus is journaled for attempts that never produced a response.
const FailedStatus = -1

var (
	// ErrTransport marks a failed or timed-out attempt. It is not retried here.
	ErrTransport = errors.New("query: transport failure")
	// ErrDecode marks a response body that could not be decoded.
	ErrDecode = errors.New("query: decode failure")
)

// Config controls Client behavior.
type Config struct {
	// Server labels metrics and log fields.
	Server  string
	Timeout time.Duration
}

// Client issues one logical query at a time per call; it is safe for
// concurrent use and paces all of its callers through one limiter.
type Client struct {
	cfg       Config
	transport crawler.Transport
	limiter   *ratelimit.Limiter
	journal   crawler.Journal
	logger    *zap.Logger
}

// New constructs a Client.
func New(
	cfg Config,
	transport crawler.Transport,
	limiter *ratelimit.Limiter,
	journal crawler.Journal,
	logger *zap.Logger,
) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:       cfg,
		transport: transport,
		limiter:   limiter,
		journal:   journal,
		logger:    logger,
	}
}

// Limiter exposes the client's rate-limit state as a backpressure signal.
func (c *Client) Limiter() *ratelimit.Limiter {
	return c.limiter
}

// Query returns the body of a 200 response, or nil when the API answered
// with any other non-429 status. 429 responses are retried until admitted.
func (c *Client) Query(ctx context.Context, url string) ([]byte, error) {
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		resp, err := c.attempt(ctx, url)
		if err != nil {
			c.record(FailedStatus, url)
			c.logger.Warn("query failed", zap.String("url", riot.RedactKey(url)), zap.Error(err))
			return nil, fmt.Errorf("%w: %w", ErrTransport, err)
		}
		c.record(resp.StatusCode, url)

		switch resp.StatusCode {
		case http.StatusOK:
			return resp.Body, nil
		case http.StatusTooManyRequests:
			retry := retryAfter(resp.Headers)
			c.logger.Info("rate limited, backing off",
				zap.String("url", riot.RedactKey(url)),
				zap.Duration("retry_after", retry),
			)
			slept, err := c.limiter.Backoff(ctx, retry)
			if err != nil {
				return nil, err
			}
			metrics.ObserveRateLimitBackoff(c.cfg.Server, slept)
		default:
			return nil, nil
		}
	}
}

func (c *Client) attempt(ctx context.Context, url string) (crawler.FetchResponse, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	resp, err := c.transport.Fetch(attemptCtx, url)
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("fetch: %w", err)
	}
	return resp, nil
}

func (c *Client) record(status int, url string) {
	metrics.ObserveQuery(c.cfg.Server, status)
	if c.journal == nil {
		return
	}
	if err := c.journal.WriteLine(fmt.Sprintf("== Query: %d %s", status, riot.RedactKey(url))); err != nil {
		c.logger.Error("journal write failed", zap.Error(err))
	}
}

// retryAfter parses a Retry-After header given in whole seconds. Missing or
// malformed values yield zero, leaving only the safety buffer.
func retryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	raw := strings.TrimSpace(h.Get("Retry-After"))
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// Fetch queries url and decodes a 200 body into T. It returns nil, nil when
// the API had no data.
func Fetch[T any](ctx context.Context, q crawler.Querier, url string) (*T, error) {
	body, err := q.Query(ctx, url)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}
	var out T
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDecode, riot.RedactKey(url), err)
	}
	return &out, nil
}

// Package collyfetcher implements crawler.Transport on top of a gocolly
// collector tuned for JSON API calls rather than HTML scraping.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/ladder-crawler/internal/crawler"
)

// DefaultTimeout bounds a single API call when Config.Timeout is unset.
const DefaultTimeout = 600 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// MaxBodySize caps response bodies in bytes. Zero means unlimited.
	MaxBodySize int
}

// Fetcher issues one GET per Fetch call. A template collector carries the
// shared settings and pooled connections; each call works on a clone so
// callbacks never leak between concurrent requests.
type Fetcher struct {
	cfg      Config
	template *colly.Collector
}

// hookRegistrar is the subset of *colly.Collector that exchange binds to.
type hookRegistrar interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// exchange captures the outcome of one request/response round trip.
type exchange struct {
	started  time.Time
	response crawler.FetchResponse
	seen     bool
	err      error
}

func (x *exchange) bind(h hookRegistrar) {
	h.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "application/json")
	})
	h.OnResponse(func(r *colly.Response) {
		x.seen = true
		x.response = crawler.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(x.started),
		}
	})
	h.OnError(func(_ *colly.Response, err error) {
		x.err = err
	})
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	template := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.ParseHTTPErrorResponse(),
		colly.MaxBodySize(cfg.MaxBodySize),
	)
	if cfg.UserAgent != "" {
		template.UserAgent = cfg.UserAgent
	}
	template.WithTransport(pooledTransport())
	template.SetRequestTimeout(cfg.Timeout)
	return &Fetcher{cfg: cfg, template: template}
}

// Fetch performs a GET against url. Any HTTP status, 429 included, comes back
// as a response; only transport failures and cancellation are errors.
func (f *Fetcher) Fetch(ctx context.Context, url string) (crawler.FetchResponse, error) {
	c := f.collectorFor(ctx)
	x := &exchange{started: time.Now()}
	x.bind(c)

	visitErr := c.Visit(url)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", url, ctxErr)
	}
	if err := errors.Join(visitErr, x.err); err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", url, err)
	}
	if !x.seen {
		return crawler.FetchResponse{}, fmt.Errorf("fetch %s: no response received", url)
	}
	return x.response, nil
}

// collectorFor clones the template and scopes the clone to ctx so that
// cancellation aborts the underlying HTTP request.
func (f *Fetcher) collectorFor(ctx context.Context) *colly.Collector {
	c := f.template.Clone()
	c.Context = ctx
	return c
}

// pooledTransport leaves header waits unbounded; Config.Timeout and the
// caller's context bound the whole exchange.
func pooledTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 15 * time.Second,
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}
}

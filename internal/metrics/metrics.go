// Package metrics exposes Prometheus collectors for the ladder crawler.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	queriesTotal             *prometheus.CounterVec
	rateLimitBackoffSeconds  *prometheus.HistogramVec
	governorInFlight         prometheus.Gauge
	governorWaitsTotal       prometheus.Counter
	ledgerEntities           *prometheus.GaugeVec
	playersQualifiedTotal    *prometheus.CounterVec
	playersDiscardedTotal    *prometheus.CounterVec
	gamesRegisteredTotal     *prometheus.CounterVec
	taskFailuresTotal        *prometheus.CounterVec
	httpRequestsTotal        *prometheus.CounterVec
	httpRequestDurationHisto *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		queriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ladder_queries_total",
				Help: "API query attempts, labeled by server and HTTP status (-1 for transport failures).",
			},
			[]string{"server", "code"},
		)

		rateLimitBackoffSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ladder_rate_limit_backoff_seconds",
				Help:    "Time slept after a 429 response, including the safety buffer.",
				Buckets: []float64{1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"server"},
		)

		governorInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ladder_governor_in_flight",
				Help: "Query-bearing operations currently holding a governor slot.",
			},
		)

		governorWaitsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ladder_governor_waits_total",
				Help: "Times an acquire had to pause because the governor was saturated or cooling down.",
			},
		)

		ledgerEntities = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ladder_ledger_entities",
				Help: "Entities per lifecycle state.",
			},
			[]string{"server", "kind", "state"},
		)

		playersQualifiedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ladder_players_qualified_total",
				Help: "Players admitted for processing, labeled by discovery source.",
			},
			[]string{"server", "source"},
		)

		playersDiscardedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ladder_players_discarded_total",
				Help: "Players rejected after lookup, labeled by reason.",
			},
			[]string{"server", "reason"},
		)

		gamesRegisteredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ladder_games_registered_total",
				Help: "Games registered to the games output.",
			},
			[]string{"server"},
		)

		taskFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ladder_task_failures_total",
				Help: "Crawl tasks abandoned because of an error, labeled by task kind.",
			},
			[]string{"server", "task"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of status API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationHisto = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of status API latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveQuery counts one query attempt.
func ObserveQuery(server string, code int) {
	Init()
	queriesTotal.WithLabelValues(server, strconv.Itoa(code)).Inc()
}

// ObserveRateLimitBackoff records the duration of a 429 backoff.
func ObserveRateLimitBackoff(server string, d time.Duration) {
	Init()
	rateLimitBackoffSeconds.WithLabelValues(server).Observe(d.Seconds())
}

// SetInFlight publishes the governor's current counter.
func SetInFlight(n int) {
	Init()
	governorInFlight.Set(float64(n))
}

// ObserveGovernorWait counts one governor pause.
func ObserveGovernorWait() {
	Init()
	governorWaitsTotal.Inc()
}

// SetLedgerCount publishes the size of one ledger state.
func SetLedgerCount(server, kind, state string, n int) {
	Init()
	ledgerEntities.WithLabelValues(server, kind, state).Set(float64(n))
}

// ObservePlayerQualified counts a player entering ToProcess.
func ObservePlayerQualified(server, source string) {
	Init()
	playersQualifiedTotal.WithLabelValues(server, source).Inc()
}

// ObservePlayerDiscarded counts a player moved to Discarded.
func ObservePlayerDiscarded(server, reason string) {
	Init()
	playersDiscardedTotal.WithLabelValues(server, reason).Inc()
}

// ObserveGameRegistered counts a registered game.
func ObserveGameRegistered(server string) {
	Init()
	gamesRegisteredTotal.WithLabelValues(server).Inc()
}

// ObserveTaskFailure counts an abandoned task.
func ObserveTaskFailure(server, task string) {
	Init()
	taskFailuresTotal.WithLabelValues(server, task).Inc()
}

// ObserveHTTPRequest increments the status API request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationHisto.WithLabelValues(method, route).Observe(duration.Seconds())
}

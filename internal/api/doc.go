// Package api hosts the operator HTTP server for a running crawl. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/crawls for the status of every crawled server.
//   - GET /v1/crawls/{server} for one server.
package api

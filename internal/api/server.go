package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/ladder-crawler/internal/crawler"
	"github.com/JakeFAU/ladder-crawler/internal/metrics"
)

// StatusSource reports the live status of one server's crawl.
type StatusSource interface {
	Server() string
	Status() crawler.Summary
}

// Server wires HTTP handlers to the running crawls.
type Server struct {
	router  chi.Router
	sources map[string]StatusSource
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(logger *zap.Logger, sources ...StatusSource) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		sources: make(map[string]StatusSource, len(sources)),
		logger:  logger.Named("api"),
	}
	for _, src := range sources {
		s.sources[strings.ToUpper(src.Server())] = src
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1/crawls", func(r chi.Router) {
		r.Get("/", s.listCrawls)
		r.Get("/{server}", s.getCrawl)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if len(s.sources) == 0 {
		s.writeError(w, http.StatusServiceUnavailable, "no crawls registered")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listCrawls(w http.ResponseWriter, _ *http.Request) {
	names := make([]string, 0, len(s.sources))
	for name := range s.sources {
		names = append(names, name)
	}
	sort.Strings(names)

	crawls := make([]crawlStatus, 0, len(names))
	for _, name := range names {
		crawls = append(crawls, newCrawlStatus(s.sources[name].Status()))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"crawls": crawls})
}

func (s *Server) getCrawl(w http.ResponseWriter, r *http.Request) {
	name := strings.ToUpper(chi.URLParam(r, "server"))
	src, ok := s.sources[name]
	if !ok {
		s.writeError(w, http.StatusNotFound, "server not crawled")
		return
	}
	s.writeJSON(w, http.StatusOK, newCrawlStatus(src.Status()))
}

type crawlStatus struct {
	crawler.Summary
	TotalPlayers   int     `json:"total_players"`
	TotalGames     int     `json:"total_games"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

func newCrawlStatus(s crawler.Summary) crawlStatus {
	return crawlStatus{
		Summary:        s,
		TotalPlayers:   s.TotalPlayers(),
		TotalGames:     s.TotalGames(),
		ElapsedSeconds: s.Elapsed.Seconds(),
	}
}

const requestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// requestIDMiddleware keeps a caller-supplied request id and mints one
// otherwise. The id is echoed back in the response headers.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// RequestID returns the request id assigned by the server, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		began := time.Now()
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.logger.Debug("status api request",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("took", time.Since(began)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.logger.Error("handler panicked",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("path", r.URL.Path),
				zap.Any("panic", rec),
			)
			s.writeError(w, http.StatusInternalServerError, "internal server error")
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, `{"error":"request timed out"}`)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// Package api serves the cache over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"portfolio-screener/internal/cache"
	apperrors "portfolio-screener/internal/errors"
	"portfolio-screener/internal/logging"
	"portfolio-screener/internal/models"
	"portfolio-screener/internal/performance"
	"portfolio-screener/internal/query"
	"portfolio-screener/internal/resilience"
	"portfolio-screener/internal/store"
)

// Config holds server configuration.
type Config struct {
	Addr     string
	Service  *cache.Service
	Breakers *resilience.Breakers
	Log      zerolog.Logger
	// Now anchors relative periods. Defaults to time.Now.
	Now func() time.Time
}

// Server is the read API.
type Server struct {
	router  *chi.Mux
	server  *http.Server
	service *cache.Service
	health  *resilience.HealthMonitor
	now     func() time.Time
	log     zerolog.Logger
}

// New creates a server with routes and middleware installed.
func New(cfg Config) *Server {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Server{
		router:  chi.NewRouter(),
		service: cfg.Service,
		health:  resilience.NewHealthMonitor(),
		now:     cfg.Now,
		log:     logging.WithComponent(cfg.Log, "api"),
	}

	s.health.RegisterComponent("database", resilience.DatabaseHealthCheck(cfg.Service.Ping))
	if cfg.Breakers != nil {
		s.health.RegisterComponent("sources", resilience.BreakerHealthCheck(cfg.Breakers))
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(110 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/fetch", s.handleFetch)
	s.router.Get("/attributes", s.handleAttributes)

	s.router.Route("/cache", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
	})
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		log := s.log.With().Str("request_id", middleware.GetReqID(r.Context())).Logger()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(logging.WithLogger(r.Context(), log)))

		logging.LogAPICall(log, r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}

// FetchResponse is the body of GET /fetch.
type FetchResponse struct {
	CacheEnabled bool             `json:"cache_enabled"`
	Degraded     bool             `json:"degraded"`
	Start        *models.Date     `json:"start,omitempty"`
	End          *models.Date     `json:"end,omitempty"`
	Results      []*models.Result `json:"results"`
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	ids := q["indicators"]
	ids = append(ids, q["identifiers"]...)

	parsed, err := query.Parse(query.Params{
		Identifiers: ids,
		Attributes:  q["attributes"],
		Period:      q.Get("period"),
		Start:       q.Get("start"),
		End:         q.Get("end"),
	}, s.now())
	if err != nil {
		s.writeError(w, err)
		return
	}

	results, err := s.service.Batch(r.Context(), parsed.Requests())
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := FetchResponse{
		CacheEnabled: s.service.Enabled(),
		Degraded:     s.service.Degraded(),
		Results:      results,
	}
	if parsed.HasRange() {
		resp.Start, resp.End = &parsed.Start, &parsed.End
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.health.Check(r.Context())

	status := http.StatusOK
	if h.Status == resilience.HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, h)
}

// StatsResponse is the body of GET /cache/stats.
type StatsResponse struct {
	*store.Stats
	Session performance.Snapshot `json:"session"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, StatsResponse{Stats: stats, Session: s.service.Counters()})
}

func (s *Server) handleAttributes(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"attributes": s.service.Policy().Attributes(),
		"accepted":   query.Supported(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError maps request errors to 400 and store unavailability to 503.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case apperrors.Is(err, apperrors.ErrInvalidRequest):
		status = http.StatusBadRequest
	case apperrors.Is(err, apperrors.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("Request failed")
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

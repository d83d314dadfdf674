package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liamcoop/history/history"
	"github.com/liamcoop/history/internal/logger"
	"github.com/liamcoop/history/rules"
)

// ServerOptions tunes the HTTP layer
type ServerOptions struct {
	RequestTimeout       time.Duration
	SlowRequestThreshold time.Duration
	Logger               *slog.Logger
}

type Server struct {
	engine  *rules.Engine
	history *history.Service
	opts    ServerOptions
	logger  *slog.Logger
	router  *chi.Mux
}

func NewServer(engine *rules.Engine, svc *history.Service, opts ServerOptions) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.SlowRequestThreshold <= 0 {
		opts.SlowRequestThreshold = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		engine:  engine,
		history: svc,
		opts:    opts,
		logger:  opts.Logger,
	}

	s.setupRoutes()

	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.opts.RequestTimeout))

	r.Get("/api/v1/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/history", func(r chi.Router) {
		r.Post("/", s.handleRecordVisit)
		r.Get("/", s.handleSearchHistory)
	})

	r.Route("/api/normalization-rules", func(r chi.Router) {
		r.Get("/", s.handleListRules)
		r.Post("/", s.handleCreateRule)

		r.Post("/test", s.handleTestRule)
		r.Post("/normalize", s.handleNormalize)
		r.Post("/refresh-cache", s.handleRefreshCache)
		r.Get("/stats", s.handleStats)

		r.Route("/{ruleId}", func(r chi.Router) {
			r.Get("/", s.handleGetRule)
			r.Put("/", s.handleUpdateRule)
			r.Delete("/", s.handleDeleteRule)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestLogger records status and latency of every request and feeds the
// logger's HTTP counters
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		attrs := []any{
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Duration("duration", elapsed),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		}

		switch {
		case status >= 500:
			logger.ErrorHttp5xx()
			s.logger.Error("request failed", attrs...)
		case status >= 400:
			logger.WarnHttp4xx(status)
			s.logger.Debug("request rejected", attrs...)
		default:
			s.logger.Debug("request served", attrs...)
		}

		if elapsed > s.opts.SlowRequestThreshold {
			logger.WarnSlowRequest()
			s.logger.Warn("slow request", attrs...)
		}
	})
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "healthy", Rules: "ok", Index: "ok"}
	status := http.StatusOK

	if err := s.engine.Store().Ping(ctx); err != nil {
		resp.Status, resp.Rules = "unhealthy", err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := s.history.Ping(ctx); err != nil {
		resp.Status, resp.Index = "unhealthy", err.Error()
		status = http.StatusServiceUnavailable
	}

	respondJSON(w, status, resp)
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}
	respondJSON(w, status, response)
}

// decodeJSON reads at most 1 MiB of request body into dst
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(dst)
}

// Package relay serves the aggregated scheduler view over local HTTP.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fentz26/schedwatch/internal/dashboard"
	"github.com/fentz26/schedwatch/internal/schedule"
	"github.com/fentz26/schedwatch/internal/stream"
)

// Views is the aggregator surface the relay serves.
type Views interface {
	Refresh(ctx context.Context) *dashboard.View
	Current() *dashboard.View
}

// StreamStatus reports the push connection state.
type StreamStatus interface {
	State() stream.State
	Attempts() int
}

// Server is the local relay HTTP server.
type Server struct {
	views      Views
	stream     StreamStatus
	router     *chi.Mux
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a relay listening on addr. stream may be nil when no
// push connection is running.
func NewServer(addr string, views Views, stream StreamStatus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	s := &Server{
		views:  views,
		stream: stream,
		router: router,
		logger: logger,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("relay listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/dashboard", s.handleDashboard)
		r.Get("/stream/status", s.handleStreamStatus)
		r.Post("/cron/preview", s.handleCronPreview)
	})
}

// handleDashboard serves a fresh aggregate, or the last one with ?cached=true.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	var view *dashboard.View
	if r.URL.Query().Get("cached") == "true" {
		view = s.views.Current()
	} else {
		view = s.views.Refresh(r.Context())
	}
	writeJSON(w, http.StatusOK, view)
}

type streamStatusResponse struct {
	State    stream.State `json:"state"`
	Attempts int          `json:"attempts"`
}

func (s *Server) handleStreamStatus(w http.ResponseWriter, r *http.Request) {
	if s.stream == nil {
		writeJSON(w, http.StatusOK, streamStatusResponse{State: stream.StateDisconnected})
		return
	}
	writeJSON(w, http.StatusOK, streamStatusResponse{
		State:    s.stream.State(),
		Attempts: s.stream.Attempts(),
	})
}

type cronPreviewRequest struct {
	Expr  string `json:"expr"`
	Count int    `json:"count,omitempty"`
}

type cronPreviewResponse struct {
	Valid     bool     `json:"valid"`
	NextTimes []string `json:"next_times,omitempty"`
	Message   string   `json:"message,omitempty"`
}

func (s *Server) handleCronPreview(w http.ResponseWriter, r *http.Request) {
	var req cronPreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, cronPreviewResponse{Message: "invalid JSON payload"})
		return
	}
	expr := strings.TrimSpace(req.Expr)
	if expr == "" {
		writeJSON(w, http.StatusBadRequest, cronPreviewResponse{Message: "cron expression is required"})
		return
	}
	count := req.Count
	if count <= 0 || count > 10 {
		count = 5
	}

	times, err := schedule.NextRuns(expr, time.Now(), count)
	if err != nil {
		writeJSON(w, http.StatusOK, cronPreviewResponse{Message: err.Error()})
		return
	}
	formatted := make([]string, 0, len(times))
	for _, t := range times {
		formatted = append(formatted, t.UTC().Format(time.RFC3339))
	}
	writeJSON(w, http.StatusOK, cronPreviewResponse{Valid: true, NextTimes: formatted})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Package api is the display-layer boundary: read-only snapshots over HTTP and WebSocket
// plus the three mutations the display may request (toggle, reconfigure, risk profile).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"bot-orchestrator-go/internal/assistant"
	"bot-orchestrator-go/internal/audit"
	"bot-orchestrator-go/internal/lifecycle"
	"bot-orchestrator-go/internal/models"
	"bot-orchestrator-go/internal/statemanager"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Config holds server configuration
type Config struct {
	Addr      string
	Manager   *lifecycle.Manager
	State     *statemanager.StateManager // optional; snapshots come from the manager without it
	Audit     audit.Log
	Assistant assistant.Service
	Log       *zap.Logger
}

// Server represents the HTTP server
type Server struct {
	router    *chi.Mux
	server    *http.Server
	manager   *lifecycle.Manager
	state     *statemanager.StateManager
	audit     audit.Log
	assistant assistant.Service
	hub       *Hub
	log       *zap.Logger
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Assistant == nil {
		cfg.Assistant = assistant.Offline{}
	}
	s := &Server{
		router:    chi.NewRouter(),
		manager:   cfg.Manager,
		state:     cfg.State,
		audit:     cfg.Audit,
		assistant: cfg.Assistant,
		log:       cfg.Log.With(zap.String("component", "api")),
	}
	s.hub = NewHub(s.log)

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:        cfg.Addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())
	s.router.Get("/ws", s.hub.ServeWS(s.snapshot))

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/snapshot", s.handleSnapshot)
		r.Get("/assets", s.handleAssets)
		r.Get("/audit", s.handleAudit)

		r.Route("/bots", func(r chi.Router) {
			r.Get("/", s.handleBots)
			r.Get("/{id}", s.handleBot)
			r.Put("/{id}", s.handleReconfigure)
			r.Post("/{id}/toggle", s.handleToggle)
		})

		r.Route("/risk", func(r chi.Router) {
			r.Get("/", s.handleRisk)
			r.Put("/profile", s.handleRiskProfile)
		})

		r.Route("/assistant", func(r chi.Router) {
			r.Get("/context", s.handleAssistantContext)
			r.Post("/chat", s.handleAssistantChat)
		})
	})
}

// Start starts the HTTP server and the snapshot fan-out. It blocks until the server stops.
func (s *Server) Start(ctx context.Context) error {
	if s.state != nil {
		go s.hub.Run(ctx, s.state)
	}
	s.log.Info("Starting HTTP server", zap.String("addr", s.server.Addr))
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down HTTP server")
	s.hub.CloseAll()
	return s.server.Shutdown(ctx)
}

// snapshot prefers the last tick-boundary snapshot and falls back to a fresh one
// before the first tick.
func (s *Server) snapshot() (*models.Snapshot, error) {
	if s.state != nil {
		if snap := s.state.GetStateSnapshot(); snap != nil && snap.AccountID != "" {
			return snap, nil
		}
	}
	return s.manager.Snapshot()
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Rule  string `json:"rule,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("encode response", zap.Error(err))
	}
}

// writeError maps orchestrator errors to status codes. Invariant violations carry
// the violated rule.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	if rule, ok := lifecycle.IsInvariant(err); ok {
		s.writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Rule: rule})
		return
	}
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, lifecycle.ErrBotNotFound):
		status = http.StatusNotFound
	case errors.Is(err, lifecycle.ErrNotProvisioned):
		status = http.StatusServiceUnavailable
	case errors.Is(err, errBadRequest), errors.Is(err, assistant.ErrEmptyMessage):
		status = http.StatusBadRequest
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

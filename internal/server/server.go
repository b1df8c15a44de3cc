// Package server exposes the daemon's debug surface over HTTP: a
// status snapshot, per-event history, and a live SSE stream of bus
// traffic.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/appdeck-ai/appdeck/internal/bus"
	"github.com/appdeck-ai/appdeck/internal/store"
	"github.com/appdeck-ai/appdeck/internal/surface"
	"github.com/appdeck-ai/appdeck/internal/worker"
)

// Config holds server configuration.
type Config struct {
	Listen       string
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:       "127.0.0.1:7733",
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // no write timeout, SSE connections stay open
	}
}

// Server is the HTTP debug server.
type Server struct {
	config  *Config
	router  *chi.Mux
	httpSrv *http.Server
	bus     *bus.Bus
	sup     *worker.Supervisor
	reg     *surface.Registry
}

// New creates a new Server instance.
func New(cfg *Config, b *bus.Bus, sup *worker.Supervisor, reg *surface.Registry) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Server{
		config: cfg,
		router: chi.NewRouter(),
		bus:    b,
		sup:    sup,
		reg:    reg,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}
}

// setupRoutes registers the debug endpoints.
func (s *Server) setupRoutes() {
	s.router.Get("/status", s.status)
	s.router.Get("/history", s.history)
	s.router.Get("/events", s.events)
}

// StatusResponse is the /status payload.
type StatusResponse struct {
	StoreRoot string         `json:"storeRoot"`
	Workers   []string       `json:"workers"`
	Surfaces  []surface.Info `json:"surfaces"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	workers := s.sup.ListRunning()
	if workers == nil {
		workers = []string{}
	}
	surfaces := s.reg.List()
	if surfaces == nil {
		surfaces = []surface.Info{}
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		StoreRoot: s.bus.Store().Root(),
		Workers:   workers,
		Surfaces:  surfaces,
	})
}

// HistoryResponse is the /history payload: the current value plus the
// retained prior values, most recent first.
type HistoryResponse struct {
	Event   string               `json:"event"`
	Current any                  `json:"current"`
	History []store.HistoryEntry `json:"history"`
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("event")
	if name == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "event required")
		return
	}

	st := s.bus.Store()
	current, err := st.Read(name)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "no such event: "+name)
		case errors.Is(err, store.ErrInvalidName):
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		}
		return
	}

	entries, err := st.History(name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	if entries == nil {
		entries = []store.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{
		Event:   name,
		Current: current,
		History: entries,
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Copyright 2025 James Ross
package api

import (
	"context"
	"net/http"

	"github.com/flyingrobots/go-traffic-signal-controller/internal/config"
	"github.com/flyingrobots/go-traffic-signal-controller/internal/engine"
	"github.com/flyingrobots/go-traffic-signal-controller/internal/memory"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Server is the HTTP/WebSocket surface over the engine. Everything it
// does is thin: validate, hand off to the engine or the memory store,
// serialize.
type Server struct {
	cfg     config.API
	engine  *engine.Engine
	store   *memory.Store
	logger  *zap.Logger
	baseCtx context.Context
	server  *http.Server
}

// NewServer builds the API server. baseCtx becomes the parent of the
// simulation loop started through the control endpoints.
func NewServer(baseCtx context.Context, cfg config.API, eng *engine.Engine, store *memory.Store, logger *zap.Logger) *Server {
	return &Server{
		cfg:     cfg,
		engine:  eng,
		store:   store,
		logger:  logger,
		baseCtx: baseCtx,
	}
}

// Start begins serving. It blocks until the listener fails or the
// server is shut down.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Routes(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.logger.Info("starting API server", zap.String("addr", s.cfg.ListenAddr))
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Routes configures the router (exported for testing).
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.Use(s.requestIDMiddleware, s.loggingMiddleware, s.corsMiddleware)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/memory/summary", s.handleMemorySummary).Methods("GET")
	api.HandleFunc("/ws", s.handleWebSocket).Methods("GET")

	control := api.PathPrefix("/control").Subrouter()
	control.Use(s.rateLimitMiddleware())
	control.HandleFunc("/mode", s.handleGetMode).Methods("GET")
	control.HandleFunc("/mode", s.handleSetMode).Methods("POST")
	control.HandleFunc("/manual/apply", s.handleManualApply).Methods("POST")
	control.HandleFunc("/manual/cancel", s.handleManualCancel).Methods("POST")
	control.HandleFunc("/start", s.handleStart).Methods("POST")
	control.HandleFunc("/stop", s.handleStop).Methods("POST")
	control.HandleFunc("/reset", s.handleReset).Methods("POST")

	return r
}

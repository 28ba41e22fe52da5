// Package http exposes the meeting core over REST and websocket.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/looplab/loopcore/pkg/assistant"
	"github.com/looplab/loopcore/pkg/config"
	"github.com/looplab/loopcore/pkg/events"
	"github.com/looplab/loopcore/pkg/logging"
	"github.com/looplab/loopcore/pkg/metrics"
	"github.com/looplab/loopcore/pkg/orchestrator"
	"github.com/looplab/loopcore/pkg/presence"
	"github.com/looplab/loopcore/pkg/reconciler"
	"github.com/looplab/loopcore/pkg/repository"
	"github.com/looplab/loopcore/pkg/scheduler"
)

// Server is the HTTP server for the meeting core.
type Server struct {
	cfg        config.ServerConfig
	logger     *logging.Logger
	httpServer *http.Server

	scheduler  *scheduler.Service
	orch       *orchestrator.Orchestrator
	tracker    *presence.Tracker
	reconciler *reconciler.Reconciler
	assistant  *assistant.Service
	conflicts  repository.ConflictStore
	hub        *events.Hub
}

// Deps bundles everything the server routes to.
type Deps struct {
	Scheduler  *scheduler.Service
	Orch       *orchestrator.Orchestrator
	Tracker    *presence.Tracker
	Reconciler *reconciler.Reconciler
	Assistant  *assistant.Service
	Conflicts  repository.ConflictStore
	Hub        *events.Hub
}

// NewServer creates the HTTP server
func NewServer(cfg config.ServerConfig, deps Deps, logger *logging.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		logger:     logger,
		scheduler:  deps.Scheduler,
		orch:       deps.Orch,
		tracker:    deps.Tracker,
		reconciler: deps.Reconciler,
		assistant:  deps.Assistant,
		conflicts:  deps.Conflicts,
		hub:        deps.Hub,
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(s.logRequests)
	router.Use(metrics.Middleware)

	router.Get("/health", s.handleHealth)
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/ws", s.handleWebSocket)

	router.Route("/api", func(r chi.Router) {
		r.Route("/meetings", func(r chi.Router) {
			r.Post("/", s.handleProposeMeeting)
			r.Get("/", s.handleListMeetings)
			r.Post("/check", s.handleCheckDraft)
			r.Route("/{meetingID}", func(r chi.Router) {
				r.Get("/", s.handleGetMeeting)
				r.Get("/occurrences", s.handleListOccurrences)
				r.Get("/conflicts", s.handleListConflicts)
				r.Post("/cancel", s.handleCancelMeeting)
				r.Post("/start", s.handleStartSession)
				r.Post("/end", s.handleEndSession)
				r.Post("/join", s.handleJoin)
				r.Post("/leave", s.handleLeave)
			})
		})
		r.Route("/presence", func(r chi.Router) {
			r.Post("/heartbeat", s.handleHeartbeat)
			r.Get("/", s.handleQueryPresence)
		})
		r.Route("/sync", func(r chi.Router) {
			r.Post("/mutations", s.handleEnqueueMutation)
			r.Post("/drain", s.handleDrain)
		})
		r.Post("/assistant/chat", s.handleAssistantChat)
	})

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Start begins listening. Blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and closes websocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
		"time":    time.Now().UTC(),
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

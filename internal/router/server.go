// Copyright (c) 2026 Cardwire Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package router implements the cardwire router: the rendezvous point
// that authenticates controllers and cardhosts over WebSocket, binds them
// into relay sessions, and forwards opaque RPC envelopes between them.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cardwire/cardwire/internal/router/auth"
	"github.com/cardwire/cardwire/internal/router/config"
	"github.com/cardwire/cardwire/internal/router/session"
	"github.com/cardwire/cardwire/internal/router/transport"
)

// Server is one router instance. Controllers and cardhosts authenticate
// in separate identifier spaces, so the server carries two auth services.
type Server struct {
	config *config.Config
	log    *slog.Logger

	router     *chi.Mux
	httpServer *http.Server
	upgrader   websocket.Upgrader

	controllerAuth *auth.Service
	cardhostAuth   *auth.Service
	sessions       *session.Service
	transport      *transport.Transport
	metrics        *metrics

	running  atomic.Bool
	socketWg sync.WaitGroup

	connMu sync.Mutex
	conns  map[*websocket.Conn]struct{}

	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

// New creates a router server and starts its background cleanup loop.
// Callers must Shutdown the server when done with it, whether or not they
// ever call Start.
func New(cfg *config.Config, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		config:         cfg,
		log:            log,
		router:         chi.NewRouter(),
		controllerAuth: auth.NewService(cfg.ChallengeTTL),
		cardhostAuth:   auth.NewService(cfg.ChallengeTTL),
		sessions:       session.NewService(cfg.SessionTTL, cfg.SessionIdleTimeout),
		transport:      transport.New(cfg.RelayTimeout, log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns:       make(map[*websocket.Conn]struct{}),
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	s.metrics = newMetrics(s)
	s.setupMiddleware()
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.running.Store(true)
	go s.cleanupLoop()
	return s
}

// setupMiddleware configures global middleware
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
}

// setupRoutes configures the HTTP surface: two read-only endpoints, the
// optional metrics endpoint, the two WebSocket endpoints, and a JSON 404
// for everything else.
func (s *Server) setupRoutes() {
	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)
		if s.config.Features.MetricsEnabled {
			r.Handle("/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))
		}
	})

	// WebSocket endpoints stay outside the timeout group; relay
	// connections live for hours.
	s.router.Get("/ws/controller", s.handleControllerSocket)
	s.router.Get("/ws/cardhost", s.handleCardhostSocket)

	s.router.NotFound(s.handleNotFound)
	s.router.MethodNotAllowed(s.handleNotFound)
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.log.Info("router listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server: the cleanup loop exits, every
// pending relay drains with a shutdown error, all sockets close, and the
// HTTP listener stops accepting.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	close(s.stopCleanup)
	<-s.cleanupDone

	s.transport.Stop()
	s.closeAllConns()

	err := s.httpServer.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.socketWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// Router returns the underlying router (useful for testing)
func (s *Server) Router() *chi.Mux {
	return s.router
}

// trackConn remembers a live socket so Shutdown can close connections
// that never reached transport registration.
func (s *Server) trackConn(conn *websocket.Conn) {
	s.connMu.Lock()
	s.conns[conn] = struct{}{}
	s.connMu.Unlock()
}

func (s *Server) untrackConn(conn *websocket.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
}

func (s *Server) closeAllConns() {
	s.connMu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connMu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// =============================================================================
// HTTP handlers
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"running": s.running.Load(),
	})
}

type statsResponse struct {
	Running            bool `json:"running"`
	ActiveControllers  int  `json:"activeControllers"`
	ActiveCardhosts    int  `json:"activeCardhosts"`
	ActiveSessions     int  `json:"activeSessions"`
	ConnectedCardhosts int  `json:"connectedCardhosts"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, statsResponse{
		Running:            s.running.Load(),
		ActiveControllers:  s.controllerAuth.AuthenticatedCount(),
		ActiveCardhosts:    s.cardhostAuth.AuthenticatedCount(),
		ActiveSessions:     s.sessions.Count(),
		ConnectedCardhosts: s.transport.CardhostCount(),
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusNotFound, map[string]string{
		"error": "Not found",
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// =============================================================================
// Background cleanup
// =============================================================================

// cleanupLoop sweeps expired sessions, idle sessions, and stale
// challenges on one shared ticker.
func (s *Server) cleanupLoop() {
	defer close(s.cleanupDone)
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runCleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *Server) runCleanup() {
	if n := s.sessions.CleanupExpired(); n > 0 {
		s.log.Info("reaped expired sessions", "count", n)
	}
	if n := s.sessions.CleanupIdle(); n > 0 {
		s.log.Info("reaped idle sessions", "count", n)
	}
	expired := s.controllerAuth.CleanupExpiredChallenges() + s.cardhostAuth.CleanupExpiredChallenges()
	if expired > 0 {
		s.log.Debug("swept expired challenges", "count", expired)
	}
}

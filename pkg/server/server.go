// Package server exposes the agent over HTTP: the chat endpoint, table
// browsing for the UI, health and metrics.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tabletalk-ai/tabletalk/pkg/agent"
	"github.com/tabletalk-ai/tabletalk/pkg/config"
	"github.com/tabletalk-ai/tabletalk/pkg/session"
	"github.com/tabletalk-ai/tabletalk/pkg/warehouse"
)

// ChatService is the agent capability the server needs.
type ChatService interface {
	CreateSession(ctx context.Context, userID string) (*session.Session, error)
	Chat(ctx context.Context, sessionID, message string) (*agent.Result, error)
}

var _ ChatService = (*agent.Agent)(nil)

// Server is the HTTP front end.
type Server struct {
	agent     ChatService
	warehouse warehouse.Client
	cfg       *config.ServerConfig
	router    chi.Router
	cache     *responseCache
	metrics   *metrics
	http      *http.Server
	logger    *slog.Logger
}

// New builds the server and its routes.
func New(chat ChatService, wh warehouse.Client, cfg *config.ServerConfig) *Server {
	s := &Server{
		agent:     chat,
		warehouse: wh,
		cfg:       cfg,
		cache:     newResponseCache(cfg.TableCacheTTL.Std()),
		metrics:   newMetrics(),
		logger:    slog.Default().With("component", "server"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.metrics.middleware)

	r.Post("/api/chat", s.handleChat)
	r.Get("/api/tables", s.handleTables)
	r.Get("/api/table_data", s.handleTableData)
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	s.router = r
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("HTTP server listening", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Package server exposes the status and admin HTTP API of a running pool.
package server

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/sevir/officepool/internal/store"
	"github.com/sevir/officepool/pkg/models"
)

// Pool is the part of the supervisor the API needs.
type Pool interface {
	ID() string
	State() models.PoolState
	Slots() []models.SlotInfo
	RecycleSlot(index int) error
}

// Server is the status HTTP server.
type Server struct {
	pool       Pool
	events     store.Store
	logDir     string
	addr       string
	version    string
	commit     string
	httpServer *http.Server
}

// Config holds server configuration.
type Config struct {
	Addr    string
	Pool    Pool
	Events  store.Store
	LogDir  string
	Version string
	Commit  string
}

// New creates a new status server.
func New(cfg Config) *Server {
	s := &Server{
		pool:    cfg.Pool,
		events:  cfg.Events,
		logDir:  cfg.LogDir,
		addr:    cfg.Addr,
		version: cfg.Version,
		commit:  cfg.Commit,
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.corsMiddleware(s.newGinEngine()),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start serves HTTP until Shutdown is called. It returns
// http.ErrServerClosed after a clean shutdown.
func (s *Server) Start() error {
	log.Printf("server_event=starting addr=%s pool_id=%s", s.addr, s.pool.ID())
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

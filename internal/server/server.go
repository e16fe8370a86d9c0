package server

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"task-sync/internal/config"
	"task-sync/internal/handlers"
	httpapi "task-sync/internal/http"
	"task-sync/internal/hub"
	"task-sync/internal/metrics"
	"task-sync/internal/middleware"
	"task-sync/internal/repos"
	"task-sync/internal/services"
)

const shutdownTimeout = 10 * time.Second

// Server is the assembled sync service: store, reconciliation, registry and
// HTTP surfaces over one database handle.
type Server struct {
	log      *slog.Logger
	registry *hub.Registry
	router   *gin.Engine
}

// New wires every component on top of an already migrated database.
func New(cfg config.Config, db *sql.DB, log *slog.Logger) *Server {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	m := metrics.New()
	repo := repos.NewTaskRepo(db, cfg.DatabaseDriver)
	svc := services.NewSyncService(repo, services.Options{
		MaxAttempts: cfg.ReconcileMaxAttempts,
		BaseDelay:   cfg.ReconcileBaseDelay,
		MaxDelay:    cfg.ReconcileMaxDelay,
		Logger:      log,
		Metrics:     m,
	})
	reg := hub.NewRegistry(log, m)
	auth := middleware.NewStaticAuthenticator(cfg.AuthTokens)
	h := handlers.NewSyncHandler(svc, reg, auth, log, cfg.AllowedOrigins)
	return &Server{
		log:      log,
		registry: reg,
		router:   httpapi.NewRouter(cfg, h, auth, m, log),
	}
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts on ln until ctx is cancelled. Shutdown stops new requests,
// then closes every live websocket with a normal closure; http.Server does
// not track hijacked connections.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("task sync listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.log.Info("shutting down")
		err := srv.Shutdown(shutdownCtx)
		if n := s.registry.CloseAll(); n > 0 {
			s.log.Info("closed live connections", "count", n)
		}
		return err
	})
	return g.Wait()
}

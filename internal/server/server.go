// Package server is the composition root: it wires storage, kernels,
// notebooks, services and handlers together and runs the HTTP server.
//
// DEPENDENCY FLOW:
//
//	main.go:   config → launcher (local or docker) → server.New
//	server.New: sqlite.DB ─┐
//	            kernel.Manager ─┼→ ExecutionService → handlers → routes
//	            notebook.Merger ┘
//
// Keeping this out of main.go lets tests build a full server around a fake
// launcher and drive it with httptest.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/sakif/kernelhub/internal/auth"
	"github.com/sakif/kernelhub/internal/config"
	"github.com/sakif/kernelhub/internal/document"
	"github.com/sakif/kernelhub/internal/handler"
	"github.com/sakif/kernelhub/internal/kernel"
	"github.com/sakif/kernelhub/internal/kernel/process"
	"github.com/sakif/kernelhub/internal/middleware"
	"github.com/sakif/kernelhub/internal/notebook"
	"github.com/sakif/kernelhub/internal/notify"
	sqliteRepo "github.com/sakif/kernelhub/internal/repository/sqlite"
	"github.com/sakif/kernelhub/internal/service"
)

// shutdownTimeout bounds in-flight requests and pending resyncs at exit.
const shutdownTimeout = 30 * time.Second

// Server represents the HTTP server and all its dependencies. It owns the
// database and the kernels and releases both on shutdown.
type Server struct {
	router  *chi.Mux
	config  config.Config
	logger  *slog.Logger
	db      *sqliteRepo.DB
	kernels *kernel.Manager
	merger  *notebook.Merger
	feed    *notify.Feed
	tokens  *auth.TokenService
}

// Option customises New. Tests use it to lower the bcrypt cost.
type Option func(*options)

type options struct {
	bcryptCost int
}

// WithBcryptCost sets the work factor used to hash the configured password.
func WithBcryptCost(cost int) Option {
	return func(o *options) { o.bcryptCost = cost }
}

// New builds every component from cfg. launcher starts the interpreter
// processes; main picks the local or docker implementation.
//
// IMPORT ALIAS:
// repository/sqlite is imported as sqliteRepo so it is not confused with the
// modernc.org/sqlite driver.
func New(cfg config.Config, logger *slog.Logger, launcher process.Launcher, opts ...Option) (*Server, error) {
	o := options{bcryptCost: auth.DefaultCost}
	for _, opt := range opts {
		opt(&o)
	}

	db, err := sqliteRepo.New(cfg.Server.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	feed := notify.NewFeed(cfg.Server.NoticeLimit)
	notifier := notify.Multi{notify.NewLogNotifier(logger), feed}

	manager, err := kernel.NewManager(cfg.Languages(), launcher, notifier, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating kernel manager: %w", err)
	}

	s := &Server{
		router:  chi.NewRouter(),
		config:  cfg,
		logger:  logger,
		db:      db,
		kernels: manager,
		feed:    feed,
	}

	docs := document.New(cfg.Documents.SyncCommand, logger)
	s.merger = notebook.NewMerger(docs, notifier, logger)

	var password *auth.Password
	if cfg.Server.JWTSecret != "" {
		s.tokens, err = auth.NewTokenService(cfg.Server.JWTSecret, auth.DefaultTokenTTL)
		if err != nil {
			s.close()
			return nil, err
		}
		if cfg.Server.Password != "" {
			password, err = auth.NewPassword(cfg.Server.Password, o.bcryptCost)
			if err != nil {
				s.close()
				return nil, err
			}
		}
	}

	execService := service.NewExecutionService(manager, s.merger, docs, db, cfg.Kernels.EnableCodeBlocks, logger)
	authService := service.NewAuthService(password, s.tokens, logger)
	s.setupRoutes(execService, authService)

	return s, nil
}

// setupRoutes configures middleware and routes.
//
// ROUTES:
// GET    /healthz                          → liveness
// POST   /auth/token                       → password → JWT
// POST   /api/execute                      → run a code block
// GET    /api/kernels                      → kernel status
// POST   /api/kernels/{language}/restart   → restart one kernel
// GET    /api/notebooks/outputs            → rendered cell outputs
// DELETE /api/notebooks/outputs            → clear cell outputs
// GET    /api/executions                   → history
// GET    /api/executions/{id}              → one history record
// GET    /api/notices                      → recent notices
//
// MIDDLEWARE ORDER MATTERS: RequestID runs first so the logger can report
// it; Recoverer turns a panicking handler into a 500.
func (s *Server) setupRoutes(execService *service.ExecutionService, authService *service.AuthService) {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(chimiddleware.Recoverer)

	executeHandler := handler.NewExecuteHandler(execService, s.logger)
	kernelHandler := handler.NewKernelHandler(execService, s.logger)
	notebookHandler := handler.NewNotebookHandler(execService, s.logger)
	executionHandler := handler.NewExecutionHandler(execService, s.logger)
	noticeHandler := handler.NewNoticeHandler(s.feed)
	authHandler := handler.NewAuthHandler(authService, s.logger)

	s.router.Get("/healthz", handler.HandleHealth)
	s.router.Post("/auth/token", authHandler.HandleToken)

	s.router.Route("/api", func(r chi.Router) {
		if s.tokens != nil {
			r.Use(auth.RequireToken(s.tokens))
		}

		r.Post("/execute", executeHandler.HandleExecute)

		r.Get("/kernels", kernelHandler.HandleList)
		r.Post("/kernels/{language}/restart", kernelHandler.HandleRestart)

		r.Get("/notebooks/outputs", notebookHandler.HandleOutputs)
		r.Delete("/notebooks/outputs", notebookHandler.HandleClear)

		r.Get("/executions", executionHandler.HandleList)
		r.Get("/executions/{id}", executionHandler.HandleGet)

		r.Get("/notices", noticeHandler.HandleList)
	})
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the HTTP server until SIGINT or SIGTERM, then shuts down
// gracefully.
//
// GRACEFUL SHUTDOWN:
//  1. Stop accepting connections and let in-flight requests finish
//  2. Terminate every kernel (pending executions fail with process_closed)
//  3. Wait for notebook resyncs already started
//  4. Close the database
func (s *Server) Start() error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: executions block until the kernel answers.
		IdleTimeout: 60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", s.config.Server.Port)),
			slog.String("database", s.config.Server.DBPath),
			slog.String("runtime", s.config.Kernels.Runtime),
			slog.Bool("auth", s.tokens != nil),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	var serveErr error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Terminating kernels first releases handlers blocked on an execution.
		go s.kernels.Cleanup()
		if err := srv.Shutdown(ctx); err != nil {
			serveErr = fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}

	s.close()
	if serveErr == nil {
		s.logger.Info("server stopped gracefully")
	}
	return serveErr
}

// close releases kernels, pending resyncs and the database. It is safe to
// call more than once.
func (s *Server) close() {
	s.kernels.Cleanup()
	if s.merger != nil {
		s.merger.Wait()
	}
	if err := s.db.Close(); err != nil {
		s.logger.Warn("closing database", slog.String("error", err.Error()))
	}
}

// Close releases every resource without serving. Tests use it instead of
// Start.
func (s *Server) Close() {
	s.close()
}

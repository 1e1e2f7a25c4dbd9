// Package server exposes the hub over HTTP.
//
// Routes:
//
//	POST /api/chat               stream one chat request as NDJSON
//	POST /api/abort/{requestId}  cancel a live request
//	POST /api/plans              execute a plan, streaming scheduler events
//	GET  /api/plans              list recorded plan runs
//	GET  /api/plans/{planId}     show one recorded plan run
//	GET  /healthz                liveness
//	GET  /metrics                Prometheus metrics
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coswise/claude-code-by-agents/internal/logging"
	"github.com/coswise/claude-code-by-agents/internal/metrics"
	"github.com/coswise/claude-code-by-agents/internal/orchestrator"
	"github.com/coswise/claude-code-by-agents/internal/registry"
	"github.com/coswise/claude-code-by-agents/internal/router"
	"github.com/coswise/claude-code-by-agents/internal/session"
	"github.com/coswise/claude-code-by-agents/internal/state"
	"github.com/coswise/claude-code-by-agents/pkg/models"
)

const (
	// maxBodySize caps request bodies.
	maxBodySize = 10 << 20

	// planEventBuffer is the scheduler event buffer of one plan stream.
	planEventBuffer = 64

	readHeaderTimeout = 5 * time.Second
)

// PlanStore records plan runs and reads them back. *state.DB implements it.
type PlanStore interface {
	orchestrator.Ledger
	state.PlanReader
}

// Config holds listener settings.
type Config struct {
	Addr            string
	ShutdownTimeout time.Duration
	// MaxParallel bounds concurrent steps per plan wave. Zero is unbounded.
	MaxParallel int
}

// Deps are the components the server exposes.
type Deps struct {
	Dispatcher router.Dispatcher
	Registry   *registry.Registry
	// Roster returns the hub's roster, used when a plan request carries none.
	Roster   func() models.Roster
	Sessions *session.Store
	// Plans is optional. Without it plan runs are not recorded.
	Plans   PlanStore
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Server is the hub's HTTP front end.
type Server struct {
	cfg        Config
	dispatcher router.Dispatcher
	registry   *registry.Registry
	roster     func() models.Roster
	sessions   *session.Store
	plans      PlanStore
	metrics    *metrics.Metrics
	logger     *slog.Logger
	handler    http.Handler
	now        func() time.Time
}

// New creates a Server.
func New(cfg Config, deps Deps) *Server {
	s := &Server{
		cfg:        cfg,
		dispatcher: deps.Dispatcher,
		registry:   deps.Registry,
		roster:     deps.Roster,
		sessions:   deps.Sessions,
		plans:      deps.Plans,
		metrics:    deps.Metrics,
		logger:     logging.OrDefault(deps.Logger).With("component", "server"),
		now:        time.Now,
	}
	if s.registry == nil {
		s.registry = registry.New()
	}
	if s.sessions == nil {
		s.sessions = session.NewStore()
	}
	if s.roster == nil {
		s.roster = func() models.Roster { return nil }
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/abort/{requestId}", s.handleAbort)
	mux.HandleFunc("POST /api/plans", s.handleExecutePlan)
	mux.HandleFunc("GET /api/plans", s.handleListPlans)
	mux.HandleFunc("GET /api/plans/{planId}", s.handleGetPlan)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	s.handler = s.instrument(mux)
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled. In-flight streams get the
// shutdown timeout to finish before their connections are closed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("starting http server", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http serve: %w", err)
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info("shutting down http server", "timeout", timeout)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
		_ = srv.Close()
	}
	return nil
}

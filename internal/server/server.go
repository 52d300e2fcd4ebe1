// Package server exposes the render pipeline over HTTP: report pages,
// auxiliary artifacts by session and the statistics view.
package server

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/Sumatoshi-tech/rdlserve/pkg/observability"
	"github.com/Sumatoshi-tech/rdlserve/pkg/persist"
	"github.com/Sumatoshi-tech/rdlserve/pkg/render"
	"github.com/Sumatoshi-tech/rdlserve/pkg/report"
	"github.com/Sumatoshi-tech/rdlserve/pkg/sessionstore"
)

// Route paths.
const (
	PathReport     = "/report"
	PathShowFile   = "/showfile"
	PathStatistics = "/statistics"
)

// Default option values.
const (
	DefaultCookieName      = "rdlserve_session"
	defaultReadTimeout     = 30 * time.Second
	defaultWriteTimeout    = 60 * time.Second
	defaultIdleTimeout     = 120 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	readHeaderTimeout      = 5 * time.Second
	snapshotDirMode        = 0o750
)

// ErrMissingDependency is returned by New when a required collaborator is nil.
var ErrMissingDependency = errors.New("missing dependency")

// Options tune the HTTP surface.
type Options struct {
	Addr            string
	CookieName      string
	DefaultFormat   report.Format
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Password is forwarded to every render for protected data sources.
	Password report.PasswordFunc

	// IdleTTL expires sessions not touched for this long. Zero disables the sweeper.
	IdleTTL       time.Duration
	SweepInterval time.Duration

	// SnapshotDir, when set, restores sessions on Run and saves them on shutdown.
	SnapshotDir   string
	SnapshotCodec persist.Codec
}

// Deps are the collaborators of a Server. Renderer and Sessions are required.
type Deps struct {
	Renderer *render.Orchestrator
	Sessions *sessionstore.Store
	Logger   *slog.Logger
	Tracer   trace.Tracer
	RED      *observability.REDMetrics
}

// Server is the HTTP front end of the render pipeline.
type Server struct {
	opts    Options
	deps    Deps
	handler http.Handler
}

// New builds a Server and its routes.
func New(opts Options, deps Deps) (*Server, error) {
	switch {
	case deps.Renderer == nil:
		return nil, fmt.Errorf("%w: renderer", ErrMissingDependency)
	case deps.Sessions == nil:
		return nil, fmt.Errorf("%w: session store", ErrMissingDependency)
	}

	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("")
	}

	applyDefaults(&opts)

	srv := &Server{opts: opts, deps: deps}

	mux := http.NewServeMux()
	mux.HandleFunc(PathReport, srv.handleReport)
	mux.HandleFunc(PathShowFile, srv.handleShowFile)
	mux.HandleFunc(PathStatistics, srv.handleStatistics)

	srv.handler = observability.HTTPMiddleware(deps.Tracer, deps.RED, mux)

	return srv, nil
}

func applyDefaults(opts *Options) {
	if opts.CookieName == "" {
		opts.CookieName = DefaultCookieName
	}

	if opts.DefaultFormat == "" {
		opts.DefaultFormat = report.FormatHTML
	}

	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}

	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}

	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}

	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}

	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
}

// Handler returns the instrumented route handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run listens on Options.Addr until ctx is canceled, then drains in-flight
// requests and saves the session snapshot when configured.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}

	return s.Serve(ctx, listener)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.restoreSessions()

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()

	if s.opts.IdleTTL > 0 {
		go s.deps.Sessions.RunSweeper(sweepCtx, s.opts.SweepInterval, s.opts.IdleTTL)
	}

	httpServer := &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.opts.ReadTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      s.opts.WriteTimeout,
		IdleTimeout:       s.opts.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	serveErr := make(chan error, 1)

	go func() {
		serveErr <- httpServer.Serve(listener)
	}()

	s.deps.Logger.InfoContext(ctx, "report server listening", "addr", listener.Addr().String())

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}

		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
	defer cancel()

	shutdownErr := httpServer.Shutdown(shutdownCtx)
	if shutdownErr != nil {
		shutdownErr = fmt.Errorf("shutdown: %w", shutdownErr)
	}

	return errors.Join(shutdownErr, s.saveSessions())
}

func (s *Server) restoreSessions() {
	if s.opts.SnapshotDir == "" || s.opts.SnapshotCodec == nil {
		return
	}

	err := s.deps.Sessions.Load(s.opts.SnapshotDir, s.opts.SnapshotCodec)

	switch {
	case errors.Is(err, fs.ErrNotExist):
		s.deps.Logger.Debug("no session snapshot", "dir", s.opts.SnapshotDir)
	case err != nil:
		s.deps.Logger.Warn("session snapshot not restored", "dir", s.opts.SnapshotDir, "error", err)
	default:
		s.deps.Logger.Info("sessions restored", "dir", s.opts.SnapshotDir, "sessions", s.deps.Sessions.Len())
	}
}

func (s *Server) saveSessions() error {
	if s.opts.SnapshotDir == "" || s.opts.SnapshotCodec == nil {
		return nil
	}

	err := os.MkdirAll(s.opts.SnapshotDir, snapshotDirMode)
	if err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	err = s.deps.Sessions.Save(s.opts.SnapshotDir, s.opts.SnapshotCodec)
	if err != nil {
		return err
	}

	s.deps.Logger.Info("sessions saved", "dir", s.opts.SnapshotDir, "sessions", s.deps.Sessions.Len())

	return nil
}

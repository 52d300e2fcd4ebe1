package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/rdlserve/internal/server"
	"github.com/Sumatoshi-tech/rdlserve/pkg/observability"
)

// NewServeCommand creates the HTTP server command.
func NewServeCommand(flags *globalFlags) *cobra.Command {
	var (
		addr string
		root string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP report server",
		Long: `Start an HTTP server rendering reports on demand.

Routes:
  /report?file=<path>&type=<format>[&noshow=1][&<param>=<value>...]
  /showfile?type=<artifact>   auxiliary artifact of the caller's session
  /statistics                 cache and session statistics

Health, readiness and Prometheus metrics are served on telemetry.diagnostics_addr.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), flags, addr, root)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.host and server.port)")
	cmd.Flags().StringVar(&root, "root", "", "report root directory (overrides reports.root)")

	return cmd
}

func runServe(ctx context.Context, flags *globalFlags, addr, root string) error {
	rt, err := newRuntime(runtimeOptions{flags: flags, mode: observability.ModeServe, root: root})
	if err != nil {
		return err
	}
	defer rt.Close(context.WithoutCancel(ctx))

	cfg := rt.cfg

	if addr == "" {
		addr = cfg.Server.Addr()
	}

	opts := server.Options{
		Addr:            addr,
		CookieName:      cfg.Sessions.CookieName,
		DefaultFormat:   rt.defaultFormat(),
		Password:        cfg.Reports.PasswordFunc(),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		IdleTTL:         cfg.Sessions.IdleTTL,
		SweepInterval:   cfg.Sessions.SweepInterval,
		SnapshotDir:     cfg.Sessions.SnapshotDir,
	}

	if opts.SnapshotDir != "" {
		opts.SnapshotCodec, err = rt.snapshotCodec()
		if err != nil {
			return err
		}
	}

	srv, err := server.New(opts, server.Deps{
		Renderer: rt.renderer,
		Sessions: rt.sessions,
		Logger:   rt.logger,
		Tracer:   rt.providers.Tracer,
		RED:      rt.red,
	})
	if err != nil {
		return err
	}

	if cfg.Telemetry.DiagnosticsAddr != "" {
		diag, diagErr := observability.NewDiagnosticsServer(cfg.Telemetry.DiagnosticsAddr, rt.providers.MetricsHandler,
			observability.ReadyCheck{Name: "report_root", Check: func(context.Context) error {
				_, statErr := os.Stat(rt.files.Root())

				return statErr
			}},
		)
		if diagErr != nil {
			return fmt.Errorf("diagnostics server: %w", diagErr)
		}

		defer func() {
			closeErr := diag.Close(context.WithoutCancel(ctx))
			if closeErr != nil {
				rt.logger.Warn("diagnostics server close failed", "error", closeErr)
			}
		}()

		rt.logger.Info("diagnostics listening", "addr", diag.Addr())
	}

	err = srv.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

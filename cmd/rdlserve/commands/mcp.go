package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/rdlserve/pkg/mcp"
	"github.com/Sumatoshi-tech/rdlserve/pkg/observability"
)

// NewMCPCommand creates the MCP server command.
func NewMCPCommand(flags *globalFlags) *cobra.Command {
	var root string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start MCP server for AI agent integration",
		Long: `Start a Model Context Protocol (MCP) server on stdio transport.

The MCP server exposes report rendering as tools that AI agents can discover
and invoke:
  - report_render: render a stored or inline report definition
  - report_artifact: fetch an auxiliary artifact (image) of a render
  - report_stats: compile cache and session statistics`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newRuntime(runtimeOptions{flags: flags, mode: observability.ModeMCP, root: root, logJSON: true})
			if err != nil {
				return err
			}
			defer rt.Close(context.WithoutCancel(cmd.Context()))

			srv := mcp.NewServer(mcp.ServerDeps{
				Renderer: rt.renderer,
				Inline:   rt.inline,
				Sessions: rt.sessions,
				Stats:    rt.stats,
				Entries:  rt.cache,
				Password: rt.cfg.Reports.PasswordFunc(),
				Logger:   rt.logger,
				Metrics:  rt.red,
				Tracer:   rt.providers.Tracer,
			})

			if rt.cfg.Sessions.IdleTTL > 0 {
				go rt.sessions.RunSweeper(cmd.Context(), rt.cfg.Sessions.SweepInterval, rt.cfg.Sessions.IdleTTL)
			}

			return srv.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&root, "root", "", "report root directory (overrides reports.root)")

	return cmd
}

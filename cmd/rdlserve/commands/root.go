// Package commands implements CLI command handlers for rdlserve.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/rdlserve/pkg/version"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	verbose    bool
}

// NewRootCommand builds the rdlserve command tree.
func NewRootCommand() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "rdlserve",
		Short: "Report compilation cache and multi-format rendering server",
		Long: `rdlserve compiles report definitions once, caches them, and renders them
to HTML, PDF, XML, CSV, spreadsheet or rich text.

Commands:
  serve     HTTP report server
  render    Render one report to a file
  mcp       MCP server for AI agent integration
  stats     Compile reports and print cache statistics`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "configuration file (default: ./config.yaml, /etc/rdlserve/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(NewServeCommand(flags))
	rootCmd.AddCommand(NewRenderCommand(flags))
	rootCmd.AddCommand(NewMCPCommand(flags))
	rootCmd.AddCommand(NewStatsCommand(flags))
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rdlserve %s\n", version.String())
		},
	}
}

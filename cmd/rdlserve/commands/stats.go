package commands

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/rdlserve/pkg/compilecache"
	"github.com/Sumatoshi-tech/rdlserve/pkg/observability"
	"github.com/Sumatoshi-tech/rdlserve/pkg/render"
	"github.com/Sumatoshi-tech/rdlserve/pkg/report"
)

// Report definition file suffixes discovered under the root.
var definitionSuffixes = []string{".rdl", ".rdl.json", ".rdl.jsonc"}

// NewStatsCommand creates the stats command.
func NewStatsCommand(flags *globalFlags) *cobra.Command {
	var (
		root    string
		noColor bool
	)

	cmd := &cobra.Command{
		Use:   "stats [REPORT...]",
		Short: "Compile reports and print cache statistics",
		Long: `Compile report definitions through the cache without retrieving data and
print per-report diagnostics followed by the cache statistics.

Without arguments every definition under the report root is compiled.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			setColor(noColor)

			return runStats(cmd.Context(), flags, root, args, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&root, "root", "", "report root directory (overrides reports.root)")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "disable colored output")

	return cmd
}

func runStats(ctx context.Context, flags *globalFlags, root string, keys []string, w io.Writer) error {
	rt, err := newRuntime(runtimeOptions{flags: flags, mode: observability.ModeCLI, root: root})
	if err != nil {
		return err
	}
	defer rt.Close(context.WithoutCancel(ctx))

	if len(keys) == 0 {
		keys, err = discoverDefinitions(rt.files.Root())
		if err != nil {
			return err
		}
	}

	tbl := newTable(w)
	tbl.AppendHeader(table.Row{"Report", "Cache", "State", "Max severity", "Diagnostics"})

	for _, key := range keys {
		res := rt.renderer.Render(ctx, render.Request{
			Key:    report.SourceKey{Path: filepath.ToSlash(key)},
			NoShow: true,
		})

		severity := res.Errors.MaxSeverity()
		tbl.AppendRow(table.Row{
			key,
			res.Outcome.String(),
			res.State,
			severityColor(severity).Sprint(severity),
			strings.Join(res.Errors.Messages(), "\n"),
		})
	}

	tbl.Render()

	fmt.Fprintln(w)
	printCacheSummary(w, rt, time.Now())

	return nil
}

// printCacheSummary prints the statistics snapshot and the cached entries.
func printCacheSummary(w io.Writer, rt *runtime, now time.Time) {
	snap := rt.stats.Snapshot()

	summary := newTable(w)
	summary.AppendRows([]table.Row{
		{"Sessions", snap.Sessions},
		{"Cached definitions", snap.CacheEntries},
		{"Cache hits", snap.Hits},
		{"Cache misses", snap.Misses},
		{"Hit rate", fmt.Sprintf("%.1f%%", snap.HitRate()*100)},
	})
	summary.Render()

	var entries []compilecache.Entry

	rt.cache.ForEachEntry(func(e compilecache.Entry) bool {
		entries = append(entries, e)

		return true
	})

	if len(entries) == 0 {
		return
	}

	slices.SortFunc(entries, func(a, b compilecache.Entry) int {
		return strings.Compare(a.Key.String(), b.Key.String())
	})

	fmt.Fprintln(w)

	tbl := newTable(w)
	tbl.AppendHeader(table.Row{"Key", "Size", "Compiled"})

	for _, e := range entries {
		tbl.AppendRow(table.Row{e.Key.String(), humanize.Bytes(uint64(max(e.Size, 0))), humanize.RelTime(e.CompiledAt, now, "ago", "from now")})
	}

	tbl.Render()
}

// discoverDefinitions lists definition files under root as slash paths
// relative to it, in lexical order.
func discoverDefinitions(root string) ([]string, error) {
	var keys []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if d.IsDir() || !hasDefinitionSuffix(d.Name()) {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		keys = append(keys, filepath.ToSlash(rel))

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover reports: %w", err)
	}

	slices.Sort(keys)

	return keys, nil
}

func hasDefinitionSuffix(name string) bool {
	for _, suffix := range definitionSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}

	return false
}

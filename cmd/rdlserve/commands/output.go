package commands

import (
	"fmt"
	"io"
	"strconv"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/Sumatoshi-tech/rdlserve/pkg/report"
)

// setColor forces colored output off when requested; otherwise fatih/color
// decides from the terminal.
func setColor(noColor bool) {
	if noColor {
		color.NoColor = true //nolint:reassign // intentional override of library global
	}
}

// severityColor picks the color of a diagnostic by severity.
func severityColor(severity int) *color.Color {
	switch {
	case severity >= report.SeverityFatal:
		return color.New(color.FgRed, color.Bold)
	case severity >= report.SeverityWarning:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgCyan)
	}
}

// newTable returns a borderless go-pretty table writing to w.
func newTable(w io.Writer) table.Writer {
	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	tbl.Style().Options.SeparateRows = false
	tbl.Style().Options.DrawBorder = false

	return tbl
}

// printDiagnostics writes the report diagnostics as a table. Nothing is
// written for an empty list.
func printDiagnostics(w io.Writer, items []report.RenderError) {
	if len(items) == 0 {
		return
	}

	tbl := newTable(w)
	tbl.AppendHeader(table.Row{"Severity", "Kind", "Message"})

	for _, item := range items {
		c := severityColor(item.Severity)
		tbl.AppendRow(table.Row{c.Sprint(strconv.Itoa(item.Severity)), item.Kind.String(), item.Message})
	}

	tbl.AppendFooter(table.Row{"", "", fmt.Sprintf("Total: %d", len(items))})
	tbl.Render()
}

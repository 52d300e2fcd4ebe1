package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/rdlserve/pkg/observability"
	"github.com/Sumatoshi-tech/rdlserve/pkg/render"
	"github.com/Sumatoshi-tech/rdlserve/pkg/report"
)

const (
	cliSession     = "cli"
	cliBaseRef     = "./"
	outputFileMode = 0o644
	outputDirMode  = 0o755
)

var (
	// ErrRenderFailed is returned when the report produced fatal diagnostics.
	ErrRenderFailed = errors.New("report render failed")
	// ErrInvalidParam indicates a --param value without "=".
	ErrInvalidParam = errors.New("parameter must be name=value")
	// ErrBinaryToTerminal indicates a binary format with no --output file.
	ErrBinaryToTerminal = errors.New("binary format requires --output")
)

// RenderCommand holds the flags of the render command.
type RenderCommand struct {
	flags      *globalFlags
	format     string
	output     string
	root       string
	passphrase string
	params     []string
	noShow     bool
	noColor    bool
}

// NewRenderCommand creates the one-shot render command.
func NewRenderCommand(flags *globalFlags) *cobra.Command {
	rc := &RenderCommand{flags: flags}

	cmd := &cobra.Command{
		Use:   "render REPORT",
		Short: "Render a report to a file or stdout",
		Long: `Render one report definition.

The main document is written to --output (stdout when omitted); auxiliary
artifacts such as images are written next to it and referenced relatively.
Diagnostics are printed to stderr.

Without --root, REPORT is resolved relative to its own directory.`,
		Example: `  rdlserve render reports/sales.rdl -p year=2023
  rdlserve render sales.rdl --root reports -f pdf -o sales.pdf`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rc.run(cmd.Context(), args[0], cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVarP(&rc.format, "format", "f", "", "output format: html, pdf, xml, csv, spreadsheet, richtext")
	cmd.Flags().StringVarP(&rc.output, "output", "o", "", "output file (default: stdout)")
	cmd.Flags().StringVar(&rc.root, "root", "", "report root directory")
	cmd.Flags().StringVar(&rc.passphrase, "passphrase", "", "passphrase for protected data sources")
	cmd.Flags().StringArrayVarP(&rc.params, "param", "p", nil, "report parameter name=value (repeatable)")
	cmd.Flags().BoolVar(&rc.noShow, "noshow", false, "only build the parameter form")
	cmd.Flags().BoolVar(&rc.noColor, "no-color", false, "disable colored output")

	return cmd
}

func (rc *RenderCommand) run(ctx context.Context, reportPath string, stdout, stderr io.Writer) error {
	setColor(rc.noColor)

	root, key := rc.root, reportPath
	if root == "" {
		root, key = filepath.Dir(reportPath), filepath.Base(reportPath)
	}

	params, err := parseParams(rc.params)
	if err != nil {
		return err
	}

	rt, err := newRuntime(runtimeOptions{flags: rc.flags, mode: observability.ModeCLI, root: root, baseRef: cliBaseRef})
	if err != nil {
		return err
	}
	defer rt.Close(context.WithoutCancel(ctx))

	format := rt.defaultFormat()

	if rc.format != "" {
		format, err = report.ParseFormat(rc.format)
		if err != nil {
			return err
		}
	}

	if !format.IsText() && !rc.noShow && (rc.output == "" || rc.output == "-") {
		return fmt.Errorf("%w: %s", ErrBinaryToTerminal, format)
	}

	req := render.Request{
		Key:       report.SourceKey{Path: filepath.ToSlash(key)},
		Format:    format,
		Params:    params,
		NoShow:    rc.noShow,
		SessionID: cliSession,
	}

	req.Password = rt.cfg.Reports.PasswordFunc()

	if rc.passphrase != "" {
		req.Password = func() (string, bool) { return rc.passphrase, true }
	}

	res := rt.renderer.Render(ctx, req)

	printDiagnostics(stderr, res.Errors.Items())

	if res.Failed() && len(res.Main) == 0 {
		return fmt.Errorf("%w: %s", ErrRenderFailed, reportPath)
	}

	err = rc.write(res, stdout)
	if err != nil {
		return err
	}

	if res.Failed() {
		return fmt.Errorf("%w: %s", ErrRenderFailed, reportPath)
	}

	return nil
}

// write emits the main document and the auxiliary artifacts.
func (rc *RenderCommand) write(res *render.Result, stdout io.Writer) error {
	main := res.Main

	if res.Format == report.FormatHTML {
		page, err := render.Page(res)
		if err != nil {
			return err
		}

		main = page
	}

	if rc.output == "" || rc.output == "-" {
		_, err := stdout.Write(main)
		if err != nil {
			return fmt.Errorf("write output: %w", err)
		}

		return writeArtifacts(".", res)
	}

	dir := filepath.Dir(rc.output)

	err := os.MkdirAll(dir, outputDirMode)
	if err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	err = os.WriteFile(rc.output, main, outputFileMode)
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}

	return writeArtifacts(dir, res)
}

func writeArtifacts(dir string, res *render.Result) error {
	for _, a := range res.Artifacts {
		err := os.WriteFile(filepath.Join(dir, filepath.Base(a.Name)), a.Data, outputFileMode)
		if err != nil {
			return fmt.Errorf("write artifact %s: %w", a.Name, err)
		}
	}

	return nil
}

// parseParams turns repeated name=value flags into a parameter set.
func parseParams(raw []string) (*report.ParameterSet, error) {
	params := report.NewParameterSet()

	for _, kv := range raw {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidParam, kv)
		}

		params.Add(strings.TrimSpace(name), value)
	}

	return params, nil
}

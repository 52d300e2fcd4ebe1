package rdl

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/Sumatoshi-tech/rdlserve/pkg/report"
)

// Definition is a compiled report. Only the diagnostics buffer changes after
// Parse returns.
type Definition struct {
	doc    document
	name   string
	folder string
	size   int64
	params []report.ParameterDef

	errMu sync.Mutex
	errs  report.ErrorList
}

// Name implements report.Definition.
func (d *Definition) Name() string { return d.name }

// Title returns the display title, falling back to the name.
func (d *Definition) Title() string {
	if d.doc.Title != "" {
		return d.doc.Title
	}

	return d.name
}

// Parameters implements report.Definition.
func (d *Definition) Parameters() []report.ParameterDef {
	return slices.Clone(d.params)
}

// Size reports the source length, used as the compile cache cost.
func (d *Definition) Size() int64 { return d.size }

// ErrorMaxSeverity implements report.Diagnostics.
func (d *Definition) ErrorMaxSeverity() int {
	d.errMu.Lock()
	defer d.errMu.Unlock()

	return d.errs.MaxSeverity()
}

// ErrorItems implements report.Diagnostics.
func (d *Definition) ErrorItems() []report.RenderError {
	d.errMu.Lock()
	defer d.errMu.Unlock()

	return d.errs.Items()
}

// ErrorReset implements report.Diagnostics.
func (d *Definition) ErrorReset() {
	d.errMu.Lock()
	defer d.errMu.Unlock()

	d.errs.Reset()
}

// NewPass implements report.Definition.
func (d *Definition) NewPass(password report.PasswordFunc) report.Pass {
	return &Pass{
		def:      d,
		password: password,
		data:     make(map[string]*table),
	}
}

// Pass is the per-request state of rendering a Definition.
type Pass struct {
	def      *Definition
	password report.PasswordFunc
	data     map[string]*table
	css      string
	script   string
	errs     report.ErrorList
}

// ErrorMaxSeverity implements report.Diagnostics.
func (p *Pass) ErrorMaxSeverity() int { return p.errs.MaxSeverity() }

// ErrorItems implements report.Diagnostics.
func (p *Pass) ErrorItems() []report.RenderError { return p.errs.Items() }

// ErrorReset implements report.Diagnostics.
func (p *Pass) ErrorReset() { p.errs.Reset() }

// CSS implements report.Pass.
func (p *Pass) CSS() string { return p.css }

// JavaScript implements report.Pass.
func (p *Pass) JavaScript() string { return p.script }

// RunGetData implements report.Pass.
func (p *Pass) RunGetData(ctx context.Context, params *report.ParameterSet) error {
	values := p.resolveParameters(params)

	for _, set := range p.def.doc.DataSets {
		err := ctx.Err()
		if err != nil {
			return fmt.Errorf("retrieve %s: %w", set.Name, err)
		}

		tbl, err := p.fetch(ctx, set, values)
		if err != nil {
			return fmt.Errorf("retrieve dataset %s: %w", set.Name, err)
		}

		p.data[set.Name] = tbl
	}

	return nil
}

// RunRender implements report.Pass.
func (p *Pass) RunRender(ctx context.Context, gen report.StreamGenerator, format report.Format, token string) error {
	err := ctx.Err()
	if err != nil {
		return fmt.Errorf("render: %w", err)
	}

	r := renderer{pass: p, gen: gen, token: token}

	switch format {
	case report.FormatHTML:
		return r.html()
	case report.FormatXML:
		return r.xml()
	case report.FormatCSV:
		return r.csv()
	case report.FormatPDF:
		return r.pdf()
	case report.FormatSpreadsheet:
		return r.spreadsheet()
	case report.FormatRichText:
		return r.richText()
	default:
		return fmt.Errorf("%w: %s", report.ErrUnsupportedFormat, format)
	}
}

// dataset returns the retrieved rows of name, or an empty table when the
// dataset was not retrieved (no-show mode or a skipped dataset).
func (p *Pass) dataset(name string) *table {
	if tbl, ok := p.data[name]; ok {
		return tbl
	}

	for _, set := range p.def.doc.DataSets {
		if set.Name == name {
			return &table{fields: slices.Clone(set.Fields)}
		}
	}

	return &table{}
}

// resolveParameters merges request values over declared defaults. Names
// that are neither supplied nor defaulted are absent from the result.
func (p *Pass) resolveParameters(params *report.ParameterSet) map[string][]string {
	values := make(map[string][]string, len(p.def.params))

	for _, def := range p.def.params {
		if supplied := params.Values(def.Name); len(supplied) > 0 {
			values[def.Name] = supplied

			continue
		}

		if len(def.Default) > 0 {
			values[def.Name] = slices.Clone(def.Default)
		}
	}

	// Undeclared request parameters are still usable in queries.
	for _, name := range params.Names() {
		if _, ok := values[name]; !ok {
			values[name] = params.Values(name)
		}
	}

	return values
}

func (p *Pass) required(name string) bool {
	for _, def := range p.def.params {
		if def.Name == name {
			return def.Required
		}
	}

	return false
}

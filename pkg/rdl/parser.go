// Package rdl is the reference report language: YAML or JSON-with-comments
// definitions compiled into report.Definition values that retrieve data from
// inline rows, CSV files or SQLite databases and render to every
// report.Format.
package rdl

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/tidwall/jsonc"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/Sumatoshi-tech/rdlserve/pkg/report"
)

//go:embed schema.json
var schemaJSON []byte

// compiledSchema is built on first use and shared by all parsers.
var compiledSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
})

// Parser compiles report definitions. The zero value is usable.
type Parser struct {
	Logger *slog.Logger
}

// NewParser creates a parser.
func NewParser(logger *slog.Logger) *Parser {
	return &Parser{Logger: logger}
}

func (p *Parser) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}

	return p.Logger
}

// Parse implements report.Parser. Syntax and schema violations do not make
// Parse fail: they are reported as fatal diagnostics on the returned
// definition so callers can surface them.
func (p *Parser) Parse(ctx context.Context, in report.ParseInput) (report.Definition, error) {
	err := ctx.Err()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", in.Name, err)
	}

	def := &Definition{
		name:   strings.TrimSuffix(filepath.Base(in.Name), filepath.Ext(in.Name)),
		folder: in.Folder,
		size:   int64(len(in.Text)),
	}

	raw, err := toJSON(in.Name, in.Text)
	if err != nil {
		def.errs.Add(report.KindFatalParse, report.SeverityFatal, "%s: %v", in.Name, err)

		return def, nil
	}

	if !validateSchema(raw, &def.errs) {
		return def, nil
	}

	var doc document

	err = json.Unmarshal(raw, &doc)
	if err != nil {
		def.errs.Add(report.KindFatalParse, report.SeverityFatal, "%s: %v", in.Name, err)

		return def, nil
	}

	def.doc = doc
	if doc.Name != "" {
		def.name = doc.Name
	}

	def.params = make([]report.ParameterDef, 0, len(doc.Parameters))
	for _, ps := range doc.Parameters {
		def.params = append(def.params, report.ParameterDef{
			Name:     ps.Name,
			Prompt:   ps.Prompt,
			Default:  slices.Clone([]string(ps.Default)),
			Required: ps.Required,
			Multi:    ps.Multi,
		})
	}

	checkSemantics(&doc, in.Password != nil, &def.errs)

	p.logger().Debug("parsed report definition",
		"name", def.name, "items", len(doc.Body), "max_severity", def.errs.MaxSeverity())

	return def, nil
}

// toJSON normalizes YAML or JSONC source text into plain JSON.
func toJSON(name, text string) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(name))
	trimmed := strings.TrimSpace(text)

	if trimmed == "" {
		return nil, fmt.Errorf("empty report definition")
	}

	if ext == ".json" || ext == ".jsonc" || strings.HasPrefix(trimmed, "{") {
		stripped := jsonc.ToJSON([]byte(text))
		if !json.Valid(stripped) {
			return nil, fmt.Errorf("invalid JSON report definition")
		}

		return stripped, nil
	}

	var generic any

	err := yaml.Unmarshal([]byte(text), &generic)
	if err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("unsupported YAML structure: %w", err)
	}

	return out, nil
}

// validateSchema reports every structural violation at fatal severity and
// returns whether the document is structurally valid.
func validateSchema(raw []byte, errs *report.ErrorList) bool {
	schema, err := compiledSchema()
	if err != nil {
		errs.Add(report.KindInternal, report.SeverityFatal, "report schema: %v", err)

		return false
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		errs.Add(report.KindFatalParse, report.SeverityFatal, "validate report: %v", err)

		return false
	}

	for _, verr := range result.Errors() {
		errs.Add(report.KindFatalParse, report.SeverityFatal, "%s: %s", verr.Field(), verr.Description())
	}

	return result.Valid()
}

// checkSemantics verifies cross references between sections.
func checkSemantics(doc *document, hasPassword bool, errs *report.ErrorList) {
	sources := make(map[string]dataSourceSpec, len(doc.DataSources))
	for _, ds := range doc.DataSources {
		sources[ds.Name] = ds

		if ds.Driver != driverInline && ds.Path == "" {
			errs.Add(report.KindParse, report.SeverityFatal, "data source %q requires a path", ds.Name)
		}

		if ds.PasswordRequired && !hasPassword {
			errs.Add(report.KindParse, report.SeverityWarning, "data source %q requires a password but no prompt is available", ds.Name)
		}
	}

	datasets := make(map[string]dataSetSpec, len(doc.DataSets))
	for _, set := range doc.DataSets {
		datasets[set.Name] = set

		if _, ok := sources[set.DataSource]; !ok {
			errs.Add(report.KindParse, report.SeverityFatal, "dataset %q references unknown data source %q", set.Name, set.DataSource)
		}
	}

	seen := make(map[string]bool, len(doc.Parameters))
	for _, ps := range doc.Parameters {
		if seen[ps.Name] {
			errs.Add(report.KindParse, report.SeverityWarning, "parameter %q is declared more than once", ps.Name)
		}

		seen[ps.Name] = true
	}

	for i, item := range doc.Body {
		checkItem(i, item, datasets, errs)
	}
}

func checkItem(index int, item itemSpec, datasets map[string]dataSetSpec, errs *report.ErrorList) {
	switch item.Kind {
	case kindTable, kindChart:
		set, ok := datasets[item.DataSet]
		if !ok {
			errs.Add(report.KindParse, report.SeverityFatal, "body[%d]: %s references unknown dataset %q", index, item.Kind, item.DataSet)

			return
		}

		columns := item.Columns
		if item.Kind == kindChart {
			columns = append([]string{item.Label}, item.Series...)

			if item.Label == "" || len(item.Series) == 0 {
				errs.Add(report.KindParse, report.SeverityFatal, "body[%d]: chart needs a label and at least one series", index)

				return
			}
		}

		if len(set.Fields) == 0 {
			return
		}

		for _, column := range columns {
			if !slices.Contains(set.Fields, column) {
				errs.Add(report.KindParse, report.SeverityWarning, "body[%d]: unknown column %q in dataset %q", index, column, set.Name)
			}
		}
	case kindImage:
		if item.Name == "" {
			errs.Add(report.KindParse, report.SeverityWarning, "body[%d]: image has no name", index)
		}

		if item.Data == "" && item.File == "" {
			errs.Add(report.KindParse, report.SeverityWarning, "body[%d]: image %q has neither data nor file", index, item.Name)
		}

		if item.Data != "" {
			_, err := base64.StdEncoding.DecodeString(compactBase64(item.Data))
			if err != nil {
				errs.Add(report.KindParse, report.SeverityWarning, "body[%d]: image %q has invalid data: %v", index, item.Name, err)
			}
		}
	}
}

// compactBase64 drops whitespace that YAML block scalars leave in base64 text.
func compactBase64(data string) string {
	var buf bytes.Buffer

	for _, r := range data {
		if r == ' ' || r == '\n' || r == '\r' || r == '\t' {
			continue
		}

		buf.WriteRune(r)
	}

	return buf.String()
}

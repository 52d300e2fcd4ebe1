package rdl

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // Registers the sqlite3 database/sql driver.

	"github.com/Sumatoshi-tech/rdlserve/pkg/report"
)

// namedParam matches :name, @name and $name placeholders in SQL text.
var namedParam = regexp.MustCompile(`[:@$]([A-Za-z_][A-Za-z0-9_]*)`)

// errMissingParameter marks a dataset skipped for lack of a required value.
var errMissingParameter = errors.New("missing required parameter")

// errPathEscapes rejects file references outside the definition folder.
var errPathEscapes = errors.New("path escapes the report folder")

// table is a retrieved dataset. All values are kept as display text.
type table struct {
	fields []string
	rows   [][]string
}

// column returns the index of field, or -1.
func (t *table) column(field string) int {
	return slices.Index(t.fields, field)
}

// project returns the rows restricted to columns, in that order. Unknown
// columns yield empty cells.
func (t *table) project(columns []string) [][]string {
	if len(columns) == 0 {
		return t.rows
	}

	indexes := make([]int, len(columns))
	for i, c := range columns {
		indexes[i] = t.column(c)
	}

	out := make([][]string, len(t.rows))

	for r, row := range t.rows {
		projected := make([]string, len(columns))

		for i, idx := range indexes {
			if idx >= 0 && idx < len(row) {
				projected[i] = row[idx]
			}
		}

		out[r] = projected
	}

	return out
}

// headers returns columns when set, otherwise every field.
func (t *table) headers(columns []string) []string {
	if len(columns) > 0 {
		return columns
	}

	return t.fields
}

func (p *Pass) fetch(ctx context.Context, set dataSetSpec, values map[string][]string) (*table, error) {
	empty := &table{fields: slices.Clone(set.Fields)}

	source, ok := p.dataSource(set.DataSource)
	if !ok {
		return nil, fmt.Errorf("unknown data source %q", set.DataSource)
	}

	if source.PasswordRequired && !p.havePassword(source) {
		return empty, nil
	}

	err := p.checkRequired(set, values)
	if errors.Is(err, errMissingParameter) {
		return empty, nil
	}

	var tbl *table

	switch source.Driver {
	case driverInline:
		tbl = inlineTable(set)
	case driverCSV, driverSQLite:
		tbl, err = p.fileTable(ctx, source, set, values)
	default:
		err = fmt.Errorf("unsupported driver %q", source.Driver)
	}

	if err != nil {
		return nil, err
	}

	tbl.rows = filterRows(tbl, set.Where, values)

	return tbl, nil
}

// fileTable reads a dataset from a file-backed source inside the definition folder.
func (p *Pass) fileTable(ctx context.Context, source dataSourceSpec, set dataSetSpec, values map[string][]string) (*table, error) {
	path, err := p.resolvePath(source.Path)
	if err != nil {
		return nil, err
	}

	if source.Driver == driverCSV {
		return csvTable(path, set)
	}

	return sqliteTable(ctx, path, set, values)
}

func (p *Pass) dataSource(name string) (dataSourceSpec, bool) {
	for _, ds := range p.def.doc.DataSources {
		if ds.Name == name {
			return ds, true
		}
	}

	return dataSourceSpec{}, false
}

func (p *Pass) havePassword(source dataSourceSpec) bool {
	if p.password != nil {
		if _, ok := p.password(); ok {
			return true
		}
	}

	p.errs.Add(report.KindRenderFailure, report.SeverityWarning, "data source %q requires a password; dataset left empty", source.Name)

	return false
}

// checkRequired warns about required parameters referenced by set that
// have no value.
func (p *Pass) checkRequired(set dataSetSpec, values map[string][]string) error {
	var missing bool

	for _, name := range referencedParameters(set) {
		if _, ok := values[name]; ok || !p.required(name) {
			continue
		}

		p.errs.Add(report.KindRenderFailure, report.SeverityWarning, "parameter %q is required by dataset %q", name, set.Name)

		missing = true
	}

	if missing {
		return errMissingParameter
	}

	return nil
}

// resolvePath joins a definition-relative path onto the definition folder.
// Absolute paths and paths climbing out of the folder are rejected.
func (p *Pass) resolvePath(path string) (string, error) {
	if !filepath.IsLocal(path) {
		return "", fmt.Errorf("%w: %s", errPathEscapes, path)
	}

	return filepath.Join(p.def.folder, path), nil
}

// referencedParameters lists the parameter names used by set in order of
// first appearance.
func referencedParameters(set dataSetSpec) []string {
	var names []string

	add := func(name string) {
		if !slices.Contains(names, name) {
			names = append(names, name)
		}
	}

	for _, match := range namedParam.FindAllStringSubmatch(set.Query, -1) {
		add(match[1])
	}

	keys := make([]string, 0, len(set.Where))
	for field := range set.Where {
		keys = append(keys, field)
	}

	slices.Sort(keys)

	for _, field := range keys {
		if name, ok := strings.CutPrefix(set.Where[field], ":"); ok {
			add(name)
		}
	}

	return names
}

func inlineTable(set dataSetSpec) *table {
	fields := slices.Clone(set.Fields)

	if len(fields) == 0 {
		for _, row := range set.Rows {
			for key := range row {
				if !slices.Contains(fields, key) {
					fields = append(fields, key)
				}
			}
		}

		slices.Sort(fields)
	}

	tbl := &table{fields: fields, rows: make([][]string, 0, len(set.Rows))}

	for _, row := range set.Rows {
		values := make([]string, len(fields))
		for i, f := range fields {
			values[i] = string(row[f])
		}

		tbl.rows = append(tbl.rows, values)
	}

	return tbl
}

func csvTable(path string, set dataSetSpec) (*table, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return &table{fields: slices.Clone(set.Fields)}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}

	tbl := &table{fields: header, rows: records}

	if len(set.Fields) > 0 {
		tbl = &table{fields: slices.Clone(set.Fields), rows: tbl.project(set.Fields)}
	}

	return tbl, nil
}

func sqliteTable(ctx context.Context, path string, set dataSetSpec, values map[string][]string) (*table, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	defer db.Close()

	var args []any

	for _, name := range referencedParameters(dataSetSpec{Query: set.Query}) {
		var value any

		if v, ok := values[name]; ok && len(v) > 0 {
			value = v[0]
		}

		args = append(args, sql.Named(name, value))
	}

	rows, err := db.QueryContext(ctx, set.Query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}

	tbl := &table{fields: columns}

	for rows.Next() {
		cells := make([]any, len(columns))
		pointers := make([]any, len(columns))

		for i := range cells {
			pointers[i] = &cells[i]
		}

		err = rows.Scan(pointers...)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}

		record := make([]string, len(columns))
		for i, cell := range cells {
			record[i] = cellText(cell)
		}

		tbl.rows = append(tbl.rows, record)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	if len(set.Fields) > 0 {
		tbl = &table{fields: slices.Clone(set.Fields), rows: tbl.project(set.Fields)}
	}

	return tbl, nil
}

func cellText(cell any) string {
	switch v := cell.(type) {
	case nil:
		return ""
	case []byte:
		return string(v)
	case string:
		return v
	case time.Time:
		return v.Format(time.RFC3339)
	default:
		return fmt.Sprint(v)
	}
}

// filterRows keeps rows matching every where condition. A condition whose
// parameter has no value is ignored.
func filterRows(tbl *table, where map[string]string, values map[string][]string) [][]string {
	if len(where) == 0 {
		return tbl.rows
	}

	type condition struct {
		index   int
		allowed []string
	}

	conditions := make([]condition, 0, len(where))

	for field, expr := range where {
		allowed := []string{expr}

		if name, ok := strings.CutPrefix(expr, ":"); ok {
			v, present := values[name]
			if !present {
				continue
			}

			allowed = v
		}

		conditions = append(conditions, condition{index: tbl.column(field), allowed: allowed})
	}

	out := make([][]string, 0, len(tbl.rows))

	for _, row := range tbl.rows {
		keep := true

		for _, cond := range conditions {
			if cond.index < 0 || cond.index >= len(row) || !slices.Contains(cond.allowed, row[cond.index]) {
				keep = false

				break
			}
		}

		if keep {
			out = append(out, row)
		}
	}

	return out
}

package rdl

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/Sumatoshi-tech/rdlserve/pkg/report"
)

// renderer writes one pass into a stream generator.
type renderer struct {
	pass  *Pass
	gen   report.StreamGenerator
	token string
}

func (r *renderer) doc() *document {
	return &r.pass.def.doc
}

func (r *renderer) warn(format string, args ...any) {
	r.pass.errs.Add(report.KindRenderFailure, report.SeverityWarning, format, args...)
}

// itemText returns the text of a title item, defaulting to the report title.
func (r *renderer) itemText(item itemSpec) string {
	if item.Kind == kindTitle && item.Text == "" {
		return r.pass.def.Title()
	}

	return item.Text
}

// tableItems returns the table items of the body. When the body has none,
// every dataset is presented as a table with all fields.
func (r *renderer) tableItems() []itemSpec {
	var items []itemSpec

	for _, item := range r.doc().Body {
		if item.Kind == kindTable {
			items = append(items, item)
		}
	}

	if len(items) > 0 {
		return items
	}

	for _, set := range r.doc().DataSets {
		items = append(items, itemSpec{Kind: kindTable, DataSet: set.Name})
	}

	return items
}

// imageBytes loads the content of an image item.
func (r *renderer) imageBytes(item itemSpec) ([]byte, bool) {
	if item.Data != "" {
		data, err := base64.StdEncoding.DecodeString(compactBase64(item.Data))
		if err != nil {
			r.warn("image %q: %v", item.Name, err)

			return nil, false
		}

		return data, true
	}

	if item.File == "" {
		return nil, false
	}

	path, err := r.pass.resolvePath(item.File)
	if err != nil {
		r.warn("image %q: %v", item.Name, err)

		return nil, false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		r.warn("image %q: %v", item.Name, err)

		return nil, false
	}

	return data, true
}

// streamName derives the auxiliary stream name of an image from the pass token.
func (r *renderer) streamName(index int, item itemSpec) string {
	name := sanitizeName(item.Name)
	if name == "" {
		name = fmt.Sprintf("image%d", index)
	}

	return r.token + "_" + name
}

// plainLines flattens the body into text lines for the paged formats.
func (r *renderer) plainLines() []string {
	var lines []string

	for _, item := range r.doc().Body {
		switch item.Kind {
		case kindTitle:
			lines = append(lines, r.itemText(item), "")
		case kindText:
			lines = append(lines, strings.Split(strings.TrimRight(item.Text, "\n"), "\n")...)
			lines = append(lines, "")
		case kindTable:
			tbl := r.pass.dataset(item.DataSet)
			lines = append(lines, strings.Join(tbl.headers(item.Columns), " | "))

			for _, row := range tbl.project(item.Columns) {
				lines = append(lines, strings.Join(row, " | "))
			}

			lines = append(lines, "")
		case kindImage:
			lines = append(lines, fmt.Sprintf("[image: %s]", item.Name), "")
		case kindChart:
			lines = append(lines, fmt.Sprintf("[chart: %s by %s]", strings.Join(item.Series, ", "), item.Label), "")
		}
	}

	return lines
}

func sanitizeName(name string) string {
	var sb strings.Builder

	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
			sb.WriteRune(c)
		default:
			sb.WriteByte('_')
		}
	}

	return sb.String()
}

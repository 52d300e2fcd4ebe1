package rdl

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

const (
	xmlDecl         = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` + "\n"
	nsSpreadsheet   = "http://schemas.openxmlformats.org/spreadsheetml/2006/main"
	nsRelationships = "http://schemas.openxmlformats.org/officeDocument/2006/relationships"
	nsPackageRels   = "http://schemas.openxmlformats.org/package/2006/relationships"
	nsContentTypes  = "http://schemas.openxmlformats.org/package/2006/content-types"
	maxSheetName    = 31
)

// sheet is one worksheet of the workbook.
type sheet struct {
	name string
	rows [][]string
}

// spreadsheet writes an Office Open XML workbook with one sheet per table.
func (r *renderer) spreadsheet() error {
	sheets := r.sheets()

	zw := zip.NewWriter(r.gen.Main())

	parts := []struct {
		name string
		body string
	}{
		{"[Content_Types].xml", contentTypes(len(sheets))},
		{"_rels/.rels", xmlDecl + `<Relationships xmlns="` + nsPackageRels + `"><Relationship Id="rId1" Type="` +
			nsRelationships + `/officeDocument" Target="xl/workbook.xml"/></Relationships>`},
		{"xl/workbook.xml", workbook(sheets)},
		{"xl/_rels/workbook.xml.rels", workbookRels(len(sheets))},
	}

	for i, sh := range sheets {
		parts = append(parts, struct {
			name string
			body string
		}{fmt.Sprintf("xl/worksheets/sheet%d.xml", i+1), worksheet(sh.rows)})
	}

	for _, part := range parts {
		w, err := zw.Create(part.name)
		if err != nil {
			return fmt.Errorf("create %s: %w", part.name, err)
		}

		_, err = w.Write([]byte(part.body))
		if err != nil {
			return fmt.Errorf("write %s: %w", part.name, err)
		}
	}

	err := zw.Close()
	if err != nil {
		return fmt.Errorf("close workbook: %w", err)
	}

	return nil
}

func (r *renderer) sheets() []sheet {
	items := r.tableItems()
	sheets := make([]sheet, 0, max(len(items), 1))
	used := make(map[string]bool)

	for _, item := range items {
		tbl := r.pass.dataset(item.DataSet)
		rows := append([][]string{tbl.headers(item.Columns)}, tbl.project(item.Columns)...)
		sheets = append(sheets, sheet{name: uniqueSheetName(item.DataSet, used), rows: rows})
	}

	if len(sheets) == 0 {
		sheets = append(sheets, sheet{name: uniqueSheetName(r.pass.def.Name(), used), rows: [][]string{{r.pass.def.Title()}}})
	}

	return sheets
}

func uniqueSheetName(base string, used map[string]bool) string {
	base = strings.NewReplacer("[", "(", "]", ")", ":", "_", "*", "_", "?", "_", "/", "_", "\\", "_").Replace(base)
	if base == "" {
		base = "Sheet"
	}

	if len(base) > maxSheetName {
		base = base[:maxSheetName]
	}

	name := base
	for n := 2; used[name]; n++ {
		suffix := strconv.Itoa(n)
		name = base[:min(len(base), maxSheetName-len(suffix))] + suffix
	}

	used[name] = true

	return name
}

func contentTypes(sheetCount int) string {
	var sb strings.Builder

	sb.WriteString(xmlDecl)
	sb.WriteString(`<Types xmlns="` + nsContentTypes + `">`)
	sb.WriteString(`<Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>`)
	sb.WriteString(`<Default Extension="xml" ContentType="application/xml"/>`)
	sb.WriteString(`<Override PartName="/xl/workbook.xml" ContentType="application/vnd.openxmlformats-officedocument.spreadsheetml.sheet.main+xml"/>`)

	for i := 1; i <= sheetCount; i++ {
		fmt.Fprintf(&sb, `<Override PartName="/xl/worksheets/sheet%d.xml" ContentType="application/vnd.openxmlformats-officedocument.spreadsheetml.worksheet+xml"/>`, i)
	}

	sb.WriteString(`</Types>`)

	return sb.String()
}

func workbook(sheets []sheet) string {
	var sb strings.Builder

	sb.WriteString(xmlDecl)
	sb.WriteString(`<workbook xmlns="` + nsSpreadsheet + `" xmlns:r="` + nsRelationships + `"><sheets>`)

	for i, sh := range sheets {
		fmt.Fprintf(&sb, `<sheet name="%s" sheetId="%d" r:id="rId%d"/>`, xmlEscape(sh.name), i+1, i+1)
	}

	sb.WriteString(`</sheets></workbook>`)

	return sb.String()
}

func workbookRels(sheetCount int) string {
	var sb strings.Builder

	sb.WriteString(xmlDecl)
	sb.WriteString(`<Relationships xmlns="` + nsPackageRels + `">`)

	for i := 1; i <= sheetCount; i++ {
		fmt.Fprintf(&sb, `<Relationship Id="rId%d" Type="%s/worksheet" Target="worksheets/sheet%d.xml"/>`, i, nsRelationships, i)
	}

	sb.WriteString(`</Relationships>`)

	return sb.String()
}

func worksheet(rows [][]string) string {
	var sb strings.Builder

	sb.WriteString(xmlDecl)
	sb.WriteString(`<worksheet xmlns="` + nsSpreadsheet + `"><sheetData>`)

	for r, row := range rows {
		fmt.Fprintf(&sb, `<row r="%d">`, r+1)

		for c, value := range row {
			ref := columnName(c) + strconv.Itoa(r+1)

			// The header row stays textual even when it looks numeric.
			if _, err := strconv.ParseFloat(value, 64); err == nil && r > 0 {
				fmt.Fprintf(&sb, `<c r="%s"><v>%s</v></c>`, ref, value)

				continue
			}

			fmt.Fprintf(&sb, `<c r="%s" t="inlineStr"><is><t>%s</t></is></c>`, ref, xmlEscape(value))
		}

		sb.WriteString(`</row>`)
	}

	sb.WriteString(`</sheetData></worksheet>`)

	return sb.String()
}

// columnName converts a zero-based index to a spreadsheet column (A, B, ..., AA).
func columnName(index int) string {
	name := ""

	for index >= 0 {
		name = string(rune('A'+index%26)) + name
		index = index/26 - 1
	}

	return name
}

func xmlEscape(s string) string {
	var buf bytes.Buffer

	_ = xml.EscapeText(&buf, []byte(s))

	return buf.String()
}

// richText writes an RTF document with title, text and table rows.
func (r *renderer) richText() error {
	var sb strings.Builder

	sb.WriteString(`{\rtf1\ansi\deff0{\fonttbl{\f0 Helvetica;}}\f0\fs20` + "\n")

	for _, item := range r.doc().Body {
		switch item.Kind {
		case kindTitle:
			fmt.Fprintf(&sb, `{\b\fs32 %s}\par\par`+"\n", rtfEscape(r.itemText(item)))
		case kindText:
			for _, line := range strings.Split(strings.TrimRight(item.Text, "\n"), "\n") {
				fmt.Fprintf(&sb, `%s\par`+"\n", rtfEscape(line))
			}

			sb.WriteString(`\par` + "\n")
		case kindTable:
			tbl := r.pass.dataset(item.DataSet)
			writeRTFRow(&sb, tbl.headers(item.Columns), true)

			for _, row := range tbl.project(item.Columns) {
				writeRTFRow(&sb, row, false)
			}

			sb.WriteString(`\pard\par` + "\n")
		case kindImage:
			fmt.Fprintf(&sb, `[image: %s]\par`+"\n", rtfEscape(item.Name))
		case kindChart:
			fmt.Fprintf(&sb, `[chart: %s]\par`+"\n", rtfEscape(strings.Join(item.Series, ", ")))
		}
	}

	sb.WriteString("}\n")

	_, err := r.gen.Main().Write([]byte(sb.String()))
	if err != nil {
		return fmt.Errorf("write rtf: %w", err)
	}

	return nil
}

// rtfCellWidth is the width of a table cell in twips.
const rtfCellWidth = 1800

func writeRTFRow(sb *strings.Builder, cells []string, bold bool) {
	sb.WriteString(`\trowd\trgaph108`)

	for i := range cells {
		fmt.Fprintf(sb, `\cellx%d`, (i+1)*rtfCellWidth)
	}

	for _, cell := range cells {
		if bold {
			fmt.Fprintf(sb, `\pard\intbl{\b %s}\cell`, rtfEscape(cell))
		} else {
			fmt.Fprintf(sb, `\pard\intbl %s\cell`, rtfEscape(cell))
		}
	}

	sb.WriteString(`\row` + "\n")
}

// rtfEscape escapes control characters and encodes non-ASCII as \uN?.
func rtfEscape(s string) string {
	var sb strings.Builder

	for _, c := range s {
		switch {
		case c == '\\' || c == '{' || c == '}':
			sb.WriteByte('\\')
			sb.WriteRune(c)
		case c > 0x7f:
			// RTF \u takes a signed 16-bit value.
			fmt.Fprintf(&sb, `\u%d?`, int16(c))
		default:
			sb.WriteRune(c)
		}
	}

	return sb.String()
}

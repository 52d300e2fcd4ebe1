package rdl

import (
	"bytes"
	"fmt"
	"strings"
)

// Page geometry in points (US Letter).
const (
	pdfPageWidth    = 612
	pdfPageHeight   = 792
	pdfMargin       = 50
	pdfFontSize     = 10
	pdfLeading      = 14
	pdfLinesPerPage = (pdfPageHeight - 2*pdfMargin) / pdfLeading
	pdfMaxLineRunes = 100
)

// pdfDocument accumulates numbered objects and their byte offsets.
type pdfDocument struct {
	buf     bytes.Buffer
	offsets []int
}

func (d *pdfDocument) object(body string) {
	d.offsets = append(d.offsets, d.buf.Len())
	fmt.Fprintf(&d.buf, "%d 0 obj\n%s\nendobj\n", len(d.offsets), body)
}

// pdf writes a single-font PDF 1.4 document with one text line per body line.
func (r *renderer) pdf() error {
	pages := paginate(r.plainLines(), pdfLinesPerPage)

	var doc pdfDocument

	doc.buf.WriteString("%PDF-1.4\n")

	// Objects 1-3 are fixed; each page then takes a page and a content object.
	kids := make([]string, len(pages))
	for i := range pages {
		kids[i] = fmt.Sprintf("%d 0 R", 4+2*i)
	}

	doc.object("<< /Type /Catalog /Pages 2 0 R >>")
	doc.object(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), len(pages)))
	doc.object("<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>")

	for i, lines := range pages {
		doc.object(fmt.Sprintf(
			"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 %d %d] /Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>",
			pdfPageWidth, pdfPageHeight, 5+2*i))

		content := pageContent(lines)
		doc.object(fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content))
	}

	xref := doc.buf.Len()

	fmt.Fprintf(&doc.buf, "xref\n0 %d\n0000000000 65535 f \n", len(doc.offsets)+1)

	for _, off := range doc.offsets {
		fmt.Fprintf(&doc.buf, "%010d 00000 n \n", off)
	}

	fmt.Fprintf(&doc.buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(doc.offsets)+1, xref)

	_, err := r.gen.Main().Write(doc.buf.Bytes())
	if err != nil {
		return fmt.Errorf("write pdf: %w", err)
	}

	return nil
}

func pageContent(lines []string) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "BT /F1 %d Tf %d TL %d %d Td", pdfFontSize, pdfLeading, pdfMargin, pdfPageHeight-pdfMargin)

	for _, line := range lines {
		fmt.Fprintf(&sb, " (%s) Tj T*", pdfEscape(line))
	}

	sb.WriteString(" ET")

	return sb.String()
}

// paginate splits lines into pages. There is always at least one page.
func paginate(lines []string, perPage int) [][]string {
	var pages [][]string

	for len(lines) > perPage {
		pages = append(pages, lines[:perPage])
		lines = lines[perPage:]
	}

	return append(pages, lines)
}

// pdfEscape makes s safe inside a PDF literal string. Characters outside
// printable ASCII are replaced since the standard font has no Unicode map.
func pdfEscape(s string) string {
	var sb strings.Builder

	count := 0

	for _, c := range s {
		if count == pdfMaxLineRunes {
			break
		}

		count++

		switch {
		case c == '(' || c == ')' || c == '\\':
			sb.WriteByte('\\')
			sb.WriteRune(c)
		case c == '\t':
			sb.WriteByte(' ')
		case c < 0x20 || c > 0x7e:
			sb.WriteByte('?')
		default:
			sb.WriteRune(c)
		}
	}

	return sb.String()
}

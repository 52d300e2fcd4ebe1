// Package report defines the domain model shared by the compilation cache,
// the session store and the render orchestrator: source identity, compiled
// definitions, parameters, output formats and severity-ranked errors.
package report

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Format is an output presentation type.
type Format string

// Supported output formats.
const (
	FormatHTML        Format = "html"
	FormatPDF         Format = "pdf"
	FormatXML         Format = "xml"
	FormatCSV         Format = "csv"
	FormatSpreadsheet Format = "spreadsheet"
	FormatRichText    Format = "richtext"
)

// ErrUnsupportedFormat indicates the requested output format is not supported.
var ErrUnsupportedFormat = errors.New("unsupported format")

// formatAliases maps user-facing type names to canonical formats.
var formatAliases = map[string]Format{
	"htm":  FormatHTML,
	"xlsx": FormatSpreadsheet,
	"xls":  FormatSpreadsheet,
	"rtf":  FormatRichText,
}

// Formats returns every supported format in presentation order.
func Formats() []Format {
	return []Format{FormatHTML, FormatPDF, FormatXML, FormatCSV, FormatSpreadsheet, FormatRichText}
}

// ParseFormat canonicalizes a user-provided render type.
// An empty string selects HTML.
func ParseFormat(name string) (Format, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return FormatHTML, nil
	}

	if alias, ok := formatAliases[normalized]; ok {
		return alias, nil
	}

	candidate := Format(normalized)
	if slices.Contains(Formats(), candidate) {
		return candidate, nil
	}

	return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
}

// Extension returns the file extension used for client content negotiation.
func (f Format) Extension() string {
	switch f {
	case FormatHTML:
		return "html"
	case FormatPDF:
		return "pdf"
	case FormatXML:
		return "xml"
	case FormatCSV:
		return "csv"
	case FormatSpreadsheet:
		return "xlsx"
	case FormatRichText:
		return "rtf"
	default:
		return ""
	}
}

// MIMEType returns the content type of the main stream for this format.
func (f Format) MIMEType() string {
	switch f {
	case FormatHTML:
		return "text/html; charset=utf-8"
	case FormatPDF:
		return "application/pdf"
	case FormatXML:
		return "application/xml; charset=utf-8"
	case FormatCSV:
		return "text/csv; charset=utf-8"
	case FormatSpreadsheet:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case FormatRichText:
		return "application/rtf"
	default:
		return "application/octet-stream"
	}
}

// IsText reports whether the main stream of this format is text that can be
// returned as a string.
func (f Format) IsText() bool {
	switch f {
	case FormatHTML, FormatXML, FormatCSV:
		return true
	default:
		return false
	}
}

// String implements fmt.Stringer.
func (f Format) String() string {
	return string(f)
}

package report_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/rdlserve/pkg/report"
)

const (
	// testYear is a sample parameter value.
	testYear = "2023"

	// severityNotice is a non-fatal severity below the warning threshold.
	severityNotice = 2
)

func TestParseFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  report.Format
	}{
		{"", report.FormatHTML},
		{"html", report.FormatHTML},
		{"HTM", report.FormatHTML},
		{" pdf ", report.FormatPDF},
		{"xml", report.FormatXML},
		{"csv", report.FormatCSV},
		{"xlsx", report.FormatSpreadsheet},
		{"spreadsheet", report.FormatSpreadsheet},
		{"rtf", report.FormatRichText},
		{"richtext", report.FormatRichText},
	}

	for _, tt := range tests {
		got, err := report.ParseFormat(tt.input)
		require.NoError(t, err, tt.input)
		assert.Equal(t, tt.want, got, tt.input)
	}
}

func TestParseFormat_Unsupported(t *testing.T) {
	t.Parallel()

	_, err := report.ParseFormat("docx")
	require.ErrorIs(t, err, report.ErrUnsupportedFormat)
}

func TestFormat_Metadata(t *testing.T) {
	t.Parallel()

	for _, f := range report.Formats() {
		assert.NotEmpty(t, f.Extension(), f)
		assert.NotEqual(t, "application/octet-stream", f.MIMEType(), f)
	}

	assert.True(t, report.FormatHTML.IsText())
	assert.True(t, report.FormatCSV.IsText())
	assert.False(t, report.FormatPDF.IsText())
	assert.False(t, report.FormatSpreadsheet.IsText())
	assert.Equal(t, "xlsx", report.FormatSpreadsheet.Extension())
}

func TestErrorList_MaxSeverityIsMaximum(t *testing.T) {
	t.Parallel()

	var list report.ErrorList

	assert.Equal(t, report.SeverityNone, list.MaxSeverity())

	list.Add(report.KindParse, report.SeverityWarning, "unknown column %q", "qty")
	list.Add(report.KindParse, severityNotice, "note")
	assert.Equal(t, report.SeverityWarning, list.MaxSeverity())
	assert.False(t, list.IsFatal())

	list.Add(report.KindRenderFailure, report.SeverityFatal, "boom")
	assert.Equal(t, report.SeverityFatal, list.MaxSeverity())
	assert.True(t, list.IsFatal())
	assert.Equal(t, []string{`unknown column "qty"`, "note", "boom"}, list.Messages())
}

func TestErrorList_ResetPreventsLeakage(t *testing.T) {
	t.Parallel()

	var list report.ErrorList

	list.Add(report.KindParse, report.SeverityFatal, "first pass")
	list.Reset()

	assert.Zero(t, list.Len())
	assert.Equal(t, report.SeverityNone, list.MaxSeverity())

	list.Add(report.KindParse, severityNotice, "second pass")
	assert.Equal(t, severityNotice, list.MaxSeverity())
}

func TestErrorList_MergeKeepsCollaboratorMaximum(t *testing.T) {
	t.Parallel()

	var list report.ErrorList

	list.Merge(report.SeverityFatal, []report.RenderError{{Message: "w", Severity: report.SeverityWarning}})

	assert.Equal(t, report.SeverityFatal, list.MaxSeverity())
	assert.Equal(t, 1, list.Len())
}

func TestErrorList_ItemsIsCopy(t *testing.T) {
	t.Parallel()

	var list report.ErrorList

	list.Add(report.KindParse, report.SeverityWarning, "a")

	items := list.Items()
	items[0].Message = "mutated"

	assert.Equal(t, "a", list.Items()[0].Message)
}

func TestParameterSet_OrderAndAbsence(t *testing.T) {
	t.Parallel()

	params := report.NewParameterSet()
	params.Add("year", testYear)
	params.Add("region", "north", "south")
	params.Add("year", "2024")

	assert.Equal(t, []string{"year", "region"}, params.Names())
	assert.Equal(t, []string{testYear, "2024"}, params.Values("year"))

	first, ok := params.Get("year")
	require.True(t, ok)
	assert.Equal(t, testYear, first)

	_, ok = params.Get("missing")
	assert.False(t, ok)
	assert.False(t, params.Has("missing"))

	params.Set("year", "2025")
	assert.Equal(t, []string{"year", "region"}, params.Names())
	assert.Equal(t, []string{"2025"}, params.Values("year"))
}

func TestParameterSet_ZeroValueAndNil(t *testing.T) {
	t.Parallel()

	var zero report.ParameterSet

	zero.Add("a", "1")
	assert.Equal(t, 1, zero.Len())

	var nilSet *report.ParameterSet

	assert.Zero(t, nilSet.Len())
	assert.Empty(t, nilSet.Encode())
	assert.Equal(t, 0, nilSet.Clone().Len())
}

func TestParseQuery_PreservesOrder(t *testing.T) {
	t.Parallel()

	params, err := report.ParseQuery("zeta=1&alpha=a%20b&zeta=2&flag")
	require.NoError(t, err)

	assert.Equal(t, []string{"zeta", "alpha", "flag"}, params.Names())
	assert.Equal(t, []string{"1", "2"}, params.Values("zeta"))

	alpha, _ := params.Get("alpha")
	assert.Equal(t, "a b", alpha)
	assert.Equal(t, "zeta=1&zeta=2&alpha=a+b&flag=", params.Encode())

	without := params.Without("zeta")
	assert.Equal(t, []string{"alpha", "flag"}, without.Names())
}

func TestParseQuery_InvalidEscape(t *testing.T) {
	t.Parallel()

	_, err := report.ParseQuery("bad=%zz")
	require.Error(t, err)
}

func TestStamp_Equal(t *testing.T) {
	t.Parallel()

	now := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

	a := report.Stamp{ModTime: now, Size: 10}
	b := report.Stamp{ModTime: now, Size: 10}
	assert.True(t, a.Equal(b))

	b.Size = 11
	assert.False(t, a.Equal(b))

	digestA := report.Stamp{ModTime: now, Digest: [32]byte{1}}
	digestB := report.Stamp{ModTime: now.Add(time.Hour), Digest: [32]byte{1}}
	assert.True(t, digestA.Equal(digestB), "digest wins over mtime")

	digestB.Digest = [32]byte{2}
	assert.False(t, digestA.Equal(digestB))
}

func TestSourceKey_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "sales.rdl", report.SourceKey{Path: "sales.rdl"}.String())
	assert.Equal(t, "sales.rdl@3", report.SourceKey{Path: "sales.rdl", Revision: "3"}.String())
	assert.True(t, report.SourceKey{}.IsZero())
}

package render

import (
	"fmt"
	"html/template"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Sumatoshi-tech/rdlserve/pkg/compilecache"
	"github.com/Sumatoshi-tech/rdlserve/pkg/report"
	"github.com/Sumatoshi-tech/rdlserve/pkg/stats"
)

// NoShowParam is the request parameter that asks for the parameter form only.
const NoShowParam = "noshow"

// ErrorTable renders messages as a minimal one-column HTML table. It returns
// an empty string when there is nothing to report.
func ErrorTable(messages []string) string {
	if len(messages) == 0 {
		return ""
	}

	var sb strings.Builder

	sb.WriteString("<table>\n<tr>\n<td>\nErrors\n</td>\n</tr>\n")

	for _, msg := range messages {
		sb.WriteString("<tr>\n<td>\n")
		sb.WriteString(template.HTMLEscapeString(msg))
		sb.WriteString("\n</td>\n</tr>\n")
	}

	sb.WriteString("</table>\n")

	return sb.String()
}

var parameterForm = template.Must(template.New("parameters").Parse(
	`<form class="rdl-parameters" method="get">
{{- range .Hidden}}
<input type="hidden" name="{{.Name}}" value="{{.Value}}">
{{- end}}
<table>
{{- range .Fields}}{{$field := .}}
<tr><td><label for="rdl-p-{{.Name}}">{{.Prompt}}{{if .Required}} *{{end}}</label></td><td>
{{- range $i, $v := .Values}}<input type="text"{{if eq $i 0}} id="rdl-p-{{$field.Name}}"{{end}} name="{{$field.Name}}" value="{{$v}}">{{end -}}
</td></tr>
{{- end}}
</table>
<input type="submit" value="Run Report">
</form>
`))

type formData struct {
	Hidden []hiddenField
	Fields []formField
}

type hiddenField struct {
	Name  string
	Value string
}

type formField struct {
	Name     string
	Prompt   string
	Required bool
	Values   []string
}

// ParameterHTML builds the parameter form of def prefilled with the request
// values, falling back to declared defaults. Request parameters the
// definition does not declare are carried as hidden fields so the form
// resubmits to the same report. The no-show flag is dropped so submitting
// runs the report. Definitions without parameters produce an empty string.
func ParameterHTML(def report.Definition, params *report.ParameterSet) (string, error) {
	if def == nil {
		return "", nil
	}

	declared := def.Parameters()
	if len(declared) == 0 {
		return "", nil
	}

	data := formData{Fields: make([]formField, 0, len(declared))}
	skip := []string{NoShowParam}

	for _, pd := range declared {
		skip = append(skip, pd.Name)

		values := params.Values(pd.Name)
		if len(values) == 0 {
			values = slices.Clone(pd.Default)
		}

		switch {
		case len(values) == 0:
			values = []string{""}
		case !pd.Multi:
			values = values[:1]
		}

		prompt := pd.Prompt
		if prompt == "" {
			prompt = pd.Name
		}

		data.Fields = append(data.Fields, formField{Name: pd.Name, Prompt: prompt, Required: pd.Required, Values: values})
	}

	for _, name := range params.Without(skip...).Names() {
		for _, value := range params.Values(name) {
			data.Hidden = append(data.Hidden, hiddenField{Name: name, Value: value})
		}
	}

	var sb strings.Builder

	err := parameterForm.Execute(&sb, data)
	if err != nil {
		return "", fmt.Errorf("render parameter form: %w", err)
	}

	return sb.String(), nil
}

var statisticsView = template.Must(template.New("statistics").Parse(
	`<p>{{.Sessions}} sessions
<p>{{.Entries}} items are in the cache
<p>{{.Hits}} cache hits
<p>{{.Misses}} cache misses
<p>{{.HitRate}} hit rate
{{- if .Keys}}
<ul class="rdl-cache">
{{- range .Keys}}
<li>{{.Key}} ({{.Size}}, compiled {{.Age}})</li>
{{- end}}
</ul>
{{- end}}
`))

type statisticsData struct {
	Sessions int
	Entries  int
	Hits     int64
	Misses   int64
	HitRate  string
	Keys     []cachedKey
}

type cachedKey struct {
	Key  string
	Size string
	Age  string
}

// StatisticsPage renders the diagnostics view: session and cache counters
// followed by every cached report key, sorted by key.
func StatisticsPage(snap stats.Snapshot, entries []compilecache.Entry, now time.Time) (string, error) {
	slices.SortFunc(entries, func(a, b compilecache.Entry) int {
		return strings.Compare(a.Key.String(), b.Key.String())
	})

	data := statisticsData{
		Sessions: snap.Sessions,
		Entries:  len(entries),
		Hits:     snap.Hits,
		Misses:   snap.Misses,
		HitRate:  fmt.Sprintf("%.1f%%", snap.HitRate()*100),
		Keys:     make([]cachedKey, 0, len(entries)),
	}

	for _, e := range entries {
		data.Keys = append(data.Keys, cachedKey{
			Key:  e.Key.String(),
			Size: humanize.Bytes(uint64(max(e.Size, 0))),
			Age:  humanize.RelTime(e.CompiledAt, now, "ago", "from now"),
		})
	}

	var sb strings.Builder

	err := statisticsView.Execute(&sb, data)
	if err != nil {
		return "", fmt.Errorf("render statistics: %w", err)
	}

	return sb.String(), nil
}

var pageView = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
{{- if .CSS}}
<style>
{{.CSS}}
</style>
{{- end}}
</head>
<body>
{{- if .Parameters}}
{{.Parameters}}
{{- end}}
{{.Body}}
{{- if .JavaScript}}
<script>
{{.JavaScript}}
</script>
{{- end}}
</body>
</html>
`))

type pageData struct {
	Title      string
	CSS        template.CSS
	JavaScript template.JS
	Parameters template.HTML
	Body       template.HTML
}

// Page wraps res into a standalone HTML document: parameter form, visible
// content, and the error table whenever diagnostics were raised. Results of
// other formats contribute only their error table.
func Page(res *Result) ([]byte, error) {
	var body []byte

	switch {
	case res.Format == report.FormatHTML && len(res.Main) > 0:
		body = slices.Clone(res.Main)
		body = append(body, ErrorTable(res.Errors.Messages())...)
	default:
		body = []byte(ErrorTable(res.Errors.Messages()))
	}

	var sb strings.Builder

	// Renderer output and the parameter form are escaped when produced.
	err := pageView.Execute(&sb, pageData{
		Title:      res.Key.Path,
		CSS:        template.CSS(res.CSS),            //nolint:gosec // trusted
		JavaScript: template.JS(res.JavaScript),      //nolint:gosec // trusted
		Parameters: template.HTML(res.ParameterHTML), //nolint:gosec // trusted
		Body:       template.HTML(body),              //nolint:gosec // trusted
	})
	if err != nil {
		return nil, fmt.Errorf("render page: %w", err)
	}

	return []byte(sb.String()), nil
}

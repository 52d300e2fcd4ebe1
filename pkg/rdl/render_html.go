package rdl

import (
	"bytes"
	"fmt"
	"html/template"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// defaultCSS styles every HTML render; the definition's style is appended.
const defaultCSS = `.rdl-report{font-family:Helvetica,Arial,sans-serif;font-size:10pt}
.rdl-title{font-size:16pt;margin:0 0 8px}
.rdl-table{border-collapse:collapse;margin:8px 0}
.rdl-table th,.rdl-table td{border:1px solid #999;padding:2px 6px}
.rdl-table th{background:#eee}
.rdl-chart{margin:8px 0}
`

var bodyTemplate = template.Must(template.New("body").Parse(`<div class="rdl-report">
{{- range .}}
{{- if eq .Kind "title"}}
<h1 class="rdl-title">{{.Text}}</h1>
{{- else if eq .Kind "text"}}
<div class="rdl-text">{{.HTML}}</div>
{{- else if eq .Kind "table"}}
<table class="rdl-table"><thead><tr>{{range .Headers}}<th>{{.}}</th>{{end}}</tr></thead><tbody>
{{- range .Rows}}<tr>{{range .}}<td>{{.}}</td>{{end}}</tr>{{end}}</tbody></table>
{{- else if eq .Kind "image"}}
<img class="rdl-image" src="{{.Src}}" alt="{{.Text}}">
{{- else if eq .Kind "chart"}}
{{.HTML}}
{{- end}}
{{- end}}
</div>
`))

// htmlItem is the template view of one body item.
type htmlItem struct {
	Kind    string
	Text    string
	HTML    template.HTML
	Headers []string
	Rows    [][]string
	Src     string
}

var (
	markdownOnce sync.Once
	markdown     goldmark.Markdown
)

func markdownRenderer() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))
	})

	return markdown
}

func (r *renderer) html() error {
	var (
		views   []htmlItem
		scripts bytes.Buffer
	)

	for i, item := range r.doc().Body {
		view := htmlItem{Kind: item.Kind, Text: r.itemText(item)}

		switch item.Kind {
		case kindText:
			var buf bytes.Buffer

			err := markdownRenderer().Convert([]byte(item.Text), &buf)
			if err != nil {
				return fmt.Errorf("markdown: %w", err)
			}

			// goldmark escapes raw HTML unless WithUnsafe is set.
			view.HTML = template.HTML(buf.String()) //nolint:gosec // Sanitized by goldmark.
		case kindTable:
			tbl := r.pass.dataset(item.DataSet)
			view.Headers = tbl.headers(item.Columns)
			view.Rows = tbl.project(item.Columns)
		case kindImage:
			data, ok := r.imageBytes(item)
			if !ok {
				continue
			}

			name := r.streamName(i, item)

			_, err := r.gen.OpenNamed(name).Write(data)
			if err != nil {
				return fmt.Errorf("write image %s: %w", name, err)
			}

			view.Text = item.Name
			view.Src = r.gen.Reference(name)
		case kindChart:
			element, script, err := buildChart(item, r.pass.dataset(item.DataSet), fmt.Sprintf("chart_%s_%d", sanitizeName(r.token), i))
			if err != nil {
				r.warn("chart %d: %v", i, err)

				continue
			}

			view.HTML = template.HTML(element) //nolint:gosec // Generated by go-echarts.

			scripts.WriteString(script)
			scripts.WriteByte('\n')
		}

		views = append(views, view)
	}

	err := bodyTemplate.Execute(r.gen.Main(), views)
	if err != nil {
		return fmt.Errorf("execute html template: %w", err)
	}

	r.pass.css = defaultCSS + r.doc().Style
	r.pass.script = scripts.String()

	return nil
}

package rdl

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// EChartsAsset is the script a page must load before running chart JavaScript.
const EChartsAsset = "https://go-echarts.github.io/go-echarts-assets/assets/echarts.min.js"

const (
	chartWidth  = "720px"
	chartHeight = "360px"

	chartTypeLine = "line"

	scriptOpen  = `<script type="text/javascript">`
	scriptClose = `</script>`
	container   = `<div class="container">`
)

var errChartLabel = errors.New("label column not found")

// buildChart renders item as a go-echarts chart and splits the page into the
// element markup and its initialization script.
func buildChart(item itemSpec, tbl *table, id string) (string, string, error) {
	labelIdx := tbl.column(item.Label)
	if labelIdx < 0 {
		return "", "", fmt.Errorf("%w: %q", errChartLabel, item.Label)
	}

	labels := make([]string, len(tbl.rows))
	for i, row := range tbl.rows {
		if labelIdx < len(row) {
			labels[i] = row[labelIdx]
		}
	}

	initOpts := opts.Initialization{ChartID: id, Width: chartWidth, Height: chartHeight}
	title := opts.Title{Title: item.Text}

	var buf bytes.Buffer

	if item.Type == chartTypeLine {
		line := charts.NewLine()
		line.SetGlobalOptions(charts.WithInitializationOpts(initOpts), charts.WithTitleOpts(title))
		line.SetXAxis(labels)

		for _, series := range item.Series {
			values := seriesValues(tbl, series)
			data := make([]opts.LineData, len(values))

			for i, v := range values {
				data[i] = opts.LineData{Value: v}
			}

			line.AddSeries(series, data)
		}

		err := line.Render(&buf)
		if err != nil {
			return "", "", fmt.Errorf("render line chart: %w", err)
		}
	} else {
		bar := charts.NewBar()
		bar.SetGlobalOptions(charts.WithInitializationOpts(initOpts), charts.WithTitleOpts(title))
		bar.SetXAxis(labels)

		for _, series := range item.Series {
			values := seriesValues(tbl, series)
			data := make([]opts.BarData, len(values))

			for i, v := range values {
				data[i] = opts.BarData{Value: v}
			}

			bar.AddSeries(series, data)
		}

		err := bar.Render(&buf)
		if err != nil {
			return "", "", fmt.Errorf("render bar chart: %w", err)
		}
	}

	element, script := splitChartPage(buf.String())

	return element, script, nil
}

// seriesValues parses a numeric column. Non-numeric cells count as zero.
func seriesValues(tbl *table, field string) []float64 {
	idx := tbl.column(field)
	values := make([]float64, len(tbl.rows))

	if idx < 0 {
		return values
	}

	for i, row := range tbl.rows {
		if idx >= len(row) {
			continue
		}

		if v, err := strconv.ParseFloat(strings.TrimSpace(row[idx]), 64); err == nil {
			values[i] = v
		}
	}

	return values
}

// splitChartPage extracts the chart container and the inline script from a
// full go-echarts HTML page.
func splitChartPage(page string) (string, string) {
	start := strings.Index(page, container)
	if start < 0 {
		return page, ""
	}

	content := page[start:]
	if end := strings.Index(content, "</body>"); end >= 0 {
		content = content[:end]
	}

	scriptAt := strings.Index(content, scriptOpen)
	if scriptAt < 0 {
		return strings.Replace(content, `class="container"`, `class="rdl-chart"`, 1), ""
	}

	element := strings.TrimSpace(content[:scriptAt])
	script := content[scriptAt+len(scriptOpen):]

	if end := strings.Index(script, scriptClose); end >= 0 {
		script = script[:end]
	}

	element = strings.Replace(element, `class="container"`, `class="rdl-chart"`, 1)

	return element, strings.TrimSpace(script)
}

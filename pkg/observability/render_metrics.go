package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricRendersTotal   = "rdlserve.render.total"
	metricRenderSeverity = "rdlserve.render.severity"
	metricArtifactBytes  = "rdlserve.render.artifact.bytes"
	metricCompilesTotal  = "rdlserve.compile.total"

	attrFormat  = "format"
	attrOutcome = "outcome"
)

// severityBoundaries separate clean, warning and fatal renders.
var severityBoundaries = []float64{0, 4, 8}

// RenderMetrics holds OTel instruments describing report renders.
type RenderMetrics struct {
	renders   metric.Int64Counter
	severity  metric.Float64Histogram
	artifacts metric.Int64Counter
	compiles  metric.Int64Counter
}

// RenderStats summarizes one finished render pass.
type RenderStats struct {
	Format        string
	MaxSeverity   int
	Fatal         bool
	MainBytes     int64
	ArtifactBytes int64
}

// NewRenderMetrics creates render metric instruments from the given meter.
func NewRenderMetrics(mt metric.Meter) (*RenderMetrics, error) {
	b := newMetricBuilder(mt)

	rm := &RenderMetrics{
		renders:   b.counter(metricRendersTotal, "Report renders by format and outcome", "{render}"),
		severity:  b.histogram(metricRenderSeverity, "Maximum diagnostic severity per render", "1", severityBoundaries...),
		artifacts: b.counter(metricArtifactBytes, "Bytes produced by renders", "By"),
		compiles:  b.counter(metricCompilesTotal, "Compile cache lookups by outcome", "{lookup}"),
	}

	if b.err != nil {
		return nil, b.err
	}

	return rm, nil
}

// RecordRender records one render pass. Safe on a nil receiver.
func (rm *RenderMetrics) RecordRender(ctx context.Context, stats RenderStats) {
	if rm == nil {
		return
	}

	outcome := StatusOK
	if stats.Fatal {
		outcome = StatusError
	}

	format := attribute.String(attrFormat, stats.Format)

	rm.renders.Add(ctx, 1, metric.WithAttributes(format, attribute.String(attrOutcome, outcome)))
	rm.severity.Record(ctx, float64(stats.MaxSeverity), metric.WithAttributes(format))
	rm.artifacts.Add(ctx, stats.MainBytes, metric.WithAttributes(format, attribute.String("stream", "main")))
	rm.artifacts.Add(ctx, stats.ArtifactBytes, metric.WithAttributes(format, attribute.String("stream", "auxiliary")))
}

// RecordCompile records the outcome of a compile cache lookup
// (hit, compiled, shared or failed). Safe on a nil receiver.
func (rm *RenderMetrics) RecordCompile(ctx context.Context, outcome string) {
	if rm == nil {
		return
	}

	rm.compiles.Add(ctx, 1, metric.WithAttributes(attribute.String(attrOutcome, outcome)))
}

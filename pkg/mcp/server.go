// Package mcp implements a Model Context Protocol server exposing report
// rendering as MCP tools over stdio transport.
package mcp

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/rdlserve/pkg/compilecache"
	"github.com/Sumatoshi-tech/rdlserve/pkg/observability"
	"github.com/Sumatoshi-tech/rdlserve/pkg/render"
	"github.com/Sumatoshi-tech/rdlserve/pkg/report"
	"github.com/Sumatoshi-tech/rdlserve/pkg/source"
	"github.com/Sumatoshi-tech/rdlserve/pkg/version"
)

const (
	// serverName is the MCP server implementation name.
	serverName = "rdlserve"

	// toolCount is the expected number of registered tools.
	toolCount = 3
)

// ArtifactReader looks up stored session artifacts.
type ArtifactReader interface {
	Get(sessionID, name string) ([]byte, bool)
}

// EntryLister enumerates compiled definitions.
type EntryLister interface {
	ForEachEntry(fn func(compilecache.Entry) bool)
}

// ServerDeps holds injectable dependencies for the MCP server.
// Zero-value fields use production defaults.
type ServerDeps struct {
	// Renderer runs report_render. Nil makes the tool report an error.
	Renderer *render.Orchestrator

	// Inline stores definitions submitted as text. It must be one of the
	// renderer's source providers. Nil rejects inline definitions.
	Inline *source.MemoryProvider

	// Sessions serves report_artifact. Nil makes every lookup miss.
	Sessions ArtifactReader

	// Stats and Entries feed report_stats.
	Stats   render.StatsSource
	Entries EntryLister

	// Password unlocks protected data sources. Nil leaves them locked.
	Password report.PasswordFunc

	// Logger is an optional structured logger. Nil uses slog default.
	Logger *slog.Logger

	// Metrics is an optional RED metrics recorder. Nil disables per-tool metrics.
	Metrics *observability.REDMetrics

	// Tracer is an optional OTel tracer for per-tool-call spans. Nil disables tracing.
	Tracer trace.Tracer
}

// Server wraps the MCP SDK server with the report tool registrations.
type Server struct {
	inner   *mcpsdk.Server
	mu      sync.RWMutex
	tools   []string
	deps    ServerDeps
	metrics *observability.REDMetrics
	tracer  trace.Tracer
}

// NewServer creates a new MCP server with all report tools registered.
func NewServer(deps ServerDeps) *Server {
	opts := &mcpsdk.ServerOptions{}
	if deps.Logger != nil {
		opts.Logger = deps.Logger
	}

	inner := mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    serverName,
			Version: version.Version,
		},
		opts,
	)

	srv := &Server{
		inner:   inner,
		tools:   make([]string, 0, toolCount),
		deps:    deps,
		metrics: deps.Metrics,
		tracer:  deps.Tracer,
	}

	srv.registerTools()

	return srv
}

// ListToolNames returns the sorted names of all registered tools.
func (s *Server) ListToolNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, len(s.tools))
	copy(names, s.tools)
	sort.Strings(names)

	return names
}

// Run starts the MCP server on stdio transport. It blocks until the context
// is canceled or the connection closes.
func (s *Server) Run(ctx context.Context) error {
	return s.RunWithTransport(ctx, &mcpsdk.StdioTransport{})
}

// RunWithTransport starts the MCP server on the given transport. It blocks
// until the context is canceled or the connection closes.
func (s *Server) RunWithTransport(ctx context.Context, transport mcpsdk.Transport) error {
	err := s.inner.Run(ctx, transport)
	if err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}

	return nil
}

// registerTools adds all report tools to the server.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.inner, &mcpsdk.Tool{
		Name:        ToolNameRender,
		Description: renderToolDescription,
	}, withMetrics(s.metrics, ToolNameRender, withTracing(s.tracer, ToolNameRender, s.handleRender)))
	s.trackTool(ToolNameRender)

	mcpsdk.AddTool(s.inner, &mcpsdk.Tool{
		Name:        ToolNameArtifact,
		Description: artifactToolDescription,
	}, withMetrics(s.metrics, ToolNameArtifact, withTracing(s.tracer, ToolNameArtifact, s.handleArtifact)))
	s.trackTool(ToolNameArtifact)

	mcpsdk.AddTool(s.inner, &mcpsdk.Tool{
		Name:        ToolNameStats,
		Description: statsToolDescription,
	}, withMetrics(s.metrics, ToolNameStats, withTracing(s.tracer, ToolNameStats, s.handleStats)))
	s.trackTool(ToolNameStats)
}

func (s *Server) handleRender(
	ctx context.Context, _ *mcpsdk.CallToolRequest, input RenderInput,
) (*mcpsdk.CallToolResult, ToolOutput, error) {
	if s.deps.Renderer == nil {
		return errorResult(ErrNoRenderer)
	}

	err := validateRenderInput(input)
	if err != nil {
		return errorResult(err)
	}

	format, err := report.ParseFormat(input.Format)
	if err != nil {
		return errorResult(err)
	}

	key := report.SourceKey{Path: cleanReportPath(input.Report)}

	if input.Definition != "" {
		if s.deps.Inline == nil {
			return errorResult(ErrInlineDisabled)
		}

		key.Path = inlineKey(input.Definition)
		s.deps.Inline.Set(key.Path, input.Definition)
	}

	session := input.Session
	if session == "" {
		id, idErr := uuid.NewV4()
		if idErr != nil {
			return errorResult(fmt.Errorf("generate session: %w", idErr))
		}

		session = id.String()
	}

	res := s.deps.Renderer.Render(ctx, render.Request{
		Key:       key,
		Format:    format,
		Params:    renderParams(input.Params),
		NoShow:    input.NoShow,
		SessionID: session,
		Password:  s.deps.Password,
	})

	out := renderOutput(res, session)

	result, output, err := jsonResult(out)
	if result != nil && res.Failed() {
		result.IsError = true
	}

	return result, output, err
}

func (s *Server) handleArtifact(
	_ context.Context, _ *mcpsdk.CallToolRequest, input ArtifactInput,
) (*mcpsdk.CallToolResult, ToolOutput, error) {
	switch {
	case input.Session == "":
		return errorResult(ErrEmptySession)
	case input.Name == "":
		return errorResult(ErrEmptyName)
	}

	var (
		data []byte
		ok   bool
	)

	if s.deps.Sessions != nil {
		data, ok = s.deps.Sessions.Get(input.Session, input.Name)
	}

	if !ok {
		return errorResult(fmt.Errorf("%w: %s", ErrArtifactNotFound, input.Name))
	}

	return jsonResult(ArtifactOutput{
		Name:   input.Name,
		Size:   len(data),
		Base64: base64.StdEncoding.EncodeToString(data),
	})
}

func (s *Server) handleStats(
	_ context.Context, _ *mcpsdk.CallToolRequest, _ StatsInput,
) (*mcpsdk.CallToolResult, ToolOutput, error) {
	var out StatsOutput

	if s.deps.Stats != nil {
		snap := s.deps.Stats.Snapshot()
		out = StatsOutput{
			Sessions:     snap.Sessions,
			CacheEntries: snap.CacheEntries,
			Hits:         snap.Hits,
			Misses:       snap.Misses,
			HitRate:      snap.HitRate(),
		}
	}

	if s.deps.Entries != nil {
		s.deps.Entries.ForEachEntry(func(e compilecache.Entry) bool {
			out.Keys = append(out.Keys, e.Key.String())

			return true
		})

		slices.Sort(out.Keys)
	}

	return jsonResult(out)
}

// mcpSpanPrefix is the prefix for MCP tool span names.
const mcpSpanPrefix = "mcp."

// traceIDMetaKey is the metadata key for trace_id in MCP tool responses.
const traceIDMetaKey = "trace_id"

// withTracing wraps an MCP tool handler to create an OTel span per invocation
// and include trace_id in the response content when sampled.
func withTracing[Input any](
	tracer trace.Tracer,
	toolName string,
	handler func(context.Context, *mcpsdk.CallToolRequest, Input) (*mcpsdk.CallToolResult, ToolOutput, error),
) func(context.Context, *mcpsdk.CallToolRequest, Input) (*mcpsdk.CallToolResult, ToolOutput, error) {
	if tracer == nil {
		return handler
	}

	return func(ctx context.Context, req *mcpsdk.CallToolRequest, input Input) (*mcpsdk.CallToolResult, ToolOutput, error) {
		ctx, span := tracer.Start(ctx, mcpSpanPrefix+toolName,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attribute.String("mcp.tool", toolName)),
		)
		defer span.End()

		result, output, err := handler(ctx, req, input)

		sc := span.SpanContext()
		if sc.IsSampled() && result != nil {
			traceContent := &mcpsdk.TextContent{Text: fmt.Sprintf("%s=%s", traceIDMetaKey, sc.TraceID().String())}
			result.Content = append(result.Content, traceContent)
		}

		return result, output, err
	}
}

// withMetrics wraps an MCP tool handler to record RED metrics per invocation.
func withMetrics[Input any](
	metrics *observability.REDMetrics,
	toolName string,
	handler func(context.Context, *mcpsdk.CallToolRequest, Input) (*mcpsdk.CallToolResult, ToolOutput, error),
) func(context.Context, *mcpsdk.CallToolRequest, Input) (*mcpsdk.CallToolResult, ToolOutput, error) {
	if metrics == nil {
		return handler
	}

	return func(ctx context.Context, req *mcpsdk.CallToolRequest, input Input) (*mcpsdk.CallToolResult, ToolOutput, error) {
		start := time.Now()
		op := mcpSpanPrefix + toolName

		decInflight := metrics.TrackInflight(ctx, op)
		defer decInflight()

		result, output, err := handler(ctx, req, input)

		status := observability.StatusOK
		if err != nil || (result != nil && result.IsError) {
			status = observability.StatusError
		}

		metrics.RecordRequest(ctx, op, status, time.Since(start))

		return result, output, err
	}
}

func (s *Server) trackTool(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tools = append(s.tools, name)
}

// Tool description constants.
const (
	renderToolDescription = "Render a report to html, pdf, xml, csv, spreadsheet or richtext. " +
		"Accepts a report path or an inline YAML definition plus parameter values. " +
		"Text formats are returned as text, binary formats as base64; " +
		"auxiliary artifacts (images) are kept in the returned session."

	artifactToolDescription = "Fetch an auxiliary artifact produced by report_render " +
		"by session and name. Returns base64 content."

	statsToolDescription = "Report compile cache and session statistics " +
		"(sessions, cached definitions, hits, misses, hit rate)."
)

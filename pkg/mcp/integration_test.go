package mcp_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Sumatoshi-tech/rdlserve/pkg/compilecache"
	"github.com/Sumatoshi-tech/rdlserve/pkg/mcp"
	"github.com/Sumatoshi-tech/rdlserve/pkg/rdl"
	"github.com/Sumatoshi-tech/rdlserve/pkg/render"
	"github.com/Sumatoshi-tech/rdlserve/pkg/sessionstore"
	"github.com/Sumatoshi-tech/rdlserve/pkg/source"
	"github.com/Sumatoshi-tech/rdlserve/pkg/stats"
)

const (
	callTimeout = 10 * time.Second
	storedKey   = "regions.rdl"
	testSession = "mcp-session"
)

const regionsDefinition = `name: regions
title: Regions
datasources:
  - name: inline
    driver: inline
datasets:
  - name: regions
    datasource: inline
    fields: [region, total]
    rows:
      - {region: north, total: 10}
      - {region: south, total: 20}
body:
  - kind: title
  - kind: table
    dataset: regions
    columns: [region, total]
  - kind: image
    name: map.png
    mime: image/png
    data: iVBORw0KGgo=
`

type harness struct {
	session  *mcpsdk.ClientSession
	sessions *sessionstore.Store
	cache    *compilecache.Cache
}

func newDeps(t *testing.T) (mcp.ServerDeps, *sessionstore.Store, *compilecache.Cache) {
	t.Helper()

	stored := source.NewMemoryProvider("")
	stored.Set(storedKey, regionsDefinition)

	inline := source.NewMemoryProvider("")
	sources := source.Chain{inline, stored}

	collector := stats.New()
	cache := compilecache.New(compilecache.WithRecorder(collector), compilecache.WithStamper(sources))
	sessions := sessionstore.New()

	collector.BindCache(cache)
	collector.BindSessions(sessions)

	orch, err := render.New(render.Deps{
		Cache:    cache,
		Sources:  sources,
		Parser:   rdl.NewParser(nil),
		Sessions: sessions,
		Stats:    collector,
	})
	require.NoError(t, err)

	return mcp.ServerDeps{
		Renderer: orch,
		Inline:   inline,
		Sessions: sessions,
		Stats:    collector,
		Entries:  cache,
	}, sessions, cache
}

func connect(t *testing.T, deps mcp.ServerDeps) *mcpsdk.ClientSession {
	t.Helper()

	srv := mcp.NewServer(deps)

	clientTransport, serverTransport := mcpsdk.NewInMemoryTransports()

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)

	serverDone := make(chan error, 1)

	go func() {
		serverDone <- srv.RunWithTransport(ctx, serverTransport)
	}()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    "test-client",
		Version: "1.0.0",
	}, nil)

	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = session.Close()

		cancel()
		<-serverDone
	})

	return session
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	deps, sessions, cache := newDeps(t)

	return &harness{session: connect(t, deps), sessions: sessions, cache: cache}
}

func (h *harness) call(t *testing.T, name string, args map[string]any) *mcpsdk.CallToolResult {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	result, err := h.session.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.NotNil(t, result)
	require.NotEmpty(t, result.Content)

	return result
}

func text(t *testing.T, result *mcpsdk.CallToolResult) string {
	t.Helper()

	content, ok := result.Content[0].(*mcpsdk.TextContent)
	require.True(t, ok, "first content item is %T", result.Content[0])

	return content.Text
}

func decode[T any](t *testing.T, result *mcpsdk.CallToolResult) T {
	t.Helper()

	var out T

	require.NoError(t, json.Unmarshal([]byte(text(t, result)), &out))

	return out
}

func TestMCPServer_InMemoryTransport_ToolsList(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	toolsResult, err := h.session.ListTools(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, toolsResult)

	toolNames := make([]string, 0, len(toolsResult.Tools))
	for _, tool := range toolsResult.Tools {
		toolNames = append(toolNames, tool.Name)
	}

	assert.ElementsMatch(t, []string{mcp.ToolNameRender, mcp.ToolNameArtifact, mcp.ToolNameStats}, toolNames)

	for _, tool := range toolsResult.Tools {
		assert.NotNil(t, tool.InputSchema, "tool %s missing input schema", tool.Name)
	}
}

func TestMCPServer_ListToolNames(t *testing.T) {
	t.Parallel()

	srv := mcp.NewServer(mcp.ServerDeps{})

	assert.Equal(t, []string{mcp.ToolNameArtifact, mcp.ToolNameRender, mcp.ToolNameStats}, srv.ListToolNames())
}

func TestMCPServer_RenderStoredReport(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	result := h.call(t, mcp.ToolNameRender, map[string]any{
		"report":  storedKey,
		"format":  "csv",
		"session": testSession,
	})
	require.False(t, result.IsError, text(t, result))

	out := decode[mcp.RenderOutput](t, result)
	assert.Equal(t, storedKey, out.Report)
	assert.Equal(t, "csv", out.Format)
	assert.Equal(t, render.StateDone, out.State)
	assert.Equal(t, "compiled", out.Cache)
	assert.Equal(t, testSession, out.Session)
	assert.Contains(t, out.Text, "north")
	assert.Empty(t, out.Base64)
	assert.Empty(t, out.Errors)
}

func TestMCPServer_RenderInlineAndFetchArtifact(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	result := h.call(t, mcp.ToolNameRender, map[string]any{"definition": regionsDefinition})
	require.False(t, result.IsError, text(t, result))

	out := decode[mcp.RenderOutput](t, result)
	assert.True(t, strings.HasPrefix(out.Report, "inline/"))
	assert.NotEmpty(t, out.Session)
	assert.Contains(t, out.Text, "south")
	require.Len(t, out.Artifacts, 1)
	assert.True(t, strings.HasSuffix(out.Artifacts[0], "_map.png"))

	stored, ok := h.sessions.Get(out.Session, out.Artifacts[0])
	require.True(t, ok)

	artifact := h.call(t, mcp.ToolNameArtifact, map[string]any{"session": out.Session, "name": out.Artifacts[0]})
	require.False(t, artifact.IsError, text(t, artifact))

	got := decode[mcp.ArtifactOutput](t, artifact)
	assert.Equal(t, len(stored), got.Size)
	assert.Equal(t, base64.StdEncoding.EncodeToString(stored), got.Base64)

	again := decode[mcp.RenderOutput](t, h.call(t, mcp.ToolNameRender, map[string]any{"definition": regionsDefinition}))
	assert.Equal(t, out.Report, again.Report)
	assert.Equal(t, "hit", again.Cache)
	assert.NotEqual(t, out.Session, again.Session)
}

func TestMCPServer_RenderBinaryFormat(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	out := decode[mcp.RenderOutput](t, h.call(t, mcp.ToolNameRender, map[string]any{
		"report": storedKey,
		"format": "pdf",
	}))

	assert.Empty(t, out.Text)

	raw, err := base64.StdEncoding.DecodeString(out.Base64)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), "%PDF-"))
}

func TestMCPServer_RenderMissingReport(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	result := h.call(t, mcp.ToolNameRender, map[string]any{"report": "../absent.rdl"})
	assert.True(t, result.IsError)

	out := decode[mcp.RenderOutput](t, result)
	assert.Equal(t, "absent.rdl", out.Report)
	assert.Equal(t, render.StateError, out.State)
	require.Len(t, out.Errors, 1)
	assert.Equal(t, 8, out.Errors[0].Severity)
}

func TestMCPServer_InputErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	tests := []struct {
		name string
		tool string
		args map[string]any
		want string
	}{
		{"no report", mcp.ToolNameRender, map[string]any{}, mcp.ErrNoReport.Error()},
		{"both", mcp.ToolNameRender, map[string]any{"report": storedKey, "definition": regionsDefinition}, mcp.ErrAmbiguousReport.Error()},
		{"bad format", mcp.ToolNameRender, map[string]any{"report": storedKey, "format": "docx"}, "unsupported format"},
		{"too large", mcp.ToolNameRender, map[string]any{"definition": strings.Repeat("x", mcp.MaxDefinitionBytes+1)}, "exceeds maximum size"},
		{"no session", mcp.ToolNameArtifact, map[string]any{"session": "", "name": "a"}, mcp.ErrEmptySession.Error()},
		{"no name", mcp.ToolNameArtifact, map[string]any{"session": testSession, "name": ""}, mcp.ErrEmptyName.Error()},
		{"unknown artifact", mcp.ToolNameArtifact, map[string]any{"session": testSession, "name": "a"}, "artifact not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := h.call(t, tt.tool, tt.args)
			assert.True(t, result.IsError)
			assert.Contains(t, text(t, result), tt.want)
		})
	}
}

func TestMCPServer_WithoutCollaborators(t *testing.T) {
	t.Parallel()

	session := connect(t, mcp.ServerDeps{})

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      mcp.ToolNameRender,
		Arguments: map[string]any{"report": storedKey},
	})
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = session.CallTool(ctx, &mcpsdk.CallToolParams{Name: mcp.ToolNameStats, Arguments: map[string]any{}})
	require.NoError(t, err)
	assert.False(t, result.IsError)
}

func TestMCPServer_InlineDisabled(t *testing.T) {
	t.Parallel()

	deps, _, _ := newDeps(t)
	deps.Inline = nil

	session := connect(t, deps)

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      mcp.ToolNameRender,
		Arguments: map[string]any{"definition": regionsDefinition},
	})
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestMCPServer_Stats(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	h.call(t, mcp.ToolNameRender, map[string]any{"report": storedKey, "session": testSession})
	h.call(t, mcp.ToolNameRender, map[string]any{"report": storedKey, "session": testSession})

	out := decode[mcp.StatsOutput](t, h.call(t, mcp.ToolNameStats, map[string]any{}))
	assert.Equal(t, int64(1), out.Hits)
	assert.Equal(t, int64(1), out.Misses)
	assert.Equal(t, 1, out.CacheEntries)
	assert.Equal(t, 1, out.Sessions)
	assert.InDelta(t, 0.5, out.HitRate, 1e-9)
	assert.Equal(t, []string{storedKey}, out.Keys)
	assert.Equal(t, 1, h.cache.Len())
}

func TestMCPServer_InlineDefinitionCannotReadOutsideRoot(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	result := h.call(t, mcp.ToolNameRender, map[string]any{
		"definition": "name: leak\nbody:\n  - {kind: image, name: leak.bin, file: ../../etc/passwd}\n",
		"session":    testSession,
	})
	require.False(t, result.IsError, text(t, result))

	out := decode[mcp.RenderOutput](t, result)
	assert.Empty(t, out.Artifacts)
	assert.Empty(t, h.sessions.Names(testSession))
	require.Len(t, out.Errors, 1)
	assert.Contains(t, out.Errors[0].Message, "escapes the report folder")
}

func TestMCPServer_PasswordUnlocksDataSource(t *testing.T) {
	t.Parallel()

	const secured = `name: secured
datasources:
  - {name: ledger, driver: inline, password_required: true}
datasets:
  - name: accounts
    datasource: ledger
    fields: [account]
    rows:
      - {account: treasury}
body:
  - {kind: table, dataset: accounts}
`

	deps, _, _ := newDeps(t)
	deps.Password = func() (string, bool) { return "s3cret", true }

	h := &harness{session: connect(t, deps)}

	result := h.call(t, mcp.ToolNameRender, map[string]any{"definition": secured, "format": "csv"})
	require.False(t, result.IsError, text(t, result))

	out := decode[mcp.RenderOutput](t, result)
	assert.Equal(t, "account\ntreasury\n", out.Text)
	assert.Empty(t, out.Errors)
}

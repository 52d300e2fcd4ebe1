package render_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/rdlserve/pkg/compilecache"
	"github.com/Sumatoshi-tech/rdlserve/pkg/rdl"
	"github.com/Sumatoshi-tech/rdlserve/pkg/render"
	"github.com/Sumatoshi-tech/rdlserve/pkg/report"
	"github.com/Sumatoshi-tech/rdlserve/pkg/sessionstore"
	"github.com/Sumatoshi-tech/rdlserve/pkg/source"
	"github.com/Sumatoshi-tech/rdlserve/pkg/stats"
)

const (
	salesKey = "sales.rdl"
	sessionA = "session-a"
	sessionB = "session-b"

	// concurrentRequests is the number of simultaneous renders of one key.
	concurrentRequests = 4
)

type fixture struct {
	orch     *render.Orchestrator
	cache    *compilecache.Cache
	sources  *source.MemoryProvider
	sessions *sessionstore.Store
	stats    *stats.Collector
}

func newFixture(t *testing.T, parser report.Parser) *fixture {
	t.Helper()

	text, err := os.ReadFile(filepath.Join("testdata", salesKey))
	require.NoError(t, err)

	sources := source.NewMemoryProvider("testdata")
	sources.Set(salesKey, string(text))

	collector := stats.New()
	cache := compilecache.New(compilecache.WithRecorder(collector), compilecache.WithStamper(sources))
	sessions := sessionstore.New()

	collector.BindCache(cache)
	collector.BindSessions(sessions)

	if parser == nil {
		parser = rdl.NewParser(nil)
	}

	orch, err := render.New(render.Deps{
		Cache:    cache,
		Sources:  sources,
		Parser:   parser,
		Sessions: sessions,
		Stats:    collector,
	})
	require.NoError(t, err)

	return &fixture{orch: orch, cache: cache, sources: sources, sessions: sessions, stats: collector}
}

func yearParams(year string) *report.ParameterSet {
	params := report.NewParameterSet()
	params.Add("year", year)

	return params
}

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := render.New(render.Deps{})
	require.ErrorIs(t, err, render.ErrMissingDependency)

	_, err = render.New(render.Deps{Cache: compilecache.New()})
	require.ErrorIs(t, err, render.ErrMissingDependency)

	_, err = render.New(render.Deps{Cache: compilecache.New(), Sources: source.NewMemoryProvider("")})
	require.ErrorIs(t, err, render.ErrMissingDependency)
}

func TestRender_HTMLSales(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	res := f.orch.Render(context.Background(), render.Request{
		Key:       report.SourceKey{Path: salesKey},
		Format:    report.FormatHTML,
		Params:    yearParams("2023"),
		SessionID: sessionA,
	})

	assert.Equal(t, render.StateDone, res.State)
	assert.Zero(t, res.Errors.Len(), res.Errors.Messages())
	assert.NotEmpty(t, res.Text())
	assert.Contains(t, res.Text(), "80")
	assert.NotContains(t, res.Text(), "120.5")
	assert.NotEmpty(t, res.Token)
	assert.Equal(t, compilecache.OutcomeCompiled, res.Outcome)

	assert.Contains(t, res.ParameterHTML, `name="year"`)
	assert.Contains(t, res.ParameterHTML, `value="2023"`)

	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, res.Token+"_logo.png", res.Artifacts[0].Name)

	stored, ok := f.sessions.Get(sessionA, res.Artifacts[0].Name)
	require.True(t, ok)
	assert.Equal(t, res.Artifacts[0].Data, stored)
}

func TestRender_NonexistentReport(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	res := f.orch.Render(context.Background(), render.Request{
		Key:    report.SourceKey{Path: "missing.rdl"},
		Format: report.FormatHTML,
	})

	assert.Equal(t, render.StateError, res.State)
	require.Equal(t, 1, res.Errors.Len())

	item := res.Errors.Items()[0]
	assert.Equal(t, report.SeverityFatal, item.Severity)
	assert.Equal(t, report.KindSourceNotFound, item.Kind)
	assert.True(t, strings.HasPrefix(item.Message, "Exception parsing report missing.rdl."))
	assert.Empty(t, res.Main)
	assert.Contains(t, string(res.Visible()), "<td>\nErrors\n</td>")
	assert.Equal(t, 0, f.cache.Len())
}

func TestRender_PDF(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	res := f.orch.Render(context.Background(), render.Request{
		Key:    report.SourceKey{Path: salesKey},
		Format: report.FormatPDF,
	})

	assert.Equal(t, render.StateDone, res.State)
	assert.Zero(t, res.Errors.Len())
	require.NotEmpty(t, res.Main)
	assert.True(t, strings.HasPrefix(res.Text(), "%PDF-"))
	assert.Empty(t, res.CSS)
	assert.Empty(t, res.ParameterHTML)
}

func TestRender_ConcurrentFirstRequests(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	key := report.SourceKey{Path: salesKey}

	var (
		wg      sync.WaitGroup
		results [2]*render.Result
	)

	for i := range results {
		wg.Add(1)

		go func() {
			defer wg.Done()

			results[i] = f.orch.Render(context.Background(), render.Request{Key: key, Format: report.FormatCSV})
		}()
	}

	wg.Wait()

	for _, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, render.StateDone, res.State)
		assert.NotEmpty(t, res.Main)
	}

	snap := f.stats.Snapshot()
	assert.Equal(t, int64(1), snap.Misses)
	assert.Equal(t, int64(1), snap.Hits)
	assert.Equal(t, 1, f.cache.Len())
}

func TestRender_CachedDefinitionIsReused(t *testing.T) {
	t.Parallel()

	parser := &countingParser{inner: rdl.NewParser(nil)}
	f := newFixture(t, parser)
	req := render.Request{Key: report.SourceKey{Path: salesKey}, Format: report.FormatCSV}

	for range 3 {
		res := f.orch.Render(context.Background(), req)
		require.Equal(t, render.StateDone, res.State)
	}

	assert.Equal(t, int64(1), parser.calls.Load())
	assert.Equal(t, int64(2), f.stats.Hits())
}

func TestRender_StaleSourceRecompiles(t *testing.T) {
	t.Parallel()

	parser := &countingParser{inner: rdl.NewParser(nil)}
	f := newFixture(t, parser)
	req := render.Request{Key: report.SourceKey{Path: salesKey}, Format: report.FormatCSV}

	first := f.orch.Render(context.Background(), req)
	require.Equal(t, render.StateDone, first.State)

	text, err := os.ReadFile(filepath.Join("testdata", salesKey))
	require.NoError(t, err)

	f.sources.Set(salesKey, strings.Replace(string(text), "columns: [quarter, amount]", "columns: [quarter]", 1))

	second := f.orch.Render(context.Background(), req)
	require.Equal(t, render.StateDone, second.State)

	assert.Equal(t, compilecache.OutcomeCompiled, second.Outcome)
	assert.Equal(t, int64(2), parser.calls.Load())
	assert.Equal(t, "quarter\nQ1\nQ2\n", second.Text())
}

func TestRender_ParseWarningsReportedOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.sources.Set("warn.rdl", `name: warn
datasources:
  - {name: inline, driver: inline}
datasets:
  - {name: rows, datasource: inline, fields: [a], rows: [{a: x}]}
body:
  - {kind: table, dataset: rows, columns: [a, b]}
`)

	req := render.Request{Key: report.SourceKey{Path: "warn.rdl"}, Format: report.FormatCSV}

	first := f.orch.Render(context.Background(), req)
	assert.Equal(t, render.StateDone, first.State)
	assert.Equal(t, report.SeverityWarning, first.Errors.MaxSeverity())
	assert.Positive(t, first.Errors.Len())

	second := f.orch.Render(context.Background(), req)
	assert.Equal(t, compilecache.OutcomeHit, second.Outcome)
	assert.Equal(t, report.SeverityNone, second.Errors.MaxSeverity())
	assert.Zero(t, second.Errors.Len())
}

func TestRender_FatalParseNeverRenders(t *testing.T) {
	t.Parallel()

	def := &stubDef{severity: report.SeverityFatal, items: []report.RenderError{
		{Message: "broken definition", Severity: report.SeverityFatal, Kind: report.KindFatalParse},
	}}
	f := newFixture(t, &stubParser{def: def})

	res := f.orch.Render(context.Background(), render.Request{Key: report.SourceKey{Path: salesKey}})

	assert.Equal(t, render.StateError, res.State)
	assert.Equal(t, []string{"broken definition"}, res.Errors.Messages())
	assert.Equal(t, report.SeverityFatal, res.Errors.MaxSeverity())
	assert.Zero(t, def.passes.Load())
	assert.Equal(t, int64(1), def.resets.Load())
	assert.Equal(t, 0, f.cache.Len())
	assert.Contains(t, string(res.Visible()), "broken definition")
}

func TestRender_ParserErrorIsFatal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &stubParser{err: errors.New("parser crashed")})

	res := f.orch.Render(context.Background(), render.Request{Key: report.SourceKey{Path: salesKey}})

	assert.Equal(t, render.StateError, res.State)
	require.Equal(t, 1, res.Errors.Len())
	assert.Equal(t, report.KindParse, res.Errors.Items()[0].Kind)
	assert.Contains(t, res.Errors.Messages()[0], "parser crashed")
}

func TestRender_ParserPanicIsInternalError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &stubParser{panic: true})

	var wg sync.WaitGroup

	results := make([]*render.Result, concurrentRequests)

	for i := range results {
		wg.Add(1)

		go func() {
			defer wg.Done()

			results[i] = f.orch.Render(context.Background(), render.Request{Key: report.SourceKey{Path: salesKey}})
		}()
	}

	wg.Wait()

	for _, res := range results {
		assert.Equal(t, render.StateError, res.State)
		require.Equal(t, 1, res.Errors.Len())
		assert.Equal(t, report.KindInternal, res.Errors.Items()[0].Kind)
		assert.Equal(t, report.SeverityFatal, res.Errors.MaxSeverity())
		assert.Contains(t, res.Errors.Messages()[0], "parse panicked: parser bug")
	}

	assert.Zero(t, f.cache.Len())
}

func TestRender_NilDefinitionIsInternalError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &stubParser{})

	res := f.orch.Render(context.Background(), render.Request{Key: report.SourceKey{Path: salesKey}})

	assert.Equal(t, render.StateError, res.State)
	require.Equal(t, 1, res.Errors.Len())
	assert.Equal(t, report.KindInternal, res.Errors.Items()[0].Kind)
}

func TestRender_PanicBecomesRenderFailure(t *testing.T) {
	t.Parallel()

	def := &stubDef{panicOnRender: true}
	f := newFixture(t, &stubParser{def: def})

	res := f.orch.Render(context.Background(), render.Request{
		Key:       report.SourceKey{Path: salesKey},
		Format:    report.FormatHTML,
		SessionID: sessionA,
	})

	assert.Equal(t, render.StateError, res.State)
	require.Equal(t, 1, res.Errors.Len())
	assert.Equal(t, report.KindRenderFailure, res.Errors.Items()[0].Kind)
	assert.Contains(t, res.Errors.Messages()[0], "render panicked")

	// Output written before the panic survives.
	assert.Equal(t, "partial", res.Text())
	require.Len(t, res.Artifacts, 1)

	stored, ok := f.sessions.Get(sessionA, res.Artifacts[0].Name)
	require.True(t, ok)
	assert.Equal(t, []byte("aux"), stored)
}

func TestRender_DataFailureSkipsRender(t *testing.T) {
	t.Parallel()

	def := &stubDef{dataErr: errors.New("connection refused")}
	f := newFixture(t, &stubParser{def: def})

	res := f.orch.Render(context.Background(), render.Request{Key: report.SourceKey{Path: salesKey}})

	assert.Equal(t, render.StateError, res.State)
	assert.Equal(t, []string{"Error: connection refused"}, res.Errors.Messages())
	assert.Zero(t, def.renders.Load())
	assert.Empty(t, res.Main)
}

func TestRender_PassDiagnosticsDoNotLeak(t *testing.T) {
	t.Parallel()

	def := &stubDef{passWarning: "column b not found"}
	f := newFixture(t, &stubParser{def: def})
	req := render.Request{Key: report.SourceKey{Path: salesKey}, Format: report.FormatCSV}

	for range 2 {
		res := f.orch.Render(context.Background(), req)
		assert.Equal(t, render.StateDone, res.State)
		assert.Equal(t, []string{"column b not found"}, res.Errors.Messages())
		assert.Equal(t, report.SeverityWarning, res.Errors.MaxSeverity())
	}
}

func TestRender_NoShowBuildsParameterForm(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	res := f.orch.Render(context.Background(), render.Request{
		Key:       report.SourceKey{Path: salesKey},
		Format:    report.FormatPDF,
		NoShow:    true,
		SessionID: sessionA,
	})

	assert.Equal(t, render.StateDone, res.State)
	assert.Empty(t, res.Main)
	assert.Empty(t, res.Artifacts)
	assert.Contains(t, res.ParameterHTML, `value="2024"`)
	assert.Equal(t, 0, f.sessions.Len())
}

func TestRender_MissingKey(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	res := f.orch.Render(context.Background(), render.Request{Format: report.FormatHTML})

	assert.Equal(t, render.StateError, res.State)
	assert.Equal(t, []string{"ReportFile not specified."}, res.Errors.Messages())
	assert.Equal(t, report.KindConfiguration, res.Errors.Items()[0].Kind)
}

func TestRender_SessionIsolation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	res := f.orch.Render(context.Background(), render.Request{
		Key:       report.SourceKey{Path: salesKey},
		Format:    report.FormatHTML,
		SessionID: sessionA,
	})
	require.Len(t, res.Artifacts, 1)

	name := res.Artifacts[0].Name

	_, ok := f.sessions.Get(sessionA, name)
	assert.True(t, ok)

	_, ok = f.sessions.Get(sessionB, name)
	assert.False(t, ok)
}

func TestRender_UniqueTokensPerPass(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	req := render.Request{Key: report.SourceKey{Path: salesKey}, Format: report.FormatHTML, SessionID: sessionA}

	first := f.orch.Render(context.Background(), req)
	second := f.orch.Render(context.Background(), req)

	assert.NotEqual(t, first.Token, second.Token)
	assert.Len(t, f.sessions.Names(sessionA), 2)
}

func TestRender_StatisticsPage(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	f.orch.Render(context.Background(), render.Request{
		Key:       report.SourceKey{Path: salesKey},
		Format:    report.FormatHTML,
		SessionID: sessionA,
	})
	f.orch.Render(context.Background(), render.Request{Key: report.SourceKey{Path: salesKey}, Format: report.FormatCSV})

	res := f.orch.Render(context.Background(), render.Request{Key: report.SourceKey{Path: render.StatisticsKey}})

	assert.Equal(t, render.StateDone, res.State)

	page := res.Text()
	assert.Contains(t, page, "<p>1 sessions")
	assert.Contains(t, page, "<p>1 items are in the cache")
	assert.Contains(t, page, "<p>1 cache hits")
	assert.Contains(t, page, "<p>1 cache misses")
	assert.Contains(t, page, "<li>sales.rdl (")
}

func TestErrorTable(t *testing.T) {
	t.Parallel()

	assert.Empty(t, render.ErrorTable(nil))
	assert.Equal(t,
		"<table>\n<tr>\n<td>\nErrors\n</td>\n</tr>\n<tr>\n<td>\na &lt;b&gt;\n</td>\n</tr>\n</table>\n",
		render.ErrorTable([]string{"a <b>"}))
}

func TestParameterHTML_HiddenFieldsAndDefaults(t *testing.T) {
	t.Parallel()

	def := &stubDef{params: []report.ParameterDef{
		{Name: "year", Prompt: "Year", Default: []string{"2024"}, Required: true},
		{Name: "region", Multi: true},
	}}

	params := report.NewParameterSet()
	params.Add("file", salesKey)
	params.Add("noshow", "1")
	params.Add("region", "north", "south")

	form, err := render.ParameterHTML(def, params)
	require.NoError(t, err)

	assert.Contains(t, form, `<input type="hidden" name="file" value="sales.rdl">`)
	assert.NotContains(t, form, `name="noshow"`)
	assert.Contains(t, form, `Year *`)
	assert.Contains(t, form, `name="year" value="2024"`)
	assert.Contains(t, form, `name="region" value="north"`)
	assert.Contains(t, form, `name="region" value="south"`)

	empty, err := render.ParameterHTML(&stubDef{}, params)
	require.NoError(t, err)
	assert.Empty(t, empty)

	none, err := render.ParameterHTML(nil, params)
	require.NoError(t, err)
	assert.Empty(t, none)
}

type countingParser struct {
	inner report.Parser
	calls atomic.Int64
}

func (p *countingParser) Parse(ctx context.Context, in report.ParseInput) (report.Definition, error) {
	p.calls.Add(1)

	return p.inner.Parse(ctx, in)
}

type stubParser struct {
	def   report.Definition
	err   error
	panic bool
}

func (p *stubParser) Parse(context.Context, report.ParseInput) (report.Definition, error) {
	if p.panic {
		panic("parser bug")
	}

	if p.err != nil {
		return nil, p.err
	}

	if p.def == nil {
		return nil, nil
	}

	return p.def, nil
}

// stubDef is a definition whose passes behave as configured.
type stubDef struct {
	params        []report.ParameterDef
	severity      int
	items         []report.RenderError
	panicOnRender bool
	dataErr       error
	passWarning   string

	passes  atomic.Int64
	renders atomic.Int64
	resets  atomic.Int64
}

func (d *stubDef) Name() string                      { return "stub" }
func (d *stubDef) Parameters() []report.ParameterDef { return d.params }
func (d *stubDef) ErrorMaxSeverity() int             { return d.severity }
func (d *stubDef) ErrorItems() []report.RenderError  { return d.items }

func (d *stubDef) ErrorReset() {
	d.resets.Add(1)
	d.severity = report.SeverityNone
	d.items = nil
}

func (d *stubDef) NewPass(report.PasswordFunc) report.Pass {
	d.passes.Add(1)

	return &stubPass{def: d}
}

type stubPass struct {
	def  *stubDef
	errs report.ErrorList
}

func (p *stubPass) ErrorMaxSeverity() int            { return p.errs.MaxSeverity() }
func (p *stubPass) ErrorItems() []report.RenderError { return p.errs.Items() }
func (p *stubPass) ErrorReset()                      { p.errs.Reset() }
func (p *stubPass) CSS() string                      { return "" }
func (p *stubPass) JavaScript() string               { return "" }

func (p *stubPass) RunGetData(context.Context, *report.ParameterSet) error {
	return p.def.dataErr
}

func (p *stubPass) RunRender(_ context.Context, gen report.StreamGenerator, _ report.Format, token string) error {
	p.def.renders.Add(1)

	if p.def.passWarning != "" {
		p.errs.Add(report.KindRenderFailure, report.SeverityWarning, "%s", p.def.passWarning)
	}

	_, _ = io.WriteString(gen.Main(), "partial")

	if p.def.panicOnRender {
		_, _ = io.WriteString(gen.OpenNamed(token+"_aux"), "aux")

		panic("layout exploded")
	}

	return nil
}

func TestPage(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	res := f.orch.Render(context.Background(), render.Request{
		Key:       report.SourceKey{Path: salesKey},
		Params:    yearParams("2023"),
		SessionID: sessionA,
	})

	page, err := render.Page(res)
	require.NoError(t, err)

	text := string(page)
	assert.True(t, strings.HasPrefix(text, "<!DOCTYPE html>"))
	assert.Contains(t, text, "<title>sales.rdl</title>")
	assert.Contains(t, text, "<style>")
	assert.Contains(t, text, `class="rdl-parameters"`)
	assert.Contains(t, text, string(res.Main))
	assert.NotContains(t, text, "Errors")

	missing := f.orch.Render(context.Background(), render.Request{
		Key:    report.SourceKey{Path: "missing.rdl"},
		Format: report.FormatPDF,
	})

	page, err = render.Page(missing)
	require.NoError(t, err)
	assert.Contains(t, string(page), "<td>\nErrors\n</td>")
	assert.Contains(t, string(page), "Exception parsing report missing.rdl.")
}

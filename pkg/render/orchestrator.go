// Package render drives one report request through definition resolution,
// data binding, rendering and artifact persistence, aggregating every
// diagnostic into a request-scoped error list.
package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/Sumatoshi-tech/rdlserve/pkg/compilecache"
	"github.com/Sumatoshi-tech/rdlserve/pkg/observability"
	"github.com/Sumatoshi-tech/rdlserve/pkg/report"
	"github.com/Sumatoshi-tech/rdlserve/pkg/stats"
	"github.com/Sumatoshi-tech/rdlserve/pkg/streamgen"
)

// StatisticsKey is the reserved report key that returns the diagnostics page.
const StatisticsKey = "statistics"

// DefaultBaseRef prefixes auxiliary stream names in rendered documents.
const DefaultBaseRef = "showfile?type="

const (
	opRender = "render"

	msgNoReport     = "ReportFile not specified."
	msgParseFailure = "Exception parsing report %s.  %s"
)

// ErrMissingDependency is returned by New when a required collaborator is nil.
var ErrMissingDependency = errors.New("missing dependency")

var errPanicked = errors.New("panicked")

// DefinitionCache resolves compiled definitions, compiling on a miss.
type DefinitionCache interface {
	GetOrCompile(ctx context.Context, key report.SourceKey, compile compilecache.CompileFunc) (report.Definition, compilecache.Outcome, error)
	ForEachEntry(fn func(compilecache.Entry) bool)
}

// ArtifactStore keeps auxiliary streams for later retrieval by session.
type ArtifactStore interface {
	Set(sessionID, name string, data []byte) error
}

// StatsSource provides the counters shown on the diagnostics page.
type StatsSource interface {
	Snapshot() stats.Snapshot
}

// Deps are the collaborators of an Orchestrator. Cache, Sources and Parser
// are required.
type Deps struct {
	Cache    DefinitionCache
	Sources  report.SourceProvider
	Parser   report.Parser
	Sessions ArtifactStore
	Stats    StatsSource
	BaseRef  string
	Logger   *slog.Logger
	Tracer   trace.Tracer
	RED      *observability.REDMetrics
	Metrics  *observability.RenderMetrics
	Now      func() time.Time
}

// Orchestrator renders reports. Safe for concurrent use; all per-request
// state lives in the Result.
type Orchestrator struct {
	deps Deps
}

// New validates deps and fills defaults for optional collaborators.
func New(deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Cache == nil:
		return nil, fmt.Errorf("%w: cache", ErrMissingDependency)
	case deps.Sources == nil:
		return nil, fmt.Errorf("%w: source provider", ErrMissingDependency)
	case deps.Parser == nil:
		return nil, fmt.Errorf("%w: parser", ErrMissingDependency)
	}

	if deps.BaseRef == "" {
		deps.BaseRef = DefaultBaseRef
	}

	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("")
	}

	if deps.Now == nil {
		deps.Now = time.Now
	}

	return &Orchestrator{deps: deps}, nil
}

// Request describes one render.
type Request struct {
	Key    report.SourceKey
	Format report.Format
	Params *report.ParameterSet
	// NoShow resolves the definition and builds the parameter form without
	// retrieving data or rendering.
	NoShow    bool
	SessionID string
	Password  report.PasswordFunc
}

// Result is the outcome of one render.
type Result struct {
	Key    report.SourceKey
	Format report.Format
	// State is the final pipeline state, StateDone or StateError.
	State   string
	Outcome compilecache.Outcome
	Token   string

	Main          []byte
	CSS           string
	JavaScript    string
	ParameterHTML string
	// Artifacts are the auxiliary streams in creation order.
	Artifacts []streamgen.Artifact
	Errors    report.ErrorList
}

// Text returns the main stream as a string.
func (r *Result) Text() string {
	return string(r.Main)
}

// Failed reports whether a fatal error aborted the request.
func (r *Result) Failed() bool {
	return r.Errors.IsFatal()
}

// Visible returns what a caller should display: the main stream, or the
// error table when no content was produced.
func (r *Result) Visible() []byte {
	if len(r.Main) > 0 {
		return r.Main
	}

	return []byte(ErrorTable(r.Errors.Messages()))
}

// Render runs req through the pipeline. It never panics and never returns
// nil: every problem is reported in Result.Errors.
func (o *Orchestrator) Render(ctx context.Context, req Request) *Result {
	start := o.deps.Now()

	if req.Format == "" {
		req.Format = report.FormatHTML
	}

	ctx, span := o.deps.Tracer.Start(ctx, "rdlserve.render",
		trace.WithAttributes(
			attribute.String("report.key", req.Key.String()),
			attribute.String("format", string(req.Format)),
			attribute.Bool("report.noshow", req.NoShow),
		))
	defer span.End()

	done := o.deps.RED.TrackInflight(ctx, opRender)
	defer done()

	res := &Result{Key: req.Key, Format: req.Format, State: StateStart}

	p := &pipeline{o: o, req: req, res: res, log: o.deps.Logger.With("report", req.Key.String())}
	p.run(ctx)

	status := observability.StatusOK
	if res.Failed() {
		status = observability.StatusError

		span.SetStatus(codes.Error, "render failed")
	}

	span.SetAttributes(
		attribute.String("render.state", res.State),
		attribute.Int("severity", res.Errors.MaxSeverity()),
		attribute.Int("render.artifacts", len(res.Artifacts)),
	)

	artifactBytes := int64(0)
	for _, a := range res.Artifacts {
		artifactBytes += int64(len(a.Data))
	}

	o.deps.Metrics.RecordRender(ctx, observability.RenderStats{
		Format:        string(res.Format),
		MaxSeverity:   res.Errors.MaxSeverity(),
		Fatal:         res.Failed(),
		MainBytes:     int64(len(res.Main)),
		ArtifactBytes: artifactBytes,
	})
	o.deps.RED.RecordRequest(ctx, opRender, status, o.deps.Now().Sub(start))

	return res
}

// pipeline is the state of one request.
type pipeline struct {
	o   *Orchestrator
	req Request
	res *Result
	log *slog.Logger
	fsm machine
	def report.Definition
}

func (p *pipeline) run(ctx context.Context) {
	m, err := newMachine(p.log.WithGroup("fsm").Handler())
	if err != nil {
		p.res.Errors.Add(report.KindInternal, report.SeverityFatal, "%v", err)
		p.res.State = StateError

		return
	}

	p.fsm = m

	if p.req.Key.Path == StatisticsKey {
		p.statistics()

		return
	}

	if p.req.Key.IsZero() {
		p.res.Errors.Add(report.KindConfiguration, report.SeverityFatal, msgNoReport)
		p.enter(StateError)

		return
	}

	p.enter(StateResolving)

	if !p.resolve(ctx) {
		p.enter(StateError)

		return
	}

	if p.req.NoShow {
		p.parameterForm()
		p.finish()

		return
	}

	p.enter(StateBinding)

	pass := p.def.NewPass(p.req.Password)

	bindErr := p.safeCall("data retrieval", func() error { return pass.RunGetData(ctx, p.req.Params) })
	if bindErr != nil {
		p.log.Error("report data retrieval failed", "error", bindErr)
		p.res.Errors.Add(report.KindRenderFailure, report.SeverityFatal, "Error: %v", bindErr)
		p.collect(pass)
		p.parameterForm()
		p.enter(StateError)

		return
	}

	p.enter(StateRendering)
	p.renderPass(ctx, pass)

	p.enter(StatePersisting)
	p.persist()

	p.parameterForm()
	p.finish()
}

// enter moves the state machine and mirrors the state into the result.
func (p *pipeline) enter(state string) {
	err := p.fsm.Transition(state)
	if err != nil {
		p.log.Error("invalid pipeline transition", "from", p.fsm.GetState(), "to", state, "error", err)
	}

	p.res.State = p.fsm.GetState()
}

func (p *pipeline) finish() {
	if p.res.Failed() {
		p.enter(StateError)

		return
	}

	p.enter(StateDone)
}

// resolve obtains the compiled definition, compiling it on a miss.
func (p *pipeline) resolve(ctx context.Context) bool {
	key := p.req.Key

	def, outcome, err := p.o.deps.Cache.GetOrCompile(ctx, key, p.guardedCompile)
	p.res.Outcome = outcome
	p.o.deps.Metrics.RecordCompile(ctx, outcome.String())

	if err != nil {
		var fatal *fatalParseError

		switch {
		case errors.As(err, &fatal):
			p.res.Errors.Merge(fatal.maxSeverity, fatal.items)
		case errors.Is(err, report.ErrSourceNotFound):
			p.res.Errors.Add(report.KindSourceNotFound, report.SeverityFatal, msgParseFailure, key.Path, err.Error())
		case errors.Is(err, compilecache.ErrNilDefinition), errors.Is(err, compilecache.ErrCompilePanicked),
			errors.Is(err, errPanicked):
			p.res.Errors.Add(report.KindInternal, report.SeverityFatal, msgParseFailure, key.Path, err.Error())
		default:
			p.res.Errors.Add(report.KindParse, report.SeverityFatal, msgParseFailure, key.Path, err.Error())
		}

		p.log.Debug("report definition unavailable", "outcome", outcome.String(), "error", err)

		return false
	}

	// The cache never stores nil, but a custom implementation might return it.
	if def == nil {
		p.res.Errors.Add(report.KindInternal, report.SeverityFatal, msgParseFailure, key.Path, compilecache.ErrNilDefinition.Error())

		return false
	}

	p.def = def

	return true
}

// guardedCompile is compile with panics from the source provider or parser
// turned into errors, so a failed leader releases its followers normally.
func (p *pipeline) guardedCompile(ctx context.Context) (compilecache.Compiled, error) {
	var compiled compilecache.Compiled

	err := p.safeCall("parse", func() error {
		var compileErr error

		compiled, compileErr = p.compile(ctx)

		return compileErr
	})

	return compiled, err
}

// compile reads and parses the source. Parse diagnostics are drained from
// the definition before it is cached so they are reported once, to the
// request that compiled it.
func (p *pipeline) compile(ctx context.Context) (compilecache.Compiled, error) {
	src, err := p.o.deps.Sources.GetSource(ctx, p.req.Key)
	if err != nil {
		return compilecache.Compiled{}, fmt.Errorf("read source: %w", err)
	}

	def, err := p.o.deps.Parser.Parse(ctx, report.ParseInput{
		Text:     src.Text,
		Folder:   src.Folder,
		Name:     p.req.Key.Path,
		Password: p.req.Password,
	})
	if err != nil {
		return compilecache.Compiled{}, fmt.Errorf("parse: %w", err)
	}

	if def == nil {
		return compilecache.Compiled{}, nil
	}

	severity := def.ErrorMaxSeverity()
	items := def.ErrorItems()
	def.ErrorReset()

	if severity >= report.SeverityFatal {
		return compilecache.Compiled{}, &fatalParseError{maxSeverity: severity, items: items}
	}

	p.res.Errors.Merge(severity, items)

	return compilecache.Compiled{Definition: def, Stamp: src.Stamp}, nil
}

// renderPass renders into a fresh multiplexer and copies its outputs into the
// result. The main stream is closed on every path.
func (p *pipeline) renderPass(ctx context.Context, pass report.Pass) {
	token := uuid.Must(uuid.NewV4()).String()
	p.res.Token = token

	mux := streamgen.New(p.o.deps.BaseRef, p.req.Format)

	renderErr := func() error {
		defer mux.CloseMain()

		return p.safeCall("render", func() error { return pass.RunRender(ctx, mux, p.req.Format, token) })
	}()

	mux.Close()

	if renderErr != nil {
		p.log.Error("report render failed", "format", string(p.req.Format), "error", renderErr)
		p.res.Errors.Add(report.KindRenderFailure, report.SeverityFatal, "Error: %v", renderErr)
	}

	p.res.Main = mux.MainBytes()
	p.res.Artifacts = mux.Auxiliary()

	if p.req.Format == report.FormatHTML {
		p.res.CSS = pass.CSS()
		p.res.JavaScript = pass.JavaScript()
	}

	p.collect(pass)
}

// collect appends the diagnostics raised during the pass, then resets both
// buffers so the shared definition starts clean for the next request.
func (p *pipeline) collect(pass report.Pass) {
	if p.def != nil && p.def.ErrorMaxSeverity() > report.SeverityNone {
		p.res.Errors.Merge(p.def.ErrorMaxSeverity(), p.def.ErrorItems())
		p.def.ErrorReset()
	}

	if pass != nil && pass.ErrorMaxSeverity() > report.SeverityNone {
		p.res.Errors.Merge(pass.ErrorMaxSeverity(), pass.ErrorItems())
		pass.ErrorReset()
	}
}

// persist stores every auxiliary stream under its name in the session.
func (p *pipeline) persist() {
	store := p.o.deps.Sessions
	if store == nil || p.req.SessionID == "" {
		if len(p.res.Artifacts) > 0 {
			p.log.Debug("auxiliary streams not persisted", "count", len(p.res.Artifacts))
		}

		return
	}

	for _, a := range p.res.Artifacts {
		err := store.Set(p.req.SessionID, a.Name, a.Data)
		if err != nil {
			p.log.Warn("failed to persist artifact", "name", a.Name, "error", err)
			p.res.Errors.Add(report.KindInternal, report.SeverityWarning, "Unable to save %s: %v", a.Name, err)
		}
	}
}

func (p *pipeline) parameterForm() {
	if p.req.Format != report.FormatHTML && !p.req.NoShow {
		return
	}

	form, err := ParameterHTML(p.def, p.req.Params)
	if err != nil {
		p.res.Errors.Add(report.KindInternal, report.SeverityWarning, "%v", err)

		return
	}

	p.res.ParameterHTML = form
}

func (p *pipeline) statistics() {
	var snap stats.Snapshot
	if p.o.deps.Stats != nil {
		snap = p.o.deps.Stats.Snapshot()
	}

	var entries []compilecache.Entry

	p.o.deps.Cache.ForEachEntry(func(e compilecache.Entry) bool {
		entries = append(entries, e)

		return true
	})

	page, err := StatisticsPage(snap, entries, p.o.deps.Now())
	if err != nil {
		p.res.Errors.Add(report.KindInternal, report.SeverityFatal, "%v", err)
		p.enter(StateError)

		return
	}

	p.res.Format = report.FormatHTML
	p.res.Main = []byte(page)
	p.enter(StateDone)
}

// fatalParseError carries the diagnostics of a definition that was
// discarded because its severity was fatal.
type fatalParseError struct {
	maxSeverity int
	items       []report.RenderError
}

func (e *fatalParseError) Error() string {
	if len(e.items) == 0 {
		return fmt.Sprintf("fatal parse error (severity %d)", e.maxSeverity)
	}

	return e.items[0].Message
}

// safeCall runs fn, converting a panic into an error naming stage.
func (p *pipeline) safeCall(stage string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("recovered panic in report pass", "stage", stage, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%s %w: %v", stage, errPanicked, r)
		}
	}()

	return fn()
}

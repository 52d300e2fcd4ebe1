package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Sumatoshi-tech/rdlserve/pkg/compilecache"
	"github.com/Sumatoshi-tech/rdlserve/pkg/config"
	"github.com/Sumatoshi-tech/rdlserve/pkg/observability"
	"github.com/Sumatoshi-tech/rdlserve/pkg/persist"
	"github.com/Sumatoshi-tech/rdlserve/pkg/rdl"
	"github.com/Sumatoshi-tech/rdlserve/pkg/render"
	"github.com/Sumatoshi-tech/rdlserve/pkg/report"
	"github.com/Sumatoshi-tech/rdlserve/pkg/sessionstore"
	"github.com/Sumatoshi-tech/rdlserve/pkg/source"
	"github.com/Sumatoshi-tech/rdlserve/pkg/stats"
	"github.com/Sumatoshi-tech/rdlserve/pkg/version"
)

// runtime is the fully wired render stack shared by all subcommands.
type runtime struct {
	cfg       *config.Config
	providers observability.Providers
	logger    *slog.Logger
	red       *observability.REDMetrics
	files     *source.FileProvider
	inline    *source.MemoryProvider
	cache     *compilecache.Cache
	sessions  *sessionstore.Store
	stats     *stats.Collector
	renderer  *render.Orchestrator
}

// runtimeOptions select the config file and per-command overrides.
type runtimeOptions struct {
	flags *globalFlags
	mode  observability.AppMode
	// root overrides reports.root when set.
	root string
	// baseRef overrides reports.base_ref when set.
	baseRef string
	// logJSON forces JSON logs, as stdio transports expect.
	logJSON bool
}

// newRuntime loads configuration, initializes telemetry and wires the cache,
// session store and orchestrator. Close must be called when done.
func newRuntime(opts runtimeOptions) (*runtime, error) {
	cfg, err := config.LoadConfig(opts.flags.configPath)
	if err != nil {
		return nil, err
	}

	if opts.root != "" {
		cfg.Reports.Root = opts.root
	}

	if opts.baseRef != "" {
		cfg.Reports.BaseRef = opts.baseRef
	}

	obsCfg := cfg.Observability(opts.mode, version.Version)
	if opts.flags.verbose {
		obsCfg.LogLevel = slog.LevelDebug
	}

	if opts.logJSON {
		obsCfg.LogJSON = true
	}

	providers, err := observability.Init(obsCfg)
	if err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}

	rt := &runtime{cfg: cfg, providers: providers, logger: providers.Logger}

	err = rt.wire()
	if err != nil {
		rt.Close(context.Background())

		return nil, err
	}

	return rt, nil
}

func (rt *runtime) wire() error {
	cfg := rt.cfg

	red, err := observability.NewREDMetrics(rt.providers.Meter)
	if err != nil {
		return fmt.Errorf("red metrics: %w", err)
	}

	renderMetrics, err := observability.NewRenderMetrics(rt.providers.Meter)
	if err != nil {
		return fmt.Errorf("render metrics: %w", err)
	}

	staleness, err := source.ParseStalenessMode(cfg.Cache.Staleness)
	if err != nil {
		return err
	}

	files, err := source.NewFileProvider(cfg.Reports.Root, staleness)
	if err != nil {
		return fmt.Errorf("report root: %w", err)
	}

	maxBytes, err := cfg.Cache.MaxSizeBytes()
	if err != nil {
		return err
	}

	compression, err := sessionstore.ParseCompression(cfg.Sessions.Compression)
	if err != nil {
		return err
	}

	inline := source.NewMemoryProvider(files.Root())
	sources := source.Chain{inline, files}
	collector := stats.New()

	cache := compilecache.New(
		compilecache.WithShards(cfg.Cache.Shards),
		compilecache.WithMaxEntries(cfg.Cache.MaxEntries),
		compilecache.WithMaxBytes(maxBytes),
		compilecache.WithSingleFlight(cfg.Cache.SingleFlight),
		compilecache.WithStamper(sources),
		compilecache.WithRecorder(collector),
		compilecache.WithLogger(rt.logger),
	)

	sessions := sessionstore.New(
		sessionstore.WithShards(cfg.Sessions.Shards),
		sessionstore.WithCompression(compression),
		sessionstore.WithLogger(rt.logger),
		sessionstore.WithTracer(rt.providers.Tracer),
	)

	collector.BindCache(cache)
	collector.BindSessions(sessions)

	err = observability.RegisterCacheMetrics(rt.providers.Meter, collector)
	if err != nil {
		return fmt.Errorf("cache metrics: %w", err)
	}

	renderer, err := render.New(render.Deps{
		Cache:    cache,
		Sources:  sources,
		Parser:   rdl.NewParser(rt.logger),
		Sessions: sessions,
		Stats:    collector,
		BaseRef:  cfg.Reports.BaseRef,
		Logger:   rt.logger,
		Tracer:   rt.providers.Tracer,
		RED:      red,
		Metrics:  renderMetrics,
	})
	if err != nil {
		return err
	}

	rt.red = red
	rt.files = files
	rt.inline = inline
	rt.cache = cache
	rt.sessions = sessions
	rt.stats = collector
	rt.renderer = renderer

	return nil
}

// defaultFormat returns the configured default output format.
func (rt *runtime) defaultFormat() report.Format {
	format, err := report.ParseFormat(rt.cfg.Reports.DefaultFormat)
	if err != nil {
		return report.FormatHTML
	}

	return format
}

// snapshotCodec returns the codec for session snapshots.
func (rt *runtime) snapshotCodec() (persist.Codec, error) {
	if strings.EqualFold(rt.cfg.Sessions.SnapshotCodec, config.CodecJSON) {
		return persist.NewJSONCodec(), nil
	}

	return persist.NewCBORCodec()
}

// Close flushes telemetry.
func (rt *runtime) Close(ctx context.Context) {
	shutdownErr := rt.providers.Shutdown(ctx)
	if shutdownErr != nil {
		rt.logger.Warn("observability shutdown failed", "error", shutdownErr)
	}
}

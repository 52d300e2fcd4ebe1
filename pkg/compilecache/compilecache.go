// Package compilecache maps report source identities to compiled
// definitions. Storage is sharded so unrelated keys never contend, every
// lookup is reported to a hit/miss recorder, entries whose source changed
// since compilation are dropped on access, and concurrent misses for one key
// share a single compile.
package compilecache

import (
	"context"
	"errors"
	"fmt"
	"hash/maphash"
	"log/slog"
	"sync"
	"time"

	"github.com/Sumatoshi-tech/rdlserve/pkg/alg/lru"
	"github.com/Sumatoshi-tech/rdlserve/pkg/report"
)

const (
	// DefaultShards is the number of independent LRU shards.
	DefaultShards = 16

	// DefaultMaxEntries bounds the number of cached definitions.
	DefaultMaxEntries = 1024
)

// ErrCompilePanicked is reported to followers when the leading compile panicked.
var ErrCompilePanicked = errors.New("compile panicked")

// ErrNilDefinition is returned when a compile function reports success
// without producing a definition.
var ErrNilDefinition = errors.New("compile returned nil definition")

// Stamper reports the current stamp of a source.
type Stamper interface {
	Stamp(ctx context.Context, key report.SourceKey) (report.Stamp, error)
}

// Recorder receives exactly one outcome per lookup.
type Recorder interface {
	RecordHit()
	RecordMiss()
}

// Sizer is implemented by definitions that know their approximate memory cost.
type Sizer interface {
	Size() int64
}

// Entry is a cached compiled definition.
type Entry struct {
	Key        report.SourceKey
	Definition report.Definition
	Stamp      report.Stamp
	CompiledAt time.Time
	Size       int64
}

// Compiled is the product of a CompileFunc.
type Compiled struct {
	Definition report.Definition
	Stamp      report.Stamp
}

// CompileFunc builds the definition for a missing key. Returning an error
// leaves the cache untouched.
type CompileFunc func(ctx context.Context) (Compiled, error)

// Outcome describes how GetOrCompile satisfied a request.
type Outcome int

// Lookup outcomes.
const (
	// OutcomeHit means a fresh cached entry was returned.
	OutcomeHit Outcome = iota
	// OutcomeCompiled means this caller ran the compile.
	OutcomeCompiled
	// OutcomeShared means this caller waited for a concurrent compile of the same key.
	OutcomeShared
	// OutcomeFailed means the compile returned an error.
	OutcomeFailed
)

// String returns a short lowercase label.
func (o Outcome) String() string {
	switch o {
	case OutcomeHit:
		return "hit"
	case OutcomeCompiled:
		return "compiled"
	case OutcomeShared:
		return "shared"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// flight tracks one in-progress compile.
type flight struct {
	done chan struct{}
	def  report.Definition
	err  error
}

type shard struct {
	entries *lru.Cache[report.SourceKey, *Entry]

	flightMu sync.Mutex
	flights  map[report.SourceKey]*flight
}

// Cache is a sharded compile cache. Safe for concurrent use.
type Cache struct {
	shards       []*shard
	seed         maphash.Seed
	singleFlight bool
	stamper      Stamper
	recorder     Recorder
	logger       *slog.Logger
	now          func() time.Time
}

type settings struct {
	shards       int
	maxEntries   int
	maxBytes     int64
	singleFlight bool
	stamper      Stamper
	recorder     Recorder
	logger       *slog.Logger
	now          func() time.Time
}

// Option configures a Cache.
type Option func(*settings)

// WithShards sets the number of shards.
func WithShards(n int) Option {
	return func(s *settings) { s.shards = n }
}

// WithMaxEntries bounds the total number of entries.
func WithMaxEntries(n int) Option {
	return func(s *settings) { s.maxEntries = n }
}

// WithMaxBytes bounds the total definition size. Definitions that do not
// implement Sizer count as one byte.
func WithMaxBytes(n int64) Option {
	return func(s *settings) { s.maxBytes = n }
}

// WithSingleFlight toggles per-key compile deduplication (on by default).
// When off, concurrent misses for one key may compile twice; the last Put wins.
func WithSingleFlight(enabled bool) Option {
	return func(s *settings) { s.singleFlight = enabled }
}

// WithStamper enables staleness checks on every lookup.
func WithStamper(st Stamper) Option {
	return func(s *settings) { s.stamper = st }
}

// WithRecorder sets the hit/miss recorder.
func WithRecorder(r Recorder) Option {
	return func(s *settings) { s.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithClock overrides time.Now for CompiledAt.
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

// nopRecorder discards outcomes.
type nopRecorder struct{}

func (nopRecorder) RecordHit()  {}
func (nopRecorder) RecordMiss() {}

// New creates a cache.
func New(opts ...Option) *Cache {
	cfg := settings{
		shards:       DefaultShards,
		maxEntries:   DefaultMaxEntries,
		singleFlight: true,
		recorder:     nopRecorder{},
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	cfg.shards = max(cfg.shards, 1)

	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	c := &Cache{
		shards:       make([]*shard, cfg.shards),
		seed:         maphash.MakeSeed(),
		singleFlight: cfg.singleFlight,
		stamper:      cfg.stamper,
		recorder:     cfg.recorder,
		logger:       cfg.logger,
		now:          cfg.now,
	}

	for i := range c.shards {
		c.shards[i] = &shard{
			entries: lru.New(c.shardOptions(cfg)...),
			flights: make(map[report.SourceKey]*flight),
		}
	}

	return c
}

// shardOptions splits the global limits evenly across shards, rounding up.
func (c *Cache) shardOptions(cfg settings) []lru.Option[report.SourceKey, *Entry] {
	n := len(c.shards)

	var opts []lru.Option[report.SourceKey, *Entry]

	if cfg.maxEntries > 0 {
		opts = append(opts, lru.WithMaxEntries[report.SourceKey, *Entry]((cfg.maxEntries+n-1)/n))
	}

	if cfg.maxBytes > 0 {
		perShard := (cfg.maxBytes + int64(n) - 1) / int64(n)
		opts = append(opts, lru.WithMaxBytes[report.SourceKey](perShard, func(e *Entry) int64 { return e.Size }))
	}

	if len(opts) == 0 {
		opts = append(opts, lru.WithMaxEntries[report.SourceKey, *Entry](DefaultMaxEntries))
	}

	logger := c.logger

	return append(opts, lru.WithOnEvict(func(key report.SourceKey, _ *Entry) {
		logger.Debug("compile cache eviction", "key", key.String())
	}))
}

func (c *Cache) shardFor(key report.SourceKey) *shard {
	var h maphash.Hash

	h.SetSeed(c.seed)
	_, _ = h.WriteString(key.Path)
	_ = h.WriteByte(0)
	_, _ = h.WriteString(key.Revision)

	return c.shards[h.Sum64()%uint64(len(c.shards))]
}

// Package sessionstore keeps render artifacts per user session so they can
// be fetched by name after the main document has been delivered.
package sessionstore

import (
	"context"
	"hash/maphash"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/Sumatoshi-tech/rdlserve/pkg/observability"
)

// DefaultShards is the number of independent session shards.
const DefaultShards = 16

type session struct {
	mu         sync.RWMutex
	artifacts  map[string]blob
	lastAccess atomic.Int64 // Unix nanoseconds.
}

func (s *session) touch(now time.Time) {
	s.lastAccess.Store(now.UnixNano())
}

type storeShard struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

// Store is a process-wide artifact store keyed by (session id, name).
// Sessions never observe each other's artifacts. Safe for concurrent use.
type Store struct {
	shards      []*storeShard
	seed        maphash.Seed
	compression Compression
	logger      *slog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

type storeSettings struct {
	shards      int
	compression Compression
	logger      *slog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// Option configures a Store.
type Option func(*storeSettings)

// WithShards sets the number of shards.
func WithShards(n int) Option {
	return func(s *storeSettings) { s.shards = n }
}

// WithCompression sets how artifacts are held in memory.
func WithCompression(c Compression) Option {
	return func(s *storeSettings) { s.compression = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *storeSettings) { s.logger = l }
}

// WithTracer sets the tracer for sweep spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *storeSettings) { s.tracer = t }
}

// WithClock overrides time.Now for idle tracking.
func WithClock(now func() time.Time) Option {
	return func(s *storeSettings) { s.now = now }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	cfg := storeSettings{
		shards: DefaultShards,
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	if cfg.tracer == nil {
		cfg.tracer = noop.NewTracerProvider().Tracer("")
	}

	st := &Store{
		shards:      make([]*storeShard, max(cfg.shards, 1)),
		seed:        maphash.MakeSeed(),
		compression: cfg.compression,
		logger:      cfg.logger,
		tracer:      cfg.tracer,
		now:         cfg.now,
	}

	for i := range st.shards {
		st.shards[i] = &storeShard{sessions: make(map[string]*session)}
	}

	return st
}

func (st *Store) shardFor(sessionID string) *storeShard {
	return st.shards[maphash.String(st.seed, sessionID)%uint64(len(st.shards))]
}

// lookup returns the session without creating it.
func (st *Store) lookup(sessionID string) (*session, bool) {
	sh := st.shardFor(sessionID)

	sh.mu.RLock()
	defer sh.mu.RUnlock()

	sess, ok := sh.sessions[sessionID]

	return sess, ok
}

// update runs fn on the session, creating it when missing. The shard lock
// is held while fn runs, so Sweep and Expire cannot drop the session midway.
func (st *Store) update(sessionID string, fn func(*session) error) error {
	sh := st.shardFor(sessionID)

	sh.mu.RLock()

	if sess, ok := sh.sessions[sessionID]; ok {
		defer sh.mu.RUnlock()

		return fn(sess)
	}

	sh.mu.RUnlock()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	sess, ok := sh.sessions[sessionID]
	if !ok {
		sess = &session{artifacts: make(map[string]blob)}
		sess.touch(st.now())
		sh.sessions[sessionID] = sess
	}

	return fn(sess)
}

// Set stores data under name for sessionID, replacing any previous value.
// The bytes are copied.
func (st *Store) Set(sessionID, name string, data []byte) error {
	encoded, err := encode(data, st.compression)
	if err != nil {
		return err
	}

	return st.update(sessionID, func(sess *session) error {
		sess.mu.Lock()
		sess.artifacts[name] = encoded
		sess.mu.Unlock()

		sess.touch(st.now())

		return nil
	})
}

// Get returns a copy of the artifact stored under name for sessionID.
func (st *Store) Get(sessionID, name string) ([]byte, bool) {
	sess, ok := st.lookup(sessionID)
	if !ok {
		return nil, false
	}

	sess.mu.RLock()
	encoded, ok := sess.artifacts[name]
	sess.mu.RUnlock()

	if !ok {
		return nil, false
	}

	sess.touch(st.now())

	data, err := encoded.decode()
	if err != nil {
		st.logger.Error("session artifact corrupt", "name", name, "error", err)

		return nil, false
	}

	return data, true
}

// Touch marks sessionID as active. It reports whether the session exists.
func (st *Store) Touch(sessionID string) bool {
	sess, ok := st.lookup(sessionID)
	if ok {
		sess.touch(st.now())
	}

	return ok
}

// Names returns the artifact names of sessionID in lexical order.
func (st *Store) Names(sessionID string) []string {
	sess, ok := st.lookup(sessionID)
	if !ok {
		return nil
	}

	sess.mu.RLock()
	names := make([]string, 0, len(sess.artifacts))

	for name := range sess.artifacts {
		names = append(names, name)
	}
	sess.mu.RUnlock()

	slices.Sort(names)

	return names
}

// Expire drops every artifact of sessionID. It reports whether the session existed.
func (st *Store) Expire(sessionID string) bool {
	sh := st.shardFor(sessionID)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	_, ok := sh.sessions[sessionID]
	delete(sh.sessions, sessionID)

	return ok
}

// Sweep expires sessions idle for longer than idle and returns how many were dropped.
func (st *Store) Sweep(idle time.Duration) int {
	cutoff := st.now().Add(-idle).UnixNano()
	expired := 0

	for _, sh := range st.shards {
		sh.mu.Lock()

		for id, sess := range sh.sessions {
			if sess.lastAccess.Load() < cutoff {
				delete(sh.sessions, id)

				expired++
			}
		}

		sh.mu.Unlock()
	}

	return expired
}

// RunSweeper calls Sweep every interval until ctx is done.
func (st *Store) RunSweeper(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st.sweepOnce(ctx, idle)
		}
	}
}

func (st *Store) sweepOnce(ctx context.Context, idle time.Duration) {
	_, span := st.tracer.Start(ctx, observability.SpanSessionSweep)
	defer span.End()

	n := st.Sweep(idle)
	remaining := st.Len()

	span.SetAttributes(attribute.Int("session.expired", n), attribute.Int("session.remaining", remaining))

	if n > 0 {
		st.logger.InfoContext(ctx, "expired idle sessions", "count", n, "remaining", remaining)
	}
}

// Len returns the number of active sessions.
func (st *Store) Len() int {
	total := 0

	for _, sh := range st.shards {
		sh.mu.RLock()
		total += len(sh.sessions)
		sh.mu.RUnlock()
	}

	return total
}

// Usage reports the stored and original byte totals across all sessions.
func (st *Store) Usage() (stored, original int64) {
	for _, sh := range st.shards {
		sh.mu.RLock()

		for _, sess := range sh.sessions {
			sess.mu.RLock()

			for _, b := range sess.artifacts {
				stored += int64(len(b.data))
				original += int64(b.size)
			}

			sess.mu.RUnlock()
		}

		sh.mu.RUnlock()
	}

	return stored, original
}

package compilecache

import (
	"context"
	"fmt"

	"github.com/Sumatoshi-tech/rdlserve/pkg/alg/lru"
	"github.com/Sumatoshi-tech/rdlserve/pkg/report"
)

// Get returns the fresh definition for key and records one hit or miss.
func (c *Cache) Get(ctx context.Context, key report.SourceKey) (report.Definition, bool) {
	entry, ok := c.lookup(ctx, key)
	if !ok {
		c.recorder.RecordMiss()

		return nil, false
	}

	c.recorder.RecordHit()

	return entry.Definition, true
}

// Put stores a compiled definition together with the stamp of the source it
// was compiled from. A nil definition is ignored.
func (c *Cache) Put(key report.SourceKey, def report.Definition, stamp report.Stamp) {
	if def == nil {
		return
	}

	entry := &Entry{
		Key:        key,
		Definition: def,
		Stamp:      stamp,
		CompiledAt: c.now(),
		Size:       definitionSize(def),
	}

	if !c.shardFor(key).entries.Put(key, entry) {
		c.logger.Warn("definition exceeds compile cache budget", "key", key.String(), "size", entry.Size)
	}
}

// GetOrCompile returns the definition for key, running compile on a miss.
// Exactly one hit or miss is recorded per call. With single-flight enabled,
// callers that arrive while a compile of the same key is running wait for it
// and count as hits when it succeeds; if it fails they compile themselves.
func (c *Cache) GetOrCompile(ctx context.Context, key report.SourceKey, compile CompileFunc) (report.Definition, Outcome, error) {
	if entry, ok := c.lookup(ctx, key); ok {
		c.recorder.RecordHit()

		return entry.Definition, OutcomeHit, nil
	}

	if !c.singleFlight {
		c.recorder.RecordMiss()

		return c.compileAndStore(ctx, key, compile)
	}

	sh := c.shardFor(key)

	sh.flightMu.Lock()

	if inflight, ok := sh.flights[key]; ok {
		sh.flightMu.Unlock()

		return c.follow(ctx, key, inflight, compile)
	}

	// A leader may have finished between the first lookup and taking the lock.
	if entry, ok := c.lookup(ctx, key); ok {
		sh.flightMu.Unlock()
		c.recorder.RecordHit()

		return entry.Definition, OutcomeHit, nil
	}

	lead := &flight{done: make(chan struct{}), err: ErrCompilePanicked}
	sh.flights[key] = lead
	sh.flightMu.Unlock()

	c.recorder.RecordMiss()

	defer func() {
		sh.flightMu.Lock()
		delete(sh.flights, key)
		sh.flightMu.Unlock()
		close(lead.done)
	}()

	def, outcome, err := c.compileAndStore(ctx, key, compile)
	lead.def, lead.err = def, err

	return def, outcome, err
}

// follow waits for a concurrent compile of key.
func (c *Cache) follow(ctx context.Context, key report.SourceKey, inflight *flight, compile CompileFunc) (report.Definition, Outcome, error) {
	select {
	case <-inflight.done:
	case <-ctx.Done():
		c.recorder.RecordMiss()

		return nil, OutcomeFailed, fmt.Errorf("wait for compile of %s: %w", key, ctx.Err())
	}

	if inflight.err == nil {
		c.recorder.RecordHit()

		return inflight.def, OutcomeShared, nil
	}

	c.logger.Debug("shared compile failed, compiling independently", "key", key.String(), "error", inflight.err)
	c.recorder.RecordMiss()

	return c.compileAndStore(ctx, key, compile)
}

func (c *Cache) compileAndStore(ctx context.Context, key report.SourceKey, compile CompileFunc) (report.Definition, Outcome, error) {
	compiled, err := compile(ctx)
	if err != nil {
		return nil, OutcomeFailed, err
	}

	if compiled.Definition == nil {
		return nil, OutcomeFailed, fmt.Errorf("compile %s: %w", key, ErrNilDefinition)
	}

	c.Put(key, compiled.Definition, compiled.Stamp)
	c.logger.Info("compiled report definition", "key", key.String())

	return compiled.Definition, OutcomeCompiled, nil
}

// lookup returns a fresh entry without recording the outcome. A stale entry
// is removed.
func (c *Cache) lookup(ctx context.Context, key report.SourceKey) (*Entry, bool) {
	sh := c.shardFor(key)

	entry, ok := sh.entries.Get(key)
	if !ok {
		return nil, false
	}

	if c.stamper == nil {
		return entry, true
	}

	current, err := c.stamper.Stamp(ctx, key)
	if err == nil && current.Equal(entry.Stamp) {
		return entry, true
	}

	sh.entries.RemoveIf(key, func(e *Entry) bool { return e == entry })

	if err != nil {
		c.logger.Debug("compile cache entry invalidated", "key", key.String(), "error", err)
	} else {
		c.logger.Debug("compile cache entry invalidated", "key", key.String(), "reason", "source changed")
	}

	return nil, false
}

// Remove drops key and reports whether it was cached.
func (c *Cache) Remove(key report.SourceKey) bool {
	return c.shardFor(key).entries.Remove(key)
}

// Len returns the number of cached definitions.
func (c *Cache) Len() int {
	total := 0
	for _, sh := range c.shards {
		total += sh.entries.Len()
	}

	return total
}

// ForEachEntry calls fn with a copy of every entry until fn returns false.
// Order is most recently used first within each shard.
func (c *Cache) ForEachEntry(fn func(Entry) bool) {
	for _, sh := range c.shards {
		var entries []Entry

		sh.entries.Range(func(_ report.SourceKey, e *Entry) bool {
			entries = append(entries, *e)

			return true
		})

		for _, e := range entries {
			if !fn(e) {
				return
			}
		}
	}
}

// Stats aggregates shard occupancy.
func (c *Cache) Stats() lru.Stats {
	var total lru.Stats

	for _, sh := range c.shards {
		s := sh.entries.Stats()
		total.Entries += s.Entries
		total.CurrentSize += s.CurrentSize
		total.Evictions += s.Evictions
		total.MaxEntries += s.MaxEntries
		total.MaxSize += s.MaxSize
	}

	return total
}

// Purge drops every entry.
func (c *Cache) Purge() {
	for _, sh := range c.shards {
		sh.entries.Clear()
	}
}

func definitionSize(def report.Definition) int64 {
	if sized, ok := def.(Sizer); ok {
		return max(sized.Size(), 1)
	}

	return 1
}

package compilecache_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/rdlserve/pkg/compilecache"
	"github.com/Sumatoshi-tech/rdlserve/pkg/report"
	"github.com/Sumatoshi-tech/rdlserve/pkg/stats"
)

const (
	// testLookups is the number of repeated lookups in idempotence tests.
	testLookups = 10

	// testFollowers is the number of concurrent callers joining a compile.
	testFollowers = 8

	// testDefSize is the reported size of sized test definitions.
	testDefSize = 40
)

var errBoom = errors.New("boom")

type fakeDef struct {
	name string
	size int64
}

func (d *fakeDef) Name() string                           { return d.name }
func (d *fakeDef) Parameters() []report.ParameterDef      { return nil }
func (d *fakeDef) ErrorMaxSeverity() int                  { return 0 }
func (d *fakeDef) ErrorItems() []report.RenderError       { return nil }
func (d *fakeDef) ErrorReset()                            {}
func (d *fakeDef) NewPass(report.PasswordFunc) report.Pass { return nil }
func (d *fakeDef) Size() int64                            { return d.size }

type fakeStamper struct {
	mu     sync.Mutex
	stamps map[report.SourceKey]report.Stamp
}

func (s *fakeStamper) set(key report.SourceKey, modTime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stamps[key] = report.Stamp{ModTime: modTime, Size: 1}
}

func (s *fakeStamper) Stamp(_ context.Context, key report.SourceKey) (report.Stamp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stamp, ok := s.stamps[key]
	if !ok {
		return report.Stamp{}, report.ErrSourceNotFound
	}

	return stamp, nil
}

func newStamper() *fakeStamper {
	return &fakeStamper{stamps: make(map[report.SourceKey]report.Stamp)}
}

// countingCompile returns a compile func producing a fresh definition per call.
func countingCompile(calls *atomic.Int64, stamper *fakeStamper, key report.SourceKey) compilecache.CompileFunc {
	return func(ctx context.Context) (compilecache.Compiled, error) {
		calls.Add(1)

		compiled := compilecache.Compiled{Definition: &fakeDef{name: key.Path}}

		if stamper != nil {
			stamp, err := stamper.Stamp(ctx, key)
			if err != nil {
				return compilecache.Compiled{}, err
			}

			compiled.Stamp = stamp
		}

		return compiled, nil
	}
}

func TestGetOrCompile_Idempotence(t *testing.T) {
	t.Parallel()

	collector := stats.New()
	cache := compilecache.New(compilecache.WithRecorder(collector))
	key := report.SourceKey{Path: "sales.rdl"}

	var calls atomic.Int64

	compile := countingCompile(&calls, nil, key)

	first, outcome, err := cache.GetOrCompile(context.Background(), key, compile)
	require.NoError(t, err)
	assert.Equal(t, compilecache.OutcomeCompiled, outcome)

	for range testLookups {
		def, outcome, err := cache.GetOrCompile(context.Background(), key, compile)
		require.NoError(t, err)
		assert.Equal(t, compilecache.OutcomeHit, outcome)
		assert.Same(t, first, def)
	}

	assert.Equal(t, int64(1), calls.Load())

	snap := collector.Snapshot()
	assert.Equal(t, int64(testLookups), snap.Hits)
	assert.Equal(t, int64(1), snap.Misses)
	assert.Equal(t, 1, cache.Len())
}

func TestGet_RecordsExactlyOneOutcome(t *testing.T) {
	t.Parallel()

	collector := stats.New()
	cache := compilecache.New(compilecache.WithRecorder(collector))
	key := report.SourceKey{Path: "a.rdl"}

	_, ok := cache.Get(context.Background(), key)
	assert.False(t, ok)

	def := &fakeDef{name: "a"}
	cache.Put(key, def, report.Stamp{})

	got, ok := cache.Get(context.Background(), key)
	require.True(t, ok)
	assert.Same(t, def, got)

	assert.Equal(t, int64(1), collector.Hits())
	assert.Equal(t, int64(1), collector.Misses())
}

func TestGetOrCompile_StalenessInvalidation(t *testing.T) {
	t.Parallel()

	collector := stats.New()
	stamper := newStamper()
	cache := compilecache.New(compilecache.WithRecorder(collector), compilecache.WithStamper(stamper))
	key := report.SourceKey{Path: "sales.rdl"}
	base := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

	stamper.set(key, base)

	var calls atomic.Int64

	compile := countingCompile(&calls, stamper, key)

	first, _, err := cache.GetOrCompile(context.Background(), key, compile)
	require.NoError(t, err)

	_, outcome, err := cache.GetOrCompile(context.Background(), key, compile)
	require.NoError(t, err)
	assert.Equal(t, compilecache.OutcomeHit, outcome)

	stamper.set(key, base.Add(time.Minute))

	second, outcome, err := cache.GetOrCompile(context.Background(), key, compile)
	require.NoError(t, err)
	assert.Equal(t, compilecache.OutcomeCompiled, outcome)
	assert.NotSame(t, first, second)
	assert.Equal(t, int64(2), calls.Load())
	assert.Equal(t, int64(2), collector.Misses())
	assert.Equal(t, 1, cache.Len())
}

func TestGet_StaleWhenSourceVanishes(t *testing.T) {
	t.Parallel()

	stamper := newStamper()
	cache := compilecache.New(compilecache.WithStamper(stamper))
	key := report.SourceKey{Path: "gone.rdl"}

	cache.Put(key, &fakeDef{name: "gone"}, report.Stamp{})

	_, ok := cache.Get(context.Background(), key)
	assert.False(t, ok)
	assert.Zero(t, cache.Len(), "stale entry is removed")
}

func TestGetOrCompile_SingleFlight(t *testing.T) {
	t.Parallel()

	collector := stats.New()
	cache := compilecache.New(compilecache.WithRecorder(collector))
	key := report.SourceKey{Path: "slow.rdl"}

	started := make(chan struct{})
	release := make(chan struct{})

	var calls atomic.Int64

	slow := func(context.Context) (compilecache.Compiled, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}

		return compilecache.Compiled{Definition: &fakeDef{name: "slow"}}, nil
	}

	var wg sync.WaitGroup

	results := make([]report.Definition, testFollowers+1)

	wg.Add(1)

	go func() {
		defer wg.Done()

		def, _, err := cache.GetOrCompile(context.Background(), key, slow)
		assert.NoError(t, err)

		results[0] = def
	}()

	<-started

	for i := 1; i <= testFollowers; i++ {
		wg.Add(1)

		go func(idx int) {
			defer wg.Done()

			def, outcome, err := cache.GetOrCompile(context.Background(), key, slow)
			assert.NoError(t, err)
			assert.Contains(t, []compilecache.Outcome{compilecache.OutcomeShared, compilecache.OutcomeHit}, outcome)

			results[idx] = def
		}(i)
	}

	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load())

	for _, def := range results {
		assert.Same(t, results[0], def)
	}

	assert.Equal(t, int64(1), collector.Misses())
	assert.Equal(t, int64(testFollowers), collector.Hits())
	assert.Equal(t, 1, cache.Len())
}

func TestGetOrCompile_DuplicateCompileWithoutSingleFlight(t *testing.T) {
	t.Parallel()

	collector := stats.New()
	cache := compilecache.New(compilecache.WithRecorder(collector), compilecache.WithSingleFlight(false))
	key := report.SourceKey{Path: "dup.rdl"}

	var (
		barrier sync.WaitGroup
		calls   atomic.Int64
		wg      sync.WaitGroup
	)

	barrier.Add(2)

	compile := func(context.Context) (compilecache.Compiled, error) {
		calls.Add(1)
		barrier.Done()
		barrier.Wait()

		return compilecache.Compiled{Definition: &fakeDef{name: "dup"}}, nil
	}

	for range 2 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, outcome, err := cache.GetOrCompile(context.Background(), key, compile)
			assert.NoError(t, err)
			assert.Equal(t, compilecache.OutcomeCompiled, outcome)
		}()
	}

	wg.Wait()

	assert.Equal(t, int64(2), calls.Load())
	assert.Equal(t, int64(2), collector.Misses())
	assert.Equal(t, 1, cache.Len())
}

func TestGetOrCompile_FailureIsNotCached(t *testing.T) {
	t.Parallel()

	cache := compilecache.New()
	key := report.SourceKey{Path: "bad.rdl"}

	failing := func(context.Context) (compilecache.Compiled, error) {
		return compilecache.Compiled{}, errBoom
	}

	def, outcome, err := cache.GetOrCompile(context.Background(), key, failing)
	require.ErrorIs(t, err, errBoom)
	assert.Nil(t, def)
	assert.Equal(t, compilecache.OutcomeFailed, outcome)
	assert.Zero(t, cache.Len())

	nilDef := func(context.Context) (compilecache.Compiled, error) {
		return compilecache.Compiled{}, nil
	}

	_, _, err = cache.GetOrCompile(context.Background(), key, nilDef)
	require.ErrorIs(t, err, compilecache.ErrNilDefinition)
}

func TestGetOrCompile_FollowerRecompilesAfterLeaderFailure(t *testing.T) {
	t.Parallel()

	cache := compilecache.New()
	key := report.SourceKey{Path: "flaky.rdl"}

	started := make(chan struct{})
	release := make(chan struct{})

	leader := func(context.Context) (compilecache.Compiled, error) {
		close(started)
		<-release

		return compilecache.Compiled{}, errBoom
	}

	done := make(chan error, 1)

	go func() {
		_, _, err := cache.GetOrCompile(context.Background(), key, leader)
		done <- err
	}()

	<-started

	followerResult := make(chan compilecache.Outcome, 1)

	go func() {
		_, outcome, err := cache.GetOrCompile(context.Background(), key, func(context.Context) (compilecache.Compiled, error) {
			return compilecache.Compiled{Definition: &fakeDef{name: "ok"}}, nil
		})
		assert.NoError(t, err)

		followerResult <- outcome
	}()

	close(release)

	require.ErrorIs(t, <-done, errBoom)
	assert.Equal(t, compilecache.OutcomeCompiled, <-followerResult)
	assert.Equal(t, 1, cache.Len())
}

func TestGetOrCompile_FollowerHonoursContext(t *testing.T) {
	t.Parallel()

	cache := compilecache.New()
	key := report.SourceKey{Path: "wait.rdl"}

	started := make(chan struct{})
	release := make(chan struct{})

	leaderDone := make(chan struct{})

	go func() {
		defer close(leaderDone)

		_, _, _ = cache.GetOrCompile(context.Background(), key, func(context.Context) (compilecache.Compiled, error) {
			close(started)
			<-release

			return compilecache.Compiled{Definition: &fakeDef{name: "wait"}}, nil
		})
	}()

	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, outcome, err := cache.GetOrCompile(ctx, key, func(context.Context) (compilecache.Compiled, error) {
		t.Error("follower must not compile")

		return compilecache.Compiled{}, nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, compilecache.OutcomeFailed, outcome)

	close(release)
	<-leaderDone
}

func TestCache_EvictionAndDiagnostics(t *testing.T) {
	t.Parallel()

	cache := compilecache.New(compilecache.WithShards(1), compilecache.WithMaxEntries(2))

	for _, name := range []string{"a", "b", "c"} {
		cache.Put(report.SourceKey{Path: name}, &fakeDef{name: name}, report.Stamp{})
	}

	assert.Equal(t, 2, cache.Len())
	assert.Equal(t, int64(1), cache.Stats().Evictions)

	var names []string

	cache.ForEachEntry(func(e compilecache.Entry) bool {
		names = append(names, e.Key.Path)

		return true
	})

	assert.Equal(t, []string{"c", "b"}, names)

	assert.True(t, cache.Remove(report.SourceKey{Path: "b"}))

	cache.Purge()
	assert.Zero(t, cache.Len())
}

func TestCache_ByteBudget(t *testing.T) {
	t.Parallel()

	cache := compilecache.New(compilecache.WithShards(1), compilecache.WithMaxBytes(100))

	cache.Put(report.SourceKey{Path: "a"}, &fakeDef{name: "a", size: testDefSize}, report.Stamp{})
	cache.Put(report.SourceKey{Path: "b"}, &fakeDef{name: "b", size: testDefSize}, report.Stamp{})
	cache.Put(report.SourceKey{Path: "c"}, &fakeDef{name: "c", size: testDefSize}, report.Stamp{})

	assert.Equal(t, 2, cache.Len())
	assert.Equal(t, int64(2*testDefSize), cache.Stats().CurrentSize)

	cache.Put(report.SourceKey{Path: "huge"}, &fakeDef{name: "huge", size: 1000}, report.Stamp{})
	assert.Equal(t, 2, cache.Len(), "oversized definition is not cached")
}

func TestCache_PutRecordsCompiledAt(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)
	cache := compilecache.New(compilecache.WithClock(func() time.Time { return fixed }))

	cache.Put(report.SourceKey{Path: "a"}, &fakeDef{name: "a"}, report.Stamp{})
	cache.Put(report.SourceKey{Path: "nil"}, nil, report.Stamp{})

	var entries []compilecache.Entry

	cache.ForEachEntry(func(e compilecache.Entry) bool {
		entries = append(entries, e)

		return true
	})

	require.Len(t, entries, 1)
	assert.Equal(t, fixed, entries[0].CompiledAt)
}

func TestOutcome_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "hit", compilecache.OutcomeHit.String())
	assert.Equal(t, "shared", compilecache.OutcomeShared.String())
	assert.Equal(t, "outcome(42)", compilecache.Outcome(42).String())
}

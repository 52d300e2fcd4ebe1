package stats_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Sumatoshi-tech/rdlserve/pkg/stats"
)

const (
	// testGoroutines is the number of concurrent recorders.
	testGoroutines = 32

	// testOpsPerGoroutine is the number of records per goroutine.
	testOpsPerGoroutine = 1000
)

type fixedCounter int

func (f fixedCounter) Len() int { return int(f) }

func TestCollector_ConcurrentIncrementsAreNotLost(t *testing.T) {
	t.Parallel()

	collector := stats.New()

	var wg sync.WaitGroup

	for range testGoroutines {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for range testOpsPerGoroutine {
				collector.RecordHit()
				collector.RecordMiss()
			}
		}()
	}

	wg.Wait()

	snap := collector.Snapshot()
	assert.Equal(t, int64(testGoroutines*testOpsPerGoroutine), snap.Hits)
	assert.Equal(t, int64(testGoroutines*testOpsPerGoroutine), snap.Misses)
	assert.InDelta(t, 0.5, snap.HitRate(), 0.001)
}

func TestCollector_DelegatedReads(t *testing.T) {
	t.Parallel()

	collector := stats.New()

	assert.Zero(t, collector.Sessions())
	assert.Zero(t, collector.CacheEntries())

	collector.BindCache(fixedCounter(3))
	collector.BindSessions(fixedCounter(7))

	snap := collector.Snapshot()
	assert.Equal(t, 3, snap.CacheEntries)
	assert.Equal(t, 7, snap.Sessions)
}

func TestSnapshot_HitRateEmpty(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 0.0, stats.Snapshot{}.HitRate(), 0.001)
	assert.Equal(t, int64(5), stats.Snapshot{Hits: 2, Misses: 3}.Lookups())
}

package lru_test

import (
	"testing"

	"github.com/Sumatoshi-tech/rdlserve/pkg/alg/lru"
)

const (
	// benchMaxEntries is the cache capacity for benchmarks.
	benchMaxEntries = 10_000

	// benchPreloadCount is the number of items to preload.
	benchPreloadCount = 10_000
)

// preload inserts benchPreloadCount items into the cache.
func preload(b *testing.B, cache *lru.Cache[int, string]) {
	b.Helper()

	for i := range benchPreloadCount {
		cache.Put(i, "val")
	}
}

// BenchmarkGet_HitHeavy benchmarks Get with 100% hit ratio.
func BenchmarkGet_HitHeavy(b *testing.B) {
	cache := lru.New(lru.WithMaxEntries[int, string](benchMaxEntries))
	preload(b, cache)

	b.ResetTimer()

	for i := range b.N {
		cache.Get(i % benchPreloadCount)
	}
}

// BenchmarkPut_Evicting benchmarks Put on a full cache.
func BenchmarkPut_Evicting(b *testing.B) {
	cache := lru.New(lru.WithMaxEntries[int, string](benchMaxEntries))
	preload(b, cache)

	b.ResetTimer()

	for i := range b.N {
		cache.Put(benchPreloadCount+i, "val")
	}
}

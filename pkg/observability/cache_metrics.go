package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricCacheLookups = "rdlserve.cache.lookups"
	metricCacheEntries = "rdlserve.cache.entries"
	metricSessions     = "rdlserve.sessions.active"

	attrResult = "result"
)

// CacheStatsProvider exposes the compile cache and session counters.
type CacheStatsProvider interface {
	Hits() int64
	Misses() int64
	CacheEntries() int
	Sessions() int
}

// RegisterCacheMetrics registers observable gauges that read src on every
// collection. A nil src registers nothing.
func RegisterCacheMetrics(mt metric.Meter, src CacheStatsProvider) error {
	if src == nil {
		return nil
	}

	b := newMetricBuilder(mt)

	lookups := b.gauge(metricCacheLookups, "Compile cache lookups by result", "{lookup}")
	entries := b.gauge(metricCacheEntries, "Compiled definitions held by the cache", "{entry}")
	sessions := b.gauge(metricSessions, "Sessions holding artifacts", "{session}")

	if b.err != nil {
		return b.err
	}

	hit := metric.WithAttributes(attribute.String(attrResult, "hit"))
	miss := metric.WithAttributes(attribute.String(attrResult, "miss"))

	_, err := mt.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(lookups, src.Hits(), hit)
		obs.ObserveInt64(lookups, src.Misses(), miss)
		obs.ObserveInt64(entries, int64(src.CacheEntries()))
		obs.ObserveInt64(sessions, int64(src.Sessions()))

		return nil
	}, lookups, entries, sessions)
	if err != nil {
		return fmt.Errorf("register cache metrics callback: %w", err)
	}

	return nil
}

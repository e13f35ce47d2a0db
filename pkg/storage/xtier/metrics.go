package xtier

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	instrumentationName = "github.com/omeyang/xtier"

	metricHits          = "xtier.cache.hits"
	metricMisses        = "xtier.cache.misses"
	metricEvictions     = "xtier.cache.evictions"
	metricExpirations   = "xtier.cache.expirations"
	metricWriteFailures = "xtier.tier.write_failures"
)

// cacheMetrics 是 Manager 上报的 OTel 计数器。
type cacheMetrics struct {
	hits          metric.Int64Counter
	misses        metric.Int64Counter
	evictions     metric.Int64Counter
	expirations   metric.Int64Counter
	writeFailures metric.Int64Counter
}

func newCacheMetrics(mp metric.MeterProvider) (*cacheMetrics, error) {
	meter := mp.Meter(instrumentationName)

	var (
		m   cacheMetrics
		err error
	)
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.hits, metricHits, "cache hits by serving tier"},
		{&m.misses, metricMisses, "cache misses across all tiers"},
		{&m.evictions, metricEvictions, "memory tier LRU evictions"},
		{&m.expirations, metricExpirations, "memory tier entries removed after ttl"},
		{&m.writeFailures, metricWriteFailures, "persistent tier write failures"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("1"))
		if err != nil {
			return nil, fmt.Errorf("xtier: create counter %s: %w", c.name, err)
		}
	}
	return &m, nil
}

func tierAttr(kind Kind) metric.AddOption {
	return metric.WithAttributes(attribute.String("tier", kind.String()))
}

func (m *cacheMetrics) hit(ctx context.Context, kind Kind) {
	m.hits.Add(ctx, 1, tierAttr(kind))
}

func (m *cacheMetrics) miss(ctx context.Context) {
	m.misses.Add(ctx, 1)
}

func (m *cacheMetrics) evicted(ctx context.Context, n int) {
	if n > 0 {
		m.evictions.Add(ctx, int64(n))
	}
}

func (m *cacheMetrics) expired(ctx context.Context, n int) {
	if n > 0 {
		m.expirations.Add(ctx, int64(n))
	}
}

func (m *cacheMetrics) writeFailed(ctx context.Context, kind Kind) {
	m.writeFailures.Add(ctx, 1, tierAttr(kind))
}

package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/familyhub/familyhub/internal/authcache"
)

// CacheSource is what the cache collector reads on every scrape.
type CacheSource interface {
	Metrics() authcache.Metrics
}

type cacheCollector struct {
	source CacheSource
	hits   *prometheus.Desc
	misses *prometheus.Desc
	sets   *prometheus.Desc
	events *prometheus.Desc
	size   *prometheus.Desc
	rate   *prometheus.Desc
}

// RegisterCache exposes the decision cache counters on the registry.
func (m *Metrics) RegisterCache(source CacheSource) error {
	if m == nil || source == nil {
		return nil
	}
	return m.registry.Register(newCacheCollector(source))
}

func newCacheCollector(source CacheSource) *cacheCollector {
	return &cacheCollector{
		source: source,
		hits:   prometheus.NewDesc("familyhub_authz_cache_hits_total", "Decision cache hits by tier.", []string{"tier"}, nil),
		misses: prometheus.NewDesc("familyhub_authz_cache_misses_total", "Decision cache misses by tier.", []string{"tier"}, nil),
		sets:   prometheus.NewDesc("familyhub_authz_cache_sets_total", "Decision cache writes by outcome.", []string{"outcome"}, nil),
		events: prometheus.NewDesc("familyhub_authz_cache_events_total", "Decision cache maintenance events by kind.", []string{"kind"}, nil),
		size:   prometheus.NewDesc("familyhub_authz_cache_l1_entries", "Entries currently held in L1.", nil, nil),
		rate:   prometheus.NewDesc("familyhub_authz_cache_hit_ratio", "Share of lookups answered by either tier.", nil, nil),
	}
}

func (c *cacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.misses
	ch <- c.sets
	ch <- c.events
	ch <- c.size
	ch <- c.rate
}

func (c *cacheCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Metrics()
	counter := func(desc *prometheus.Desc, v uint64, label string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), label)
	}
	counter(c.hits, s.L1Hits, "l1")
	counter(c.hits, s.L2Hits, "l2")
	counter(c.misses, s.L1Misses, "l1")
	counter(c.misses, s.L2Misses, "l2")
	counter(c.sets, s.Sets, "stored")
	counter(c.sets, s.RejectedSets, "rejected")
	counter(c.sets, s.RejectedL2Sets, "rejected_l2")
	counter(c.events, s.Evictions, "eviction")
	counter(c.events, s.Expirations, "expiration")
	counter(c.events, s.Invalidations, "invalidation")
	counter(c.events, s.InvalidatedKeys, "invalidated_key")
	counter(c.events, s.Clears, "clear")
	counter(c.events, s.L2Errors, "l2_error")
	ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(s.L1Size))
	ch <- prometheus.MustNewConstMetric(c.rate, prometheus.GaugeValue, s.HitRate)
}

// RegisterAuditDrops exposes the count of audit entries dropped under backlog.
func (m *Metrics) RegisterAuditDrops(dropped func() uint64) error {
	if m == nil || dropped == nil {
		return nil
	}
	return m.registry.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "familyhub_audit_dropped_total",
		Help: "Best-effort audit entries dropped because the write queue was full.",
	}, func() float64 { return float64(dropped()) }))
}

package metrics

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
)

// KeyPattern maps a realm to the SCAN match pattern of its shared
// introspection cache entries.
type KeyPattern func(realm string) string

type redisCollector struct {
	rdb     *redis.Client
	logger  *slog.Logger
	realms  []string
	pattern KeyPattern

	cacheEntriesDesc *prometheus.Desc
	upDesc           *prometheus.Desc
}

func newRedisCollector(rdb *redis.Client, logger *slog.Logger, realms []string, pattern KeyPattern) *redisCollector {
	if logger == nil {
		logger = slog.Default()
	}
	uniq := map[string]struct{}{}
	for _, r := range realms {
		uniq[r] = struct{}{}
	}
	sorted := make([]string, 0, len(uniq))
	for r := range uniq {
		sorted = append(sorted, r)
	}
	sort.Strings(sorted)

	return &redisCollector{
		rdb:     rdb,
		logger:  logger,
		realms:  sorted,
		pattern: pattern,
		cacheEntriesDesc: prometheus.NewDesc(
			"realmgate_introspection_shared_cache_entries",
			"Current number of introspection results held in the shared Redis cache, by realm.",
			[]string{"realm"},
			nil,
		),
		upDesc: prometheus.NewDesc(
			"realmgate_redis_up",
			"Whether the last Redis scrape succeeded (1) or failed (0).",
			nil,
			nil,
		),
	}
}

func (c *redisCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cacheEntriesDesc
	ch <- c.upDesc
}

func (c *redisCollector) Collect(ch chan<- prometheus.Metric) {
	if c.rdb == nil || c.pattern == nil {
		return
	}

	// Keep Redis reads bounded so scrapes do not hang.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	counts := make(map[string]int, len(c.realms))
	for _, realm := range c.realms {
		n, err := c.countKeys(ctx, c.pattern(realm))
		if err != nil {
			c.logger.Warn("prometheus redis collector failed", "realm", realm, "err", err)
			emitGauge(ch, c.upDesc, 0)
			return
		}
		counts[realm] = n
	}

	emitGauge(ch, c.upDesc, 1)
	for _, realm := range c.realms {
		emitGauge(ch, c.cacheEntriesDesc, float64(counts[realm]), realm)
	}
}

func (c *redisCollector) countKeys(ctx context.Context, match string) (int, error) {
	var (
		cursor uint64
		total  int
	)
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, match, 500).Result()
		if err != nil {
			return 0, err
		}
		total += len(keys)
		if next == 0 {
			return total, nil
		}
		cursor = next
	}
}

func emitGauge(ch chan<- prometheus.Metric, desc *prometheus.Desc, v float64, labelValues ...string) {
	m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, v, labelValues...)
	if err != nil {
		return
	}
	ch <- m
}

var registerRedisCollectorOnce sync.Once

// RegisterRedisCollector exposes shared cache size for the given realms.
func RegisterRedisCollector(rdb *redis.Client, logger *slog.Logger, realms []string, pattern KeyPattern) {
	registerRedisCollectorOnce.Do(func() {
		prometheus.MustRegister(newRedisCollector(rdb, logger, realms, pattern))
	})
}

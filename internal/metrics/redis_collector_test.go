package metrics

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
)

func gather(t *testing.T, c prometheus.Collector) map[string]map[string]float64 {
	t.Helper()
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	out := map[string]map[string]float64{}
	for _, mf := range families {
		byLabel := map[string]float64{}
		for _, m := range mf.GetMetric() {
			label := ""
			for _, lp := range m.GetLabel() {
				label = lp.GetValue()
			}
			byLabel[label] = m.GetGauge().GetValue()
		}
		out[mf.GetName()] = byLabel
	}
	return out
}

func TestRedisCollectorCountsPerRealm(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()

	for _, k := range []string{"cache:acme:a", "cache:acme:b", "cache:ops:a", "unrelated"} {
		if err := rdb.Set(ctx, k, "1", 0).Err(); err != nil {
			t.Fatalf("set: %v", err)
		}
	}

	pattern := func(realm string) string { return "cache:" + realm + ":*" }
	got := gather(t, newRedisCollector(rdb, nil, []string{"ops", "acme", "acme"}, pattern))

	if got["realmgate_redis_up"][""] != 1 {
		t.Fatalf("expected redis up, got %v", got["realmgate_redis_up"])
	}
	entries := got["realmgate_introspection_shared_cache_entries"]
	if entries["acme"] != 2 || entries["ops"] != 1 || len(entries) != 2 {
		t.Fatalf("unexpected cache entries %v", entries)
	}
}

func TestRedisCollectorReportsDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	got := gather(t, newRedisCollector(rdb, nil, []string{"acme"}, func(r string) string { return r + ":*" }))
	if got["realmgate_redis_up"][""] != 0 {
		t.Fatalf("expected redis down, got %v", got["realmgate_redis_up"])
	}
	if _, ok := got["realmgate_introspection_shared_cache_entries"]; ok {
		t.Fatal("no cache sizes expected when redis is down")
	}
}

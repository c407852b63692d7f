package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "realmgate"

var (
	JWKSRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jwks_refresh_total",
			Help:      "Total number of JWKS refreshes, labeled by realm and outcome.",
		},
		[]string{"realm", "outcome"},
	)

	JWKSKeys = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jwks_keys",
			Help:      "Number of signing keys currently cached per realm.",
		},
		[]string{"realm"},
	)

	JWKSKeysSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jwks_keys_skipped_total",
			Help:      "Total number of JWKS entries skipped during import, labeled by reason.",
		},
		[]string{"realm", "reason"},
	)

	IntrospectionRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "introspection_requests_total",
			Help:      "Total number of calls to the introspection endpoint, labeled by outcome.",
		},
		[]string{"realm", "outcome"},
	)

	IntrospectionCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "introspection_cache_total",
			Help:      "Introspection cache lookups, labeled by result (hit, miss, expired).",
		},
		[]string{"realm", "result"},
	)

	IntrospectionLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "introspection_latency_seconds",
			Help:      "Latency of introspection endpoint calls (seconds).",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"realm"},
	)

	PolicyDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_decisions_total",
			Help:      "Total number of enforcement decisions, labeled by policy, decision and phase.",
		},
		[]string{"policy", "decision", "phase"},
	)

	PolicyLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "policy_latency_seconds",
			Help:      "Time spent enforcing a policy for a single request (seconds).",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"policy"},
	)

	RateLimitHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Total number of requests rejected by the rate limiter.",
		},
		[]string{"scope", "operation"},
	)
)

func init() {
	prometheus.MustRegister(
		JWKSRefreshTotal,
		JWKSKeys,
		JWKSKeysSkippedTotal,
		IntrospectionRequestsTotal,
		IntrospectionCacheTotal,
		IntrospectionLatencySeconds,
		PolicyDecisionsTotal,
		PolicyLatencySeconds,
		RateLimitHitsTotal,
	)
}

package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	queriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querydesk_queries_total",
			Help: "Total number of executed tenant statements by outcome.",
		},
		[]string{"outcome"},
	)
	queryDurationMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "querydesk_query_duration_ms",
			Help:    "Tenant statement execution latency in milliseconds, acquire included.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
	)
	poolExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querydesk_pool_exhausted_total",
			Help: "Total number of connection acquires that timed out at the pool cap.",
		},
	)
	validatorRejectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querydesk_validator_rejects_total",
			Help: "Total number of generated statements rejected by the validator.",
		},
		[]string{"reason"},
	)
	tenantPools = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "querydesk_tenant_pools",
			Help: "Current number of live per-tenant connection pools.",
		},
	)
	translationFragmentsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querydesk_translation_fragments_total",
			Help: "Total number of streamed model fragments consumed.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		queriesTotal,
		queryDurationMs,
		poolExhaustedTotal,
		validatorRejectsTotal,
		tenantPools,
		translationFragmentsTotal,
	)
}

func ObserveQuery(outcome string, elapsed time.Duration) {
	queriesTotal.WithLabelValues(outcome).Inc()
	queryDurationMs.Observe(float64(elapsed.Milliseconds()))
}

func IncrementPoolExhausted() {
	poolExhaustedTotal.Inc()
}

func IncrementValidatorReject(reason string) {
	validatorRejectsTotal.WithLabelValues(reason).Inc()
}

func SetTenantPools(count int) {
	if count < 0 {
		count = 0
	}
	tenantPools.Set(float64(count))
}

func IncrementTranslationFragments() {
	translationFragmentsTotal.Inc()
}

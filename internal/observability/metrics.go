package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AssignmentsTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "fuel_dispatch", Name: "assignments_total", Help: "Total station assignments created"})
	ReassignmentsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "fuel_dispatch", Name: "reassignments_total", Help: "Total reassignments after rejection"})
	AbandonmentsTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "fuel_dispatch", Name: "abandonments_total", Help: "Requests abandoned after exhausting the retry budget"})
	SettlementsTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "fuel_dispatch", Name: "settlements_total", Help: "Settlements created"})

	// PlatformProfit accumulates per-settlement profit; subsidized jobs push
	// it negative, which is expected and reportable, not an error.
	PlatformProfit = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "fuel_dispatch", Name: "platform_profit_total", Help: "Cumulative platform profit across settlements, may go negative"})

	CacheHits   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "fuel_dispatch", Name: "assignment_cache_hits_total", Help: "Assignment cache hits"})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{Namespace: "fuel_dispatch", Name: "assignment_cache_misses_total", Help: "Assignment cache misses"})

	CODBalance = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "fuel_dispatch", Name: "cod_balance", Help: "Current COD exposure per station"},
		[]string{"station"},
	)
	LedgerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "fuel_dispatch", Name: "ledger_rejections_total", Help: "Ledger operations rejected by business rules"},
		[]string{"reason"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "fuel_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fuel_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_enqueued_total",
		Help: "Total number of orders accepted into the queue",
	}, []string{"order_type"})

	OrdersCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_completed_total",
		Help: "Total number of orders fully dispensed",
	})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of terminally failed orders",
	}, []string{"reason"})

	OrdersRequeuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_requeued_total",
		Help: "Total number of orders requeued after a transient failure",
	})

	OrdersRecoveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_recovered_total",
		Help: "Total number of stale processing orders swept back to pending",
	})

	DispenseCycleLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispense_cycle_latency_seconds",
		Help:    "Latency of one full claim-to-resolve coordinator cycle",
		Buckets: prometheus.DefBuckets,
	})

	ReservationsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shelf_reservations_failed_total",
		Help: "Total number of failed shelf reservations",
	}, []string{"reason"})

	ShelfStockGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shelf_stock",
		Help: "Current stock per shelf slot",
	}, []string{"shelf"})

	PlatformSyncAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "platform_sync_attempts_total",
		Help: "Total number of calls to the external commerce platform",
	}, []string{"op"})

	PlatformSyncFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "platform_sync_failures_total",
		Help: "Total number of failed platform calls",
	}, []string{"op", "kind"})

	PlatformSyncLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "platform_sync_latency_seconds",
		Help:    "Latency of platform calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	CatalogCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "catalog_cache_hits_total",
		Help: "Total number of catalog lookups served from cache",
	})

	CatalogCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "catalog_cache_misses_total",
		Help: "Total number of catalog lookups that required a platform fetch",
	})

	HealthDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "health_degraded",
		Help: "1 when the last health poll found a degraded dependency",
	})

	ScheduledTaskRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduled_task_runs_total",
		Help: "Total runs per scheduled task",
	}, []string{"task", "result"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)

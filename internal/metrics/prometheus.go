package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Placement metrics
	PlacementsTotal   *prometheus.CounterVec
	PlacementDuration *prometheus.HistogramVec
	CounterConflicts  *prometheus.CounterVec
	CellsProvisioned  *prometheus.CounterVec

	// Capacity metrics
	CapacityPasses    *prometheus.CounterVec
	SharedUtilization *prometheus.GaugeVec
	CellsAtCapacity   prometheus.Gauge
	CounterDrift      prometheus.Gauge

	// Migration metrics
	MigrationsTotal   *prometheus.CounterVec
	MigrationDuration prometheus.Histogram

	// Cache and notification metrics
	CacheHits     *prometheus.CounterVec
	CacheMisses   *prometheus.CounterVec
	Notifications *prometheus.CounterVec
}

// NewMetrics creates metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "placement_http_requests_total",
				Help: "Total number of HTTP requests processed",
			},
			[]string{"route", "method", "status"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "placement_http_request_duration_seconds",
				Help:    "Duration of HTTP request processing",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),

		PlacementsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "placement_assignments_total",
				Help: "Total number of cell assignment attempts",
			},
			[]string{"path", "outcome"},
		),

		PlacementDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "placement_assignment_duration_seconds",
				Help:    "Duration of cell assignment",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"path"},
		),

		CounterConflicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "placement_counter_conflicts_total",
				Help: "Total number of conditional counter writes that lost a race",
			},
			[]string{"operation"},
		),

		CellsProvisioned: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "placement_cells_provisioned_total",
				Help: "Total number of cells provisioned",
			},
			[]string{"region", "type", "trigger"},
		),

		CapacityPasses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "placement_capacity_passes_total",
				Help: "Total number of capacity passes",
			},
			[]string{"outcome"},
		),

		SharedUtilization: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "placement_shared_utilization_ratio",
				Help: "Mean shared-cell utilization per region at the last capacity pass",
			},
			[]string{"region"},
		),

		CellsAtCapacity: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "placement_cells_at_capacity",
				Help: "Number of active cells with no free slot at the last capacity pass",
			},
		),

		CounterDrift: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "placement_counter_drift_cells",
				Help: "Number of cells whose counter disagreed with assigned tenants at the last reconcile",
			},
		),

		MigrationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "placement_migrations_total",
				Help: "Total number of tenant migrations by final phase",
			},
			[]string{"phase"},
		),

		MigrationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "placement_migration_duration_seconds",
				Help:    "Duration of tenant migration orchestration",
				Buckets: prometheus.DefBuckets,
			},
		),

		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "placement_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache_type"},
		),

		CacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "placement_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache_type"},
		),

		Notifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "placement_notifications_total",
				Help: "Total number of provisioning notifications sent",
			},
			[]string{"notifier", "status"},
		),
	}
}

// RecordRequest records an HTTP request
func (m *Metrics) RecordRequest(route, method, status string, duration float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(route, method, status).Inc()
	m.RequestDuration.WithLabelValues(route, method).Observe(duration)
}

// RecordPlacement records a cell assignment attempt
func (m *Metrics) RecordPlacement(path, outcome string, duration float64) {
	if m == nil {
		return
	}
	m.PlacementsTotal.WithLabelValues(path, outcome).Inc()
	m.PlacementDuration.WithLabelValues(path).Observe(duration)
}

// RecordCounterConflict records a lost conditional write
func (m *Metrics) RecordCounterConflict(operation string) {
	if m == nil {
		return
	}
	m.CounterConflicts.WithLabelValues(operation).Inc()
}

// RecordCellProvisioned records a new cell
func (m *Metrics) RecordCellProvisioned(region, cellType, trigger string) {
	if m == nil {
		return
	}
	m.CellsProvisioned.WithLabelValues(region, cellType, trigger).Inc()
}

// RecordCapacityPass records a capacity pass outcome
func (m *Metrics) RecordCapacityPass(outcome string) {
	if m == nil {
		return
	}
	m.CapacityPasses.WithLabelValues(outcome).Inc()
}

// UpdateSharedUtilization sets the utilization gauge for a region
func (m *Metrics) UpdateSharedUtilization(region string, ratio float64) {
	if m == nil {
		return
	}
	m.SharedUtilization.WithLabelValues(region).Set(ratio)
}

// UpdateCellsAtCapacity sets the at-capacity gauge
func (m *Metrics) UpdateCellsAtCapacity(count int) {
	if m == nil {
		return
	}
	m.CellsAtCapacity.Set(float64(count))
}

// UpdateCounterDrift sets the drift gauge
func (m *Metrics) UpdateCounterDrift(count int) {
	if m == nil {
		return
	}
	m.CounterDrift.Set(float64(count))
}

// RecordMigration records a migration reaching phase
func (m *Metrics) RecordMigration(phase string, duration float64) {
	if m == nil {
		return
	}
	m.MigrationsTotal.WithLabelValues(phase).Inc()
	m.MigrationDuration.Observe(duration)
}

// RecordCacheHit records a cache hit
func (m *Metrics) RecordCacheHit(cacheType string) {
	if m == nil {
		return
	}
	m.CacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a cache miss
func (m *Metrics) RecordCacheMiss(cacheType string) {
	if m == nil {
		return
	}
	m.CacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordNotification records a provisioning notification
func (m *Metrics) RecordNotification(notifier, status string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(notifier, status).Inc()
}

// Package metrics exposes Prometheus instrumentation for the orchestration engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Migration metrics
	MigrationsTotal    *prometheus.CounterVec
	MigrationDuration  *prometheus.HistogramVec
	OfflineFallbacks   *prometheus.CounterVec
	LocalDiskDetection *prometheus.CounterVec
	MigrationsActive   prometheus.Gauge

	// Drain metrics
	DrainsTotal        *prometheus.CounterVec
	DrainVMOutcomes    *prometheus.CounterVec
	NodesInMaintenance prometheus.Gauge

	// Provisioning metrics
	ProvisioningRuns  *prometheus.CounterVec
	ProvisionedNodes  *prometheus.CounterVec
	ProvisionDuration prometheus.Histogram

	// Placement metrics
	PlacementDecisions *prometheus.CounterVec
}

// New creates and registers the metrics with reg. Passing nil registers
// with the default Prometheus registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		MigrationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_migrations_total",
				Help: "Total number of finished VM migrations",
			},
			[]string{"kind", "status"},
		),

		MigrationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_migration_duration_seconds",
				Help:    "Duration of VM migrations from submission to terminal state",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"kind", "status"},
		),

		OfflineFallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_migration_offline_fallbacks_total",
				Help: "Total number of offline fallbacks after a failed online migration",
			},
			[]string{"status"},
		),

		LocalDiskDetection: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_local_disk_detections_total",
				Help: "Total number of local-disk detections by method",
			},
			[]string{"method", "has_local_disks"},
		),

		MigrationsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "orchestrator_migrations_active",
				Help: "Number of migrations currently being monitored",
			},
		),

		DrainsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_drains_total",
				Help: "Total number of finished drain and undrain operations",
			},
			[]string{"kind", "status"},
		),

		DrainVMOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_drain_vm_outcomes_total",
				Help: "Per-VM outcomes of drain and undrain operations",
			},
			[]string{"kind", "status"},
		),

		NodesInMaintenance: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "orchestrator_nodes_in_maintenance",
				Help: "Number of nodes with an open maintenance record",
			},
		),

		ProvisioningRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_provisioning_runs_total",
				Help: "Total number of provisioning runs by terminal status",
			},
			[]string{"status"},
		),

		ProvisionedNodes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_provisioned_nodes_total",
				Help: "Total number of provisioned cluster nodes by final node status",
			},
			[]string{"status"},
		),

		ProvisionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "orchestrator_provisioning_duration_seconds",
				Help:    "Duration of provisioning runs",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
		),

		PlacementDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_placement_decisions_total",
				Help: "Total number of placement decisions by strategy and result",
			},
			[]string{"strategy", "result"},
		),
	}
}

// ObserveMigration records a terminal migration.
func (m *Metrics) ObserveMigration(kind, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.MigrationsTotal.WithLabelValues(kind, status).Inc()
	m.MigrationDuration.WithLabelValues(kind, status).Observe(elapsed.Seconds())
}

// MigrationStarted increments the active migration gauge.
func (m *Metrics) MigrationStarted() {
	if m == nil {
		return
	}
	m.MigrationsActive.Inc()
}

// MigrationFinished decrements the active migration gauge.
func (m *Metrics) MigrationFinished() {
	if m == nil {
		return
	}
	m.MigrationsActive.Dec()
}

// ObserveOfflineFallback records the outcome of an offline fallback attempt.
func (m *Metrics) ObserveOfflineFallback(status string) {
	if m == nil {
		return
	}
	m.OfflineFallbacks.WithLabelValues(status).Inc()
}

// ObserveDetection records a local-disk detection.
func (m *Metrics) ObserveDetection(method string, hasLocalDisks bool) {
	if m == nil {
		return
	}
	local := "false"
	if hasLocalDisks {
		local = "true"
	}
	m.LocalDiskDetection.WithLabelValues(method, local).Inc()
}

// ObserveDrain records a terminal drain or undrain operation.
func (m *Metrics) ObserveDrain(kind, status string) {
	if m == nil {
		return
	}
	m.DrainsTotal.WithLabelValues(kind, status).Inc()
}

// ObserveDrainVM records a single VM outcome of a drain or undrain.
func (m *Metrics) ObserveDrainVM(kind, status string) {
	if m == nil {
		return
	}
	m.DrainVMOutcomes.WithLabelValues(kind, status).Inc()
}

// SetNodesInMaintenance sets the maintenance gauge.
func (m *Metrics) SetNodesInMaintenance(n int) {
	if m == nil {
		return
	}
	m.NodesInMaintenance.Set(float64(n))
}

// ObserveProvisioning records a terminal provisioning run.
func (m *Metrics) ObserveProvisioning(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ProvisioningRuns.WithLabelValues(status).Inc()
	m.ProvisionDuration.Observe(elapsed.Seconds())
}

// ObserveProvisionedNode records the final status of one provisioned node.
func (m *Metrics) ObserveProvisionedNode(status string) {
	if m == nil {
		return
	}
	m.ProvisionedNodes.WithLabelValues(status).Inc()
}

// ObservePlacement records a placement decision.
func (m *Metrics) ObservePlacement(strategy, result string) {
	if m == nil {
		return
	}
	m.PlacementDecisions.WithLabelValues(strategy, result).Inc()
}

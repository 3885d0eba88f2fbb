package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Maintenance cycle outcomes.
const (
	CycleRan       = "ran"
	CycleSkipped   = "skipped"
	CycleLockError = "lock_error"
)

// MaintenanceMetrics covers the cron worker: one series per job run and one per cycle.
type MaintenanceMetrics struct {
	jobs        *prometheus.HistogramVec
	cycles      *prometheus.CounterVec
	lastSuccess *prometheus.GaugeVec
}

func NewMaintenanceMetrics(reg prometheus.Registerer) *MaintenanceMetrics {
	if reg == nil {
		return &MaintenanceMetrics{}
	}
	jobs := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "maintenance_job_duration_seconds",
		Help:    "Maintenance job run time by job and result.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"job", "result"})
	cycles := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "maintenance_cycles_total",
		Help: "Maintenance cycles by outcome. Skipped cycles lost the cluster lock.",
	}, []string{"outcome"})
	lastSuccess := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "maintenance_job_last_success_timestamp_seconds",
		Help: "Unix time of the last successful run per job.",
	}, []string{"job"})
	reg.MustRegister(jobs, cycles, lastSuccess)
	return &MaintenanceMetrics{jobs: jobs, cycles: cycles, lastSuccess: lastSuccess}
}

// ObserveJob records one job run; a nil err counts as success.
func (m *MaintenanceMetrics) ObserveJob(job string, took time.Duration, err error) {
	if m == nil || m.jobs == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.jobs.WithLabelValues(normalizeLabel(job), result).Observe(took.Seconds())
	if err == nil {
		m.lastSuccess.WithLabelValues(normalizeLabel(job)).SetToCurrentTime()
	}
}

func (m *MaintenanceMetrics) IncCycle(outcome string) {
	if m == nil || m.cycles == nil {
		return
	}
	m.cycles.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

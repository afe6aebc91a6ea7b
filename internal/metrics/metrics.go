// Package metrics holds the Prometheus collectors shared by the
// controller and worker processes, outside the per-request HTTP
// metrics already registered by internal/httpapi.
package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var buildStageBuckets = []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300}

// Registry bundles the domain-level collectors: job outcomes, build
// stage durations, the gauges that report live worker state (active
// tunnels, port-pool utilization), and the per-PR running-container
// resource gauges the build executor's sampling loop maintains.
type Registry struct {
	JobOutcomes          *prometheus.CounterVec
	BuildStage           *prometheus.HistogramVec
	ActiveTunnels        prometheus.Gauge
	PortPoolUsed         prometheus.Gauge
	ContainerCPUPercent  *prometheus.GaugeVec
	ContainerMemoryBytes *prometheus.GaugeVec
}

var (
	once     sync.Once
	registry *Registry
)

// New returns the process-wide Registry, registering its collectors
// with the default Prometheus registerer on first call. Safe to call
// from both cmd/controller and cmd/worker; both get the same instance
// when compiled into the same process, and independent ones otherwise.
func New() *Registry {
	once.Do(func() {
		registry = &Registry{
			JobOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "previewctl",
				Subsystem: "jobs",
				Name:      "outcomes_total",
				Help:      "Count of completed jobs by kind and terminal outcome",
			}, []string{"kind", "outcome"}),
			BuildStage: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "previewctl",
				Subsystem: "build",
				Name:      "stage_duration_seconds",
				Help:      "Latency distribution of each build pipeline stage",
				Buckets:   buildStageBuckets,
			}, []string{"stage"}),
			ActiveTunnels: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "previewctl",
				Subsystem: "tunnel",
				Name:      "active",
				Help:      "Number of tunnel child processes currently supervised",
			}),
			PortPoolUsed: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "previewctl",
				Subsystem: "portalloc",
				Name:      "in_use",
				Help:      "Number of host ports currently allocated to preview containers",
			}),
			ContainerCPUPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "previewctl",
				Subsystem: "container",
				Name:      "cpu_percent",
				Help:      "Most recent CPU usage percent sampled from a running preview container",
			}, []string{"pr"}),
			ContainerMemoryBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "previewctl",
				Subsystem: "container",
				Name:      "memory_bytes",
				Help:      "Most recent memory usage sampled from a running preview container",
			}, []string{"pr"}),
		}
		collectors := []prometheus.Collector{
			registry.JobOutcomes, registry.BuildStage, registry.ActiveTunnels, registry.PortPoolUsed,
			registry.ContainerCPUPercent, registry.ContainerMemoryBytes,
		}
		for _, c := range collectors {
			if err := prometheus.Register(c); err != nil {
				if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
					switch v := are.ExistingCollector.(type) {
					case *prometheus.CounterVec:
						registry.JobOutcomes = v
					case *prometheus.HistogramVec:
						registry.BuildStage = v
					case prometheus.Gauge:
						if c == registry.ActiveTunnels {
							registry.ActiveTunnels = v
						} else {
							registry.PortPoolUsed = v
						}
					case *prometheus.GaugeVec:
						if c == registry.ContainerCPUPercent {
							registry.ContainerCPUPercent = v
						} else {
							registry.ContainerMemoryBytes = v
						}
					}
				}
			}
		}
	})
	return registry
}

// StageTimer starts a timer that records the elapsed duration under
// stage when the returned func is called, typically via defer.
func (r *Registry) StageTimer(stage string) func() {
	observer := r.BuildStage.WithLabelValues(stage)
	start := prometheus.NewTimer(observer)
	return func() { start.ObserveDuration() }
}

// RecordJobOutcome increments the outcome counter for a completed job.
func (r *Registry) RecordJobOutcome(kind, outcome string) {
	r.JobOutcomes.WithLabelValues(kind, outcome).Inc()
}

// SetContainerSample records the latest resource sample for pr's
// running container.
func (r *Registry) SetContainerSample(pr int, cpuPercent, memoryBytes float64) {
	label := strconv.Itoa(pr)
	r.ContainerCPUPercent.WithLabelValues(label).Set(cpuPercent)
	r.ContainerMemoryBytes.WithLabelValues(label).Set(memoryBytes)
}

// ClearContainerSample removes pr's resource gauges once its container
// is gone, so a destroyed PR doesn't leave a stale last-known sample
// behind forever.
func (r *Registry) ClearContainerSample(pr int) {
	label := strconv.Itoa(pr)
	r.ContainerCPUPercent.DeleteLabelValues(label)
	r.ContainerMemoryBytes.DeleteLabelValues(label)
}

// Package metrics exposes collector counters on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/0xA1M/dashpro/internal/liveness"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dashpro"

// Collector holds every metric the collector publishes. It is built on its
// own registry so tests can create as many as they like.
type Collector struct {
	registry *prometheus.Registry

	heartbeats *prometheus.CounterVec
	alerts     *prometheus.CounterVec
	devices    *prometheus.GaugeVec
	sweeps     prometheus.Histogram
	sweepFails prometheus.Counter
}

// New registers the collector metrics plus the Go runtime and process collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Heartbeats received, by result.",
		}, []string{"result"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts received, by result.",
		}, []string{"result"}),
		devices: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices",
			Help:      "Devices by liveness status as of the last sweep.",
		}, []string{"status"}),
		sweeps: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "liveness_sweep_duration_seconds",
			Help:      "Time spent in one liveness sweep.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		sweepFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liveness_update_failures_total",
			Help:      "Per-device status writes that failed during a sweep.",
		}),
	}

	c.registry.MustRegister(
		c.heartbeats,
		c.alerts,
		c.devices,
		c.sweeps,
		c.sweepFails,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Heartbeat counts one heartbeat request outcome, e.g. "created", "ignored", "rejected".
func (c *Collector) Heartbeat(result string) {
	c.heartbeats.WithLabelValues(result).Inc()
}

// Alert counts one alert request outcome.
func (c *Collector) Alert(result string) {
	c.alerts.WithLabelValues(result).Inc()
}

// ObserveSweep implements liveness.Recorder.
func (c *Collector) ObserveSweep(result liveness.SweepResult, duration time.Duration) {
	c.sweeps.Observe(duration.Seconds())
	c.devices.WithLabelValues("online").Set(float64(result.Online))
	c.devices.WithLabelValues("offline").Set(float64(result.Offline))
	c.devices.WithLabelValues("unseen").Set(float64(result.Skipped))
	c.sweepFails.Add(float64(result.Failed))
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

var _ liveness.Recorder = (*Collector)(nil)

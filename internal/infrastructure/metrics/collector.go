package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds the exposition settings.
type Config struct {
	Enabled bool
	Port    int
	Path    string
}

// Collector registers and updates the hub's Prometheus metrics and
// serves them over HTTP. A disabled collector is a safe no-op, so
// callers never have to guard their instrumentation.
type Collector struct {
	config   Config
	registry *prometheus.Registry
	server   *http.Server

	readingsIngested *prometheus.CounterVec
	commandsFinished *prometheus.CounterVec
	connectAttempts  *prometheus.CounterVec
	pollDuration     *prometheus.HistogramVec
	devicesByStatus  *prometheus.GaugeVec
	queueDepth       *prometheus.GaugeVec
	devicesTracked   prometheus.Gauge
}

const namespace = "hortiva"

// NewCollector creates the collector and registers its metrics.
func NewCollector(config Config) (*Collector, error) {
	if config.Path == "" {
		config.Path = "/metrics"
	}
	c := &Collector{config: config}
	if !config.Enabled {
		return c, nil
	}

	c.registry = prometheus.NewRegistry()

	c.readingsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "telemetry",
		Name:      "readings_ingested_total",
		Help:      "Readings accepted or rejected by the ingest pipeline.",
	}, []string{"outcome"})

	c.commandsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "command",
		Name:      "finished_total",
		Help:      "Commands by terminal status and priority.",
	}, []string{"status", "priority"})

	c.connectAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "conn",
		Name:      "connect_attempts_total",
		Help:      "Device connect attempts by protocol and outcome.",
	}, []string{"protocol", "outcome"})

	c.pollDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "conn",
		Name:      "poll_duration_seconds",
		Help:      "Duration of device heartbeat polls.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"protocol"})

	c.devicesByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "device",
		Name:      "count",
		Help:      "Registered devices by status.",
	}, []string{"status"})

	c.queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "command",
		Name:      "queue_depth",
		Help:      "Pending commands per device.",
	}, []string{"device_id"})

	c.devicesTracked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "conn",
		Name:      "devices_tracked",
		Help:      "Devices with an active connection actor.",
	})

	collectors := []prometheus.Collector{
		c.readingsIngested,
		c.commandsFinished,
		c.connectAttempts,
		c.pollDuration,
		c.devicesByStatus,
		c.queueDepth,
		c.devicesTracked,
	}
	for _, collector := range collectors {
		if err := c.registry.Register(collector); err != nil {
			return nil, fmt.Errorf("registering metric: %w", err)
		}
	}

	return c, nil
}

// Start serves the metrics endpoint in the background.
func (c *Collector) Start() error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// The process keeps running without exposition.
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()
	return nil
}

// Stop shuts the metrics endpoint down.
func (c *Collector) Stop(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

// RecordIngest counts accepted and rejected readings.
func (c *Collector) RecordIngest(accepted, rejected int) {
	if !c.config.Enabled {
		return
	}
	c.readingsIngested.WithLabelValues("accepted").Add(float64(accepted))
	c.readingsIngested.WithLabelValues("rejected").Add(float64(rejected))
}

// RecordCommand counts a command reaching a terminal status.
func (c *Collector) RecordCommand(status, priority string) {
	if !c.config.Enabled {
		return
	}
	c.commandsFinished.WithLabelValues(status, priority).Inc()
}

// RecordConnectAttempt counts a device connect attempt.
func (c *Collector) RecordConnectAttempt(protocol string, success bool) {
	if !c.config.Enabled {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	c.connectAttempts.WithLabelValues(protocol, outcome).Inc()
}

// RecordPoll observes one heartbeat poll duration.
func (c *Collector) RecordPoll(protocol string, duration time.Duration) {
	if !c.config.Enabled {
		return
	}
	c.pollDuration.WithLabelValues(protocol).Observe(duration.Seconds())
}

// SetDeviceCount sets the registered-device gauge for one status.
func (c *Collector) SetDeviceCount(status string, count int) {
	if !c.config.Enabled {
		return
	}
	c.devicesByStatus.WithLabelValues(status).Set(float64(count))
}

// SetQueueDepth sets the pending-command gauge for one device.
func (c *Collector) SetQueueDepth(deviceID string, depth int) {
	if !c.config.Enabled {
		return
	}
	c.queueDepth.WithLabelValues(deviceID).Set(float64(depth))
}

// SetDevicesTracked sets the active-actor gauge.
func (c *Collector) SetDevicesTracked(count int) {
	if !c.config.Enabled {
		return
	}
	c.devicesTracked.Set(float64(count))
}

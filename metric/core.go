package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all platform-level metrics (not domain-specific)
type Metrics struct {
	// Dispatch metrics
	ServiceStatus      *prometheus.GaugeVec
	PacketsReceived    *prometheus.CounterVec
	PacketsProcessed   *prometheus.CounterVec
	EventsPublished    *prometheus.CounterVec
	FramesSent         *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	ErrorsTotal        *prometheus.CounterVec

	// NATS metrics
	NATSConnected      prometheus.Gauge
	NATSRTT            prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all platform metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ServiceStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "satbridge",
				Subsystem: "service",
				Name:      "status",
				Help:      "Service status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
			},
			[]string{"service"},
		),

		PacketsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "satbridge",
				Subsystem: "uplink",
				Name:      "packets_received_total",
				Help:      "Total number of uplink packets received",
			},
			[]string{"service"},
		),

		PacketsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "satbridge",
				Subsystem: "uplink",
				Name:      "packets_processed_total",
				Help:      "Total number of uplink packets processed",
			},
			[]string{"service", "status"},
		),

		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "satbridge",
				Subsystem: "uplink",
				Name:      "events_published_total",
				Help:      "Total number of telemetry events published to the gateway",
			},
			[]string{"service"},
		),

		FramesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "satbridge",
				Subsystem: "downlink",
				Name:      "frames_sent_total",
				Help:      "Total number of downlink control frames sent",
			},
			[]string{"service", "status"},
		),

		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "satbridge",
				Subsystem: "processing",
				Name:      "duration_seconds",
				Help:      "Message processing duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "operation"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "satbridge",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors by service and class",
			},
			[]string{"service", "class"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "satbridge",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSRTT: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "satbridge",
				Subsystem: "nats",
				Name:      "rtt_seconds",
				Help:      "NATS round-trip time in seconds",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "satbridge",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),

		NATSCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "satbridge",
				Subsystem: "nats",
				Name:      "circuit_breaker_open",
				Help:      "NATS circuit breaker status (0=closed, 1=open)",
			},
		),
	}
}

// ObserveDuration records a processing duration for a service operation
func (m *Metrics) ObserveDuration(service, operation string, start time.Time) {
	m.ProcessingDuration.WithLabelValues(service, operation).Observe(time.Since(start).Seconds())
}

package nicoscache

import (
	"github.com/rcrowley/go-metrics"
)

// Metrics are server counters. All of them registered in Registry.
type Metrics struct {
	Registry metrics.Registry

	TCPConnections    metrics.Counter
	UDPConnections    metrics.Counter
	ActiveConnections metrics.Gauge

	LinesReceived metrics.Meter
	UpdatesSent   metrics.Meter
	GarbledLines  metrics.Meter
	BackendErrors metrics.Meter
}

// NewMetrics registers server metrics in r. New registry is created if r is nil.
func NewMetrics(r metrics.Registry) *Metrics {
	if r == nil {
		r = metrics.NewRegistry()
	}
	return &Metrics{
		Registry:          r,
		TCPConnections:    metrics.NewRegisteredCounter("connections.tcp", r),
		UDPConnections:    metrics.NewRegisteredCounter("connections.udp", r),
		ActiveConnections: metrics.NewRegisteredGauge("connections.active", r),
		LinesReceived:     metrics.NewRegisteredMeter("lines.received", r),
		UpdatesSent:       metrics.NewRegisteredMeter("updates.sent", r),
		GarbledLines:      metrics.NewRegisteredMeter("errors.garbled", r),
		BackendErrors:     metrics.NewRegisteredMeter("errors.backend", r),
	}
}

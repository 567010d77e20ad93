// Package metrics exposes the manager's Prometheus instrumentation:
// device and consumer population gauges, fan-out throughput counters, and
// per-command control-plane request counts. Everything registers on the
// default registry so the /metrics handler in main picks it all up.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DevicesLive tracks the number of virtual devices currently serving.
	DevicesLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vimputti_devices_live",
		Help: "Number of virtual devices currently serving",
	})

	// ConsumersConnected tracks connected consumer sockets by stream kind
	// (event, joystick, feedback).
	ConsumersConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vimputti_consumers_connected",
		Help: "Connected consumer sockets by stream kind",
	}, []string{"stream"})

	// HotplugSubscribers tracks connected udev-monitor subscribers.
	HotplugSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vimputti_hotplug_subscribers",
		Help: "Connected udev-monitor subscribers",
	})

	// FanoutBytesTotal counts bytes written to consumers across all
	// devices and both stream kinds.
	FanoutBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vimputti_fanout_bytes_written_total",
		Help: "Bytes written to consumers across all devices",
	})

	// ConsumersDroppedTotal counts consumers removed from a fan-out set
	// after a write error or would-block condition.
	ConsumersDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vimputti_fanout_consumers_dropped_total",
		Help: "Consumers dropped after a fan-out write error",
	})

	// UinputSessionsActive tracks uinput sessions currently open.
	UinputSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vimputti_uinput_sessions_active",
		Help: "uinput relay sessions currently open",
	})

	// ControlRequestsTotal counts control-plane requests by command type.
	ControlRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vimputti_control_requests_total",
		Help: "Control-plane requests by command type",
	}, []string{"command"})
)

// Handler returns the Prometheus exposition handler for the admin HTTP
// surface.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Package metrics exposes Prometheus instrumentation for the gateway.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// GatewayMetrics manages Prometheus instrumentation for dispatch activity.
type GatewayMetrics struct {
	dispatchTotal  *prometheus.CounterVec
	forwardedTotal *prometheus.CounterVec
	reconnectTotal *prometheus.CounterVec
	outboundUp     *prometheus.GaugeVec
	inboundClients prometheus.Gauge
	broadcastTotal prometheus.Counter
	configReloads  prometheus.Counter
	awaitTimeouts  *prometheus.CounterVec
}

var (
	gatewayMetricsInstance *GatewayMetrics
	gatewayMetricsOnce     sync.Once
)

// Get returns the process-wide metrics instance, registering collectors on
// first use.
func Get() *GatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		gatewayMetricsInstance = newGatewayMetrics()
	})
	return gatewayMetricsInstance
}

func newGatewayMetrics() *GatewayMetrics {
	gm := &GatewayMetrics{
		dispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dispatch",
				Subsystem: "router",
				Name:      "messages_total",
				Help:      "Routed messages partitioned by outcome.",
			},
			[]string{"outcome"},
		),
		forwardedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dispatch",
				Subsystem: "router",
				Name:      "forwarded_total",
				Help:      "Events forwarded downstream partitioned by connection.",
			},
			[]string{"connection"},
		),
		reconnectTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dispatch",
				Subsystem: "outbound",
				Name:      "reconnect_attempts_total",
				Help:      "Reconnect attempts per outbound connection.",
			},
			[]string{"connection"},
		),
		outboundUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "dispatch",
				Subsystem: "outbound",
				Name:      "connection_up",
				Help:      "1 when the outbound connection is open, 0 otherwise.",
			},
			[]string{"connection"},
		),
		inboundClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "dispatch",
				Subsystem: "inbound",
				Name:      "clients",
				Help:      "Currently connected inbound adapter clients.",
			},
		),
		broadcastTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "dispatch",
				Subsystem: "inbound",
				Name:      "broadcast_frames_total",
				Help:      "Frames broadcast to inbound adapter clients.",
			},
		),
		configReloads: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "dispatch",
				Subsystem: "config",
				Name:      "reloads_total",
				Help:      "Successful configuration reloads.",
			},
		),
		awaitTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dispatch",
				Subsystem: "outbound",
				Name:      "await_timeouts_total",
				Help:      "send_and_wait calls that timed out per connection.",
			},
			[]string{"connection"},
		),
	}

	prometheus.MustRegister(
		gm.dispatchTotal,
		gm.forwardedTotal,
		gm.reconnectTotal,
		gm.outboundUp,
		gm.inboundClients,
		gm.broadcastTotal,
		gm.configReloads,
		gm.awaitTimeouts,
	)

	return gm
}

// RecordDispatch counts one routed message by outcome (forwarded, allowed,
// rejected, system, error).
func (gm *GatewayMetrics) RecordDispatch(outcome string) {
	if gm == nil {
		return
	}
	gm.dispatchTotal.WithLabelValues(outcome).Inc()
}

// RecordForward counts one event forwarded to the named connection.
func (gm *GatewayMetrics) RecordForward(connection string) {
	if gm == nil {
		return
	}
	gm.forwardedTotal.WithLabelValues(connection).Inc()
}

// RecordReconnectAttempt counts one reconnect attempt for the connection.
func (gm *GatewayMetrics) RecordReconnectAttempt(connection string) {
	if gm == nil {
		return
	}
	gm.reconnectTotal.WithLabelValues(connection).Inc()
}

// SetOutboundUp records whether the named connection is currently open.
func (gm *GatewayMetrics) SetOutboundUp(connection string, up bool) {
	if gm == nil {
		return
	}
	v := 0.0
	if up {
		v = 1.0
	}
	gm.outboundUp.WithLabelValues(connection).Set(v)
}

// SetInboundClients records the current inbound client count.
func (gm *GatewayMetrics) SetInboundClients(n int) {
	if gm == nil {
		return
	}
	gm.inboundClients.Set(float64(n))
}

// RecordBroadcast counts one frame broadcast to inbound clients.
func (gm *GatewayMetrics) RecordBroadcast() {
	if gm == nil {
		return
	}
	gm.broadcastTotal.Inc()
}

// RecordConfigReload counts one successful configuration reload.
func (gm *GatewayMetrics) RecordConfigReload() {
	if gm == nil {
		return
	}
	gm.configReloads.Inc()
}

// RecordAwaitTimeout counts one expired send_and_wait call.
func (gm *GatewayMetrics) RecordAwaitTimeout(connection string) {
	if gm == nil {
		return
	}
	gm.awaitTimeouts.WithLabelValues(connection).Inc()
}

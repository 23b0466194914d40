// Package metrics exposes collector health to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "driverio"

// NewRegistry creates a private registry with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the registry in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// Metrics holds the collector's own instruments.
type Metrics struct {
	FramesReceived     prometheus.Counter
	FramesCoalesced    prometheus.Counter
	DecodeErrors       prometheus.Counter
	GPSFixes           prometheus.Counter
	Reconnects         prometheus.Counter
	BatchesFlushed     prometheus.Counter
	SyncErrors         prometheus.Counter
	TransportConnected prometheus.Gauge
	RestartEnabled     prometheus.Gauge
	DashboardClients   prometheus.Gauge
	ChannelSends       *prometheus.CounterVec   // labels: channel, result=ok|error|rate_limited|coalesced
	SendLatency        *prometheus.HistogramVec // labels: channel
	SendsInFlight      prometheus.Gauge
}

// New registers and returns the instruments.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Status frames read from the vehicle transport.",
		}),
		FramesCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_coalesced_total",
			Help:      "Frame-ready signals folded into an already pending one.",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Frames rejected by the decoder.",
		}),
		GPSFixes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gps_fixes_total",
			Help:      "Valid positioning fixes spliced into the frame.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_reconnects_total",
			Help:      "Vehicle transport disconnects followed by a reconnect attempt.",
		}),
		BatchesFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_flushed_total",
			Help:      "Minute batches handed to the file-sync boundary.",
		}),
		SyncErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_errors_total",
			Help:      "Minute batches the file-sync boundary failed to accept.",
		}),
		TransportConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transport_connected",
			Help:      "1 while the vehicle transport is connected.",
		}),
		RestartEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "restart_enabled",
			Help:      "1 while every monitored interlock is nominal.",
		}),
		DashboardClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dashboard_clients",
			Help:      "Connected engineering dashboard websocket clients.",
		}),
		ChannelSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_sends_total",
			Help:      "Outbound channel sends by result.",
		}, []string{"channel", "result"}),
		SendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "channel_send_seconds",
			Help:      "Outbound channel send latency.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"channel"}),
		SendsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_sends_in_flight",
			Help:      "Outbound channel sends currently running.",
		}),
	}
	reg.MustRegister(
		m.FramesReceived, m.FramesCoalesced, m.DecodeErrors, m.GPSFixes, m.Reconnects,
		m.BatchesFlushed, m.SyncErrors, m.TransportConnected, m.RestartEnabled,
		m.DashboardClients, m.ChannelSends, m.SendLatency, m.SendsInFlight,
	)
	return m
}

// Discard returns instruments bound to a throwaway registry, for callers
// and tests that do not export metrics.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}

// SetBool sets a gauge to 1 or 0.
func SetBool(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
	} else {
		g.Set(0)
	}
}

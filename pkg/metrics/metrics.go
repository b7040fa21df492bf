// Package metrics declares the relay's Prometheus instrumentation,
// grounded on the teacher's own pkg/metrics: the same
// promauto-constructed counters/gauges/histograms, relabelled from
// HTTP-analysis concerns to room/client/store concerns.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every gauge/counter/histogram the relay exposes on
// /metrics. One instance is shared across every room a relay process
// hosts.
type Metrics struct {
	roomsOpen        prometheus.Gauge
	clientsConnected prometheus.Gauge

	updatesApplied   prometheus.Counter
	updatesBroadcast prometheus.Counter
	framesDropped    *prometheus.CounterVec

	storeQueueDepth prometheus.Gauge
	storeFlushes    prometheus.Counter

	reconnects        prometheus.Counter
	connectionLatency prometheus.Histogram

	handshakeRejections *prometheus.CounterVec
}

// New builds and registers every metric against reg. Pass
// prometheus.DefaultRegisterer for the relay's own /metrics endpoint, or
// a fresh prometheus.NewRegistry() in tests so repeated test runs don't
// collide on already-registered metric names.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		roomsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "elva_rooms_open",
			Help: "Number of rooms currently open on this relay.",
		}),
		clientsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "elva_clients_connected",
			Help: "Number of client connections currently attached across all rooms.",
		}),
		updatesApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "elva_updates_applied_total",
			Help: "Total number of CRDT updates applied to a persistent room's document.",
		}),
		updatesBroadcast: factory.NewCounter(prometheus.CounterOpts{
			Name: "elva_updates_broadcast_total",
			Help: "Total number of frames broadcast to other clients in a room.",
		}),
		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "elva_frames_dropped_total",
			Help: "Total number of inbound frames dropped, by reason.",
		}, []string{"reason"}),
		storeQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "elva_store_queue_depth",
			Help: "Current depth of a store's pending-write channel, summed across rooms.",
		}),
		storeFlushes: factory.NewCounter(prometheus.CounterOpts{
			Name: "elva_store_flushes_total",
			Help: "Total number of durable flushes a store has performed.",
		}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "elva_client_reconnects_total",
			Help: "Total number of client-side reconnection attempts.",
		}),
		connectionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "elva_connection_handshake_seconds",
			Help:    "Time from dial to a completed upgrade handshake.",
			Buckets: prometheus.DefBuckets,
		}),
		handshakeRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "elva_handshake_rejections_total",
			Help: "Total number of rejected upgrade handshakes, by HTTP status.",
		}, []string{"status"}),
	}
}

func (m *Metrics) RoomOpened()         { m.roomsOpen.Inc() }
func (m *Metrics) RoomClosed()         { m.roomsOpen.Dec() }
func (m *Metrics) ClientConnected()    { m.clientsConnected.Inc() }
func (m *Metrics) ClientDisconnected() { m.clientsConnected.Dec() }
func (m *Metrics) UpdateApplied()      { m.updatesApplied.Inc() }
func (m *Metrics) UpdateBroadcast()    { m.updatesBroadcast.Inc() }

func (m *Metrics) FrameDropped(reason string) {
	m.framesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetStoreQueueDepth(depth int) { m.storeQueueDepth.Set(float64(depth)) }
func (m *Metrics) StoreFlushed()                { m.storeFlushes.Inc() }
func (m *Metrics) ClientReconnected()           { m.reconnects.Inc() }

func (m *Metrics) ObserveHandshake(d time.Duration) {
	m.connectionLatency.Observe(d.Seconds())
}

func (m *Metrics) HandshakeRejected(status int) {
	m.handshakeRejections.WithLabelValues(statusLabel(status)).Inc()
}

func statusLabel(status int) string {
	switch status {
	case 401:
		return "401"
	case 403:
		return "403"
	default:
		return "other"
	}
}

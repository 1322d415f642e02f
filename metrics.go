package netcore

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the collectors for the HTTP and realtime layers. Collectors
// work unregistered, so a zero-config component still counts; call Register
// to expose them.
type Metrics struct {
	HTTPRequests   *prometheus.CounterVec
	HTTPDuration   *prometheus.HistogramVec
	DedupCollapsed prometheus.Counter
	DedupInFlight  prometheus.Gauge
	RealtimeState  prometheus.Gauge
	ReconnectTries prometheus.Counter
	QueueDepth     prometheus.Gauge
	QueueReplayed  prometheus.Counter
	QueueDropped   prometheus.Counter
	ListenerPanics prometheus.Counter
	EventsReceived *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netcore_http_requests_total",
			Help: "Total HTTP calls by method and outcome.",
		}, []string{"method", "outcome"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "netcore_http_request_duration_seconds",
			Help:    "HTTP call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		DedupCollapsed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netcore_dedup_collapsed_total",
			Help: "Total requests served by an already in-flight identical call.",
		}),
		DedupInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "netcore_dedup_inflight",
			Help: "Distinct requests currently in flight.",
		}),
		RealtimeState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "netcore_realtime_state",
			Help: "Realtime connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting).",
		}),
		ReconnectTries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netcore_realtime_reconnect_attempts_total",
			Help: "Total realtime reconnect attempts.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "netcore_realtime_queue_depth",
			Help: "Invocations waiting for a connection.",
		}),
		QueueReplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netcore_realtime_queue_replayed_total",
			Help: "Total queued invocations delivered after reconnect.",
		}),
		QueueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netcore_realtime_queue_dropped_total",
			Help: "Total queued invocations dropped after a failed replay.",
		}),
		ListenerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netcore_realtime_listener_panics_total",
			Help: "Total event listeners that panicked during dispatch.",
		}),
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netcore_realtime_events_total",
			Help: "Total inbound hub events by name.",
		}, []string{"event"}),
	}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.HTTPRequests, m.HTTPDuration,
		m.DedupCollapsed, m.DedupInFlight,
		m.RealtimeState, m.ReconnectTries,
		m.QueueDepth, m.QueueReplayed, m.QueueDropped,
		m.ListenerPanics, m.EventsReceived,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

package virtiofwd

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the Prometheus collectors this core registers so a
// misbehaving backend (protocol desync) or an undersized pool shows up
// on the same dashboard that would catch it in production, the way
// kata-containers' control plane exposes its own collectors rather than
// leaving operators to grep logs.
type Metrics struct {
	backendPoolLive     prometheus.Gauge
	frontendPoolLive    prometheus.Gauge
	poolExhausted       prometheus.Counter
	protocolDesync      prometheus.Counter
	unhandledEvents     prometheus.Counter
	backendQueueDepth   prometheus.Histogram
	hypercalls          *prometheus.CounterVec
}

// NewMetrics constructs and registers the core's collectors against reg.
// Pass prometheus.NewRegistry() (or prometheus.DefaultRegisterer) from
// the embedding hypervisor.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		backendPoolLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "virtio_backend_pool_live_records",
			Help: "Access records currently allocated from the backend-side pool.",
		}),
		frontendPoolLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "virtio_frontend_pool_live_records",
			Help: "Access records currently allocated from the frontend-side pool.",
		}),
		poolExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "virtio_pool_exhausted_total",
			Help: "Allocation attempts that failed because a record pool was full.",
		}),
		protocolDesync: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "virtio_protocol_desync_total",
			Help: "WRITE/READ hypercalls whose reg_off did not match the queue head.",
		}),
		unhandledEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "virtio_messenger_unhandled_events_total",
			Help: "Cross-CPU messages delivered to an event with no registered handler (e.g. NOTIFY_BACKEND_POLL).",
		}),
		backendQueueDepth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "virtio_backend_queue_depth",
			Help:    "Depth of an instance's backend_pending queue, sampled on each ASK.",
			Buckets: prometheus.LinearBuckets(0, 2, 10),
		}),
		hypercalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "virtio_hypercalls_total",
			Help: "Backend hypercalls handled, by opcode and result status.",
		}, []string{"op", "status"}),
	}

	reg.MustRegister(
		m.backendPoolLive,
		m.frontendPoolLive,
		m.poolExhausted,
		m.protocolDesync,
		m.unhandledEvents,
		m.backendQueueDepth,
		m.hypercalls,
	)
	return m
}

func noopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

package flowmux

import "github.com/prometheus/client_golang/prometheus"

// Metrics is an optional bundle of engine counters. A nil *Metrics is
// valid everywhere one is accepted and records nothing.
type Metrics struct {
	StreamsActive  prometheus.Gauge
	StreamsPending prometheus.Gauge
	StreamsZombie  prometheus.Gauge
	StreamsOpened  prometheus.Counter
	StreamsClosed  prometheus.Counter
	Promotions     prometheus.Counter
	WritePasses    prometheus.Counter
	BytesWritten   prometheus.Counter
	GrantsSent     *prometheus.CounterVec
	GrantBytes     *prometheus.CounterVec
	BusyLoopBreaks prometheus.Counter
}

// NewMetrics builds the engine metric bundle and registers it with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StreamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowmux",
			Subsystem: "streams",
			Name:      "active",
			Help:      "Live streams.",
		}),
		StreamsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowmux",
			Subsystem: "streams",
			Name:      "pending",
			Help:      "Stream ids seen but not yet materialized.",
		}),
		StreamsZombie: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowmux",
			Subsystem: "streams",
			Name:      "zombie",
			Help:      "Closed streams retained for acknowledgment bookkeeping.",
		}),
		StreamsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowmux",
			Subsystem: "streams",
			Name:      "opened_total",
			Help:      "Streams materialized.",
		}),
		StreamsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowmux",
			Subsystem: "streams",
			Name:      "closed_total",
			Help:      "Streams fully resolved and removed.",
		}),
		Promotions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowmux",
			Subsystem: "streams",
			Name:      "promotions_total",
			Help:      "Pending streams promoted to open.",
		}),
		WritePasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowmux",
			Subsystem: "mux",
			Name:      "write_passes_total",
			Help:      "Write passes run.",
		}),
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowmux",
			Subsystem: "mux",
			Name:      "bytes_written_total",
			Help:      "New payload bytes handed to the transport.",
		}),
		GrantsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowmux",
			Subsystem: "flow",
			Name:      "grants_total",
			Help:      "Flow-control grants emitted.",
		}, []string{"scope"}),
		GrantBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowmux",
			Subsystem: "flow",
			Name:      "grant_bytes_total",
			Help:      "Flow-control bytes granted.",
		}, []string{"scope"}),
		BusyLoopBreaks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowmux",
			Subsystem: "mux",
			Name:      "busy_loop_breaks_total",
			Help:      "Streams reset for repeatedly writing nothing.",
		}),
	}
	reg.MustRegister(
		m.StreamsActive, m.StreamsPending, m.StreamsZombie,
		m.StreamsOpened, m.StreamsClosed, m.Promotions,
		m.WritePasses, m.BytesWritten,
		m.GrantsSent, m.GrantBytes, m.BusyLoopBreaks,
	)
	return m
}

func (m *Metrics) setStreamGauges(active, pending, zombie int) {
	if m != nil {
		m.StreamsActive.Set(float64(active))
		m.StreamsPending.Set(float64(pending))
		m.StreamsZombie.Set(float64(zombie))
	}
}

func (m *Metrics) streamOpened() {
	if m != nil {
		m.StreamsOpened.Inc()
	}
}

func (m *Metrics) streamClosed() {
	if m != nil {
		m.StreamsClosed.Inc()
	}
}

func (m *Metrics) streamPromoted() {
	if m != nil {
		m.Promotions.Inc()
	}
}

func (m *Metrics) writePass(bytes int64) {
	if m != nil {
		m.WritePasses.Inc()
		m.BytesWritten.Add(float64(bytes))
	}
}

func (m *Metrics) grantSent(scope string, delta int64) {
	if m != nil {
		m.GrantsSent.WithLabelValues(scope).Inc()
		m.GrantBytes.WithLabelValues(scope).Add(float64(delta))
	}
}

func (m *Metrics) busyLoopBreak() {
	if m != nil {
		m.BusyLoopBreaks.Inc()
	}
}

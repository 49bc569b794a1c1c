package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the service collectors. A nil *Metrics is valid and records
// nothing, which keeps tests and tools free of a registry.
type Metrics struct {
	ThreadsOpen      prometheus.Gauge
	ThreadsCreated   prometheus.Counter
	ThreadsClosed    *prometheus.CounterVec
	ThreadsCancelled prometheus.Counter
	MessagesRelayed  *prometheus.CounterVec
	LinkFailures     *prometheus.CounterVec
	GatewayEvents    *prometheus.CounterVec
	DispatchDropped  prometheus.Counter
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
}

func New() *Metrics {
	return &Metrics{
		ThreadsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "modmail", Name: "threads_open", Help: "Threads currently held by the registry.",
		}),
		ThreadsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "modmail", Name: "threads_created_total", Help: "Thread channels created.",
		}),
		ThreadsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modmail", Name: "threads_closed_total", Help: "Threads closed.",
		}, []string{"scheduled"}),
		ThreadsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "modmail", Name: "threads_cancelled_total", Help: "Threads cancelled before setup.",
		}),
		MessagesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modmail", Name: "messages_relayed_total", Help: "Messages relayed between DM and thread channel.",
		}, []string{"kind"}),
		LinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modmail", Name: "link_failures_total", Help: "Linked message resolution failures.",
		}, []string{"kind"}),
		GatewayEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modmail", Name: "gateway_events_total", Help: "Inbound gateway events.",
		}, []string{"type"}),
		DispatchDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "modmail", Name: "dispatch_dropped_total", Help: "Events rejected because a worker queue was full.",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modmail", Name: "http_requests_total", Help: "Total HTTP requests.",
		}, []string{"route", "method", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "modmail",
			Name:      "http_request_duration_seconds",
			Help:      "Request duration seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ThreadsOpen, m.ThreadsCreated, m.ThreadsClosed, m.ThreadsCancelled,
		m.MessagesRelayed, m.LinkFailures, m.GatewayEvents, m.DispatchDropped,
		m.RequestsTotal, m.RequestDuration,
	}
}

func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	if m == nil {
		return
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.collectors()...)
}

func (m *Metrics) SetOpenThreads(n int) {
	if m == nil {
		return
	}
	m.ThreadsOpen.Set(float64(n))
}

func (m *Metrics) ThreadCreated() {
	if m == nil {
		return
	}
	m.ThreadsCreated.Inc()
}

func (m *Metrics) ThreadClosed(scheduled bool) {
	if m == nil {
		return
	}
	m.ThreadsClosed.WithLabelValues(strconv.FormatBool(scheduled)).Inc()
}

func (m *Metrics) ThreadCancelled() {
	if m == nil {
		return
	}
	m.ThreadsCancelled.Inc()
}

func (m *Metrics) MessageRelayed(kind string) {
	if m == nil {
		return
	}
	m.MessagesRelayed.WithLabelValues(kind).Inc()
}

func (m *Metrics) LinkFailure(kind string) {
	if m == nil {
		return
	}
	m.LinkFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) GatewayEvent(typ string) {
	if m == nil {
		return
	}
	m.GatewayEvents.WithLabelValues(typ).Inc()
}

func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.DispatchDropped.Inc()
}

func (m *Metrics) ObserveRequest(route, method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(route, method).Observe(elapsed.Seconds())
}

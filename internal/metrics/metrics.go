package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder receives fire-and-forget operational notifications from the
// pipeline. Implementations must never block or fail the caller.
type Recorder interface {
	SampleProcessed()
	AlertTriggered(name, severity string)
	SetSubscribers(n int)
	SetBufferSize(n int)
	MessageDropped()
}

// Nop discards everything
type Nop struct{}

func (Nop) SampleProcessed()              {}
func (Nop) AlertTriggered(string, string) {}
func (Nop) SetSubscribers(int)            {}
func (Nop) SetBufferSize(int)             {}
func (Nop) MessageDropped()               {}

// Prom exposes pipeline and HTTP metrics through its own registry
type Prom struct {
	registry *prometheus.Registry

	messages    prometheus.Counter
	alerts      *prometheus.CounterVec
	subscribers prometheus.Gauge
	bufferSize  prometheus.Gauge
	dropped     prometheus.Counter
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
}

// NewProm creates and registers every collector on a fresh registry
func NewProm() *Prom {
	p := &Prom{
		registry: prometheus.NewRegistry(),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_messages_total",
			Help: "Total telemetry samples processed by the pipeline.",
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alerts_total",
			Help: "Total alerts triggered.",
		}, []string{"alert_name", "severity"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "websocket_connected_clients",
			Help: "Number of connected stream subscribers.",
		}),
		bufferSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "telemetry_buffer_size",
			Help: "Current size of the telemetry history buffer.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_subscriber_dropped_total",
			Help: "Messages discarded because a subscriber queue was full.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests.",
		}, []string{"method", "endpoint"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "handler_latency_seconds",
			Help:    "Handler latency in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}, []string{"handler"}),
	}

	p.registry.MustRegister(
		p.messages,
		p.alerts,
		p.subscribers,
		p.bufferSize,
		p.dropped,
		p.requests,
		p.latency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

func (p *Prom) SampleProcessed() { p.messages.Inc() }

func (p *Prom) AlertTriggered(name, severity string) {
	p.alerts.WithLabelValues(name, severity).Inc()
}

func (p *Prom) SetSubscribers(n int) { p.subscribers.Set(float64(n)) }

func (p *Prom) SetBufferSize(n int) { p.bufferSize.Set(float64(n)) }

func (p *Prom) MessageDropped() { p.dropped.Inc() }

// ObserveRequest counts an HTTP request and records its latency
func (p *Prom) ObserveRequest(method, endpoint string, d time.Duration) {
	p.requests.WithLabelValues(method, endpoint).Inc()
	p.latency.WithLabelValues(endpoint).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text format
func (p *Prom) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry
func (p *Prom) Registry() *prometheus.Registry {
	return p.registry
}

var _ Recorder = (*Prom)(nil)
var _ Recorder = Nop{}

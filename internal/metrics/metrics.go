// Package metrics is the side-effect sink the sync components report into.
package metrics

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "docsync"

// Metric names emitted by the gateway, registry and doc manager.
const (
	SocketCounter     = "socket_io_counter"
	SocketTimer       = "socket_io_timer"
	SocketConnections = "socket_io_connection"
	SocketErrors      = "socket_io_errors"
	FlushTotal        = "doc_flush_total"
	FlushDuration     = "doc_flush_duration"
	FlushedUpdates    = "doc_flushed_updates"
	CompactionTotal   = "doc_compaction_total"
	CachedDocs        = "doc_cache_docs"
	BroadcastDropped  = "room_broadcast_dropped"
)

var help = map[string]string{
	SocketCounter:     "Counter of sync protocol messages handled, by event.",
	SocketTimer:       "Handling latency of sync protocol messages in seconds, by event.",
	SocketConnections: "Number of live sync connections held by this process.",
	SocketErrors:      "Counter of sync protocol error replies, by event and error name.",
	FlushTotal:        "Counter of doc manager buffer flushes, by result.",
	FlushDuration:     "Latency of doc manager flushes in seconds, including retries.",
	FlushedUpdates:    "Counter of update fragments written to the update store.",
	CompactionTotal:   "Counter of document compactions, by result.",
	CachedDocs:        "Number of reconstructed documents held in the doc manager cache.",
	BroadcastDropped:  "Counter of room deliveries dropped because a connection queue was full.",
}

// LatencyBuckets covers message handling from 1ms to 30s.
var LatencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

type Labels map[string]string

type Sink interface {
	Count(name string, labels Labels)
	// Timer starts a latency observation; calling the returned func records it.
	Timer(name string, labels Labels) func()
	Gauge(name string, labels Labels, delta float64)
}

type Noop struct{}

func (Noop) Count(string, Labels)          {}
func (Noop) Timer(string, Labels) func()   { return func() {} }
func (Noop) Gauge(string, Labels, float64) {}

// Prometheus registers vectors lazily, fixing the label names of a metric on
// first use. Later observations with other label keys are mapped onto those
// names; missing values are reported as empty strings.
type Prometheus struct {
	registry *prometheus.Registry

	mu         sync.Mutex
	labelNames map[string][]string
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Prometheus{
		registry:   registry,
		labelNames: make(map[string][]string),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Prometheus) Count(name string, labels Labels) {
	p.counter(name, labels).Inc()
}

func (p *Prometheus) Timer(name string, labels Labels) func() {
	observer := p.histogram(name, labels)
	started := time.Now()
	return func() {
		observer.Observe(time.Since(started).Seconds())
	}
}

func (p *Prometheus) Gauge(name string, labels Labels, delta float64) {
	p.gauge(name, labels).Add(delta)
}

func (p *Prometheus) counter(name string, labels Labels) prometheus.Counter {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := p.namesFor(name, labels)
	vec, ok := p.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      helpFor(name),
		}, names)
		p.registry.MustRegister(vec)
		p.counters[name] = vec
	}
	return vec.WithLabelValues(values(names, labels)...)
}

func (p *Prometheus) histogram(name string, labels Labels) prometheus.Observer {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := p.namesFor(name, labels)
	vec, ok := p.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      name,
			Help:      helpFor(name),
			Buckets:   LatencyBuckets,
		}, names)
		p.registry.MustRegister(vec)
		p.histograms[name] = vec
	}
	return vec.WithLabelValues(values(names, labels)...)
}

func (p *Prometheus) gauge(name string, labels Labels) prometheus.Gauge {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := p.namesFor(name, labels)
	vec, ok := p.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      helpFor(name),
		}, names)
		p.registry.MustRegister(vec)
		p.gauges[name] = vec
	}
	return vec.WithLabelValues(values(names, labels)...)
}

// namesFor must be called with p.mu held.
func (p *Prometheus) namesFor(name string, labels Labels) []string {
	if names, ok := p.labelNames[name]; ok {
		return names
	}
	names := make([]string, 0, len(labels))
	for key := range labels {
		names = append(names, key)
	}
	sort.Strings(names)
	p.labelNames[name] = names
	return names
}

func values(names []string, labels Labels) []string {
	out := make([]string, len(names))
	for i, name := range names {
		out[i] = labels[name]
	}
	return out
}

func helpFor(name string) string {
	if text, ok := help[name]; ok {
		return text
	}
	return name
}

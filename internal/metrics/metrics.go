// Package metrics exposes scanner counters and latencies to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/e7canasta/scanlens/modules/detection"
	"github.com/e7canasta/scanlens/modules/framechannel"
	"github.com/e7canasta/scanlens/modules/itemcache"
	"github.com/e7canasta/scanlens/modules/placement"
)

const namespace = "scanlens"

// Metrics owns the scanner collectors and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	detectionCycles  *prometheus.CounterVec
	detectionLatency prometheus.Histogram
	invalidCodes     prometheus.Counter
	fetchRequests    *prometheus.CounterVec
	fetchDuration    prometheus.Histogram
	placements       *prometheus.CounterVec
	cacheEvents      *prometheus.CounterVec
	cacheItems       prometheus.Gauge
	activeOverlays   prometheus.Gauge
}

// New creates the collectors on a fresh registry, together with the
// standard Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		detectionCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "detection",
				Name:      "cycles_total",
				Help:      "Detection passes by result (success, empty, failure).",
			},
			[]string{"result"},
		),
		detectionLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "detection",
				Name:      "duration_seconds",
				Help:      "Latency of a single detector call.",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
		),
		invalidCodes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "detection",
				Name:      "invalid_codes_total",
				Help:      "Detector candidates rejected by the validity filter.",
			},
		),
		fetchRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fetch",
				Name:      "requests_total",
				Help:      "Backend fetches by outcome (ok, no_data, error).",
			},
			[]string{"outcome"},
		),
		fetchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "fetch",
				Name:      "duration_seconds",
				Help:      "Backend fetch latency including retries.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		placements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "placement",
				Name:      "attempts_total",
				Help:      "Placement attempts by outcome.",
			},
			[]string{"outcome"},
		),
		cacheEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "events_total",
				Help:      "Item cache insertions and evictions.",
			},
			[]string{"type"},
		),
		cacheItems: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "items",
				Help:      "Items currently cached.",
			},
		),
		activeOverlays: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "placement",
				Name:      "active_overlays",
				Help:      "Items with a live overlay.",
			},
		),
	}

	m.registry.MustRegister(
		m.detectionCycles,
		m.detectionLatency,
		m.invalidCodes,
		m.fetchRequests,
		m.fetchDuration,
		m.placements,
		m.cacheEvents,
		m.cacheItems,
		m.activeOverlays,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry backing the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveCycle records one detection pass. Usable as a detection.WithCycleHook.
func (m *Metrics) ObserveCycle(c detection.Cycle) {
	switch {
	case c.Err != nil:
		m.detectionCycles.WithLabelValues("failure").Inc()
	case c.Valid == 0:
		m.detectionCycles.WithLabelValues("empty").Inc()
	default:
		m.detectionCycles.WithLabelValues("success").Inc()
	}
	m.detectionLatency.Observe(c.Latency.Seconds())
	if c.Dropped > 0 {
		m.invalidCodes.Add(float64(c.Dropped))
	}
}

// Fetch outcome labels.
const (
	FetchOK     = "ok"
	FetchNoData = "no_data"
	FetchError  = "error"
)

// RecordFetch records a completed backend fetch.
func (m *Metrics) RecordFetch(outcome string, d time.Duration) {
	m.fetchRequests.WithLabelValues(outcome).Inc()
	m.fetchDuration.Observe(d.Seconds())
}

// RecordPlacement records a placement attempt.
func (m *Metrics) RecordPlacement(o placement.Outcome) {
	m.placements.WithLabelValues(o.String()).Inc()
}

// RecordCacheEvent records a cache notification and the resulting size.
func (m *Metrics) RecordCacheEvent(ev itemcache.Event, size int) {
	m.cacheEvents.WithLabelValues(ev.Type.String()).Inc()
	m.cacheItems.Set(float64(size))
}

// SetActiveOverlays sets the live overlay gauge.
func (m *Metrics) SetActiveOverlays(n int) {
	m.activeOverlays.Set(float64(n))
}

// WatchFrameChannel exports frame channel counters, read at scrape time.
func (m *Metrics) WatchFrameChannel(stats func() framechannel.Stats) {
	counter := func(name, help string, read func(framechannel.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "frames",
				Name:      name,
				Help:      help,
			},
			func() float64 { return float64(read(stats())) },
		)
	}

	m.registry.MustRegister(
		counter("offered_total", "Frames accepted by the frame channel.",
			func(s framechannel.Stats) uint64 { return s.Offered }),
		counter("taken_total", "Frames handed to the detection worker.",
			func(s framechannel.Stats) uint64 { return s.Taken }),
		counter("dropped_total", "Frames evicted by backpressure or close.",
			func(s framechannel.Stats) uint64 { return s.Dropped }),
		counter("superseded_total", "Buffered frames skipped for a newer one.",
			func(s framechannel.Stats) uint64 { return s.Superseded }),
	)
}

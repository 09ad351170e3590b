// Package observability exports request and handler metrics to Prometheus
// and flags slow or failing routes.
package observability

import (
	"context"
	"fmt"
	nethttp "net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/searchktools/fast-exchange/core/compress"
)

const namespace = "fastx"

// Monitor records request lifecycle events and per-route handler timings.
// It implements http.Recorder.
type Monitor struct {
	registry *prometheus.Registry

	started   *prometheus.CounterVec
	responses *prometheus.CounterVec
	bytes     prometheus.Histogram
	codecs    *prometheus.CounterVec
	live      prometheus.Gauge
	lifetime  prometheus.Histogram
	handlers  *prometheus.HistogramVec

	enabled atomic.Bool
	routes  sync.Map

	bottlenecks  []Bottleneck
	bottleneckMu sync.RWMutex

	// SlowThreshold is the average latency above which a route is reported.
	SlowThreshold time.Duration
	// ErrorRate is the error ratio above which a route is reported.
	ErrorRate float64
}

// RouteStats holds the running totals for one route.
type RouteStats struct {
	Name          string
	Count         atomic.Uint64
	Errors        atomic.Uint64
	TotalDuration atomic.Uint64
	MinDuration   atomic.Uint64
	MaxDuration   atomic.Uint64
}

// Bottleneck is a route that crossed a latency or error threshold.
type Bottleneck struct {
	Type       string
	Location   string
	Severity   int
	Impact     float64
	DetectedAt time.Time
	Details    string
}

// NewMonitor creates a monitor with its own registry.
func NewMonitor() *Monitor {
	m := &Monitor{
		registry:      prometheus.NewRegistry(),
		SlowThreshold: 100 * time.Millisecond,
		ErrorRate:     0.05,
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "requests",
			Name:      "started_total",
			Help:      "Requests wrapped, by method.",
		}, []string{"method"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "responses",
			Name:      "total",
			Help:      "Finalized responses, by status code and reply mode.",
		}, []string{"code", "mode"}),
		bytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "responses",
			Name:      "body_bytes",
			Help:      "Size of buffered response bodies.",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		}),
		codecs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "responses",
			Name:      "codec_total",
			Help:      "Compression codecs selected for output streams.",
		}, []string{"codec"}),
		live: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "requests",
			Name:      "live",
			Help:      "Requests not yet torn down.",
		}),
		lifetime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "requests",
			Name:      "lifetime_seconds",
			Help:      "Time from wrap to teardown.",
			Buckets:   prometheus.DefBuckets,
		}),
		handlers: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "handler",
			Name:      "duration_seconds",
			Help:      "Handler latency, by route.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
		}, []string{"route"}),
	}
	m.enabled.Store(true)
	m.registry.MustRegister(m.started, m.responses, m.bytes, m.codecs, m.live, m.lifetime, m.handlers)
	return m
}

// Registry exposes the registry, e.g. to add process collectors.
func (m *Monitor) Registry() *prometheus.Registry { return m.registry }

// Handler serves the metrics in the Prometheus exposition format.
func (m *Monitor) Handler() nethttp.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Monitor) SetEnabled(on bool) { m.enabled.Store(on) }

func (m *Monitor) RequestStarted(method string) {
	if !m.enabled.Load() {
		return
	}
	m.started.WithLabelValues(method).Inc()
	m.live.Inc()
}

func (m *Monitor) ResponseFinalized(code int, mode string, size int) {
	if !m.enabled.Load() {
		return
	}
	m.responses.WithLabelValues(strconv.Itoa(code), mode).Inc()
	if size > 0 {
		m.bytes.Observe(float64(size))
	}
}

func (m *Monitor) CodecSelected(c compress.Codec) {
	if !m.enabled.Load() {
		return
	}
	m.codecs.WithLabelValues(c.String()).Inc()
}

func (m *Monitor) RequestReleased(lifetime time.Duration) {
	if !m.enabled.Load() {
		return
	}
	m.live.Dec()
	m.lifetime.Observe(lifetime.Seconds())
}

// RecordHandler records one handler run for route.
func (m *Monitor) RecordHandler(route string, d time.Duration, failed bool) {
	if !m.enabled.Load() {
		return
	}
	m.handlers.WithLabelValues(route).Observe(d.Seconds())

	val, _ := m.routes.LoadOrStore(route, &RouteStats{Name: route})
	rs := val.(*RouteStats)
	rs.Count.Add(1)
	if failed {
		rs.Errors.Add(1)
	}
	ns := uint64(d.Nanoseconds())
	rs.TotalDuration.Add(ns)
	updateMinMax(rs, ns)
}

// Route returns the totals for route, nil if it never ran.
func (m *Monitor) Route(route string) *RouteStats {
	val, ok := m.routes.Load(route)
	if !ok {
		return nil
	}
	return val.(*RouteStats)
}

func updateMinMax(rs *RouteStats, d uint64) {
	for {
		lo := rs.MinDuration.Load()
		if lo != 0 && d >= lo {
			break
		}
		if rs.MinDuration.CompareAndSwap(lo, d) {
			break
		}
	}
	for {
		hi := rs.MaxDuration.Load()
		if d <= hi {
			break
		}
		if rs.MaxDuration.CompareAndSwap(hi, d) {
			break
		}
	}
}

// Run refreshes the bottleneck list every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.enabled.Load() {
				continue
			}
			found := m.DetectBottlenecks()
			m.bottleneckMu.Lock()
			m.bottlenecks = found
			m.bottleneckMu.Unlock()
		}
	}
}

// DetectBottlenecks scans the route totals once.
func (m *Monitor) DetectBottlenecks() []Bottleneck {
	found := make([]Bottleneck, 0)

	m.routes.Range(func(_, value any) bool {
		rs := value.(*RouteStats)
		count := rs.Count.Load()
		if count == 0 {
			return true
		}

		avg := time.Duration(rs.TotalDuration.Load() / count)
		if avg > m.SlowThreshold {
			found = append(found, Bottleneck{
				Type:       "latency",
				Location:   rs.Name,
				Severity:   8,
				Impact:     float64(avg) / float64(m.SlowThreshold) * 100,
				DetectedAt: time.Now(),
				Details:    fmt.Sprintf("high latency (%v avg)", avg),
			})
		}

		errCount := rs.Errors.Load()
		if rate := float64(errCount) / float64(count); errCount > 0 && rate > m.ErrorRate {
			found = append(found, Bottleneck{
				Type:       "errors",
				Location:   rs.Name,
				Severity:   10,
				Impact:     rate * 100,
				DetectedAt: time.Now(),
				Details:    fmt.Sprintf("%.1f%% error rate", rate*100),
			})
		}
		return true
	})
	return found
}

// Bottlenecks returns the list computed by the last Run tick.
func (m *Monitor) Bottlenecks() []Bottleneck {
	m.bottleneckMu.RLock()
	defer m.bottleneckMu.RUnlock()
	return append([]Bottleneck{}, m.bottlenecks...)
}

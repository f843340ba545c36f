package monitor

import (
	"net/http"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PipelineMetrics tracks the order pipeline and the event consumer. Every
// counter is mirrored into a Prometheus registry served by Handler.
type PipelineMetrics struct {
	PublishLatency *LatencyHistogram
	PersistLatency *LatencyHistogram

	received       uint64
	rejected       uint64
	encodeFailures uint64
	published      uint64
	acked          uint64

	mu       sync.RWMutex
	failures map[string]uint64 // by publish error kind

	consumed  uint64
	persisted uint64
	dropped   uint64
	requeued  uint64

	registry   *prometheus.Registry
	requests   *prometheus.CounterVec
	outcomes   *prometheus.CounterVec
	publishDur prometheus.Histogram
	events     *prometheus.CounterVec
	inDoubt    prometheus.Gauge
}

// LatencyHistogram tracks latency samples with sliding window.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewPipelineMetrics creates metrics with their own Prometheus registry.
func NewPipelineMetrics(namespace string) *PipelineMetrics {
	if namespace == "" {
		namespace = "trading"
	}
	m := &PipelineMetrics{
		PublishLatency: NewLatencyHistogram(1000),
		PersistLatency: NewLatencyHistogram(1000),
		failures:       make(map[string]uint64),
		registry:       prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Order requests by operation and stage reached.",
			},
			[]string{"operation", "stage"},
		),
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "publisher",
				Name:      "outcomes_total",
				Help:      "Publication outcomes by result.",
			},
			[]string{"result"},
		),
		publishDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "confirm_duration_seconds",
			Help:      "Time from publish to broker confirmation.",
			Buckets:   prometheus.DefBuckets,
		}),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "persistor",
				Name:      "events_total",
				Help:      "Consumed engine events by variant and disposition.",
			},
			[]string{"variant", "disposition"},
		),
		inDoubt: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "journal",
			Name:      "in_doubt",
			Help:      "Publications without a broker verdict.",
		}),
	}
	m.registry.MustRegister(
		m.requests, m.outcomes, m.publishDur, m.events, m.inDoubt,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the Prometheus exposition format.
func (m *PipelineMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *PipelineMetrics) Registry() *prometheus.Registry { return m.registry }

func (m *PipelineMetrics) RequestReceived(op string) {
	atomic.AddUint64(&m.received, 1)
	m.requests.WithLabelValues(op, "received").Inc()
}

func (m *PipelineMetrics) RequestRejected(op string) {
	atomic.AddUint64(&m.rejected, 1)
	m.requests.WithLabelValues(op, "rejected").Inc()
}

func (m *PipelineMetrics) EncodeFailed(op string) {
	atomic.AddUint64(&m.encodeFailures, 1)
	m.requests.WithLabelValues(op, "encode_failed").Inc()
}

func (m *PipelineMetrics) Published(op string) {
	atomic.AddUint64(&m.published, 1)
	m.requests.WithLabelValues(op, "published").Inc()
}

// Acked records a confirmed publication and its confirm latency.
func (m *PipelineMetrics) Acked(latency time.Duration) {
	atomic.AddUint64(&m.acked, 1)
	m.outcomes.WithLabelValues("acked").Inc()
	m.publishDur.Observe(latency.Seconds())
	m.PublishLatency.RecordDuration(latency)
}

// PublishFailed records a failed publication by error kind.
func (m *PipelineMetrics) PublishFailed(kind string) {
	m.mu.Lock()
	m.failures[kind]++
	m.mu.Unlock()
	m.outcomes.WithLabelValues(kind).Inc()
}

// SetInDoubt reports the journal's open publication count.
func (m *PipelineMetrics) SetInDoubt(n int) { m.inDoubt.Set(float64(n)) }

// EventConsumed records one consumed delivery and what was done with it:
// "persisted", "dropped" or "requeued".
func (m *PipelineMetrics) EventConsumed(variant, disposition string, latency time.Duration) {
	atomic.AddUint64(&m.consumed, 1)
	switch disposition {
	case "persisted":
		atomic.AddUint64(&m.persisted, 1)
		m.PersistLatency.RecordDuration(latency)
	case "dropped":
		atomic.AddUint64(&m.dropped, 1)
	case "requeued":
		atomic.AddUint64(&m.requeued, 1)
	}
	m.events.WithLabelValues(variant, disposition).Inc()
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99. Recomputed only when samples
// changed.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics in milliseconds.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// MetricsSnapshot is the JSON view served at /api/metrics.
type MetricsSnapshot struct {
	PublishLatency LatencyStats      `json:"publish_latency"`
	PersistLatency LatencyStats      `json:"persist_latency"`
	Received       uint64            `json:"received"`
	Rejected       uint64            `json:"rejected"`
	EncodeFailures uint64            `json:"encode_failures"`
	Published      uint64            `json:"published"`
	Acked          uint64            `json:"acked"`
	Failed         map[string]uint64 `json:"failed"`
	Consumed       uint64            `json:"consumed"`
	Persisted      uint64            `json:"persisted"`
	Dropped        uint64            `json:"dropped"`
	Requeued       uint64            `json:"requeued"`
	GoroutineCount int               `json:"goroutine_count"`
	HeapAlloc      uint64            `json:"heap_alloc_bytes"`
	Timestamp      time.Time         `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *PipelineMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	failed := make(map[string]uint64, len(m.failures))
	for k, v := range m.failures {
		failed[k] = v
	}
	m.mu.RUnlock()

	return MetricsSnapshot{
		PublishLatency: m.PublishLatency.Stats(),
		PersistLatency: m.PersistLatency.Stats(),
		Received:       atomic.LoadUint64(&m.received),
		Rejected:       atomic.LoadUint64(&m.rejected),
		EncodeFailures: atomic.LoadUint64(&m.encodeFailures),
		Published:      atomic.LoadUint64(&m.published),
		Acked:          atomic.LoadUint64(&m.acked),
		Failed:         failed,
		Consumed:       atomic.LoadUint64(&m.consumed),
		Persisted:      atomic.LoadUint64(&m.persisted),
		Dropped:        atomic.LoadUint64(&m.dropped),
		Requeued:       atomic.LoadUint64(&m.requeued),
		GoroutineCount: runtime.NumGoroutine(),
		HeapAlloc:      memStats.HeapAlloc,
		Timestamp:      time.Now(),
	}
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{start: time.Now(), histogram: h}
}

// Stop records elapsed time to histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}

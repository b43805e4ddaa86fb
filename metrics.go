package oncrpc

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds counters and latency samples for a Client, Server, or Proxy.
// Total calls, error calls, retries, timeouts, active connections and call
// latency are also exposed as Prometheus collectors (see NewMetrics) so they
// can be scraped externally; the other fields have no collector.
type Metrics struct {
	// Calls made (client) or dispatched (server).
	TotalCalls   uint64
	SuccessCalls uint64
	ErrorCalls   uint64

	// UDP client retry/timeout accounting.
	Retries  uint64
	Timeouts uint64

	// Server dispatch-rejection accounting.
	ProgUnavail  uint64
	ProgMismatch uint64
	ProcUnavail  uint64
	GarbageArgs  uint64

	// Connection bookkeeping (stream transports).
	ActiveConnections int64
	TotalConnections  uint64

	// Latency.
	AvgCallLatency time.Duration
	MaxCallLatency time.Duration
	P95CallLatency time.Duration

	mu         sync.RWMutex
	latencies  []time.Duration
	maxSamples int
	StartTime  time.Time

	prom *promCollectors
}

// promCollectors holds the Prometheus counters/gauges backing a Metrics
// instance. Kept separate from Metrics itself so Metrics stays a plain,
// copyable snapshot type (Snapshot returns one by value).
type promCollectors struct {
	totalCalls  prometheus.Counter
	errorCalls  prometheus.Counter
	retries     prometheus.Counter
	timeouts    prometheus.Counter
	activeConns prometheus.Gauge
	callLatency prometheus.Histogram
}

// NewMetrics returns a Metrics instance with its own Prometheus collectors
// registered under namespace/subsystem (e.g. "oncrpc", "client").
// Registering twice under the same namespace/subsystem on the same registry
// panics, matching prometheus/client_golang's own behavior; callers that
// want independent instances should use independent subsystems.
func NewMetrics(reg prometheus.Registerer, namespace, subsystem string) *Metrics {
	m := &Metrics{
		StartTime:  time.Now(),
		maxSamples: 1000,
	}
	c := &promCollectors{
		totalCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "calls_total",
			Help: "Total RPC calls made or dispatched.",
		}),
		errorCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "call_errors_total",
			Help: "RPC calls that ended in an error reply or local failure.",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "retries_total",
			Help: "UDP retransmissions performed while awaiting a reply.",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "timeouts_total",
			Help: "UDP calls that exhausted their retry budget.",
		}),
		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "active_connections",
			Help: "Currently open stream connections.",
		}),
		callLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "call_latency_seconds",
			Help:    "End-to-end latency of a single RPC call.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(c.totalCalls, c.errorCalls, c.retries, c.timeouts, c.activeConns, c.callLatency)
	}
	m.prom = c
	return m
}

// RecordCall records the outcome and latency of one completed RPC call.
func (m *Metrics) RecordCall(success bool, d time.Duration) {
	atomic.AddUint64(&m.TotalCalls, 1)
	if success {
		atomic.AddUint64(&m.SuccessCalls, 1)
	} else {
		atomic.AddUint64(&m.ErrorCalls, 1)
		if m.prom != nil {
			m.prom.errorCalls.Inc()
		}
	}
	if m.prom != nil {
		m.prom.totalCalls.Inc()
		m.prom.callLatency.Observe(d.Seconds())
	}
	m.recordLatency(d)
}

func (m *Metrics) recordLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d > m.MaxCallLatency {
		m.MaxCallLatency = d
	}

	m.latencies = append(m.latencies, d)
	if len(m.latencies) > m.maxSamples {
		m.latencies = m.latencies[1:]
	}
	var sum time.Duration
	for _, s := range m.latencies {
		sum += s
	}
	m.AvgCallLatency = sum / time.Duration(len(m.latencies))
	if len(m.latencies) >= 20 {
		sorted := make([]time.Duration, len(m.latencies))
		copy(sorted, m.latencies)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		m.P95CallLatency = sorted[int(float64(len(sorted))*0.95)]
	}
}

// RecordRetry records one UDP retransmission.
func (m *Metrics) RecordRetry() {
	atomic.AddUint64(&m.Retries, 1)
	if m.prom != nil {
		m.prom.retries.Inc()
	}
}

// RecordTimeout records a UDP call that exhausted its retry budget.
func (m *Metrics) RecordTimeout() {
	atomic.AddUint64(&m.Timeouts, 1)
	if m.prom != nil {
		m.prom.timeouts.Inc()
	}
}

// RecordDispatchReject records a server-side accepted-reply rejection code.
func (m *Metrics) RecordDispatchReject(accept uint32) {
	switch accept {
	case ProgUnavail:
		atomic.AddUint64(&m.ProgUnavail, 1)
	case ProgMismatch:
		atomic.AddUint64(&m.ProgMismatch, 1)
	case ProcUnavail:
		atomic.AddUint64(&m.ProcUnavail, 1)
	case GarbageArgs:
		atomic.AddUint64(&m.GarbageArgs, 1)
	}
}

// RecordConnectionOpened records a newly accepted stream connection.
func (m *Metrics) RecordConnectionOpened() {
	atomic.AddUint64(&m.TotalConnections, 1)
	atomic.AddInt64(&m.ActiveConnections, 1)
	if m.prom != nil {
		m.prom.activeConns.Inc()
	}
}

// RecordConnectionClosed records a stream connection being torn down.
func (m *Metrics) RecordConnectionClosed() {
	atomic.AddInt64(&m.ActiveConnections, -1)
	if m.prom != nil {
		m.prom.activeConns.Dec()
	}
}

// Snapshot returns a point-in-time copy of the counters and latency stats.
func (m *Metrics) Snapshot() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Metrics{
		TotalCalls:   atomic.LoadUint64(&m.TotalCalls),
		SuccessCalls: atomic.LoadUint64(&m.SuccessCalls),
		ErrorCalls:   atomic.LoadUint64(&m.ErrorCalls),
		Retries:      atomic.LoadUint64(&m.Retries),
		Timeouts:     atomic.LoadUint64(&m.Timeouts),
		ProgUnavail:  atomic.LoadUint64(&m.ProgUnavail),
		ProgMismatch: atomic.LoadUint64(&m.ProgMismatch),
		ProcUnavail:  atomic.LoadUint64(&m.ProcUnavail),
		GarbageArgs:  atomic.LoadUint64(&m.GarbageArgs),

		ActiveConnections: atomic.LoadInt64(&m.ActiveConnections),
		TotalConnections:  atomic.LoadUint64(&m.TotalConnections),

		AvgCallLatency: m.AvgCallLatency,
		MaxCallLatency: m.MaxCallLatency,
		P95CallLatency: m.P95CallLatency,
		StartTime:      m.StartTime,
	}
}

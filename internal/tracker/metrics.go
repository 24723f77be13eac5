package tracker

import (
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Transaction outcomes
const (
	outcomeBuy       = "buy"
	outcomeNoMatch   = "no_match"
	outcomeNotFound  = "not_found"
	outcomeError     = "error"
	outcomeDelivered = "delivered"
	outcomeUndeliv   = "delivery_failed"
)

// Metrics holds the scheduler's Prometheus collectors plus a
// ring of recent cycle latencies for the status endpoint.
type Metrics struct {
	CyclesTotal         prometheus.Counter
	CycleDuration       prometheus.Histogram
	TrackedMints        prometheus.Gauge
	LedgerSize          prometheus.Gauge
	Transactions        *prometheus.CounterVec
	Notifications       *prometheus.CounterVec
	UpstreamErrors      *prometheus.CounterVec
	LastCycleCompletion prometheus.Gauge

	// Latency samples (in milliseconds)
	samples   []int64
	sampleIdx int
	mu        sync.Mutex
}

// NewMetrics registers the collectors with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	const ns = "buybot"

	return &Metrics{
		CyclesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "tracker",
			Name:      "cycles_total",
			Help:      "Total number of completed poll cycles",
		}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: "tracker",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a full poll cycle",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		TrackedMints: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "tracker",
			Name:      "tracked_mints",
			Help:      "Number of mints read at the start of the last cycle",
		}),
		LedgerSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "dedup",
			Name:      "keys",
			Help:      "Delivered keys held by the dedup ledger",
		}),
		Transactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "tracker",
			Name:      "transactions_total",
			Help:      "Transactions examined, by outcome",
		}, []string{"outcome"}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "notify",
			Name:      "notifications_total",
			Help:      "Notification attempts, by outcome",
		}, []string{"outcome"}),
		UpstreamErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "tracker",
			Name:      "upstream_errors_total",
			Help:      "Upstream failures, by pipeline stage",
		}, []string{"stage"}),
		LastCycleCompletion: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "tracker",
			Name:      "last_cycle_completion_timestamp_seconds",
			Help:      "Unix time of the last completed cycle",
		}),
		samples: make([]int64, 100), // Keep last 100 samples
	}
}

// RecordLatency records one cycle latency
func (m *Metrics) RecordLatency(latencyMs int64) {
	m.mu.Lock()
	m.samples[m.sampleIdx%len(m.samples)] = latencyMs
	m.sampleIdx++
	m.mu.Unlock()
}

// P50 returns the 50th percentile latency
func (m *Metrics) P50() int64 {
	return m.percentile(50)
}

// P95 returns the 95th percentile latency
func (m *Metrics) P95() int64 {
	return m.percentile(95)
}

// Avg returns the average latency
func (m *Metrics) Avg() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := m.count()
	if count == 0 {
		return 0
	}

	var sum int64
	for i := 0; i < count; i++ {
		sum += m.samples[i]
	}
	return sum / int64(count)
}

func (m *Metrics) percentile(p int) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := m.count()
	if count == 0 {
		return 0
	}

	sorted := make([]int64, count)
	copy(sorted, m.samples[:count])
	slices.Sort(sorted)

	idx := (p * count) / 100
	if idx >= count {
		idx = count - 1
	}
	return sorted[idx]
}

func (m *Metrics) count() int {
	if m.sampleIdx > len(m.samples) {
		return len(m.samples)
	}
	return m.sampleIdx
}

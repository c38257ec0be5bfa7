package executor

import (
	"sort"
	"sync"
	"time"
)

// MetricsSnapshot is the read-only view handed to the orchestrator.
type MetricsSnapshot struct {
	TotalRequests      int     `json:"total_requests"`
	SuccessfulRequests int     `json:"successful_requests"`
	FailedRequests     int     `json:"failed_requests"`
	Rejections         int     `json:"rejections"`
	SuccessRate        float64 `json:"success_rate"`
	AverageLatencyMS   float64 `json:"average_latency_ms"`
	P95LatencyMS       float64 `json:"p95_latency_ms"`
	BreakerState       string  `json:"breaker_state"`
	BreakerFailureRate float64 `json:"breaker_failure_rate"`
	AvailableTokens    float64 `json:"available_tokens"`
}

// metrics counters are owned by one executor and updated only by its
// completed tasks.
type metrics struct {
	mu         sync.Mutex
	successful int
	failed     int
	rejected   int
	latencies  []time.Duration
}

func newMetrics() *metrics {
	return &metrics{}
}

func (m *metrics) recordSuccess(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.successful++
	m.latencies = append(m.latencies, latency)
}

func (m *metrics) recordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed++
}

// recordRejection counts a prompt that never reached its pipeline. It is a
// metrics failure too, so success rates reflect rejected load.
func (m *metrics) recordRejection() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed++
	m.rejected++
}

// snapshot computes derived values. Latency percentiles cover successful
// requests only, sorted ascending with the p95 index at floor(0.95*n).
func (m *metrics) snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := m.successful + m.failed
	out := MetricsSnapshot{
		TotalRequests:      total,
		SuccessfulRequests: m.successful,
		FailedRequests:     m.failed,
		Rejections:         m.rejected,
	}
	if total > 0 {
		out.SuccessRate = float64(m.successful) / float64(total)
	}
	if len(m.latencies) == 0 {
		return out
	}

	sorted := make([]time.Duration, len(m.latencies))
	copy(sorted, m.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, latency := range sorted {
		sum += latency
	}
	out.AverageLatencyMS = float64(sum) / float64(time.Millisecond) / float64(len(sorted))
	index := int(0.95 * float64(len(sorted)))
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	out.P95LatencyMS = float64(sorted[index]) / float64(time.Millisecond)
	return out
}

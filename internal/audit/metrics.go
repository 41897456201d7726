package audit

import (
	"sort"
	"sync"
	"time"
)

const (
	// DefaultWindow is how far back Stats looks.
	DefaultWindow = time.Hour

	// DefaultMaxSamples bounds the samples kept per tool.
	DefaultMaxSamples = 1000
)

type sample struct {
	at      time.Time
	latency time.Duration
	status  Status
}

type seriesKey struct {
	configID string
	tool     string
}

// Metrics keeps a rolling window of execution latencies per
// (configuration, tool) in memory. It is reset on restart; the audit
// store is the durable record.
type Metrics struct {
	window     time.Duration
	maxSamples int
	now        func() time.Time

	mu     sync.Mutex
	series map[seriesKey][]sample
}

// NewMetrics creates a Metrics. Zero arguments select the defaults.
func NewMetrics(window time.Duration, maxSamples int) *Metrics {
	if window <= 0 {
		window = DefaultWindow
	}
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}
	return &Metrics{
		window:     window,
		maxSamples: maxSamples,
		now:        time.Now,
		series:     make(map[seriesKey][]sample),
	}
}

// Observe records one execution.
func (m *Metrics) Observe(configID, tool string, latency time.Duration, status Status) {
	now := m.now()
	key := seriesKey{configID, tool}

	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.prune(m.series[key], now)
	s = append(s, sample{at: now, latency: latency, status: status})
	if over := len(s) - m.maxSamples; over > 0 {
		s = append(s[:0], s[over:]...)
	}
	m.series[key] = s
}

// prune drops samples older than the window. Samples are appended in
// time order, so the expired ones form a prefix.
func (m *Metrics) prune(s []sample, now time.Time) []sample {
	cutoff := now.Add(-m.window)
	i := sort.Search(len(s), func(i int) bool { return !s[i].at.Before(cutoff) })
	if i == 0 {
		return s
	}
	return append(s[:0], s[i:]...)
}

// Stats summarizes executions in the window.
type Stats struct {
	ConfigurationID string  `json:"configuration_id,omitempty"`
	ToolName        string  `json:"tool_name,omitempty"`
	Count           int     `json:"count"`
	Successes       int     `json:"successes"`
	Failures        int     `json:"failures"`
	Timeouts        int     `json:"timeouts"`
	SuccessRate     float64 `json:"success_rate"`
	AvgMs           float64 `json:"avg_ms"`
	P50Ms           float64 `json:"p50_ms"`
	P95Ms           float64 `json:"p95_ms"`
	P99Ms           float64 `json:"p99_ms"`
	MaxMs           float64 `json:"max_ms"`
}

// Stats returns statistics for one tool of configID. An empty tool
// aggregates every tool of the configuration; an empty configID
// aggregates everything.
func (m *Metrics) Stats(configID, tool string) Stats {
	now := m.now()
	st := Stats{ConfigurationID: configID, ToolName: tool}

	var latencies []time.Duration
	m.mu.Lock()
	for key, s := range m.series {
		if configID != "" && key.configID != configID {
			continue
		}
		if tool != "" && key.tool != tool {
			continue
		}
		s = m.prune(s, now)
		if len(s) == 0 {
			delete(m.series, key)
			continue
		}
		m.series[key] = s
		for _, smp := range s {
			latencies = append(latencies, smp.latency)
			switch smp.status {
			case StatusSuccess:
				st.Successes++
			case StatusTimeout:
				st.Timeouts++
			default:
				st.Failures++
			}
		}
	}
	m.mu.Unlock()

	st.Count = len(latencies)
	if st.Count == 0 {
		return st
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	st.SuccessRate = float64(st.Successes) / float64(st.Count)
	st.AvgMs = ms(total / time.Duration(st.Count))
	st.P50Ms = ms(percentile(latencies, 50))
	st.P95Ms = ms(percentile(latencies, 95))
	st.P99Ms = ms(percentile(latencies, 99))
	st.MaxMs = ms(latencies[len(latencies)-1])
	return st
}

// percentile returns the nearest-rank percentile of sorted.
func percentile(sorted []time.Duration, p int) time.Duration {
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

package audit

import (
	"testing"
	"time"
)

func TestMetrics_Stats(t *testing.T) {
	m := NewMetrics(0, 0)
	for i := 1; i <= 100; i++ {
		status := StatusSuccess
		switch {
		case i%10 == 0:
			status = StatusFailure
		case i%25 == 0:
			status = StatusTimeout
		}
		m.Observe("cfg-1", "search", time.Duration(i)*time.Millisecond, status)
	}

	st := m.Stats("cfg-1", "search")
	if st.Count != 100 {
		t.Fatalf("Count = %d, want 100", st.Count)
	}
	if st.Failures != 10 || st.Timeouts != 2 || st.Successes != 88 {
		t.Errorf("successes/failures/timeouts = %d/%d/%d, want 88/10/2", st.Successes, st.Failures, st.Timeouts)
	}
	if st.P50Ms != 50 || st.P95Ms != 95 || st.P99Ms != 99 || st.MaxMs != 100 {
		t.Errorf("p50/p95/p99/max = %v/%v/%v/%v", st.P50Ms, st.P95Ms, st.P99Ms, st.MaxMs)
	}
	if st.AvgMs != 50.5 {
		t.Errorf("AvgMs = %v, want 50.5", st.AvgMs)
	}
	if st.SuccessRate != 0.88 {
		t.Errorf("SuccessRate = %v, want 0.88", st.SuccessRate)
	}
}

func TestMetrics_Aggregation(t *testing.T) {
	m := NewMetrics(0, 0)
	m.Observe("cfg-1", "a", 10*time.Millisecond, StatusSuccess)
	m.Observe("cfg-1", "b", 20*time.Millisecond, StatusSuccess)
	m.Observe("cfg-2", "a", 30*time.Millisecond, StatusFailure)

	if got := m.Stats("cfg-1", "").Count; got != 2 {
		t.Errorf("per-configuration count = %d, want 2", got)
	}
	if got := m.Stats("", "").Count; got != 3 {
		t.Errorf("global count = %d, want 3", got)
	}
	if got := m.Stats("cfg-3", "").Count; got != 0 {
		t.Errorf("unknown configuration count = %d, want 0", got)
	}
	empty := m.Stats("cfg-3", "x")
	if empty.P99Ms != 0 || empty.SuccessRate != 0 {
		t.Errorf("empty stats = %+v", empty)
	}
}

func TestMetrics_Window(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewMetrics(time.Hour, 0)
	m.now = func() time.Time { return now }

	m.Observe("cfg-1", "a", time.Second, StatusSuccess)
	now = now.Add(30 * time.Minute)
	m.Observe("cfg-1", "a", 2*time.Second, StatusSuccess)

	if got := m.Stats("cfg-1", "a").Count; got != 2 {
		t.Fatalf("count = %d, want 2", got)
	}

	now = now.Add(45 * time.Minute)
	st := m.Stats("cfg-1", "a")
	if st.Count != 1 || st.MaxMs != 2000 {
		t.Errorf("after expiry: count = %d, max = %v; want 1, 2000", st.Count, st.MaxMs)
	}

	now = now.Add(time.Hour)
	if got := m.Stats("cfg-1", "a").Count; got != 0 {
		t.Errorf("count = %d after window, want 0", got)
	}
}

func TestMetrics_MaxSamples(t *testing.T) {
	m := NewMetrics(time.Hour, 10)
	for i := 1; i <= 25; i++ {
		m.Observe("cfg-1", "a", time.Duration(i)*time.Millisecond, StatusSuccess)
	}
	st := m.Stats("cfg-1", "a")
	if st.Count != 10 {
		t.Errorf("Count = %d, want 10", st.Count)
	}
	// Only the newest samples survive.
	if st.P50Ms != 20 {
		t.Errorf("P50 = %v, want 20", st.P50Ms)
	}
}

func TestPercentile(t *testing.T) {
	sorted := []time.Duration{1, 2, 3, 4}
	tests := []struct {
		p    int
		want time.Duration
	}{
		{0, 1},
		{25, 1},
		{50, 2},
		{75, 3},
		{99, 4},
		{100, 4},
	}
	for _, tt := range tests {
		if got := percentile(sorted, tt.p); got != tt.want {
			t.Errorf("percentile(%d) = %d, want %d", tt.p, got, tt.want)
		}
	}
}

// Package stats tracks engine counters and fetch latency.
package stats

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Stats tracks fetch statistics. Counters are atomics; the latency
// histogram has its own lock.
type Stats struct {
	Dispatched      atomic.Int64
	Processed       atomic.Int64
	Succeeded       atomic.Int64
	Failed          atomic.Int64
	Retried         atomic.Int64
	Preempted       atomic.Int64
	Redirects       atomic.Int64
	BytesDownloaded atomic.Int64
	InFlight        atomic.Int32

	StartTime time.Time

	mu        sync.Mutex
	latencies *hdrhistogram.Histogram
}

// New returns a Stats tracking latencies from 1ms to 10min with three
// significant figures.
func New() *Stats {
	return &Stats{
		StartTime: time.Now(),
		latencies: hdrhistogram.New(1, int64(10*time.Minute/time.Millisecond), 3),
	}
}

// RecordLatency folds one fetch duration into the histogram.
func (s *Stats) RecordLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.latencies.RecordValue(int64(d / time.Millisecond))
}

// LatencyQuantile returns the q-th percentile fetch latency.
func (s *Stats) LatencyQuantile(q float64) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.latencies.ValueAtQuantile(q)) * time.Millisecond
}

// Snapshot returns a copy of all counters safe for reading.
func (s *Stats) Snapshot() map[string]any {
	s.mu.Lock()
	p50 := s.latencies.ValueAtQuantile(50)
	p95 := s.latencies.ValueAtQuantile(95)
	p99 := s.latencies.ValueAtQuantile(99)
	s.mu.Unlock()

	return map[string]any{
		"dispatched":       s.Dispatched.Load(),
		"processed":        s.Processed.Load(),
		"succeeded":        s.Succeeded.Load(),
		"failed":           s.Failed.Load(),
		"retried":          s.Retried.Load(),
		"preempted":        s.Preempted.Load(),
		"redirects":        s.Redirects.Load(),
		"bytes_downloaded": s.BytesDownloaded.Load(),
		"in_flight":        s.InFlight.Load(),
		"latency_p50_ms":   p50,
		"latency_p95_ms":   p95,
		"latency_p99_ms":   p99,
		"elapsed":          time.Since(s.StartTime).String(),
	}
}

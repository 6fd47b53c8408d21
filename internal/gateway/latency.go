package gateway

import (
	"math"
	"sort"
	"sync"
	"time"
)

// FanoutTimer keeps the most recent broadcast fan-out durations and reports
// percentiles in milliseconds.
type FanoutTimer struct {
	mu      sync.Mutex
	samples []float64
	next    int
	n       int
}

func NewFanoutTimer(capacity int) *FanoutTimer {
	if capacity <= 0 {
		capacity = 1024
	}
	return &FanoutTimer{samples: make([]float64, capacity)}
}

func (f *FanoutTimer) Record(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000
	f.mu.Lock()
	f.samples[f.next] = ms
	f.next = (f.next + 1) % len(f.samples)
	if f.n < len(f.samples) {
		f.n++
	}
	f.mu.Unlock()
}

// Percentiles returns p50, p95 and p99, or zeros before the first sample.
func (f *FanoutTimer) Percentiles() (p50, p95, p99 float64) {
	f.mu.Lock()
	sorted := make([]float64, f.n)
	copy(sorted, f.samples[:f.n])
	f.mu.Unlock()
	if len(sorted) == 0 {
		return 0, 0, 0
	}
	sort.Float64s(sorted)
	return quantile(sorted, 0.50), quantile(sorted, 0.95), quantile(sorted, 0.99)
}

func (f *FanoutTimer) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

// quantile interpolates linearly between the two closest ranks.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := q * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	if lo+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[lo+1]*frac
}

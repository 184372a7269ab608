// Package metrics provides metrics collection and calculation.
package metrics

import (
	"math"
	"sort"
	"strconv"
	"sync"

	"github.com/gateway-fm/goodputbench/pkg/types"
)

// StreamingLatencyStats provides efficient streaming percentile calculation.
// Uses reservoir sampling for percentile estimation without storing all samples.
type StreamingLatencyStats struct {
	mu sync.RWMutex

	// Running statistics (O(1) memory)
	count int64
	sum   float64
	min   float64
	max   float64

	// Reservoir for percentile estimation
	// Uses Algorithm R (Vitter) - O(reservoirSize) memory
	reservoir     []float64
	reservoirSize int
	seen          int64

	// Histogram buckets: len(bucketBounds)+1 counts, labelled by bucketLabels
	buckets      []int64
	bucketBounds []float64
	bucketLabels []string

	// Per-instance random state for reservoir sampling (xorshift64*)
	// Avoids data races from global state
	randState uint64
}

// DefaultReservoirSize is the number of samples to keep for percentile estimation.
// Larger = more accurate, but more memory. 10000 gives <1% error at p99.
const DefaultReservoirSize = 10000

// BlockLatencyBounds are the bucket bounds in milliseconds for block production calls.
var BlockLatencyBounds = []float64{10, 50, 100, 500}

// NewStreamingLatencyStats creates a streaming latency calculator with the
// block production buckets (0-10ms, 10-50ms, 50-100ms, 100-500ms, 500ms+).
func NewStreamingLatencyStats() *StreamingLatencyStats {
	return NewStreamingLatencyStatsWithBounds(BlockLatencyBounds)
}

// NewStreamingLatencyStatsWithBounds creates a calculator with custom
// histogram bounds in milliseconds. Bounds must be ascending.
func NewStreamingLatencyStatsWithBounds(bounds []float64) *StreamingLatencyStats {
	return &StreamingLatencyStats{
		min:           math.MaxFloat64,
		max:           0,
		reservoir:     make([]float64, 0, DefaultReservoirSize),
		reservoirSize: DefaultReservoirSize,
		buckets:       make([]int64, len(bounds)+1),
		bucketBounds:  bounds,
		bucketLabels:  bucketLabels(bounds),
		randState:     1, // Initialize per-instance random state
	}
}

func bucketLabels(bounds []float64) []string {
	labels := make([]string, 0, len(bounds)+1)
	lower := 0.0
	for _, b := range bounds {
		labels = append(labels, formatMs(lower)+"-"+formatMs(b))
		lower = b
	}
	return append(labels, formatMs(lower)+"+")
}

func formatMs(ms float64) string {
	if ms >= 1000 && math.Mod(ms, 1000) == 0 {
		return strconv.FormatFloat(ms/1000, 'f', -1, 64) + "s"
	}
	return strconv.FormatFloat(ms, 'f', -1, 64) + "ms"
}

// Add records a latency sample in milliseconds.
// This is O(1) amortized and safe for concurrent use.
func (s *StreamingLatencyStats) Add(latencyMs float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	s.sum += latencyMs
	s.seen++

	if latencyMs < s.min {
		s.min = latencyMs
	}
	if latencyMs > s.max {
		s.max = latencyMs
	}

	// Update histogram bucket
	bucket := s.getBucketIndex(latencyMs)
	s.buckets[bucket]++

	// Reservoir sampling (Algorithm R)
	if len(s.reservoir) < s.reservoirSize {
		s.reservoir = append(s.reservoir, latencyMs)
	} else {
		// Replace with probability reservoirSize/seen
		j := s.fastRand() % uint64(s.seen)
		if j < uint64(s.reservoirSize) {
			s.reservoir[j] = latencyMs
		}
	}
}

// getBucketIndex returns the bucket index for a latency value.
func (s *StreamingLatencyStats) getBucketIndex(latencyMs float64) int {
	for i, bound := range s.bucketBounds {
		if latencyMs < bound {
			return i
		}
	}
	return len(s.bucketBounds) // Overflow bucket
}

// fastRand returns a pseudo-random uint64 using xorshift.
// Not cryptographically secure, but fast and good enough for reservoir sampling.
// Uses per-instance state to avoid data races between multiple instances.
func (s *StreamingLatencyStats) fastRand() uint64 {
	// xorshift64*
	s.randState ^= s.randState >> 12
	s.randState ^= s.randState << 25
	s.randState ^= s.randState >> 27
	return s.randState * 0x2545F4914F6CDD1D
}

// GetStats returns the current latency statistics.
// This is O(reservoirSize * log(reservoirSize)) for percentile calculation.
func (s *StreamingLatencyStats) GetStats() *types.LatencyStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.count == 0 {
		return nil
	}

	// Copy reservoir for sorting (don't modify original)
	sorted := make([]float64, len(s.reservoir))
	copy(sorted, s.reservoir)
	sort.Float64s(sorted)

	stats := &types.LatencyStats{
		Count: int(s.count),
		Min:   s.min,
		Max:   s.max,
		Avg:   s.sum / float64(s.count),
		P50:   s.percentile(sorted, 0.50),
		P75:   s.percentile(sorted, 0.75),
		P90:   s.percentile(sorted, 0.90),
		P95:   s.percentile(sorted, 0.95),
		P99:   s.percentile(sorted, 0.99),
	}
	stats.Buckets = make([]types.LatencyBucket, len(s.buckets))
	for i, c := range s.buckets {
		stats.Buckets[i] = types.LatencyBucket{Label: s.bucketLabels[i], Count: int(c)}
	}

	return stats
}

// percentile calculates the p-th percentile from a sorted slice.
func (s *StreamingLatencyStats) percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	// Linear interpolation
	idx := p * float64(len(sorted)-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= len(sorted) {
		return sorted[len(sorted)-1]
	}

	frac := idx - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}

// Reset clears all statistics.
func (s *StreamingLatencyStats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count = 0
	s.sum = 0
	s.min = math.MaxFloat64
	s.max = 0
	s.reservoir = s.reservoir[:0]
	s.seen = 0
	for i := range s.buckets {
		s.buckets[i] = 0
	}
}

// Count returns the number of samples recorded.
func (s *StreamingLatencyStats) Count() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

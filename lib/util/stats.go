package util

import (
	"fmt"
	"math"
	"strings"
	"sync"
)

// ----------------------------------------------------------------------------
// Stats
// ----------------------------------------------------------------------------

type Stats struct {
	StdDeviation float64 `json:"std_deviation"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	Mean         float64 `json:"mean"`
	MinMaxRatio  float64 `json:"min_max_ratio"`
}

// NewStats computes mean, population standard deviation, minimum and maximum
func NewStats(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}

	min, max := values[0], values[0]
	var sum float64
	for _, v := range values {
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	mean := sum / float64(len(values))

	var sumSquaredDiffs float64
	for _, v := range values {
		diff := v - mean
		sumSquaredDiffs += diff * diff
	}

	ratio := 1.0
	if max > 0 {
		ratio = min / max
	}

	return Stats{
		StdDeviation: math.Sqrt(sumSquaredDiffs / float64(len(values))),
		Min:          min,
		Max:          max,
		Mean:         mean,
		MinMaxRatio:  ratio,
	}
}

// Fairness rates how evenly work was spread over workers, from 0 (one worker
// did everything) to 1 (all equal)
type Fairness struct {
	Stats
	Score float64 `json:"score"`
}

// NewFairness combines the coefficient of variation and the min/max ratio
// of the per-worker operation counts
func NewFairness(opsPerWorker []int) Fairness {
	values := make([]float64, len(opsPerWorker))
	for i, ops := range opsPerWorker {
		values[i] = float64(ops)
	}
	stats := NewStats(values)

	var cv float64
	if stats.Mean > 0 {
		cv = stats.StdDeviation / stats.Mean
	}

	return Fairness{
		Stats: stats,
		Score: (1.0-math.Min(1.0, cv))*0.5 + stats.MinMaxRatio*0.5,
	}
}

// ----------------------------------------------------------------------------
// SizeHistogram
// ----------------------------------------------------------------------------

// sizeBoundaries cover key and value sizes from a few bytes to 1MB
var sizeBoundaries = []int{
	4, 16, 64, 256, 1024, 4096,
	16384, 65536, 262144, 1048576,
}

// SizeHistogram tracks the distribution of value sizes. It is safe for
// concurrent use.
type SizeHistogram struct {
	mutex   sync.RWMutex
	buckets []int64
	count   int64
	sum     int64
}

func NewSizeHistogram() *SizeHistogram {
	return &SizeHistogram{
		buckets: make([]int64, len(sizeBoundaries)+1),
	}
}

// AddSample adds a size sample
func (h *SizeHistogram) AddSample(size int) {
	idx := len(sizeBoundaries)
	for i, boundary := range sizeBoundaries {
		if size <= boundary {
			idx = i
			break
		}
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.buckets[idx]++
	h.count++
	h.sum += int64(size)
}

// Merge adds all samples of other to h
func (h *SizeHistogram) Merge(other *SizeHistogram) {
	other.mutex.RLock()
	buckets := append([]int64(nil), other.buckets...)
	count, sum := other.count, other.sum
	other.mutex.RUnlock()

	h.mutex.Lock()
	defer h.mutex.Unlock()
	for i, n := range buckets {
		h.buckets[i] += n
	}
	h.count += count
	h.sum += sum
}

func (h *SizeHistogram) Count() int64 {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.count
}

// AverageSize returns the average over all samples
func (h *SizeHistogram) AverageSize() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if h.count == 0 {
		return 0
	}
	return int(h.sum / h.count)
}

// PercentileEstimate estimates the given percentile (0-100) from the bucket
// boundaries
func (h *SizeHistogram) PercentileEstimate(percentile int) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if h.count == 0 || percentile < 0 || percentile > 100 {
		return 0
	}

	target := int64(math.Ceil(float64(h.count) * float64(percentile) / 100.0))
	var cumulative int64
	for i, n := range h.buckets {
		cumulative += n
		if cumulative < target {
			continue
		}
		switch {
		case i == 0:
			return sizeBoundaries[0] / 2
		case i < len(sizeBoundaries):
			return (sizeBoundaries[i-1] + sizeBoundaries[i]) / 2
		default:
			return sizeBoundaries[len(sizeBoundaries)-1] * 2
		}
	}
	return int(h.sum / h.count)
}

// String renders the non-empty buckets as "<=64:12.5%" pairs
func (h *SizeHistogram) String() string {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if h.count == 0 {
		return "no samples"
	}

	var parts []string
	for i, n := range h.buckets {
		if n == 0 {
			continue
		}
		pct := float64(n) * 100.0 / float64(h.count)
		if i < len(sizeBoundaries) {
			parts = append(parts, fmt.Sprintf("<=%d:%.1f%%", sizeBoundaries[i], pct))
		} else {
			parts = append(parts, fmt.Sprintf(">%d:%.1f%%", sizeBoundaries[i-1], pct))
		}
	}
	return strings.Join(parts, " ")
}

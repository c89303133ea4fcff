package stats

import "math"

// Entropy returns the Shannon entropy (base 2) of the discrete sample.
// Returns 0 for empty input or a single distinct value.
func Entropy[T comparable](sample []T) float64 {
	if len(sample) == 0 {
		return 0
	}
	counts := make(map[T]int, len(sample))
	for _, v := range sample {
		counts[v]++
	}
	n := float64(len(sample))
	var h float64
	for _, c := range counts {
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}

// NormalizedEntropy returns Entropy divided by the maximum possible entropy
// for the number of distinct values observed, yielding a value in [0,1].
// A single distinct value normalizes to 0.
func NormalizedEntropy[T comparable](sample []T) float64 {
	if len(sample) == 0 {
		return 0
	}
	distinct := make(map[T]struct{}, len(sample))
	for _, v := range sample {
		distinct[v] = struct{}{}
	}
	if len(distinct) < 2 {
		return 0
	}
	maxH := math.Log2(float64(len(distinct)))
	return Clamp01(Entropy(sample) / maxH)
}

// IntervalEntropy returns the normalized entropy of inter-arrival intervals,
// bucketed to bucketMs milliseconds. Timestamps are epoch milliseconds and
// must be in arrival order. Fewer than three timestamps yield 0.
func IntervalEntropy(timestamps []int64, bucketMs int64) float64 {
	if len(timestamps) < 3 {
		return 0
	}
	if bucketMs <= 0 {
		bucketMs = 100
	}
	buckets := make([]int64, 0, len(timestamps)-1)
	for i := 1; i < len(timestamps); i++ {
		buckets = append(buckets, (timestamps[i]-timestamps[i-1])/bucketMs)
	}
	return NormalizedEntropy(buckets)
}

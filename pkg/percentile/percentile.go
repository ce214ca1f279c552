// Package percentile approximates the 95th percentile of a batch of
// magnitudes. Small batches are sorted exactly; large ones go through a fixed
// size reservoir so the sort cost stays bounded no matter how many points a
// fetch returns.
package percentile

import (
	"math"
	"math/rand/v2"
	"sort"
)

const (
	// ExactLimit is the batch size from which sampling replaces the exact sort.
	ExactLimit = 1500
	// ReservoirSize is the number of values kept by the sampler.
	ReservoirSize = 1024
	// NeutralCap is returned when there is nothing to estimate from.
	NeutralCap = 1.0

	rank = 0.95
)

// Source yields uniform integers in [0, n). *rand.Rand from math/rand/v2
// satisfies it, so tests can pass a seeded generator.
type Source interface {
	IntN(n int) int
}

type globalSource struct{}

func (globalSource) IntN(n int) int { return rand.IntN(n) }

// Estimator computes P95 with an injectable random source.
// The zero value uses the process-wide generator.
type Estimator struct {
	Rand Source
}

// EstimateP95 is Estimator{}.P95.
func EstimateP95(values []float64) float64 {
	return Estimator{}.P95(values)
}

// P95 returns the value at index floor(0.95*(n-1)) of the sorted input, or of
// a uniform reservoir sample once n reaches ExactLimit. Only finite positive
// values count; an input with nothing left returns NeutralCap.
func (e Estimator) P95(values []float64) float64 {
	n := 0
	for _, v := range values {
		if usable(v) {
			n++
		}
	}
	if n == 0 {
		return NeutralCap
	}

	if n < ExactLimit {
		sorted := make([]float64, 0, n)
		for _, v := range values {
			if usable(v) {
				sorted = append(sorted, v)
			}
		}
		return pick(sorted)
	}

	src := e.Rand
	if src == nil {
		src = globalSource{}
	}
	return pick(reservoir(values, ReservoirSize, src))
}

// reservoir draws k usable values in one pass: the first k fill the sample,
// then value i replaces sample[j] for j uniform in [0,i] whenever j < k.
func reservoir(values []float64, k int, src Source) []float64 {
	sample := make([]float64, 0, k)
	i := 0
	for _, v := range values {
		if !usable(v) {
			continue
		}
		if i < k {
			sample = append(sample, v)
		} else if j := src.IntN(i + 1); j < k {
			sample[j] = v
		}
		i++
	}
	return sample
}

func pick(sorted []float64) float64 {
	sort.Float64s(sorted)
	idx := int(math.Floor(rank * float64(len(sorted)-1)))
	return sorted[idx]
}

func usable(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

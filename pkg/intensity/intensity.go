// Package intensity turns raw magnitudes into a bounded [0,1] intensity for
// the heatmap layer.
package intensity

import (
	"math"

	"densitymap/pkg/percentile"
	"densitymap/pkg/spatial"
)

// Normalizer maps magnitudes against a cap. Estimator is used only when no
// usable cap hint is supplied.
type Normalizer struct {
	Estimator percentile.Estimator
}

// Normalize is Normalizer{}.Normalize.
func Normalize(points []spatial.RawPoint, capHint *float64) ([]spatial.NormalizedPoint, float64) {
	return Normalizer{}.Normalize(points, capHint)
}

// Normalize returns sqrt(clamp(magnitude/cap, 0, 1)) for every drawable point
// and the cap that was applied. Points with non-finite coordinates are dropped.
// When no magnitude is finite and positive the cap is 1 and only +Inf
// magnitudes light up.
func (n Normalizer) Normalize(points []spatial.RawPoint, capHint *float64) ([]spatial.NormalizedPoint, float64) {
	if len(points) == 0 {
		return []spatial.NormalizedPoint{}, percentile.NeutralCap
	}

	positives := make([]float64, 0, len(points))
	for _, p := range points {
		if positive(p.Magnitude) {
			positives = append(positives, p.Magnitude)
		}
	}

	out := make([]spatial.NormalizedPoint, 0, len(points))
	if len(positives) == 0 {
		for _, p := range points {
			if !spatial.Finite(p.Lat, p.Lon) {
				continue
			}
			out = append(out, spatial.NormalizedPoint{
				Lat:       p.Lat,
				Lon:       p.Lon,
				Intensity: Scale(p.Magnitude, percentile.NeutralCap),
			})
		}
		return out, percentile.NeutralCap
	}

	limit := percentile.NeutralCap
	switch {
	case capHint != nil && positive(*capHint):
		limit = *capHint
	default:
		if est := n.Estimator.P95(positives); positive(est) {
			limit = est
		}
	}

	for _, p := range points {
		if !spatial.Finite(p.Lat, p.Lon) {
			continue
		}
		out = append(out, spatial.NormalizedPoint{
			Lat:       p.Lat,
			Lon:       p.Lon,
			Intensity: Scale(p.Magnitude, limit),
		})
	}
	return out, limit
}

// Scale applies the compressive transform to one magnitude. +Inf saturates
// at 1; NaN, -Inf and non-positive magnitudes map to 0.
func Scale(magnitude, limit float64) float64 {
	if !positive(limit) {
		return 0
	}
	if math.IsInf(magnitude, 1) {
		return 1
	}
	if !positive(magnitude) {
		return 0
	}
	ratio := magnitude / limit
	if ratio > 1 {
		ratio = 1
	}
	return math.Sqrt(ratio)
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

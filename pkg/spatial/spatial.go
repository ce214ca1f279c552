// Package spatial holds the small value types shared by the heatmap pipeline:
// raw and normalized points, bounding boxes and the domain tag that tells a
// population pipeline apart from a pollution one.
package spatial

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/golang/geo/r1"
	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"
)

// Domain selects which dataset a pipeline instance renders.
type Domain string

const (
	Population Domain = "population"
	Pollution  Domain = "pollution"
)

// ParseDomain accepts the lowercase names used on the wire and in flags.
func ParseDomain(s string) (Domain, error) {
	switch Domain(strings.ToLower(strings.TrimSpace(s))) {
	case Population:
		return Population, nil
	case Pollution:
		return Pollution, nil
	}
	return "", fmt.Errorf("unknown domain %q", s)
}

// RawPoint is one sample as returned by the point-set endpoint.
type RawPoint struct {
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Magnitude float64 `json:"magnitude"`
}

// NormalizedPoint is what the rendering sink draws. Intensity is in [0,1].
type NormalizedPoint struct {
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Intensity float64 `json:"intensity"`
}

// BBox is a latitude/longitude rectangle in degrees. MinLon may be greater
// than MaxLon when the box crosses the antimeridian.
type BBox struct {
	MinLat float64 `json:"minLat" yaml:"minLat"`
	MinLon float64 `json:"minLon" yaml:"minLon"`
	MaxLat float64 `json:"maxLat" yaml:"maxLat"`
	MaxLon float64 `json:"maxLon" yaml:"maxLon"`
}

// Valid reports whether every edge is finite and inside WGS84 ranges.
func (b BBox) Valid() bool {
	for _, v := range []float64{b.MinLat, b.MinLon, b.MaxLat, b.MaxLon} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	if b.MinLat < -90 || b.MaxLat > 90 || b.MinLat > b.MaxLat {
		return false
	}
	return b.MinLon >= -180 && b.MinLon <= 180 && b.MaxLon >= -180 && b.MaxLon <= 180
}

// rect converts the box into an s2.Rect so containment handles the
// antimeridian the same way the rest of the geometry stack does.
func (b BBox) rect() s2.Rect {
	lat := r1.Interval{
		Lo: (s1.Angle(b.MinLat) * s1.Degree).Radians(),
		Hi: (s1.Angle(b.MaxLat) * s1.Degree).Radians(),
	}
	lo := (s1.Angle(b.MinLon) * s1.Degree).Radians()
	hi := (s1.Angle(b.MaxLon) * s1.Degree).Radians()
	if b.MinLon == -180 && b.MaxLon == 180 {
		return s2.Rect{Lat: lat, Lng: s1.FullInterval()}
	}
	return s2.Rect{Lat: lat, Lng: s1.IntervalFromEndpoints(lo, hi)}
}

// Contains reports whether other lies entirely inside b.
func (b BBox) Contains(other BBox) bool {
	if !b.Valid() || !other.Valid() {
		return false
	}
	return b.rect().Contains(other.rect())
}

// ContainsPoint reports whether the coordinate falls inside b.
func (b BBox) ContainsPoint(lat, lon float64) bool {
	if !b.Valid() {
		return false
	}
	return b.rect().ContainsLatLng(s2.LatLngFromDegrees(lat, lon))
}

// earthRadiusKm matches the mean radius s2 distances are usually scaled by.
const earthRadiusKm = 6371.01

// ExpandedKm grows b by km on every side. Longitude grows by the widest
// margin needed at the box's most poleward edge; boxes that reach a pole span
// all longitudes.
func (b BBox) ExpandedKm(km float64) BBox {
	if km <= 0 || !b.Valid() {
		return b
	}
	r := b.rect()
	d := km / earthRadiusKm

	lat := r.Lat.Expanded(d)
	lat.Lo = math.Max(lat.Lo, -math.Pi/2)
	lat.Hi = math.Min(lat.Hi, math.Pi/2)
	out := BBox{
		MinLat: s1.Angle(lat.Lo).Degrees(),
		MaxLat: s1.Angle(lat.Hi).Degrees(),
		MinLon: -180,
		MaxLon: 180,
	}
	if lat.Lo <= -math.Pi/2 || lat.Hi >= math.Pi/2 {
		return out
	}

	maxAbsLat := math.Max(-r.Lat.Lo, r.Lat.Hi)
	sinD, cosLat := math.Sin(d), math.Cos(maxAbsLat)
	if sinD >= cosLat {
		return out
	}
	lng := r.Lng.Expanded(math.Asin(sinD / cosLat))
	if !lng.IsFull() {
		out.MinLon = s1.Angle(lng.Lo).Degrees()
		out.MaxLon = s1.Angle(lng.Hi).Degrees()
	}
	return out
}

// String renders the box in the wire order west,south,east,north.
func (b BBox) String() string {
	return strings.Join([]string{
		strconv.FormatFloat(b.MinLon, 'f', -1, 64),
		strconv.FormatFloat(b.MinLat, 'f', -1, 64),
		strconv.FormatFloat(b.MaxLon, 'f', -1, 64),
		strconv.FormatFloat(b.MaxLat, 'f', -1, 64),
	}, ",")
}

// ParseBBox reads "minLon,minLat,maxLon,maxLat".
func ParseBBox(s string) (BBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return BBox{}, fmt.Errorf("bbox needs 4 comma separated values, got %d", len(parts))
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return BBox{}, fmt.Errorf("bbox value %d: %w", i, err)
		}
		v[i] = f
	}
	b := BBox{MinLon: v[0], MinLat: v[1], MaxLon: v[2], MaxLat: v[3]}
	if !b.Valid() {
		return BBox{}, fmt.Errorf("bbox %q out of range", s)
	}
	return b, nil
}

// Finite reports whether a coordinate pair can be drawn at all.
func Finite(lat, lon float64) bool {
	return !math.IsNaN(lat) && !math.IsInf(lat, 0) && !math.IsNaN(lon) && !math.IsInf(lon, 0)
}

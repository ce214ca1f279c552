package pointfetch

import (
	"net/url"
	"strconv"

	"densitymap/pkg/spatial"
)

// Params identifies one logical point-set query. Values are copied, never
// mutated in place; a different Params means a different run.
type Params struct {
	SubjectID     string
	Domain        spatial.Domain
	Bounds        *spatial.BBox
	PointBudget   int
	Year          int
	RadiusKm      float64
	ParameterCode string
	Aggregation   string
	DateFrom      string
	DateTo        string
	// Cap pins the normalisation ceiling. Zero means unset.
	Cap float64
}

// WithBudget returns a copy asking for at most n points.
func (p Params) WithBudget(n int) Params {
	p.PointBudget = n
	return p
}

// WithCap returns a copy pinned to the given cap.
func (p Params) WithCap(c float64) Params {
	p.Cap = c
	return p
}

// WithBounds returns a copy clipped to b. The box is copied so later edits by
// the caller cannot leak into an in-flight run.
func (p Params) WithBounds(b spatial.BBox) Params {
	p.Bounds = &b
	return p
}

// Equal compares two params by value, including the bounds they point at.
func (p Params) Equal(o Params) bool {
	pb, ob := p.Bounds, o.Bounds
	p.Bounds, o.Bounds = nil, nil
	if p != o {
		return false
	}
	switch {
	case pb == nil && ob == nil:
		return true
	case pb == nil || ob == nil:
		return false
	}
	return *pb == *ob
}

// FilterValues encodes the subject and domain filters shared by /points and
// /estimate.
func (p Params) FilterValues() url.Values {
	q := url.Values{}
	q.Set("subject_id", p.SubjectID)
	if p.Domain != "" {
		q.Set("domain", string(p.Domain))
	}
	if p.Year != 0 {
		q.Set("year", strconv.Itoa(p.Year))
	}
	if p.RadiusKm > 0 {
		q.Set("radius_km", strconv.FormatFloat(p.RadiusKm, 'f', -1, 64))
	}
	if p.ParameterCode != "" {
		q.Set("parameter", p.ParameterCode)
	}
	if p.Aggregation != "" {
		q.Set("aggregation", p.Aggregation)
	}
	if p.DateFrom != "" {
		q.Set("date_from", p.DateFrom)
	}
	if p.DateTo != "" {
		q.Set("date_to", p.DateTo)
	}
	return q
}

// Values encodes the full /points query.
func (p Params) Values() url.Values {
	q := p.FilterValues()
	if p.Bounds != nil {
		q.Set("bbox", p.Bounds.String())
	}
	if p.PointBudget > 0 {
		q.Set("max_points", strconv.Itoa(p.PointBudget))
	}
	return q
}

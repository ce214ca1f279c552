package database

import "densitymap/pkg/spatial"

// PointRecord is one stored sample.
type PointRecord struct {
	ID         int64   `json:"id"`
	SubjectID  string  `json:"subjectId"`
	Domain     string  `json:"domain"`
	Parameter  string  `json:"parameter"`
	Year       int     `json:"year"`
	MeasuredAt int64   `json:"measuredAt"` // unix seconds, 0 when unknown
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	Magnitude  float64 `json:"magnitude"`
}

// Subject is a mapped feature (a lake, a city) with its known footprint.
type Subject struct {
	ID     string        `json:"id"`
	Name   string        `json:"name"`
	Domain string        `json:"domain"`
	Extent *spatial.BBox `json:"extent,omitempty"`
}

// PointQuery selects the rows behind one /points request.
type PointQuery struct {
	SubjectID string
	Domain    string
	Parameter string
	Year      int
	DateFrom  int64 // unix seconds, 0 = open
	DateTo    int64
	// Bounds clips to the viewport; Buffer clips to the radius around the
	// subject. Either may be nil.
	Bounds *spatial.BBox
	Buffer *spatial.BBox
}

// Aggregation names the scalar an estimate reduces to.
type Aggregation string

const (
	AggSum  Aggregation = "sum"
	AggMean Aggregation = "mean"
	AggMax  Aggregation = "max"
)

// ParseAggregation maps the wire name; empty means sum.
func ParseAggregation(s string) (Aggregation, bool) {
	switch Aggregation(s) {
	case "", AggSum:
		return AggSum, true
	case AggMean, "avg":
		return AggMean, true
	case AggMax:
		return AggMax, true
	}
	return "", false
}

// EstimateResult is the reduced scalar plus how many rows fed it.
type EstimateResult struct {
	Value float64
	Count int64
}

package pointfetch

import (
	"github.com/buger/jsonparser"

	"densitymap/pkg/spatial"
)

// decodePoints reads {"points":[[lat,lon,mag],...],"stats":{"p95_raw":x}}.
// A missing or broken points array yields no points; a missing stats object
// yields a zero server cap. Rows that are not at least [number,number] are
// skipped and a non-numeric magnitude counts as zero.
func decodePoints(body []byte) ([]spatial.RawPoint, float64) {
	var pts []spatial.RawPoint
	_, err := jsonparser.ArrayEach(body, func(row []byte, dt jsonparser.ValueType, _ int, err error) {
		if err != nil || dt != jsonparser.Array {
			return
		}
		var vals [3]float64
		var kinds [3]jsonparser.ValueType
		i := 0
		jsonparser.ArrayEach(row, func(v []byte, dt jsonparser.ValueType, _ int, err error) {
			if err != nil || i >= len(vals) {
				i++
				return
			}
			kinds[i] = dt
			if dt == jsonparser.Number {
				if f, perr := jsonparser.ParseFloat(v); perr == nil {
					vals[i] = f
				} else {
					kinds[i] = jsonparser.Unknown
				}
			}
			i++
		})
		if i < 2 || kinds[0] != jsonparser.Number || kinds[1] != jsonparser.Number {
			return
		}
		mag := 0.0
		if kinds[2] == jsonparser.Number {
			mag = vals[2]
		}
		pts = append(pts, spatial.RawPoint{Lat: vals[0], Lon: vals[1], Magnitude: mag})
	}, "points")
	if err != nil {
		pts = nil
	}

	serverCap, err := jsonparser.GetFloat(body, "stats", "p95_raw")
	if err != nil {
		serverCap = 0
	}
	return pts, serverCap
}

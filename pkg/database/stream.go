package database

import (
	"context"
	"fmt"
	"strings"

	"densitymap/pkg/spatial"
)

// where renders the shared filter clause for points queries.
func (q PointQuery) where() (string, []any) {
	clauses := []string{"subject_id = ?", "domain = ?"}
	args := []any{q.SubjectID, q.Domain}
	if q.Parameter != "" {
		clauses = append(clauses, "parameter = ?")
		args = append(args, q.Parameter)
	}
	if q.Year != 0 {
		clauses = append(clauses, "year = ?")
		args = append(args, q.Year)
	}
	if q.DateFrom != 0 {
		clauses = append(clauses, "measured_at >= ?")
		args = append(args, q.DateFrom)
	}
	if q.DateTo != 0 {
		clauses = append(clauses, "measured_at <= ?")
		args = append(args, q.DateTo)
	}
	for _, b := range []*spatial.BBox{q.Bounds, q.Buffer} {
		if b == nil {
			continue
		}
		clauses = append(clauses, "lat BETWEEN ? AND ?")
		args = append(args, b.MinLat, b.MaxLat)
		if b.MinLon <= b.MaxLon {
			clauses = append(clauses, "lon BETWEEN ? AND ?")
			args = append(args, b.MinLon, b.MaxLon)
		} else {
			clauses = append(clauses, "(lon >= ? OR lon <= ?)")
			args = append(args, b.MinLon, b.MaxLon)
		}
	}
	return strings.Join(clauses, " AND "), args
}

// StreamPoints streams matching rows in insertion order through a channel.
// It stops when the context is done and reports the first error on errCh.
func (db *Database) StreamPoints(ctx context.Context, q PointQuery) (<-chan spatial.RawPoint, <-chan error) {
	out := make(chan spatial.RawPoint)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		where, args := q.where()
		query := db.rebind("SELECT lat, lon, magnitude FROM density_points WHERE " + where + " ORDER BY id")

		rows, err := db.DB.QueryContext(ctx, query, args...)
		if err != nil {
			errCh <- fmt.Errorf("query points: %w", err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			var p spatial.RawPoint
			if err := rows.Scan(&p.Lat, &p.Lon, &p.Magnitude); err != nil {
				errCh <- fmt.Errorf("scan point: %w", err)
				return
			}
			select {
			case out <- p:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}

		if err := rows.Err(); err != nil {
			errCh <- fmt.Errorf("iterate points: %w", err)
		}
	}()

	return out, errCh
}

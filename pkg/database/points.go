package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"densitymap/pkg/spatial"
)

// ErrUnknownSubject is returned when a subject has no row.
var ErrUnknownSubject = errors.New("unknown subject")

const insertBatch = 500

// InsertPoints stores records in batches. PostgreSQL goes through COPY;
// other engines use multi-row INSERTs inside one transaction.
func (db *Database) InsertPoints(ctx context.Context, records []PointRecord) error {
	if len(records) == 0 {
		return nil
	}
	if db.Driver == "pgx" {
		err := db.insertPointsPostgreSQLCopy(ctx, records)
		if !errors.Is(err, errCopyUnsupported) {
			return err
		}
	}

	tx, err := db.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	for start := 0; start < len(records); start += insertBatch {
		end := min(start+insertBatch, len(records))
		if err := db.insertChunk(ctx, tx, records[start:end]); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert: %w", err)
	}
	return nil
}

func (db *Database) insertChunk(ctx context.Context, tx *sql.Tx, chunk []PointRecord) error {
	withID := db.Driver != "pgx"
	cols := "subject_id,domain,parameter,year,measured_at,lat,lon,magnitude"
	row := "(?,?,?,?,?,?,?,?)"
	if withID {
		cols = "id," + cols
		row = "(?,?,?,?,?,?,?,?,?)"
	}

	var b strings.Builder
	b.WriteString("INSERT INTO density_points (" + cols + ") VALUES ")
	args := make([]any, 0, len(chunk)*9)
	for i, r := range chunk {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(row)
		if withID {
			args = append(args, <-db.idGenerator)
		}
		args = append(args, r.SubjectID, r.Domain, r.Parameter, r.Year, r.MeasuredAt, r.Lat, r.Lon, r.Magnitude)
	}
	if _, err := tx.ExecContext(ctx, db.rebind(b.String()), args...); err != nil {
		return fmt.Errorf("insert %d points: %w", len(chunk), err)
	}
	return nil
}

// UpsertSubject replaces the subject row.
func (db *Database) UpsertSubject(ctx context.Context, s Subject) error {
	tx, err := db.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin subject upsert: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, db.rebind(`DELETE FROM subjects WHERE subject_id = ?`), s.ID); err != nil {
		return fmt.Errorf("clear subject %s: %w", s.ID, err)
	}
	var minLat, minLon, maxLat, maxLon any
	if s.Extent != nil {
		minLat, minLon, maxLat, maxLon = s.Extent.MinLat, s.Extent.MinLon, s.Extent.MaxLat, s.Extent.MaxLon
	}
	_, err = tx.ExecContext(ctx, db.rebind(`INSERT INTO subjects (subject_id,name,domain,min_lat,min_lon,max_lat,max_lon) VALUES (?,?,?,?,?,?,?)`),
		s.ID, s.Name, s.Domain, minLat, minLon, maxLat, maxLon)
	if err != nil {
		return fmt.Errorf("insert subject %s: %w", s.ID, err)
	}
	return tx.Commit()
}

// SubjectExtent returns the stored footprint. ok is false when the subject
// exists without one.
func (db *Database) SubjectExtent(ctx context.Context, subjectID string) (spatial.BBox, bool, error) {
	var minLat, minLon, maxLat, maxLon sql.NullFloat64
	err := db.DB.QueryRowContext(ctx, db.rebind(`SELECT min_lat,min_lon,max_lat,max_lon FROM subjects WHERE subject_id = ?`), subjectID).
		Scan(&minLat, &minLon, &maxLat, &maxLon)
	if errors.Is(err, sql.ErrNoRows) {
		return spatial.BBox{}, false, ErrUnknownSubject
	}
	if err != nil {
		return spatial.BBox{}, false, fmt.Errorf("subject extent %s: %w", subjectID, err)
	}
	if !minLat.Valid || !minLon.Valid || !maxLat.Valid || !maxLon.Valid {
		return spatial.BBox{}, false, nil
	}
	return spatial.BBox{MinLat: minLat.Float64, MinLon: minLon.Float64, MaxLat: maxLat.Float64, MaxLon: maxLon.Float64}, true, nil
}

// ComputeExtent derives a footprint from the stored points of a subject.
func (db *Database) ComputeExtent(ctx context.Context, subjectID string) (spatial.BBox, bool, error) {
	var minLat, minLon, maxLat, maxLon sql.NullFloat64
	err := db.DB.QueryRowContext(ctx, db.rebind(`SELECT MIN(lat),MIN(lon),MAX(lat),MAX(lon) FROM density_points WHERE subject_id = ?`), subjectID).
		Scan(&minLat, &minLon, &maxLat, &maxLon)
	if err != nil {
		return spatial.BBox{}, false, fmt.Errorf("compute extent %s: %w", subjectID, err)
	}
	if !minLat.Valid {
		return spatial.BBox{}, false, nil
	}
	return spatial.BBox{MinLat: minLat.Float64, MinLon: minLon.Float64, MaxLat: maxLat.Float64, MaxLon: maxLon.Float64}, true, nil
}

// Estimate reduces the matching magnitudes to one scalar.
func (db *Database) Estimate(ctx context.Context, q PointQuery, agg Aggregation) (EstimateResult, error) {
	fn := "SUM"
	switch agg {
	case AggMean:
		fn = "AVG"
	case AggMax:
		fn = "MAX"
	}
	where, args := q.where()
	query := db.rebind("SELECT " + fn + "(magnitude), COUNT(*) FROM density_points WHERE " + where)

	var value sql.NullFloat64
	var count int64
	if err := db.DB.QueryRowContext(ctx, query, args...).Scan(&value, &count); err != nil {
		return EstimateResult{}, fmt.Errorf("estimate %s: %w", q.SubjectID, err)
	}
	return EstimateResult{Value: value.Float64, Count: count}, nil
}

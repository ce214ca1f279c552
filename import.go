package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"densitymap/pkg/database"
	"densitymap/pkg/spatial"
)

const importBatch = 5000

// importCSV loads subject_id,domain,parameter,year,measured_at,lat,lon,magnitude
// rows and refreshes the extent of every subject it touched. A header row is
// skipped when present.
func importCSV(ctx context.Context, db *database.Database, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	started := time.Now()
	stored, skipped, subjects, err := importRecords(ctx, db, f)
	if err != nil {
		return err
	}
	for id, dom := range subjects {
		ext, ok, err := db.ComputeExtent(ctx, id)
		if err != nil {
			return err
		}
		s := database.Subject{ID: id, Name: id, Domain: dom}
		if ok {
			s.Extent = &ext
		}
		if err := db.UpsertSubject(ctx, s); err != nil {
			return err
		}
	}
	log.Printf("import %s: %s points for %d subjects in %s (%s rows skipped)",
		path, humanize.Comma(int64(stored)), len(subjects), time.Since(started).Truncate(time.Millisecond), humanize.Comma(int64(skipped)))
	return nil
}

func importRecords(ctx context.Context, db *database.Database, r io.Reader) (stored, skipped int, subjects map[string]string, err error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	subjects = make(map[string]string)
	batch := make([]database.PointRecord, 0, importBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := db.InsertPoints(ctx, batch); err != nil {
			return err
		}
		stored += len(batch)
		batch = batch[:0]
		return nil
	}

	line := 0
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return stored, skipped, subjects, fmt.Errorf("line %d: %w", line, err)
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(row[0]), "subject_id") {
			continue
		}
		rec, ok := parseRow(row)
		if !ok {
			skipped++
			continue
		}
		if _, seen := subjects[rec.SubjectID]; !seen {
			subjects[rec.SubjectID] = rec.Domain
		}
		batch = append(batch, rec)
		if len(batch) == importBatch {
			if err := flush(); err != nil {
				return stored, skipped, subjects, err
			}
		}
	}
	if err := flush(); err != nil {
		return stored, skipped, subjects, err
	}
	return stored, skipped, subjects, nil
}

// parseRow rejects rows with a bad domain, unusable coordinates or a
// magnitude that is not a finite number.
func parseRow(row []string) (database.PointRecord, bool) {
	if len(row) < 8 {
		return database.PointRecord{}, false
	}
	field := func(i int) string { return strings.TrimSpace(row[i]) }

	dom, err := spatial.ParseDomain(field(1))
	if err != nil || field(0) == "" {
		return database.PointRecord{}, false
	}
	rec := database.PointRecord{SubjectID: field(0), Domain: string(dom), Parameter: field(2)}
	if s := field(3); s != "" {
		if rec.Year, err = strconv.Atoi(s); err != nil {
			return database.PointRecord{}, false
		}
	}
	if s := field(4); s != "" {
		if rec.MeasuredAt, err = strconv.ParseInt(s, 10, 64); err != nil {
			return database.PointRecord{}, false
		}
	}
	vals := [3]float64{}
	for i := range vals {
		v, err := strconv.ParseFloat(field(5+i), 64)
		if err != nil {
			return database.PointRecord{}, false
		}
		vals[i] = v
	}
	rec.Lat, rec.Lon, rec.Magnitude = vals[0], vals[1], vals[2]
	if !spatial.Finite(rec.Lat, rec.Lon) || rec.Lat < -90 || rec.Lat > 90 || rec.Lon < -180 || rec.Lon > 180 {
		return database.PointRecord{}, false
	}
	if !spatial.Finite(rec.Magnitude, 0) {
		return database.PointRecord{}, false
	}
	return rec, true
}

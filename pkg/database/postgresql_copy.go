//go:build !(windows && 386)

package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

// insertPointsPostgreSQLCopy streams records into density_points with COPY on
// a pinned connection. The id column is left to the BIGSERIAL default.
func (db *Database) insertPointsPostgreSQLCopy(ctx context.Context, records []PointRecord) error {
	if len(records) == 0 {
		return nil
	}
	conn, err := db.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open postgres connection: %w", err)
	}
	defer conn.Close()

	rows := make([][]any, 0, len(records))
	for _, r := range records {
		rows = append(rows, []any{r.SubjectID, r.Domain, r.Parameter, r.Year, r.MeasuredAt, r.Lat, r.Lon, r.Magnitude})
	}

	copyErr := conn.Raw(func(driverConn any) error {
		direct, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return errCopyUnsupported
		}
		_, err := direct.Conn().CopyFrom(
			ctx,
			pgx.Identifier{"density_points"},
			[]string{"subject_id", "domain", "parameter", "year", "measured_at", "lat", "lon", "magnitude"},
			pgx.CopyFromRows(rows),
		)
		return err
	})
	if copyErr == errCopyUnsupported {
		return copyErr
	}
	if copyErr != nil {
		return fmt.Errorf("copy points: %w", copyErr)
	}
	return nil
}

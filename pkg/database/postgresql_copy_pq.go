//go:build windows && 386

package database

import "context"

// lib/pq serves the pgx name on this platform and has no CopyFrom, so
// inserts fall back to batched INSERTs.
func (db *Database) insertPointsPostgreSQLCopy(context.Context, []PointRecord) error {
	return errCopyUnsupported
}

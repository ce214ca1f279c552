//go:build windows && 386

package drivers

import (
	"database/sql"

	"github.com/lib/pq"
)

// pgx has no windows/386 build, so lib/pq is registered under the same
// name and -db-type=pgx keeps working.
func init() {
	sql.Register("pgx", &pq.Driver{})
}

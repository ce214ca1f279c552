//go:build (netbsd && amd64) || ios || freebsd || darwin || (linux && riscv64) || (linux && ppc64le) || (linux && s390x) || (linux && amd64) || (linux && arm64) || (linux && 386) || android || (openbsd && amd64) || (openbsd && arm64)

package drivers

import (
	"database/sql"
	"database/sql/driver"

	sqlite "modernc.org/sqlite"
)

// chai stores points in SQLite-compatible files through the modernc engine
// but skips the WAL pragmas the sqlite path applies.
func init() {
	sql.Register("chai", newChaiDriver())
}

func newChaiDriver() driver.Driver {
	return &sqlite.Driver{}
}

package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Database wraps the point store connection.
type Database struct {
	DB          *sql.DB    // underlying connection pool
	Driver      string     // normalised driver name, drives SQL dialect choices
	idGenerator chan int64 // row ids for engines without sequences
}

// Config holds the connection settings collected from flags and env.
type Config struct {
	DBType    string // sqlite, chai, genji, duckdb or pgx
	DBPath    string // file path for embedded engines
	DBConn    string // raw DSN for pgx
	DBHost    string
	DBPort    int
	DBUser    string
	DBPass    string
	DBName    string
	PGSSLMode string
	Port      int // HTTP port, used to name the default database file
}

func normalizeDBType(dbType string) string {
	return strings.ToLower(strings.TrimSpace(dbType))
}

// startIDGenerator hands out increasing ids from a goroutine so concurrent
// imports never collide on primary keys.
func startIDGenerator(initialID int64) chan int64 {
	idChannel := make(chan int64)
	go func(start int64) {
		currentID := start
		for {
			idChannel <- currentID
			currentID++
		}
	}(initialID)
	return idChannel
}

// NewDatabase opens the configured engine and tunes its pool.
// Embedded engines run on a single connection.
func NewDatabase(config Config) (*Database, error) {
	driverName := normalizeDBType(config.DBType)
	var dsn string

	switch driverName {
	case "sqlite", "chai", "genji":
		dsn = config.DBPath
		if dsn == "" {
			dsn = fmt.Sprintf("densitymap-%d.%s", config.Port, driverName)
		}
	case "duckdb":
		dsn = config.DBPath
		if dsn == "" {
			dsn = fmt.Sprintf("densitymap-%d.duckdb", config.Port)
		}
	case "pgx":
		if strings.TrimSpace(config.DBConn) != "" {
			dsn = config.DBConn
		} else {
			dsn = fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				config.DBUser, config.DBPass, config.DBHost, config.DBPort, config.DBName, config.PGSSLMode)
		}
	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.DBType)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driverName, err)
	}

	switch driverName {
	case "sqlite", "chai", "genji", "duckdb":
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	case "pgx":
		db.SetMaxOpenConns(16)
		db.SetMaxIdleConns(8)
		db.SetConnMaxIdleTime(2 * time.Minute)
	}

	tuneCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	switch driverName {
	case "sqlite":
		if err := applyPragmas(tuneCtx, db, "SQLite", sqlitePragmas(), log.Printf); err != nil {
			log.Printf("sqlite tuning skipped: %v", err)
		}
	case "duckdb":
		if err := applyPragmas(tuneCtx, db, "DuckDB", duckDBPragmas(), log.Printf); err != nil {
			log.Printf("duckdb tuning skipped: %v", err)
		}
	}
	cancel()

	{
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("connect to %s database: %w", driverName, err)
		}
	}

	log.Printf("Using database driver: %s with DSN: %s", driverName, redactDSN(dsn))

	// Seed the id generator past any existing rows. A missing table just
	// means a fresh store.
	var maxID sql.NullInt64
	_ = db.QueryRow(`SELECT MAX(id) FROM density_points`).Scan(&maxID)
	initialID := int64(1)
	if maxID.Valid && maxID.Int64 >= initialID {
		initialID = maxID.Int64 + 1
	}

	return &Database{
		DB:          db,
		Driver:      driverName,
		idGenerator: startIDGenerator(initialID),
	}, nil
}

// Close releases the pool.
func (db *Database) Close() error { return db.DB.Close() }

func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	userinfo := dsn[scheme+3 : at]
	if i := strings.Index(userinfo, ":"); i >= 0 {
		return dsn[:scheme+3] + userinfo[:i] + ":***" + dsn[at:]
	}
	return dsn
}

type pragma struct {
	label     string
	query     string
	expectRow bool
}

func sqlitePragmas() []pragma {
	return []pragma{
		{label: "journal_mode", query: "PRAGMA journal_mode=WAL;", expectRow: true},
		{label: "synchronous", query: "PRAGMA synchronous=NORMAL;"},
		{label: "temp_store", query: "PRAGMA temp_store=MEMORY;"},
		{label: "cache_size", query: "PRAGMA cache_size=-20000;"},
		{label: "busy_timeout", query: "PRAGMA busy_timeout=5000;"},
	}
}

func duckDBPragmas() []pragma {
	threads := runtime.NumCPU()
	if threads < 1 {
		threads = 1
	}
	return []pragma{
		{label: "threads", query: "PRAGMA threads=" + strconv.Itoa(threads) + ";"},
		{label: "checkpoint_threshold", query: "PRAGMA checkpoint_threshold='1GB';"},
	}
}

// applyPragmas runs the steps on a worker goroutine fed by a channel and
// reports the first failure.
func applyPragmas(ctx context.Context, db *sql.DB, engine string, steps []pragma, logf func(string, ...any)) error {
	jobs := make(chan pragma)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		for step := range jobs {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			default:
			}

			if step.expectRow {
				var mode string
				if err := db.QueryRowContext(ctx, step.query).Scan(&mode); err != nil {
					errs <- fmt.Errorf("apply %s: %w", step.label, err)
					return
				}
				logf("%s tuning %s -> %s", engine, step.label, mode)
				continue
			}
			if _, err := db.ExecContext(ctx, step.query); err != nil {
				errs <- fmt.Errorf("apply %s: %w", step.label, err)
				return
			}
			logf("%s tuning %s applied", engine, step.label)
		}
		errs <- nil
	}()

	go func() {
		defer close(jobs)
		for _, step := range steps {
			select {
			case jobs <- step:
			case <-ctx.Done():
				return
			}
		}
	}()

	return <-errs
}

// EnsureIndexesAsync builds the lookup indexes in the background so the
// listener can come up before a large store finishes indexing. Busy/locked
// errors back off and retry; anything else is logged and skipped.
func (db *Database) EnsureIndexesAsync(ctx context.Context, logf func(string, ...any)) {
	if logf == nil {
		logf = log.Printf
	}
	indexes := []struct{ name, sql string }{
		{"idx_points_subject", `CREATE INDEX IF NOT EXISTS idx_points_subject ON density_points (subject_id, domain)`},
		{"idx_points_latlon", `CREATE INDEX IF NOT EXISTS idx_points_latlon ON density_points (lat, lon)`},
		{"idx_points_year", `CREATE INDEX IF NOT EXISTS idx_points_year ON density_points (subject_id, year)`},
	}

	go func() {
		logf("⏳ background index build scheduled (engine=%s)", db.Driver)
		for _, it := range indexes {
			start := time.Now()
			backoff := 50 * time.Millisecond
			for {
				select {
				case <-ctx.Done():
					logf("⏹️  stop index builder: %v", ctx.Err())
					return
				default:
				}

				_, err := db.DB.ExecContext(ctx, it.sql)
				if err == nil {
					logf("✅ index %s ready in %s", it.name, time.Since(start).Truncate(time.Millisecond))
					break
				}
				msg := strings.ToLower(err.Error())
				if strings.Contains(msg, "already exists") {
					break
				}
				if strings.Contains(msg, "locked") || strings.Contains(msg, "sqlite_busy") || strings.Contains(msg, "resource busy") {
					time.Sleep(backoff)
					if backoff < time.Second {
						backoff = min(backoff*2, time.Second)
					}
					continue
				}
				logf("❌ index %s failed after %s: %v", it.name, time.Since(start).Truncate(time.Millisecond), err)
				break
			}
		}
	}()
}

// InitSchema creates the point and subject tables for the active dialect.
func (db *Database) InitSchema() error {
	var stmts []string

	switch db.Driver {
	case "pgx":
		stmts = []string{`
CREATE TABLE IF NOT EXISTS density_points (
  id          BIGSERIAL PRIMARY KEY,
  subject_id  TEXT NOT NULL,
  domain      TEXT NOT NULL,
  parameter   TEXT NOT NULL DEFAULT '',
  year        INTEGER NOT NULL DEFAULT 0,
  measured_at BIGINT NOT NULL DEFAULT 0,
  lat         DOUBLE PRECISION NOT NULL,
  lon         DOUBLE PRECISION NOT NULL,
  magnitude   DOUBLE PRECISION NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS subjects (
  subject_id TEXT PRIMARY KEY,
  name       TEXT NOT NULL DEFAULT '',
  domain     TEXT NOT NULL DEFAULT '',
  min_lat    DOUBLE PRECISION,
  min_lon    DOUBLE PRECISION,
  max_lat    DOUBLE PRECISION,
  max_lon    DOUBLE PRECISION
)`}
	case "duckdb":
		stmts = []string{`
CREATE TABLE IF NOT EXISTS density_points (
  id          BIGINT PRIMARY KEY,
  subject_id  VARCHAR NOT NULL,
  domain      VARCHAR NOT NULL,
  parameter   VARCHAR DEFAULT '',
  year        INTEGER DEFAULT 0,
  measured_at BIGINT DEFAULT 0,
  lat         DOUBLE NOT NULL,
  lon         DOUBLE NOT NULL,
  magnitude   DOUBLE NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS subjects (
  subject_id VARCHAR PRIMARY KEY,
  name       VARCHAR DEFAULT '',
  domain     VARCHAR DEFAULT '',
  min_lat    DOUBLE,
  min_lon    DOUBLE,
  max_lat    DOUBLE,
  max_lon    DOUBLE
)`}
	case "genji":
		stmts = []string{`
CREATE TABLE IF NOT EXISTS density_points (
  id          INTEGER PRIMARY KEY,
  subject_id  TEXT NOT NULL,
  domain      TEXT NOT NULL,
  parameter   TEXT,
  year        INTEGER,
  measured_at INTEGER,
  lat         DOUBLE NOT NULL,
  lon         DOUBLE NOT NULL,
  magnitude   DOUBLE NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS subjects (
  subject_id TEXT PRIMARY KEY,
  name       TEXT,
  domain     TEXT,
  min_lat    DOUBLE,
  min_lon    DOUBLE,
  max_lat    DOUBLE,
  max_lon    DOUBLE
)`}
	default: // sqlite, chai
		stmts = []string{`
CREATE TABLE IF NOT EXISTS density_points (
  id          INTEGER PRIMARY KEY,
  subject_id  TEXT NOT NULL,
  domain      TEXT NOT NULL,
  parameter   TEXT NOT NULL DEFAULT '',
  year        INTEGER NOT NULL DEFAULT 0,
  measured_at INTEGER NOT NULL DEFAULT 0,
  lat         REAL NOT NULL,
  lon         REAL NOT NULL,
  magnitude   REAL NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS subjects (
  subject_id TEXT PRIMARY KEY,
  name       TEXT NOT NULL DEFAULT '',
  domain     TEXT NOT NULL DEFAULT '',
  min_lat    REAL,
  min_lon    REAL,
  max_lat    REAL,
  max_lon    REAL
)`}
	}

	for _, stmt := range stmts {
		if _, err := db.DB.Exec(stmt); err != nil {
			return fmt.Errorf("init schema (%s): %w", db.Driver, err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (db *Database) rebind(query string) string {
	if db.Driver != "pgx" {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

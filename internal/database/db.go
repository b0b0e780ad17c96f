package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"weathercache/internal/metrics"
	"weathercache/internal/storage"
)

// Supported drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Options configures Open.
type Options struct {
	// Driver is "sqlite" (default) or "mysql".
	Driver string
	// DSN is required for mysql, e.g. "user:pass@tcp(localhost:3306)/weather".
	// For sqlite it defaults to cache.sqlite inside DataDir.
	DSN string
	// DataDir holds the raw dataset files.
	DataDir string
	Logger  *zap.Logger
}

// DB is the cache store: locations, their observations and the source files
// they were ingested from.
type DB struct {
	conn    *sql.DB
	dialect *dialect
	dataDir string
	log     *zap.Logger

	// gate is held exclusively by rebuilds and shared by per-location writers.
	gate  sync.RWMutex
	locks *keyedMutex
}

// Open connects to the cache store and brings its schema up to date.
func Open(ctx context.Context, opts Options) (*DB, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Driver == "" {
		opts.Driver = DriverSQLite
	}

	d, err := dialectFor(opts.Driver)
	if err != nil {
		return nil, err
	}

	dsn := opts.DSN
	if d.name == DriverSQLite {
		if dsn == "" {
			if opts.DataDir == "" {
				return nil, fmt.Errorf("sqlite cache needs a data directory or DSN")
			}
			if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
			dsn = sqliteDSN(filepath.Join(opts.DataDir, storage.CacheFileName))
		}
	} else if dsn == "" {
		return nil, fmt.Errorf("%s cache needs a DSN", d.name)
	}

	conn, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Configure connection pool
	if d.name == DriverSQLite {
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(5 * time.Minute)
	}

	db := &DB{
		conn:    conn,
		dialect: d,
		dataDir: opts.DataDir,
		log:     opts.Logger,
		locks:   newKeyedMutex(),
	}

	if err := db.migrate(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// sqliteDSN enables WAL and takes the write lock when a transaction begins, so
// another process holding the file makes us wait instead of failing mid-write.
func sqliteDSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(30000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// DataDir returns the directory the store reads raw datasets from.
func (db *DB) DataDir() string {
	return db.dataDir
}

// Driver returns the dialect in use.
func (db *DB) Driver() string {
	return db.dialect.name
}

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Close closes the database connection
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func execTimed(ctx context.Context, q queryer, queryType, table, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	res, err := q.ExecContext(ctx, query, args...)
	metrics.RecordDBQuery(queryType, table, time.Since(start), err)
	return res, err
}

func queryTimed(ctx context.Context, q queryer, table, query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := q.QueryContext(ctx, query, args...)
	metrics.RecordDBQuery("SELECT", table, time.Since(start), err)
	return rows, err
}

// withTx runs fn in a transaction and commits when it returns nil.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	defer db.recordPoolStats()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // Will be ignored if committed

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (db *DB) recordPoolStats() {
	stats := db.conn.Stats()
	metrics.UpdateDBConnectionStats(stats.OpenConnections, stats.InUse, stats.Idle)
}

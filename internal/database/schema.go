package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
)

const schemaVersionKey = "schema_version"

// mysqlDupKeyName is returned when an index being added already exists.
const mysqlDupKeyName = 1061

type migration struct {
	version    int
	statements []string
}

type column struct {
	name string
	ddl  string
}

type dialect struct {
	name       string
	driver     string
	migrations []migration
	// columns lists what migrate re-adds when a table lost a column to a manual
	// edit. Key columns are not listed: a table without them is recreated.
	columns map[string][]column
	// listColumns returns one row per column name of the table bound to ?.
	listColumns string
}

func dialectFor(driver string) (*dialect, error) {
	switch driver {
	case DriverSQLite:
		return sqliteDialect, nil
	case DriverMySQL:
		return mysqlDialect, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

var sqliteDialect = &dialect{
	name:   DriverSQLite,
	driver: "sqlite",
	migrations: []migration{
		{version: 1, statements: []string{
			`CREATE TABLE IF NOT EXISTS locations (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT NOT NULL UNIQUE,
				country TEXT,
				latitude REAL,
				longitude REAL,
				created_at INTEGER NOT NULL DEFAULT 0,
				updated_at INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE TABLE IF NOT EXISTS observations (
				location_id INTEGER NOT NULL REFERENCES locations(id),
				ts INTEGER NOT NULL,
				variable TEXT NOT NULL,
				value REAL,
				PRIMARY KEY (location_id, ts, variable)
			)`,
			`CREATE TABLE IF NOT EXISTS source_files (
				filename TEXT PRIMARY KEY,
				location_id INTEGER NOT NULL REFERENCES locations(id),
				size_bytes INTEGER NOT NULL DEFAULT 0,
				ingested_at INTEGER NOT NULL DEFAULT 0
			)`,
		}},
		{version: 2, statements: []string{
			`CREATE INDEX IF NOT EXISTS idx_source_files_location ON source_files (location_id)`,
			`CREATE INDEX IF NOT EXISTS idx_observations_variable ON observations (variable)`,
		}},
	},
	columns: map[string][]column{
		"locations": {
			{"country", "country TEXT"},
			{"latitude", "latitude REAL"},
			{"longitude", "longitude REAL"},
			{"created_at", "created_at INTEGER NOT NULL DEFAULT 0"},
			{"updated_at", "updated_at INTEGER NOT NULL DEFAULT 0"},
		},
		"observations": {
			{"value", "value REAL"},
		},
		"source_files": {
			{"size_bytes", "size_bytes INTEGER NOT NULL DEFAULT 0"},
			{"ingested_at", "ingested_at INTEGER NOT NULL DEFAULT 0"},
		},
	},
	listColumns: `SELECT name FROM pragma_table_info(?)`,
}

// MySQL doesn't support multiple statements in one Exec, so every statement
// stands alone.
var mysqlDialect = &dialect{
	name:   DriverMySQL,
	driver: "mysql",
	migrations: []migration{
		{version: 1, statements: []string{
			`CREATE TABLE IF NOT EXISTS locations (
				id BIGINT AUTO_INCREMENT PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				country VARCHAR(64) NULL,
				latitude DOUBLE NULL,
				longitude DOUBLE NULL,
				created_at BIGINT NOT NULL DEFAULT 0,
				updated_at BIGINT NOT NULL DEFAULT 0,
				UNIQUE KEY uq_locations_name (name)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS observations (
				location_id BIGINT NOT NULL,
				ts BIGINT NOT NULL,
				variable VARCHAR(64) NOT NULL,
				value DOUBLE NULL,
				PRIMARY KEY (location_id, ts, variable),
				CONSTRAINT fk_observations_location FOREIGN KEY (location_id) REFERENCES locations (id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS source_files (
				filename VARCHAR(255) NOT NULL PRIMARY KEY,
				location_id BIGINT NOT NULL,
				size_bytes BIGINT NOT NULL DEFAULT 0,
				ingested_at BIGINT NOT NULL DEFAULT 0,
				CONSTRAINT fk_source_files_location FOREIGN KEY (location_id) REFERENCES locations (id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}},
		{version: 2, statements: []string{
			`ALTER TABLE observations ADD INDEX idx_observations_variable (variable)`,
		}},
	},
	columns: map[string][]column{
		"locations": {
			{"country", "country VARCHAR(64) NULL"},
			{"latitude", "latitude DOUBLE NULL"},
			{"longitude", "longitude DOUBLE NULL"},
			{"created_at", "created_at BIGINT NOT NULL DEFAULT 0"},
			{"updated_at", "updated_at BIGINT NOT NULL DEFAULT 0"},
		},
		"observations": {
			{"value", "value DOUBLE NULL"},
		},
		"source_files": {
			{"size_bytes", "size_bytes BIGINT NOT NULL DEFAULT 0"},
			{"ingested_at", "ingested_at BIGINT NOT NULL DEFAULT 0"},
		},
	},
	listColumns: `SELECT COLUMN_NAME FROM information_schema.COLUMNS WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?`,
}

// SchemaVersion is the newest schema the store knows how to create.
func SchemaVersion() int {
	return sqliteDialect.migrations[len(sqliteDialect.migrations)-1].version
}

// migrate applies pending migrations, recording progress in schema_meta, then
// repairs tables that lost columns.
func (db *DB) migrate(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_meta (
		name VARCHAR(64) NOT NULL PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create schema_meta: %w", err)
	}

	current, err := db.schemaVersion(ctx)
	if err != nil {
		return err
	}

	// A manually dropped table is recreated even when the recorded version is
	// current; every base statement is idempotent.
	base := db.dialect.migrations[0]
	for _, stmt := range base.statements {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	for _, m := range db.dialect.migrations {
		if m.version <= current || m.version == base.version {
			continue
		}
		for _, stmt := range m.statements {
			if _, err := db.conn.ExecContext(ctx, stmt); err != nil && !isDuplicateIndex(err) {
				return fmt.Errorf("migration %d failed: %w", m.version, err)
			}
		}
		db.log.Info("Applied schema migration", zap.Int("version", m.version))
	}

	if err := db.setSchemaVersion(ctx, SchemaVersion()); err != nil {
		return err
	}

	return db.repairColumns(ctx)
}

func (db *DB) schemaVersion(ctx context.Context) (int, error) {
	var raw string
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM schema_meta WHERE name = ?`, schemaVersionKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		db.log.Warn("Ignoring malformed schema version", zap.String("value", raw))
		return 0, nil
	}
	return v, nil
}

func (db *DB) setSchemaVersion(ctx context.Context, version int) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM schema_meta WHERE name = ?`, schemaVersionKey); err != nil {
			return fmt.Errorf("failed to clear schema version: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_meta (name, value) VALUES (?, ?)`,
			schemaVersionKey, strconv.Itoa(version)); err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
		return nil
	})
}

func (db *DB) repairColumns(ctx context.Context) error {
	for _, table := range []string{"locations", "observations", "source_files"} {
		existing, err := db.tableColumns(ctx, table)
		if err != nil {
			return err
		}
		for _, col := range db.dialect.columns[table] {
			if existing[col.name] {
				continue
			}
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, col.ddl)
			if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to restore column %s.%s: %w", table, col.name, err)
			}
			db.log.Warn("Restored missing column", zap.String("table", table), zap.String("column", col.name))
		}
	}
	return nil
}

func (db *DB) tableColumns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := db.conn.QueryContext(ctx, db.dialect.listColumns, table)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan column of %s: %w", table, err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

func isDuplicateIndex(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDupKeyName
}

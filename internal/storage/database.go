package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"voterimport/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite   = "sqlite3"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// DB is a database handle that knows its SQL dialect.
type DB struct {
	*sql.DB
	Driver string
}

// Open connects to the database configured under dbType.
func Open(dbType string, cfg *config.Config) (*DB, error) {
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}

	var (
		db     *sql.DB
		driver string
		err    error
	)

	switch strings.ToLower(dbType) {
	case "sqlite", "sqlite3":
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		if dbCfg.DSN != ":memory:" && !strings.HasPrefix(dbCfg.DSN, "file:") {
			if err := os.MkdirAll(filepath.Dir(dbCfg.DSN), 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite directory: %w", err)
			}
		}
		return OpenSQLite(dbCfg.DSN)
	case "mysql":
		dsn := dbCfg.DSN
		if dsn == "" {
			params := dbCfg.Params
			if !strings.Contains(params, "parseTime") {
				params = strings.TrimPrefix(params+"&parseTime=true", "&")
			}
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
				dbCfg.Username,
				dbCfg.Password,
				dbCfg.Host,
				dbCfg.Port,
				dbCfg.DBName,
				params,
			)
		}
		driver = DriverMySQL
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	case "postgres", "postgresql":
		dsn := dbCfg.DSN
		if dsn == "" {
			dsn = fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s %s",
				dbCfg.Host,
				dbCfg.Port,
				dbCfg.Username,
				dbCfg.Password,
				dbCfg.DBName,
				dbCfg.Params,
			)
		}
		driver = DriverPostgres
		db, err = sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", dbType)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{DB: db, Driver: driver}, nil
}

// OpenSQLite opens a sqlite database. A single connection serialises writers so
// concurrent imports queue on the busy timeout instead of failing with SQLITE_BUSY.
func OpenSQLite(dsn string) (*DB, error) {
	db, err := sql.Open("sqlite3", withSQLiteParams(dsn))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{DB: db, Driver: DriverSQLite}, nil
}

func withSQLiteParams(dsn string) string {
	if strings.Contains(dsn, "_busy_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_busy_timeout=5000"
}

// Rebind rewrites '?' placeholders for dialects that number them.
func (db *DB) Rebind(query string) string {
	return Rebind(db.Driver, query)
}

// Rebind rewrites '?' placeholders to $N for postgres, leaving other drivers untouched.
func Rebind(driver, query string) string {
	if driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// MaxParams is the bind parameter budget per statement for the dialect.
func (db *DB) MaxParams() int {
	switch db.Driver {
	case DriverSQLite:
		return 999
	case DriverPostgres:
		return 65535
	default:
		return 65535
	}
}

// SnapshotTxOptions configures read transactions whose statements must all see one
// snapshot. Postgres and MySQL need REPEATABLE READ for that; sqlite already runs every
// transaction alone on its single connection.
func (db *DB) SnapshotTxOptions() *sql.TxOptions {
	opts := &sql.TxOptions{ReadOnly: true}
	switch db.Driver {
	case DriverPostgres, DriverMySQL:
		opts.Isolation = sql.LevelRepeatableRead
	}
	return opts
}

// Migrate ensures the required tables are present.
func Migrate(ctx context.Context, db *DB) error {
	var stmts []string
	switch db.Driver {
	case DriverSQLite:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS import_sessions (
				id TEXT PRIMARY KEY,
				temp_table_name TEXT NOT NULL,
				file_name TEXT NOT NULL,
				row_count INTEGER NOT NULL,
				skipped_rows INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'expired', 'deleting')),
				created_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_import_sessions_expiry ON import_sessions(status, expires_at)`,
			`CREATE TABLE IF NOT EXISTS import_records (
				session_id TEXT NOT NULL,
				seq_no INTEGER NOT NULL,
				` + fieldColumns("TEXT NOT NULL DEFAULT ''") + `,
				search_text TEXT NOT NULL DEFAULT '',
				PRIMARY KEY (session_id, seq_no)
			)`,
		}
	case DriverMySQL:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS import_sessions (
				id VARCHAR(36) NOT NULL,
				temp_table_name VARCHAR(64) NOT NULL,
				file_name VARCHAR(255) NOT NULL,
				row_count INT NOT NULL,
				skipped_rows INT NOT NULL DEFAULT 0,
				status VARCHAR(16) NOT NULL DEFAULT 'active',
				created_at DATETIME(6) NOT NULL,
				expires_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_import_sessions_expiry (status, expires_at)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS import_records (
				session_id VARCHAR(36) NOT NULL,
				seq_no BIGINT NOT NULL,
				` + fieldColumns("TEXT NOT NULL") + `,
				search_text MEDIUMTEXT NOT NULL,
				PRIMARY KEY (session_id, seq_no)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	case DriverPostgres:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS import_sessions (
				id TEXT PRIMARY KEY,
				temp_table_name TEXT NOT NULL,
				file_name TEXT NOT NULL,
				row_count INTEGER NOT NULL,
				skipped_rows INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'expired', 'deleting')),
				created_at TIMESTAMPTZ NOT NULL,
				expires_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_import_sessions_expiry ON import_sessions(status, expires_at)`,
			`CREATE TABLE IF NOT EXISTS import_records (
				session_id TEXT NOT NULL,
				seq_no BIGINT NOT NULL,
				` + fieldColumns("TEXT NOT NULL DEFAULT ''") + `,
				search_text TEXT NOT NULL DEFAULT '',
				PRIMARY KEY (session_id, seq_no)
			)`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", db.Driver)
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", db.Driver, err)
		}
	}
	return nil
}

package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DialectSQLite   = "sqlite3"
	DialectPostgres = "postgres"
)

// DB wraps the database holding credentials and the user directory.
type DB struct {
	*sql.DB
	dialect string
}

// DriverDSN turns the configured DSN into what the driver expects. A sqlite
// path gets WAL mode, a busy timeout and foreign keys; anything else passes
// through unchanged.
func DriverDSN(dialect, dsn string) string {
	if dialect != DialectSQLite || strings.HasPrefix(dsn, "file:") {
		return dsn
	}
	return "file:" + dsn + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"
}

// Open connects to sqlite3 or postgres and verifies the connection.
func Open(dialect, dsn string) (*DB, error) {
	switch dialect {
	case DialectSQLite, DialectPostgres:
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
	db, err := sql.Open(dialect, DriverDSN(dialect, dsn))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if dialect == DialectPostgres {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db, dialect: dialect}, nil
}

// Dialect returns the SQL dialect the database was opened with.
func (db *DB) Dialect() string {
	return db.dialect
}

// rebind rewrites ? placeholders to $N for postgres.
func (db *DB) rebind(query string) string {
	if db.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

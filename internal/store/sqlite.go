package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDirPermissions is used when creating the database file's directory.
	DefaultDirPermissions = 0755
	// Foreign keys back the patient cascade deletes.
	sqliteParams = "_foreign_keys=on&_busy_timeout=5000"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is the SQLite-backed Store used for single-host deployments.
type SQLiteStore struct {
	*sqlStore
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens the database file named by the DSN, creating its directory, and
// applies the embedded migrations. A DSN without query parameters gets sqliteParams.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sqlite store: database DSN not set")
	}

	dsn := cfg.DSN
	dir := filepath.Dir(strings.TrimPrefix(strings.SplitN(dsn, "?", 2)[0], "file:"))
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		return nil, fmt.Errorf("create database directory %s: %w", dir, err)
	}
	if !strings.Contains(dsn, "?") {
		dsn += "?" + sqliteParams
	}

	// One connection: SQLite has a single writer and concurrent webhook handlers would
	// otherwise see "database is locked".
	db, err := openMigrated("SQLiteStore", "sqlite3", dsn, sqliteMigrations, func(db *sql.DB) {
		db.SetMaxOpenConns(1)
	})
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{sqlStore: &sqlStore{db: db, dialect: dialectSQLite, name: "SQLiteStore"}}, nil
}

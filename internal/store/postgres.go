package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
)

// Pool sizing for the shared PostgreSQL deployment.
const (
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 25
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is the PostgreSQL-backed Store. Several CareCall instances may share it;
// ON CONFLICT upserts keep concurrent webhook writes consistent.
type PostgresStore struct {
	*sqlStore
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects, applies the embedded migrations and returns the store.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres store: database DSN not set")
	}
	db, err := openMigrated("PostgresStore", "postgres", cfg.DSN, postgresMigrations, func(db *sql.DB) {
		db.SetMaxOpenConns(DefaultMaxOpenConns)
		db.SetMaxIdleConns(DefaultMaxIdleConns)
		db.SetConnMaxLifetime(DefaultConnMaxLifetime)
	})
	if err != nil {
		return nil, err
	}
	return newPostgresStoreFromDB(db), nil
}

// newPostgresStoreFromDB wraps an already-open handle; tests use it with sqlmock.
func newPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{sqlStore: &sqlStore{db: db, dialect: dialectPostgres, name: "PostgresStore"}}
}

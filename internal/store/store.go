package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// ErrPredictionExists is returned when a station already has a prediction for
// the requested date.
var ErrPredictionExists = errors.New("prediction already exists")

type Store struct {
	db     *sqlx.DB
	driver string
}

// Open connects to driver at dsn. SQLite connections are limited to one so
// that in-memory databases are shared and writers never contend.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}
	return New(db), nil
}

func New(db *sqlx.DB) *Store {
	return &Store{db: db, driver: db.DriverName()}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sqlx.DB {
	return s.db
}

// q rebinds a query written with ? placeholders for the active driver.
func (s *Store) q(query string) string {
	return s.db.Rebind(query)
}

// ddl fills the dialect-specific column types of a migration.
func (s *Store) ddl(sql string) string {
	r := strings.NewReplacer(
		"{{serial}}", s.dialect("INTEGER PRIMARY KEY AUTOINCREMENT", "BIGSERIAL PRIMARY KEY"),
		"{{timestamp}}", s.dialect("DATETIME", "TIMESTAMPTZ"),
		"{{blob}}", s.dialect("BLOB", "BYTEA"),
		"{{real}}", s.dialect("REAL", "DOUBLE PRECISION"),
	)
	return r.Replace(sql)
}

func (s *Store) dialect(sqlite, postgres string) string {
	if s.driver == DriverPostgres {
		return postgres
	}
	return sqlite
}

// withTx runs fn in a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	// ErrNotFound is returned when a lookup by id matches no row.
	ErrNotFound = errors.New("not found")
	// ErrUniqueViolation marks inserts rejected by a unique constraint. It
	// usually means two pipeline runs raced on the same package.
	ErrUniqueViolation = errors.New("unique constraint violation")
)

const schema = `
CREATE TABLE IF NOT EXISTS packages (
  id                TEXT PRIMARY KEY,
  url               TEXT NOT NULL UNIQUE,
  processing_stage  TEXT NOT NULL,
  status            TEXT NOT NULL,
  created_at        TIMESTAMP NOT NULL,
  updated_at        TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_packages_stage ON packages(processing_stage, updated_at);

CREATE TABLE IF NOT EXISTS repositories (
  id                          TEXT PRIMARY KEY,
  package_id                  TEXT NOT NULL UNIQUE REFERENCES packages(id) ON DELETE CASCADE,
  owner                       TEXT NOT NULL,
  name                        TEXT NOT NULL,
  owner_avatar_url            TEXT,
  summary                     TEXT,
  default_branch              TEXT,
  homepage                    TEXT,
  stars                       INTEGER NOT NULL DEFAULT 0,
  forks                       INTEGER NOT NULL DEFAULT 0,
  open_issues                 INTEGER NOT NULL DEFAULT 0,
  open_pull_requests          INTEGER NOT NULL DEFAULT 0,
  is_archived                 INTEGER NOT NULL DEFAULT 0 CHECK (is_archived IN (0,1)),
  forked_from                 TEXT,
  license                     TEXT,
  license_url                 TEXT,
  readme_url                  TEXT,
  readme_html_url             TEXT,
  readme_etag                 TEXT,
  last_issue_closed_at        TIMESTAMP,
  last_pull_request_closed_at TIMESTAMP,
  releases                    TEXT,
  topics                      TEXT,
  commit_count                INTEGER NOT NULL DEFAULT 0,
  first_commit_date           TIMESTAMP,
  last_commit_date            TIMESTAMP,
  authors                     TEXT,
  created_at                  TIMESTAMP NOT NULL,
  updated_at                  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS versions (
  id                  TEXT PRIMARY KEY,
  package_id          TEXT NOT NULL REFERENCES packages(id) ON DELETE CASCADE,
  reference_kind      TEXT NOT NULL CHECK (reference_kind IN ('branch','tag')),
  reference           TEXT NOT NULL,
  commit_hash         TEXT NOT NULL,
  commit_date         TIMESTAMP NOT NULL,
  latest              TEXT CHECK (latest IN ('release','preRelease','defaultBranch')),
  package_name        TEXT,
  tools_version       TEXT,
  supported_platforms TEXT,
  swift_versions      TEXT,
  release_notes       TEXT,
  release_notes_html  TEXT,
  published_at        TIMESTAMP,
  url                 TEXT,
  created_at          TIMESTAMP NOT NULL,
  updated_at          TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_versions_package ON versions(package_id);
CREATE INDEX IF NOT EXISTS idx_versions_latest ON versions(latest);

CREATE TABLE IF NOT EXISTS products (
  id          TEXT PRIMARY KEY,
  version_id  TEXT NOT NULL REFERENCES versions(id) ON DELETE CASCADE,
  name        TEXT NOT NULL,
  type        TEXT NOT NULL,
  targets     TEXT,
  created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_products_version ON products(version_id);

CREATE TABLE IF NOT EXISTS targets (
  id          TEXT PRIMARY KEY,
  version_id  TEXT NOT NULL REFERENCES versions(id) ON DELETE CASCADE,
  name        TEXT NOT NULL,
  type        TEXT NOT NULL,
  created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_targets_version ON targets(version_id);

CREATE TABLE IF NOT EXISTS builds (
  id             TEXT PRIMARY KEY,
  version_id     TEXT NOT NULL REFERENCES versions(id) ON DELETE CASCADE,
  platform       TEXT NOT NULL,
  swift_version  TEXT NOT NULL,
  status         TEXT NOT NULL,
  job_url        TEXT,
  runner_id      TEXT,
  created_at     TIMESTAMP NOT NULL,
  updated_at     TIMESTAMP NOT NULL,
  UNIQUE(version_id, platform, swift_version)
);
CREATE INDEX IF NOT EXISTS idx_builds_status ON builds(status, created_at);
`

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries holds every read and write of the pipeline. The same methods run
// against the database directly or inside a transaction from DB.InTx.
type Queries struct {
	q      queryer
	driver string
}

type DB struct {
	*Queries
	sql *sql.DB
}

// Open connects to the database and ensures the schema exists. For sqlite
// dsn is a file path; for postgres it is a connection string.
func Open(driver, dsn string) (*DB, error) {
	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverSQLite, "":
		driver = DriverSQLite
		db, err = sql.Open("sqlite", "file:"+dsn+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
		if err == nil {
			// SQLite has a single writer; one connection keeps concurrent
			// package transactions queued instead of failing with SQLITE_BUSY.
			db.SetMaxOpenConns(1)
		}
	case DriverPostgres:
		db, err = sql.Open("pgx", strings.TrimSpace(dsn))
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &DB{Queries: &Queries{q: db, driver: driver}, sql: db}, nil
}

func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

// InTx runs fn inside a transaction. The transaction is committed when fn
// returns nil and rolled back otherwise.
func (d *DB) InTx(ctx context.Context, fn func(*Queries) error) (err error) {
	tx, err := d.sql.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(&Queries{q: tx, driver: d.driver}); err != nil {
		return err
	}
	return tx.Commit()
}

// rebind rewrites ? placeholders to $n for postgres.
func (q *Queries) rebind(query string) string {
	if q.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
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

func (q *Queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := q.q.ExecContext(ctx, q.rebind(query), args...)
	return res, classify(err)
}

func (q *Queries) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return q.q.QueryContext(ctx, q.rebind(query), args...)
}

func (q *Queries) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return q.q.QueryRowContext(ctx, q.rebind(query), args...)
}

// classify tags unique-constraint failures from either driver with
// ErrUniqueViolation.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch code := sqliteErr.Code(); {
		case code == sqlite3.SQLITE_CONSTRAINT_UNIQUE, code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
		case code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(sqliteErr.Error(), "UNIQUE"):
			return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
		}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	}
	return err
}

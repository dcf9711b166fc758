/*
Package sqlstore provides the SQL implementation of stock.TxStore.

PURPOSE:
  One code path for SQLite (github.com/mattn/go-sqlite3) and PostgreSQL
  (github.com/lib/pq), on top of sqlx. Queries are written with ? and
  rebound per driver; the dialect supplies the few statements that differ.

CONCURRENCY:
  PostgreSQL: row locks. GetForUpdate appends FOR UPDATE, so racing
  deductions on one stock record (or limit checks on one prescriber
  limit) serialize inside their transactions.

  SQLite: no row locks. Transactions start with BEGIN IMMEDIATE
  (_txlock=immediate) and the pool holds a single connection, so writers
  serialize on the database. Every query inside WithTx must go through
  the transaction or it would wait on the connection the transaction holds.

  Deadlocks and serialization failures (PG 40P01, 40001) and an exhausted
  SQLite busy wait come back from WithTx as *stock.ConflictError.

TIMES:
  Stored as fixed-width UTC text (timeLayout) so that string comparison
  matches time order in both databases.

USAGE:
  s, err := sqlstore.Open("sqlite3", "./data/dispense.db")
  if err != nil {
      log.Fatal(err)
  }
  defer s.Close()

SEE ALSO:
  - schema.go: Tables and indexes
  - repos.go:  Repository implementations
*/
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/warp/dispense-engine/stock"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

type dialect struct {
	driver    string
	forUpdate string
	seqColumn string
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case DriverSQLite:
		return dialect{driver: driver, seqColumn: "seq INTEGER PRIMARY KEY AUTOINCREMENT"}, nil
	case DriverPostgres:
		return dialect{driver: driver, forUpdate: " FOR UPDATE", seqColumn: "seq BIGSERIAL PRIMARY KEY"}, nil
	default:
		return dialect{}, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Store implements stock.TxStore.
type Store struct {
	db      *sqlx.DB
	dialect dialect
}

// Open connects and migrates. For SQLite use a file path or ":memory:".
func Open(driver, dsn string) (*Store, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		dsn = sqliteDSN(dsn)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		// ":memory:" is per connection, and one connection is also what
		// serializes writers.
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db, dialect: d}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func sqliteDSN(path string) string {
	opts := "_txlock=immediate&_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL"
	if strings.Contains(path, "?") {
		return path + "&" + opts
	}
	return path + "?" + opts
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// =============================================================================
// TRANSACTIONAL STORE (stock.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(stock.Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&txStore{r: repo{q: tx, d: s.dialect}}); err != nil {
		return lostRace(err)
	}
	if err := tx.Commit(); err != nil {
		return lostRace(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// lostRace turns a deadlock, serialization failure or exhausted busy wait
// into a Conflict: another transaction got there first and the caller may
// resubmit. Other errors are returned unchanged.
func lostRace(err error) error {
	if !isConcurrencyFailure(err) {
		return err
	}
	return &stock.ConflictError{Message: "concurrent update conflict: another transaction won the race"}
}

type txStore struct {
	r repo
}

func (ts *txStore) Catalog() stock.CatalogRepository           { return catalogRepo{ts.r} }
func (ts *txStore) Prescriptions() stock.PrescriptionRepository { return prescriptionRepo{ts.r} }
func (ts *txStore) Stock() stock.StockRepository               { return stockRepo{ts.r} }
func (ts *txStore) Movements() stock.MovementRepository        { return movementRepo{ts.r} }
func (ts *txStore) Dispenses() stock.DispenseRepository        { return dispenseRepo{ts.r} }
func (ts *txStore) Limits() stock.LimitRepository              { return limitRepo{ts.r} }
func (ts *txStore) Audit() stock.AuditRepository               { return auditRepo{ts.r} }
func (ts *txStore) Outbox() stock.OutboxRepository             { return outboxRepo{ts.r} }

// =============================================================================
// HELPERS
// =============================================================================

type queryer interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

type repo struct {
	q queryer
	d dialect
}

func (r repo) get(ctx context.Context, dest any, query string, args ...any) error {
	return r.q.GetContext(ctx, dest, r.q.Rebind(query), args...)
}

func (r repo) selectAll(ctx context.Context, dest any, query string, args ...any) error {
	return r.q.SelectContext(ctx, dest, r.q.Rebind(query), args...)
}

func (r repo) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := r.q.ExecContext(ctx, r.q.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}

// PostgreSQL SQLSTATEs for a transaction aborted by a concurrent one.
const (
	pqDeadlockDetected     = "40P01"
	pqSerializationFailure = "40001"
)

func isConcurrencyFailure(err error) bool {
	var pe *pq.Error
	if errors.As(err, &pe) {
		return pe.Code == pqDeadlockDetected || pe.Code == pqSerializationFailure
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		return pe.Code == "23505"
	}
	return false
}

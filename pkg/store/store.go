// Package store persists events and device aggregates in PostgreSQL.
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/kabili207/meshmapper/pkg/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Error wraps a driver error with the operation that failed.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Options sizes the connection pool. database/sql has no minimum pool size,
// so MinIdleConns is applied as the idle connection limit.
type Options struct {
	URL            string
	MaxOpenConns   int
	MinIdleConns   int
	ConnectTimeout time.Duration
}

// Open creates the pool and verifies it with a ping.
func Open(ctx context.Context, opts Options) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", opts.URL)
	if err != nil {
		return nil, &Error{Op: "open", Err: err}
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MinIdleConns > 0 {
		db.SetMaxIdleConns(opts.MinIdleConns)
	}

	pingCtx := ctx
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, &Error{Op: "ping", Err: err}
	}
	return db, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(db *sqlx.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return &Error{Op: "migrate", Err: err}
	}
	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return &Error{Op: "migrate", Err: err}
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return &Error{Op: "migrate", Err: err}
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return &Error{Op: "migrate", Err: err}
	}
	return nil
}

// Recorder is the write side the ingestion sink needs.
type Recorder interface {
	RecordEvent(ctx context.Context, e *models.Event) error
	Close() error
}

// Stores is the explicit handle on the relational store. It is created once
// at startup and handed to everything that persists.
type Stores struct {
	Events  EventStore
	Devices DeviceStore

	db *sqlx.DB
}

func New(db *sqlx.DB) *Stores {
	return &Stores{
		Events:  NewEventStore(db),
		Devices: NewDeviceStore(db),
		db:      db,
	}
}

// RecordEvent inserts the event row and folds it into its device aggregate
// in one transaction.
func (s *Stores) RecordEvent(ctx context.Context, e *models.Event) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &Error{Op: "begin", Err: err}
	}
	if _, err := tx.NamedExecContext(ctx, insertEventStmt, e); err != nil {
		tx.Rollback()
		return &Error{Op: "insert event", Err: err}
	}
	if _, err := tx.NamedExecContext(ctx, upsertDeviceStmt, e); err != nil {
		tx.Rollback()
		return &Error{Op: "upsert device", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &Error{Op: "commit", Err: err}
	}
	return nil
}

// ErrNoConnection is returned by Ping on a handle without a pool.
var ErrNoConnection = errors.New("no database connection")

func (s *Stores) Ping(ctx context.Context) error {
	if s.db == nil {
		return &Error{Op: "ping", Err: ErrNoConnection}
	}
	if err := s.db.PingContext(ctx); err != nil {
		return &Error{Op: "ping", Err: err}
	}
	return nil
}

func (s *Stores) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

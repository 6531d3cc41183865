package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"

	serializableAttempts = 3
)

// dbtx is the query surface shared by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// conn returns the transaction bound to ctx by RunInTx, or the pool.
func (s *PostgresStore) conn(ctx context.Context) dbtx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// RunInTx runs fn inside a READ COMMITTED transaction. Store calls made with
// the context passed to fn join that transaction. Nested calls reuse the
// outer transaction.
func (s *PostgresStore) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.runTx(ctx, nil, fn)
}

// RunSerializable runs fn in a SERIALIZABLE transaction and retries it when
// Postgres aborts it with a serialization failure or deadlock.
func (s *PostgresStore) RunSerializable(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= serializableAttempts; attempt++ {
		err = s.runTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable}, fn)
		if err == nil || !IsSerializationFailure(err) {
			return err
		}
		if _, nested := ctx.Value(txKey{}).(*sql.Tx); nested {
			return err
		}
	}
	return fmt.Errorf("serializable transaction retries exhausted: %w", err)
}

func (s *PostgresStore) runTx(ctx context.Context, opts *sql.TxOptions, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func IsSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected)
}

// SequenceKind names a reference sequence backed by a table column.
type SequenceKind string

const (
	SeqPurchaseOrder   SequenceKind = "purchase_orders"
	SeqReception       SequenceKind = "receptions"
	SeqDemande         SequenceKind = "demandes_mp"
	SeqProductionOrder SequenceKind = "production_orders"
	SeqInvoice         SequenceKind = "invoices"
	SeqLot             SequenceKind = "lots"
	SeqInventory       SequenceKind = "stock_movements"
)

var sequenceColumns = map[SequenceKind]string{
	SeqPurchaseOrder:   "reference",
	SeqReception:       "reference",
	SeqDemande:         "reference",
	SeqProductionOrder: "reference",
	SeqInvoice:         "reference",
	SeqLot:             "lot_number",
	SeqInventory:       "reference",
}

// NextSequence returns one past the highest number already used after
// prefix, so deleted drafts never free a number that still exists. Inside a
// transaction it holds an advisory lock on the prefix until commit, so
// concurrent writers of the same period do not collide.
func (s *PostgresStore) NextSequence(ctx context.Context, kind SequenceKind, prefix string) (int, error) {
	column, ok := sequenceColumns[kind]
	if !ok {
		return 0, fmt.Errorf("unknown sequence %q", kind)
	}
	q := s.conn(ctx)
	if _, inTx := q.(*sql.Tx); inTx {
		if _, err := q.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, string(kind)+":"+prefix); err != nil {
			return 0, fmt.Errorf("lock sequence %s: %w", kind, err)
		}
	}

	var last int
	if err := q.QueryRowContext(ctx, sequenceQuery(string(kind), column), prefix).Scan(&last); err != nil {
		return 0, fmt.Errorf("read %s sequence: %w", kind, err)
	}
	return last + 1, nil
}

// sequenceQuery selects the highest numeric suffix among values starting
// with $1. The prefix is compared literally, never as a LIKE pattern.
func sequenceQuery(table, column string) string {
	suffix := fmt.Sprintf("substr(%s, char_length($1) + 1)", column)
	return fmt.Sprintf(`SELECT COALESCE(MAX(%[3]s::bigint), 0) FROM %[1]s
		WHERE left(%[2]s, char_length($1)) = $1 AND %[3]s ~ '^[0-9]+$'`, table, column, suffix)
}

// RetryOnUniqueViolation re-runs fn while it fails on a unique constraint,
// up to attempts times. Reference generators use it to survive races on
// the same sequence period.
func RetryOnUniqueViolation(attempts int, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !IsUniqueViolation(err) {
			return err
		}
	}
	return err
}

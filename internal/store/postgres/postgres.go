// Package postgres implements store.Store on PostgreSQL. All documents live
// in a single table keyed by (collection, id), with jsonb payloads and a
// nullable expiry.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brucemcpherson/effex-fb/internal/store"
)

// PgxPool is a minimal abstraction over a Postgres connection pool.
// It is implemented by *pgxpool.Pool and pgxmock.PgxPoolIface.
type PgxPool interface {
	// Exec executes a SQL command and returns the command tag.
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	// Query executes a SELECT and returns a rows iterator.
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	// QueryRow executes a query expected to return at most one row.
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	// BeginTx starts a transaction with the provided options.
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	// Close shuts down the pool and frees resources.
	Close()
}

// querier is the subset shared by the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements store.Store.
type Store struct{ pool PgxPool }

var _ store.Store = (*Store)(nil)

// New creates a store over a new connection pool for the given DSN.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// NewWithPool wraps an existing pool, for tests.
func NewWithPool(pool PgxPool) *Store { return &Store{pool: pool} }

// Close closes the underlying pool.
func (s *Store) Close() { s.pool.Close() }

const (
	getSQL = `SELECT doc, expires, modified FROM documents WHERE collection=$1 AND id=$2`
	setSQL = `INSERT INTO documents (collection, id, doc, expires, modified)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (collection, id)
DO UPDATE SET doc=EXCLUDED.doc, expires=EXCLUDED.expires, modified=EXCLUDED.modified`
	delSQL   = `DELETE FROM documents WHERE collection=$1 AND id=$2`
	listSQL  = `SELECT id, doc, expires, modified FROM documents WHERE collection=$1 AND starts_with(id, $2) ORDER BY id`
	sweepSQL = `DELETE FROM documents WHERE expires IS NOT NULL AND expires < $1`
)

func getDoc(ctx context.Context, q querier, collection, id string) (store.Doc, bool, error) {
	var (
		doc     store.Doc
		expires *time.Time
	)
	err := q.QueryRow(ctx, getSQL, collection, id).Scan(&doc.Data, &expires, &doc.Modified)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Doc{}, false, nil
	}
	if err != nil {
		return store.Doc{}, false, err
	}
	if expires != nil {
		doc.Expires = *expires
	}
	return doc, true, nil
}

func setDoc(ctx context.Context, q querier, collection, id string, doc store.Doc) error {
	var expires *time.Time
	if !doc.Expires.IsZero() {
		expires = &doc.Expires
	}
	modified := doc.Modified
	if modified.IsZero() {
		modified = time.Now()
	}
	_, err := q.Exec(ctx, setSQL, collection, id, doc.Data, expires, modified)
	return err
}

func deleteDoc(ctx context.Context, q querier, collection, id string) error {
	_, err := q.Exec(ctx, delSQL, collection, id)
	return err
}

func listDocs(ctx context.Context, q querier, collection, prefix string) ([]store.Entry, error) {
	rows, err := q.Query(ctx, listSQL, collection, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Entry
	for rows.Next() {
		var (
			e       store.Entry
			expires *time.Time
		)
		if err := rows.Scan(&e.ID, &e.Doc.Data, &expires, &e.Doc.Modified); err != nil {
			return nil, err
		}
		if expires != nil {
			e.Doc.Expires = *expires
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// opTimeout bounds one standalone pool call; txnTimeout bounds one
// transaction attempt including the caller's fn. Both run under the
// request context, whichever deadline is nearer wins.
const (
	opTimeout  = 5 * time.Second
	txnTimeout = 15 * time.Second
)

func (s *Store) Get(ctx context.Context, collection, id string) (store.Doc, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return getDoc(ctx, s.pool, collection, id)
}

func (s *Store) Set(ctx context.Context, collection, id string, doc store.Doc) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return setDoc(ctx, s.pool, collection, id, doc)
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return deleteDoc(ctx, s.pool, collection, id)
}

func (s *Store) List(ctx context.Context, collection, prefix string) ([]store.Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return listDocs(ctx, s.pool, collection, prefix)
}

// maxAttempts bounds retries of serializable transactions that lose a
// conflict.
const maxAttempts = 3

// RunTransaction runs fn in a serializable transaction, retrying on
// serialization failures and deadlocks.
func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx store.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err = s.runOnce(ctx, fn); err == nil || !isSerializationFailure(err) {
			return err
		}
	}
	return err
}

func (s *Store) runOnce(ctx context.Context, fn func(ctx context.Context, tx store.Txn) error) (err error) {
	ctx, cancel := context.WithTimeout(ctx, txnTimeout)
	defer cancel()
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()
	return fn(ctx, &txn{tx: tx})
}

func (s *Store) SweepExpired(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, txnTimeout)
	defer cancel()
	tag, err := s.pool.Exec(ctx, sweepSQL, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func isSerializationFailure(err error) bool {
	var pg *pgconn.PgError
	return errors.As(err, &pg) && (pg.Code == "40001" || pg.Code == "40P01")
}

// txn routes the operation set through an open pgx transaction.
type txn struct{ tx pgx.Tx }

func (t *txn) Get(ctx context.Context, collection, id string) (store.Doc, bool, error) {
	return getDoc(ctx, t.tx, collection, id)
}

func (t *txn) Set(ctx context.Context, collection, id string, doc store.Doc) error {
	return setDoc(ctx, t.tx, collection, id, doc)
}

func (t *txn) Delete(ctx context.Context, collection, id string) error {
	return deleteDoc(ctx, t.tx, collection, id)
}

func (t *txn) List(ctx context.Context, collection, prefix string) ([]store.Entry, error) {
	return listDocs(ctx, t.tx, collection, prefix)
}

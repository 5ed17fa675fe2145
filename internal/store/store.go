// Package store provides the durable storage layer for the offline sync
// engine.
//
// All engine state (cached reads, the offline change queue, opaque user
// blobs) lives in a single embedded SQLite database, accessed through a
// small collection/key/value surface so the layers above never touch SQL
// directly. The database is opened in WAL mode so concurrent readers are
// never blocked by a writer, which matters because cache reads and outbox
// drains run from different goroutines.
//
// Records carry up to two indexable string fields (IndexA, IndexB) in
// addition to their primary key. Collections assign their own meaning to
// these: the cache indexes expiry and write time, the outbox indexes
// creation time and status. Index values are compared as strings, so
// collections store timestamps as RFC 3339 text, which sorts
// chronologically.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned by Get when no record exists for the key.
var ErrNotFound = errors.New("record not found")

// Fault wraps an underlying storage I/O error. A failed Put or Delete
// wrapped in a Fault was not applied; callers may treat it as a no-op and
// retry after freeing space.
type Fault struct {
	Op  string
	Err error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("storage fault during %s: %v", f.Op, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// IsFault reports whether err is (or wraps) a storage Fault.
func IsFault(err error) bool {
	var f *Fault
	return errors.As(err, &f)
}

// Record is a single stored row: an opaque value addressed by
// (collection, key), plus two optional index fields used for ordered
// scans. Empty index fields sort before any RFC 3339 timestamp.
type Record struct {
	Collection string
	Key        string
	Value      []byte
	IndexA     string
	IndexB     string
}

// IndexTimeLayout formats timestamps destined for the index fields.
// The fractional second is fixed-width, so lexicographic index order
// matches time order; RFC3339Nano trims trailing zeros and does not.
const IndexTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Index selects which field a Scan orders and filters by.
type Index int

const (
	// IndexKey scans in primary key order.
	IndexKey Index = iota
	// IndexA scans ordered by the IndexA field, then key.
	IndexA
	// IndexB scans ordered by the IndexB field, then IndexA, then key.
	IndexB
)

// Range bounds a Scan on the chosen index field. Both bounds are
// inclusive; an empty string means unbounded on that side.
type Range struct {
	Min string
	Max string
}

// Tx is the operation surface available inside a transaction. All
// operations either commit together or roll back together; partial
// application is never observable.
type Tx interface {
	Put(rec Record) error
	Get(collection, key string) (Record, error)
	Delete(collection, key string) error
	Scan(collection string, idx Index, rng Range) ([]Record, error)
}

// Store is a transactional, key-indexed persistent store backed by an
// embedded SQLite database with WAL journaling.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates or opens the database at path.
//
// The parent directory is created if missing. The database is configured
// with WAL mode, a 5 second busy timeout, and foreign keys enabled. The
// caller must Close the store when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close checkpoints the WAL and closes the database connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the records table and its indexes. Idempotent.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		collection TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		idx_a TEXT NOT NULL DEFAULT '',
		idx_b TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (collection, key)
	);

	CREATE INDEX IF NOT EXISTS idx_records_a ON records(collection, idx_a, key);
	CREATE INDEX IF NOT EXISTS idx_records_b ON records(collection, idx_b, idx_a, key);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// Put upserts a single record.
func (s *Store) Put(ctx context.Context, rec Record) error {
	return put(ctx, s.conn, rec)
}

// Get retrieves a record, or ErrNotFound.
func (s *Store) Get(ctx context.Context, collection, key string) (Record, error) {
	return get(ctx, s.conn, collection, key)
}

// Delete removes a record. Deleting a missing record is a no-op.
func (s *Store) Delete(ctx context.Context, collection, key string) error {
	return del(ctx, s.conn, collection, key)
}

// Scan returns the records of a collection within rng, ordered by the
// chosen index. Each call re-reads current state; it is not a live
// subscription.
func (s *Store) Scan(ctx context.Context, collection string, idx Index, rng Range) ([]Record, error) {
	return scan(ctx, s.conn, collection, idx, rng)
}

// Count returns the number of records in a collection.
func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE collection = ?`, collection).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s records: %w", collection, err)
	}
	return n, nil
}

// Usage returns the database size on disk in bytes.
func (s *Store) Usage(ctx context.Context) (int64, error) {
	var pageCount, pageSize int64
	if err := s.conn.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("failed to read page_count: %w", err)
	}
	if err := s.conn.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("failed to read page_size: %w", err)
	}
	return pageCount * pageSize, nil
}

// Update runs fn inside a transaction. If fn returns an error the
// transaction rolls back and no contained operation is applied.
func (s *Store) Update(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return &Fault{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	if err := fn(&sqlTx{ctx: ctx, tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return &Fault{Op: "commit", Err: err}
	}

	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func put(ctx context.Context, q querier, rec Record) error {
	query := `
	INSERT INTO records (collection, key, value, idx_a, idx_b)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(collection, key) DO UPDATE SET
		value = excluded.value,
		idx_a = excluded.idx_a,
		idx_b = excluded.idx_b
	`

	if _, err := q.ExecContext(ctx, query,
		rec.Collection, rec.Key, rec.Value, rec.IndexA, rec.IndexB); err != nil {
		return &Fault{Op: "put", Err: err}
	}

	return nil
}

func get(ctx context.Context, q querier, collection, key string) (Record, error) {
	rec := Record{Collection: collection, Key: key}

	row := q.QueryRowContext(ctx,
		`SELECT value, idx_a, idx_b FROM records WHERE collection = ? AND key = ?`,
		collection, key)

	if err := row.Scan(&rec.Value, &rec.IndexA, &rec.IndexB); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("failed to get %s/%s: %w", collection, key, err)
	}

	return rec, nil
}

func del(ctx context.Context, q querier, collection, key string) error {
	_, err := q.ExecContext(ctx,
		`DELETE FROM records WHERE collection = ? AND key = ?`, collection, key)
	if err != nil {
		return &Fault{Op: "delete", Err: err}
	}
	return nil
}

func scan(ctx context.Context, q querier, collection string, idx Index, rng Range) ([]Record, error) {
	var col, order string
	switch idx {
	case IndexA:
		col, order = "idx_a", "idx_a ASC, key ASC"
	case IndexB:
		col, order = "idx_b", "idx_b ASC, idx_a ASC, key ASC"
	default:
		col, order = "key", "key ASC"
	}

	query := `SELECT key, value, idx_a, idx_b FROM records WHERE collection = ?`
	args := []interface{}{collection}

	if rng.Min != "" {
		query += fmt.Sprintf(" AND %s >= ?", col)
		args = append(args, rng.Min)
	}
	if rng.Max != "" {
		query += fmt.Sprintf(" AND %s <= ?", col)
		args = append(args, rng.Max)
	}

	query += " ORDER BY " + order

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", collection, err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		rec := Record{Collection: collection}
		if err := rows.Scan(&rec.Key, &rec.Value, &rec.IndexA, &rec.IndexB); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s records: %w", collection, err)
	}

	return recs, nil
}

// sqlTx adapts *sql.Tx to the Tx interface.
type sqlTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *sqlTx) Put(rec Record) error {
	return put(t.ctx, t.tx, rec)
}

func (t *sqlTx) Get(collection, key string) (Record, error) {
	return get(t.ctx, t.tx, collection, key)
}

func (t *sqlTx) Delete(collection, key string) error {
	return del(t.ctx, t.tx, collection, key)
}

func (t *sqlTx) Scan(collection string, idx Index, rng Range) ([]Record, error) {
	return scan(t.ctx, t.tx, collection, idx, rng)
}

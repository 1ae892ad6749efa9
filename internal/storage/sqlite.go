package storage

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sync/atomic"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/bleepstore/hashstore/internal/hashing"
)

// SQLiteStore implements HashStore with one row per key in an embedded
// SQLite database. Blobs are stored as BLOBs directly in the table, which
// suits many small objects better than one file each.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	closed atomic.Bool
}

// NewSQLiteStore opens or creates the database file at dbPath. A file that is
// not a SQLite database, or one that fails an integrity check, yields an
// error wrapping ErrCorrupt.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite storage database: %w", err)
	}
	// PRAGMAs are per connection; a single connection keeps them in force.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, path: dbPath}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite storage database: %w", err)
	}
	return s, nil
}

// initDB applies PRAGMAs, checks integrity and creates the blobs table.
func (s *SQLiteStore) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return classifySQLiteError(fmt.Errorf("executing %q: %w", p, err))
		}
	}

	var result string
	if err := s.db.QueryRow("PRAGMA quick_check").Scan(&result); err != nil {
		return classifySQLiteError(fmt.Errorf("integrity check: %w", err))
	}
	if result != "ok" {
		return fmt.Errorf("%w: integrity check: %s", ErrCorrupt, result)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS blobs (
			key  BLOB PRIMARY KEY,
			data BLOB NOT NULL
		) WITHOUT ROWID;
	`
	if _, err := s.db.Exec(schema); err != nil {
		return classifySQLiteError(fmt.Errorf("creating storage schema: %w", err))
	}
	return nil
}

// classifySQLiteError wraps err with ErrCorrupt when SQLite reports a
// damaged or foreign file.
func classifySQLiteError(err error) error {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_NOTADB, sqlite3.SQLITE_CORRUPT:
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	}
	return err
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) check(key hashing.Key) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return validateKey(key)
}

// Contains reports whether a row exists for key.
func (s *SQLiteStore) Contains(ctx context.Context, key hashing.Key) (bool, error) {
	_, ok, err := s.Stat(ctx, key)
	return ok, err
}

// Stat returns the blob length without loading the blob.
func (s *SQLiteStore) Stat(ctx context.Context, key hashing.Key) (ItemInfo, bool, error) {
	if err := s.check(key); err != nil {
		return ItemInfo{}, false, err
	}
	var size int64
	err := s.db.QueryRowContext(ctx,
		`SELECT length(data) FROM blobs WHERE key = ?`, key.Bytes(),
	).Scan(&size)
	if err == sql.ErrNoRows {
		return ItemInfo{}, false, nil
	}
	if err != nil {
		return ItemInfo{}, false, fmt.Errorf("stat blob %s: %w", key, classifySQLiteError(err))
	}
	return ItemInfo{Key: key, Size: size, Location: LocationRow, Path: s.path}, true, nil
}

// Write buffers the blob and upserts it in a transaction on Close.
func (s *SQLiteStore) Write(ctx context.Context, key hashing.Key) (BlobWriter, error) {
	if err := s.check(key); err != nil {
		return nil, err
	}
	return newBufferWriter(func(data []byte) error {
		if s.closed.Load() {
			return ErrClosed
		}
		return s.upsert(ctx, key, data)
	}), nil
}

func (s *SQLiteStore) upsert(ctx context.Context, key hashing.Key, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO blobs (key, data) VALUES (?, COALESCE(?, x''))
		 ON CONFLICT(key) DO UPDATE SET data = excluded.data`,
		key.Bytes(), data,
	)
	if err != nil {
		return fmt.Errorf("putting blob %s: %w", key, classifySQLiteError(err))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing blob %s: %w", key, err)
	}
	return nil
}

// importBlobs upserts every blob in one transaction.
func (s *SQLiteStore) importBlobs(ctx context.Context, keys []hashing.Key, blobs map[hashing.Key][]byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO blobs (key, data) VALUES (?, COALESCE(?, x''))
		 ON CONFLICT(key) DO UPDATE SET data = excluded.data`)
	if err != nil {
		return fmt.Errorf("preparing blob insert: %w", err)
	}
	defer stmt.Close()

	for _, key := range keys {
		if _, err := stmt.ExecContext(ctx, key.Bytes(), blobs[key]); err != nil {
			return fmt.Errorf("inserting blob %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// Read loads the whole blob in a point query.
func (s *SQLiteStore) Read(ctx context.Context, key hashing.Key) (io.ReadCloser, error) {
	if err := s.check(key); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM blobs WHERE key = ?`, key.Bytes(),
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("getting blob %s: %w", key, classifySQLiteError(err))
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Remove deletes the row for key. Idempotent.
func (s *SQLiteStore) Remove(ctx context.Context, key hashing.Key) error {
	if err := s.check(key); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE key = ?`, key.Bytes()); err != nil {
		return fmt.Errorf("deleting blob %s: %w", key, classifySQLiteError(err))
	}
	return nil
}

// Clear empties the blobs table in a single transaction.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM blobs`); err != nil {
		return fmt.Errorf("clearing blobs: %w", classifySQLiteError(err))
	}
	return tx.Commit()
}

// Keys reads all keys up front so callers may use the store while iterating.
func (s *SQLiteStore) Keys(ctx context.Context) iter.Seq2[hashing.Key, error] {
	if s.closed.Load() {
		return errIter(ErrClosed)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM blobs`)
	if err != nil {
		return errIter(fmt.Errorf("listing blobs: %w", classifySQLiteError(err)))
	}
	defer rows.Close()

	var keys []hashing.Key
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return errIter(fmt.Errorf("scanning key: %w", err))
		}
		keys = append(keys, hashing.KeyFromBytes(raw))
	}
	if err := rows.Err(); err != nil {
		return errIter(fmt.Errorf("listing blobs: %w", err))
	}
	return keyIter(keys)
}

// HealthCheck verifies the database connection is alive.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

// Close closes the underlying SQLite database connection.
func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

var _ HashStore = (*SQLiteStore)(nil)

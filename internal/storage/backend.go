// Package storage defines the hash-addressable blob store contract and its
// backends: plain files, a hybrid inline/file store, SQLite, memory, and
// gateways to upstream object services.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"time"

	"github.com/bleepstore/hashstore/internal/hashing"
)

// Errors returned by stores. They are wrapped with context; match them with
// errors.Is.
var (
	// ErrNotFound is returned by Read when no committed blob exists for a key.
	// Contains and Stat never return it.
	ErrNotFound = errors.New("blob not found")

	// ErrCorrupt is returned when an index container or database cannot be
	// decoded. The store root should be treated as unusable until repaired.
	ErrCorrupt = errors.New("store corrupt")

	// ErrInvalidKey is returned for keys too short to be hash digests.
	ErrInvalidKey = errors.New("invalid key")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store closed")

	// ErrWriterClosed is returned when writing to a committed or aborted writer.
	ErrWriterClosed = errors.New("writer already closed")
)

// MinKeySize is the shortest digest, in bytes, a store accepts as a key.
const MinKeySize = 4

// HashStore is a key-value store where keys are hash digests and values are
// arbitrary byte blobs. All implementations are safe for concurrent use, and
// several instances may operate on the same root at once without locking.
type HashStore interface {
	// Contains reports whether a committed blob exists for key.
	Contains(ctx context.Context, key hashing.Key) (bool, error)

	// Write returns a writer for key. Nothing written is visible until Close
	// returns nil; Close is the commit point and replaces any existing blob.
	// Abort discards the data. Callers should defer Abort, which is a no-op
	// after a successful Close.
	Write(ctx context.Context, key hashing.Key) (BlobWriter, error)

	// Read opens the committed blob for key positioned at offset 0. Returns
	// an error wrapping ErrNotFound if the key is absent. The caller must
	// close the returned reader.
	Read(ctx context.Context, key hashing.Key) (io.ReadCloser, error)

	// Stat returns metadata for key, or ok == false if it is absent.
	Stat(ctx context.Context, key hashing.Key) (info ItemInfo, ok bool, err error)

	// Remove deletes the blob for key. Removing an absent key is a no-op.
	Remove(ctx context.Context, key hashing.Key) error

	// Clear removes every blob and returns the backing medium to its empty
	// state.
	Clear(ctx context.Context) error

	// Keys enumerates the committed keys in unspecified order. Iteration
	// stops at the first error, which is yielded with a zero Key.
	Keys(ctx context.Context) iter.Seq2[hashing.Key, error]

	// Close releases resources, committing any buffered state first.
	Close() error
}

// BlobWriter is the scoped write handle returned by HashStore.Write.
type BlobWriter interface {
	io.Writer
	// Close commits the written bytes. After a failed Close the blob is left
	// as it was before Write.
	Close() error
	// Abort discards the written bytes. It is a no-op after Close.
	Abort() error
}

// Location describes where a backend keeps a blob.
type Location string

const (
	LocationFile   Location = "file"
	LocationInline Location = "inline"
	LocationRow    Location = "row"
	LocationMemory Location = "memory"
	LocationRemote Location = "remote"
)

// ItemInfo is a snapshot of blob metadata taken at lookup time. It goes stale
// as soon as the blob is modified.
type ItemInfo struct {
	Key      hashing.Key
	Size     int64
	Location Location
	// Path is the backing file for file-based locations, or the upstream
	// object name for remote ones.
	Path string
	// ModTime is zero when the backend does not track it.
	ModTime time.Time
}

func validateKey(key hashing.Key) error {
	if key.Len() < MinKeySize {
		return fmt.Errorf("%w: %d-byte digest", ErrInvalidKey, key.Len())
	}
	return nil
}

// WriteFrom copies r into the blob for key and commits it. Returns the number
// of bytes written.
func WriteFrom(ctx context.Context, s HashStore, key hashing.Key, r io.Reader) (int64, error) {
	w, err := s.Write(ctx, key)
	if err != nil {
		return 0, err
	}
	defer w.Abort()

	n, err := io.Copy(w, r)
	if err != nil {
		return n, fmt.Errorf("writing blob %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return n, fmt.Errorf("committing blob %s: %w", key, err)
	}
	return n, nil
}

// WriteBytes stores data under key.
func WriteBytes(ctx context.Context, s HashStore, key hashing.Key, data []byte) error {
	w, err := s.Write(ctx, key)
	if err != nil {
		return err
	}
	defer w.Abort()

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing blob %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("committing blob %s: %w", key, err)
	}
	return nil
}

// WriteString stores the UTF-8 bytes of text under key.
func WriteString(ctx context.Context, s HashStore, key hashing.Key, text string) error {
	return WriteBytes(ctx, s, key, []byte(text))
}

// ReadBytes returns the full blob for key.
func ReadBytes(ctx context.Context, s HashStore, key hashing.Key) ([]byte, error) {
	r, err := s.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", key, err)
	}
	return data, nil
}

// ReadString returns the blob for key decoded as UTF-8 text.
func ReadString(ctx context.Context, s HashStore, key hashing.Key) (string, error) {
	data, err := ReadBytes(ctx, s, key)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// bufferWriter collects a blob in memory and hands it to commit on Close.
// Backends that upload or insert whole values (SQLite, memory, gateways)
// build their writers on it.
type bufferWriter struct {
	buf    []byte
	commit func(data []byte) error
	done   bool
}

func newBufferWriter(commit func(data []byte) error) *bufferWriter {
	return &bufferWriter{commit: commit}
}

func (w *bufferWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, ErrWriterClosed
	}
	w.buf = append(w.buf, p...)
	return len(p), nil
}

func (w *bufferWriter) Close() error {
	if w.done {
		return ErrWriterClosed
	}
	w.done = true
	data := w.buf
	w.buf = nil
	return w.commit(data)
}

func (w *bufferWriter) Abort() error {
	w.done = true
	w.buf = nil
	return nil
}

// keyIter adapts a slice of keys to the Keys iterator shape.
func keyIter(keys []hashing.Key) iter.Seq2[hashing.Key, error] {
	return func(yield func(hashing.Key, error) bool) {
		for _, k := range keys {
			if !yield(k, nil) {
				return
			}
		}
	}
}

// errIter yields a single error.
func errIter(err error) iter.Seq2[hashing.Key, error] {
	return func(yield func(hashing.Key, error) bool) {
		yield(hashing.Key{}, err)
	}
}

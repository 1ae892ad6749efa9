package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bleepstore/hashstore/internal/hashing"
	"github.com/bleepstore/hashstore/internal/uid"
)

// ErrCapacity is returned when a write would exceed a MemoryStore's byte cap.
var ErrCapacity = errors.New("memory store capacity exceeded")

// MemoryStore implements HashStore using an in-memory map. It optionally
// persists a snapshot to a SQLite file, loaded on open and written on
// Snapshot and Close, so that data survives restarts.
type MemoryStore struct {
	mu           sync.RWMutex
	blobs        map[hashing.Key][]byte
	currentSize  int64
	maxSizeBytes int64
	snapshotPath string
	closed       bool
}

// NewMemoryStore creates a MemoryStore. maxSizeBytes <= 0 means unbounded.
// If snapshotPath is set and the file exists, its contents are loaded.
func NewMemoryStore(maxSizeBytes int64, snapshotPath string) (*MemoryStore, error) {
	s := &MemoryStore{
		blobs:        make(map[hashing.Key][]byte),
		maxSizeBytes: maxSizeBytes,
		snapshotPath: snapshotPath,
	}
	if snapshotPath != "" {
		if err := s.loadSnapshot(context.Background()); err != nil {
			return nil, fmt.Errorf("loading snapshot: %w", err)
		}
	}
	return s, nil
}

// Size returns the total bytes held.
func (s *MemoryStore) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentSize
}

func (s *MemoryStore) Contains(ctx context.Context, key hashing.Key) (bool, error) {
	_, ok, err := s.Stat(ctx, key)
	return ok, err
}

func (s *MemoryStore) Stat(ctx context.Context, key hashing.Key) (ItemInfo, bool, error) {
	if err := validateKey(key); err != nil {
		return ItemInfo{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ItemInfo{}, false, ErrClosed
	}
	data, ok := s.blobs[key]
	if !ok {
		return ItemInfo{}, false, nil
	}
	return ItemInfo{Key: key, Size: int64(len(data)), Location: LocationMemory}, true, nil
}

// Write buffers the blob and swaps it in on Close, enforcing the byte cap.
func (s *MemoryStore) Write(ctx context.Context, key hashing.Key) (BlobWriter, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	return newBufferWriter(func(data []byte) error { return s.put(key, data) }), nil
}

func (s *MemoryStore) put(key hashing.Key, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	// Account for size change if replacing an existing blob.
	delta := int64(len(data))
	if existing, found := s.blobs[key]; found {
		delta -= int64(len(existing))
	}
	if s.maxSizeBytes > 0 && s.currentSize+delta > s.maxSizeBytes {
		return fmt.Errorf("%w: current=%d, delta=%d, max=%d", ErrCapacity, s.currentSize, delta, s.maxSizeBytes)
	}

	s.blobs[key] = data
	s.currentSize += delta
	return nil
}

// Read returns a reader over the stored bytes. Stored slices are never
// mutated, so no copy is made.
func (s *MemoryStore) Read(ctx context.Context, key hashing.Key) (io.ReadCloser, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	data, ok := s.blobs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *MemoryStore) Remove(ctx context.Context, key hashing.Key) error {
	if err := validateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if data, ok := s.blobs[key]; ok {
		s.currentSize -= int64(len(data))
		delete(s.blobs, key)
	}
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.blobs = make(map[hashing.Key][]byte)
	s.currentSize = 0
	return nil
}

func (s *MemoryStore) Keys(ctx context.Context) iter.Seq2[hashing.Key, error] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errIter(ErrClosed)
	}
	keys := make([]hashing.Key, 0, len(s.blobs))
	for k := range s.blobs {
		keys = append(keys, k)
	}
	return keyIter(keys)
}

// Snapshot writes the current contents to the snapshot file. It is a no-op
// without a snapshot path.
func (s *MemoryStore) Snapshot(ctx context.Context) error {
	if s.snapshotPath == "" {
		return nil
	}
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	return s.writeSnapshot(ctx)
}

// Close writes a final snapshot if persistence is enabled.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	var err error
	if s.snapshotPath != "" {
		if err = s.writeSnapshot(context.Background()); err != nil {
			err = fmt.Errorf("writing final snapshot: %w", err)
		}
	}

	s.mu.Lock()
	s.closed = true
	s.blobs = nil
	s.currentSize = 0
	s.mu.Unlock()
	return err
}

// loadSnapshot restores the in-memory state from a SQLite snapshot file.
// If the file does not exist, this is a no-op (fresh start).
func (s *MemoryStore) loadSnapshot(ctx context.Context) error {
	if _, err := os.Stat(s.snapshotPath); os.IsNotExist(err) {
		return nil
	}

	db, err := NewSQLiteStore(s.snapshotPath)
	if err != nil {
		return err
	}
	defer db.Close()

	for key, err := range db.Keys(ctx) {
		if err != nil {
			return err
		}
		data, err := ReadBytes(ctx, db, key)
		if err != nil {
			return err
		}
		s.blobs[key] = data
		s.currentSize += int64(len(data))
	}
	return nil
}

// writeSnapshot writes the current state to a temp database and renames it
// over the snapshot path for crash safety.
func (s *MemoryStore) writeSnapshot(ctx context.Context) error {
	s.mu.RLock()
	blobsCopy := make(map[hashing.Key][]byte, len(s.blobs))
	for k, v := range s.blobs {
		blobsCopy[k] = v
	}
	s.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(s.snapshotPath), 0o755); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}
	tmpPath := s.snapshotPath + tmpMarker + uid.New()

	db, err := NewSQLiteStore(tmpPath)
	if err != nil {
		return err
	}

	// Sort keys for deterministic output.
	keys := make([]hashing.Key, 0, len(blobsCopy))
	for k := range blobsCopy {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	if err := db.importBlobs(ctx, keys, blobsCopy); err != nil {
		db.Close()
		removeSQLiteFiles(tmpPath)
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := db.Close(); err != nil {
		removeSQLiteFiles(tmpPath)
		return fmt.Errorf("closing temp snapshot database: %w", err)
	}

	if err := os.Rename(tmpPath, s.snapshotPath); err != nil {
		removeSQLiteFiles(tmpPath)
		return fmt.Errorf("renaming snapshot file: %w", err)
	}
	// WAL and SHM files of the temp database may linger on some platforms.
	os.Remove(tmpPath + "-wal")
	os.Remove(tmpPath + "-shm")
	return nil
}

func removeSQLiteFiles(path string) {
	os.Remove(path)
	os.Remove(path + "-wal")
	os.Remove(path + "-shm")
}

var _ HashStore = (*MemoryStore)(nil)

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bleepstore/hashstore/internal/hashing"
	"github.com/bleepstore/hashstore/internal/uid"
)

// tmpMarker appears in the names of in-flight temp files. Keys are hex, so a
// name containing it can never be a committed blob.
const tmpMarker = ".tmp-"

// FileStore implements HashStore with one file per key. The hex form of a
// key is sharded into two directory levels ("ab/cd/abcd...") to keep
// per-directory entry counts bounded.
type FileStore struct {
	// RootDir is the directory under which all blobs are stored.
	RootDir string

	closed atomic.Bool
}

// NewFileStore creates a FileStore rooted at rootDir, creating the directory
// if needed.
func NewFileStore(rootDir string) (*FileStore, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root directory %q: %w", rootDir, err)
	}
	return &FileStore{RootDir: rootDir}, nil
}

// Path returns the file path key maps to. The file need not exist.
func (s *FileStore) Path(key hashing.Key) string {
	return s.namedPath(key, key.String())
}

// namedPath places name in key's shard directory.
func (s *FileStore) namedPath(key hashing.Key, name string) string {
	h := key.String()
	return filepath.Join(s.RootDir, h[:2], h[2:4], name)
}

func (s *FileStore) check(key hashing.Key) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return validateKey(key)
}

// Contains reports whether a committed file exists for key.
func (s *FileStore) Contains(ctx context.Context, key hashing.Key) (bool, error) {
	_, ok, err := s.Stat(ctx, key)
	return ok, err
}

// Stat returns the size and modification time of key's file.
func (s *FileStore) Stat(ctx context.Context, key hashing.Key) (ItemInfo, bool, error) {
	if err := s.check(key); err != nil {
		return ItemInfo{}, false, err
	}
	path := s.Path(key)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ItemInfo{}, false, nil
		}
		return ItemInfo{}, false, fmt.Errorf("stat blob %s: %w", key, err)
	}
	if !info.Mode().IsRegular() {
		return ItemInfo{}, false, nil
	}
	return ItemInfo{
		Key:      key,
		Size:     info.Size(),
		Location: LocationFile,
		Path:     path,
		ModTime:  info.ModTime(),
	}, true, nil
}

// Write opens a temp file next to key's final path. Close fsyncs it and
// renames it over the final path, so readers see either the previous blob
// or the new one, never a partial file.
func (s *FileStore) Write(ctx context.Context, key hashing.Key) (BlobWriter, error) {
	if err := s.check(key); err != nil {
		return nil, err
	}
	return s.writeNamed(key, key.String())
}

// writeNamed streams into a temp file in key's shard directory and renames
// it to name on Close. Names other than the key's hex form are never
// reported by Keys.
func (s *FileStore) writeNamed(key hashing.Key, name string) (BlobWriter, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	finalPath := s.namedPath(key, name)
	dir := filepath.Dir(finalPath)
	tmpPath := filepath.Join(dir, "."+name+tmpMarker+uid.New())

	f, err := createExclusive(dir, tmpPath)
	if err != nil {
		return nil, fmt.Errorf("creating temp file for %s: %w", key, err)
	}
	return &fileWriter{f: f, tmpPath: tmpPath, finalPath: finalPath}, nil
}

// createExclusive creates path, creating dir first. A concurrent Remove in
// another instance may prune dir between the two steps, so ENOENT is
// retried once.
func createExclusive(dir, path string) (*os.File, error) {
	for attempt := 0; ; attempt++ {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, nil
		}
		if !os.IsNotExist(err) || attempt > 0 {
			return nil, err
		}
	}
}

// Read opens key's file for reading.
func (s *FileStore) Read(ctx context.Context, key hashing.Key) (io.ReadCloser, error) {
	if err := s.check(key); err != nil {
		return nil, err
	}
	return s.openNamed(key, key.String())
}

func (s *FileStore) openNamed(key hashing.Key, name string) (io.ReadCloser, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	f, err := os.Open(s.namedPath(key, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("opening blob %s: %w", key, err)
	}
	return f, nil
}

// Remove deletes key's file and prunes empty shard directories.
// Idempotent: deleting a non-existent file is not an error.
func (s *FileStore) Remove(ctx context.Context, key hashing.Key) error {
	if err := s.check(key); err != nil {
		return err
	}
	return s.removeNamed(key, key.String())
}

func (s *FileStore) removeNamed(key hashing.Key, name string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	path := s.namedPath(key, name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing blob %s: %w", key, err)
	}
	cleanEmptyParents(filepath.Dir(path), s.RootDir)
	return nil
}

// Clear deletes the whole root subtree and recreates the empty root.
func (s *FileStore) Clear(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := os.RemoveAll(s.RootDir); err != nil {
		return fmt.Errorf("removing storage root %q: %w", s.RootDir, err)
	}
	if err := os.MkdirAll(s.RootDir, 0o755); err != nil {
		return fmt.Errorf("recreating storage root %q: %w", s.RootDir, err)
	}
	return nil
}

// Keys walks the shard tree and yields every committed blob.
func (s *FileStore) Keys(ctx context.Context) iter.Seq2[hashing.Key, error] {
	if s.closed.Load() {
		return errIter(ErrClosed)
	}
	return func(yield func(hashing.Key, error) bool) {
		stop := errors.New("stop")
		err := filepath.WalkDir(s.RootDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				// Shard directories can vanish under a concurrent Remove.
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() || !d.Type().IsRegular() {
				return nil
			}
			key, ok := s.keyForPath(path)
			if !ok {
				return nil
			}
			if !yield(key, nil) {
				return stop
			}
			return nil
		})
		if err != nil && err != stop {
			yield(hashing.Key{}, fmt.Errorf("walking storage root %q: %w", s.RootDir, err))
		}
	}
}

// keyForPath reverses Path, rejecting temp files and foreign files.
func (s *FileStore) keyForPath(path string) (hashing.Key, bool) {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || len(name) < 2*MinKeySize {
		return hashing.Key{}, false
	}
	key, err := hashing.ParseKey(name)
	if err != nil || key.String() != name || s.Path(key) != path {
		return hashing.Key{}, false
	}
	return key, true
}

// CleanTempFiles removes temp files older than olderThan left behind by
// writers that crashed before commit. Younger temp files may belong to a
// live writer in another instance and are kept. Returns the number of files
// removed.
func (s *FileStore) CleanTempFiles(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	err := filepath.WalkDir(s.RootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.Contains(d.Name(), tmpMarker) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("cleaning temp files: %w", err)
	}
	return removed, nil
}

// Close marks the store closed. Files already opened by Read stay valid.
func (s *FileStore) Close() error {
	s.closed.Store(true)
	return nil
}

// fileWriter streams into a temp file and publishes it on Close.
type fileWriter struct {
	f         *os.File
	tmpPath   string
	finalPath string
	done      bool
}

func (w *fileWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, ErrWriterClosed
	}
	return w.f.Write(p)
}

func (w *fileWriter) Close() error {
	if w.done {
		return ErrWriterClosed
	}
	w.done = true

	// Fsync before rename to guarantee durability.
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		os.Remove(w.tmpPath)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := w.f.Close(); err != nil {
		os.Remove(w.tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
		os.Remove(w.tmpPath)
		return fmt.Errorf("renaming temp file to final path: %w", err)
	}
	return nil
}

func (w *fileWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.f.Close()
	if err := os.Remove(w.tmpPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing temp file: %w", err)
	}
	return nil
}

// cleanEmptyParents removes empty directories starting from dir up to (but not
// including) stopAt.
func cleanEmptyParents(dir, stopAt string) {
	dir = filepath.Clean(dir)
	stopAt = filepath.Clean(stopAt)

	for dir != stopAt && strings.HasPrefix(dir, stopAt) {
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
}

var _ HashStore = (*FileStore)(nil)

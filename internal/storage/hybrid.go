package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"

	"github.com/bleepstore/hashstore/internal/hashing"
	"github.com/bleepstore/hashstore/internal/metrics"
	"github.com/bleepstore/hashstore/internal/uid"
)

const (
	// DefaultMaxInternalBlobSize is the largest blob kept inline in the index.
	DefaultMaxInternalBlobSize = 4096

	// DefaultFlushAfterNWrites publishes the index after every mutation.
	DefaultFlushAfterNWrites = 1

	// IndexFileName is the container file in a HybridStore root.
	IndexFileName = "index.hsx"

	// LargeDirName is the FileStore root for blobs above the inline limit.
	LargeDirName = "large"

	maxFlushAttempts = 3
)

// HybridOption configures a HybridStore.
type HybridOption func(*HybridStore)

// WithMaxInternalBlobSize sets the inline size limit in bytes. Blobs of
// exactly n bytes are still stored inline.
func WithMaxInternalBlobSize(n int64) HybridOption {
	return func(s *HybridStore) { s.maxInline = n }
}

// WithFlushAfterNWrites publishes the index once n mutations are pending.
// Writes since the last flush are lost if the process dies.
func WithFlushAfterNWrites(n int) HybridOption {
	return func(s *HybridStore) { s.flushEvery = n }
}

// HybridStore keeps small blobs inline in a single index container and
// forwards larger ones to a FileStore under root/large. Several instances may
// share a root: each lookup compares the on-disk revision with the cached one
// and reloads when another instance has published.
type HybridStore struct {
	root      string
	indexPath string
	large     *FileStore

	maxInline  int64
	flushEvery int

	mu        sync.Mutex
	closed    bool
	loaded    bool
	rev       uid.Revision
	entries   map[hashing.Key]hybridEntry
	overlay   map[hashing.Key]*hybridEntry // unflushed; nil marks a removal
	mutations int
}

// NewHybridStore opens or creates a HybridStore at root. It returns an error
// wrapping ErrCorrupt if an existing index cannot be decoded.
func NewHybridStore(root string, opts ...HybridOption) (*HybridStore, error) {
	s := &HybridStore{
		root:       root,
		indexPath:  filepath.Join(root, IndexFileName),
		maxInline:  DefaultMaxInternalBlobSize,
		flushEvery: DefaultFlushAfterNWrites,
		overlay:    make(map[hashing.Key]*hybridEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxInline < 0 {
		return nil, fmt.Errorf("max internal blob size must be >= 0, got %d", s.maxInline)
	}
	if s.flushEvery < 1 {
		return nil, fmt.Errorf("flush after n writes must be >= 1, got %d", s.flushEvery)
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating hybrid root %q: %w", root, err)
	}
	large, err := NewFileStore(filepath.Join(root, LargeDirName))
	if err != nil {
		return nil, err
	}
	s.large = large

	if err := s.refresh(); err != nil {
		return nil, err
	}
	return s, nil
}

// Root returns the directory the store was opened on.
func (s *HybridStore) Root() string { return s.root }

// MaxInternalBlobSize returns the inline size limit.
func (s *HybridStore) MaxInternalBlobSize() int64 { return s.maxInline }

// refresh reloads the index if another instance published a new revision.
// Caller must hold s.mu.
func (s *HybridStore) refresh() error {
	rev, ok, err := readIndexRevision(s.indexPath)
	if err != nil {
		return err
	}
	if s.loaded && ok && rev == s.rev {
		return nil
	}
	if !ok {
		s.rev, s.entries, s.loaded = uid.Revision{}, map[hashing.Key]hybridEntry{}, true
		return nil
	}

	rev, entries, err := readIndex(s.indexPath)
	if err != nil {
		return err
	}
	s.rev, s.entries, s.loaded = rev, entries, true
	return nil
}

// lookup returns the entry this instance sees for key. Caller must hold s.mu.
func (s *HybridStore) lookup(key hashing.Key) (hybridEntry, bool, error) {
	if s.closed {
		return hybridEntry{}, false, ErrClosed
	}
	if err := validateKey(key); err != nil {
		return hybridEntry{}, false, err
	}
	if pending, ok := s.overlay[key]; ok {
		if pending == nil {
			return hybridEntry{}, false, nil
		}
		return *pending, true, nil
	}
	if err := s.refresh(); err != nil {
		return hybridEntry{}, false, err
	}
	e, ok := s.entries[key]
	return e, ok, nil
}

// Contains reports whether key is present in the index or pending writes.
func (s *HybridStore) Contains(ctx context.Context, key hashing.Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok, err := s.lookup(key)
	return ok, err
}

// Stat reports inline entries with LocationInline and external ones with
// LocationFile and the backing path.
func (s *HybridStore) Stat(ctx context.Context, key hashing.Key) (ItemInfo, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok, err := s.lookup(key)
	if err != nil || !ok {
		return ItemInfo{}, false, err
	}
	info := ItemInfo{Key: key, Size: e.size, Location: LocationInline}
	if e.external {
		info.Location = LocationFile
		info.Path = s.large.namedPath(key, e.name)
	}
	return info, true, nil
}

// Read serves inline entries from memory and external ones from the
// wrapped FileStore.
func (s *HybridStore) Read(ctx context.Context, key hashing.Key) (io.ReadCloser, error) {
	s.mu.Lock()
	e, ok, err := s.lookup(key)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if e.external {
		return s.large.openNamed(key, e.name)
	}
	return io.NopCloser(bytes.NewReader(e.data)), nil
}

// Write buffers up to the inline limit in memory, then spills to a file of
// its own under large/. If the flush triggered by Close fails, Close reports
// the error, the spilled file is deleted and the key reads as before.
func (s *HybridStore) Write(ctx context.Context, key hashing.Key) (BlobWriter, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}
	return &hybridWriter{ctx: ctx, s: s, key: key}, nil
}

// Remove queues a removal. The external file, if any, is deleted after the
// next index flush.
func (s *HybridStore) Remove(ctx context.Context, key hashing.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok, err := s.lookup(key)
	if err != nil || !ok {
		return err
	}
	return s.stageLocked(ctx, key, nil)
}

// Clear drops pending mutations, publishes an empty index and clears the
// large-blob directory. Afterwards index.hsx is the only regular file under
// root.
func (s *HybridStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	s.overlay = make(map[hashing.Key]*hybridEntry)
	s.mutations = 0

	rev := uid.NewRevision()
	empty := map[hashing.Key]hybridEntry{}
	if err := writeIndex(s.indexPath, rev, empty); err != nil {
		return err
	}
	s.rev, s.entries, s.loaded = rev, empty, true

	if err := s.large.Clear(ctx); err != nil {
		return err
	}

	// Temp containers left by crashed flushes.
	dirEntries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("listing hybrid root: %w", err)
	}
	for _, de := range dirEntries {
		if de.Name() == IndexFileName || de.Name() == LargeDirName {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.root, de.Name())); err != nil {
			return fmt.Errorf("removing %s: %w", de.Name(), err)
		}
	}
	return nil
}

// Keys merges the published index with this instance's pending mutations.
func (s *HybridStore) Keys(ctx context.Context) iter.Seq2[hashing.Key, error] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errIter(ErrClosed)
	}
	if err := s.refresh(); err != nil {
		return errIter(err)
	}
	keys := make([]hashing.Key, 0, len(s.entries)+len(s.overlay))
	for k := range s.entries {
		if _, shadowed := s.overlay[k]; !shadowed {
			keys = append(keys, k)
		}
	}
	for k, e := range s.overlay {
		if e != nil {
			keys = append(keys, k)
		}
	}
	return keyIter(keys)
}

// Pending returns the number of mutations not yet published.
func (s *HybridStore) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutations
}

// Flush publishes pending mutations.
func (s *HybridStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.flushLocked(ctx)
}

// Close flushes pending mutations and closes the store. The flush error,
// if any, is returned; the store is closed either way.
func (s *HybridStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	err := s.flushLocked(context.Background())
	s.closed = true
	return errors.Join(err, s.large.Close())
}

func (s *HybridStore) putLocked(ctx context.Context, key hashing.Key, e hybridEntry) error {
	if err := s.stageLocked(ctx, key, &e); err != nil {
		return err
	}
	tier := "inline"
	if e.external {
		tier = "external"
	}
	metrics.HybridWritesTotal.WithLabelValues(tier).Inc()
	return nil
}

// stageLocked records a pending mutation (nil e marks a removal) and
// flushes once flushEvery mutations are pending. If that flush fails the
// mutation is withdrawn, its external file deleted, and the error returned.
// Caller must hold s.mu.
func (s *HybridStore) stageLocked(ctx context.Context, key hashing.Key, e *hybridEntry) error {
	prev, hadPrev := s.overlay[key]
	s.overlay[key] = e
	s.mutations++
	if s.mutations >= s.flushEvery {
		if err := s.flushLocked(ctx); err != nil {
			if hadPrev {
				s.overlay[key] = prev
			} else {
				delete(s.overlay, key)
			}
			s.mutations--
			if e != nil && e.external {
				s.dropExternal(key, e.name)
			}
			return err
		}
	}
	// A replaced pending entry was never published, so no index can name
	// its file.
	if prev != nil && prev.external {
		s.dropExternal(key, prev.name)
	}
	return nil
}

func (s *HybridStore) dropExternal(key hashing.Key, name string) {
	if err := s.large.removeNamed(key, name); err != nil {
		slog.Warn("Failed to remove external blob file", "key", key.String(), "file", name, "error", err)
	}
}

// externalFile identifies one file under large/.
type externalFile struct {
	key  hashing.Key
	name string
}

// flushLocked merges pending mutations into the newest on-disk index and
// publishes the result. If another instance publishes between our read and
// our rename, the merge is retried so its entries are not dropped; after
// maxFlushAttempts the last writer wins. Caller must hold s.mu.
func (s *HybridStore) flushLocked(ctx context.Context) error {
	if len(s.overlay) == 0 {
		s.mutations = 0
		return nil
	}

	var (
		rev        uid.Revision
		merged     map[hashing.Key]hybridEntry
		superseded []externalFile
	)
	for attempt := 1; ; attempt++ {
		baseRev, base, err := readIndex(s.indexPath)
		if err != nil {
			return fmt.Errorf("flushing index: %w", err)
		}
		merged = maps.Clone(base)
		superseded = superseded[:0]
		for k, e := range s.overlay {
			if old, ok := base[k]; ok && old.external && (e == nil || e.name != old.name) {
				superseded = append(superseded, externalFile{key: k, name: old.name})
			}
			if e == nil {
				delete(merged, k)
			} else {
				merged[k] = *e
			}
		}

		if attempt < maxFlushAttempts {
			cur, ok, err := readIndexRevision(s.indexPath)
			if err == nil && ok && cur != baseRev {
				continue
			}
		}

		rev = uid.NewRevision()
		if err := writeIndex(s.indexPath, rev, merged); err != nil {
			return fmt.Errorf("flushing index: %w", err)
		}
		break
	}

	// Only files named by the entries this flush replaced are dropped; files
	// of writes still pending in other instances carry other names.
	for _, f := range superseded {
		s.dropExternal(f.key, f.name)
	}

	slog.Debug("Hybrid index flushed",
		"root", s.root,
		"revision", rev.String(),
		"entries", len(merged),
		"mutations", s.mutations,
	)
	metrics.HybridFlushesTotal.Inc()

	s.rev, s.entries, s.loaded = rev, merged, true
	s.overlay = make(map[hashing.Key]*hybridEntry)
	s.mutations = 0
	return nil
}

// hybridWriter buffers in memory until the inline limit is exceeded, then
// streams into a FileStore writer.
type hybridWriter struct {
	ctx   context.Context
	s     *HybridStore
	key   hashing.Key
	buf   []byte
	spill BlobWriter
	name  string
	size  int64
	done  bool
}

func (w *hybridWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, ErrWriterClosed
	}
	if w.spill == nil && int64(len(w.buf)+len(p)) > w.s.maxInline {
		name := externalName(w.key)
		spill, err := w.s.large.writeNamed(w.key, name)
		if err != nil {
			return 0, err
		}
		if _, err := spill.Write(w.buf); err != nil {
			spill.Abort()
			return 0, err
		}
		w.spill = spill
		w.name = name
		w.buf = nil
	}
	if w.spill != nil {
		n, err := w.spill.Write(p)
		w.size += int64(n)
		return n, err
	}
	w.buf = append(w.buf, p...)
	w.size += int64(len(p))
	return len(p), nil
}

// Close commits the spilled file (if any) and queues the index entry under
// the store lock.
func (w *hybridWriter) Close() error {
	if w.done {
		return ErrWriterClosed
	}
	w.done = true

	s := w.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		if w.spill != nil {
			w.spill.Abort()
		}
		return ErrClosed
	}

	if w.spill == nil {
		data := w.buf
		w.buf = nil
		return s.putLocked(w.ctx, w.key, hybridEntry{data: data, size: int64(len(data))})
	}
	if err := w.spill.Close(); err != nil {
		return err
	}
	return s.putLocked(w.ctx, w.key, hybridEntry{external: true, size: w.size, name: w.name})
}

func (w *hybridWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.buf = nil
	if w.spill != nil {
		return w.spill.Abort()
	}
	return nil
}

var _ HashStore = (*HybridStore)(nil)

// Package cas stores blobs under the digest of their own content.
package cas

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/bleepstore/hashstore/internal/hashing"
	"github.com/bleepstore/hashstore/internal/storage"
)

// ErrHashMismatch is returned by Verify when stored content no longer hashes
// to its key.
var ErrHashMismatch = errors.New("content hash mismatch")

// Store derives keys from content with a Provider and keeps the blobs in a
// HashStore. It does not own the HashStore; closing it is the caller's job.
type Store struct {
	store    storage.HashStore
	provider hashing.Provider
}

// New returns a Store that hashes with provider and persists into store.
func New(store storage.HashStore, provider hashing.Provider) *Store {
	return &Store{store: store, provider: provider}
}

// NewDefault returns a Store using SHA-1 keys.
func NewDefault(store storage.HashStore) *Store {
	return New(store, hashing.Default())
}

// Provider returns the digest provider.
func (s *Store) Provider() hashing.Provider { return s.provider }

// Backend returns the underlying HashStore.
func (s *Store) Backend() storage.HashStore { return s.store }

// Write hashes r, then stores the content under the digest unless a blob
// already exists for it. Seekable readers are hashed in place and rewound;
// other readers are spooled to memory while hashing.
func (s *Store) Write(ctx context.Context, r io.Reader) (hashing.Key, error) {
	key, body, err := s.digest(r)
	if err != nil {
		return hashing.Key{}, err
	}

	exists, err := s.store.Contains(ctx, key)
	if err != nil {
		return hashing.Key{}, fmt.Errorf("checking %s: %w", key, err)
	}
	if exists {
		return key, nil
	}

	if _, err := storage.WriteFrom(ctx, s.store, key, body); err != nil {
		return hashing.Key{}, fmt.Errorf("storing %s: %w", key, err)
	}
	return key, nil
}

func (s *Store) digest(r io.Reader) (hashing.Key, io.Reader, error) {
	if rs, ok := r.(io.ReadSeeker); ok {
		start, err := rs.Seek(0, io.SeekCurrent)
		if err != nil {
			return hashing.Key{}, nil, fmt.Errorf("seeking content: %w", err)
		}
		key, err := s.provider.Sum(rs)
		if err != nil {
			return hashing.Key{}, nil, err
		}
		if _, err := rs.Seek(start, io.SeekStart); err != nil {
			return hashing.Key{}, nil, fmt.Errorf("rewinding content: %w", err)
		}
		return key, rs, nil
	}

	var spool bytes.Buffer
	h := s.provider.New()
	if _, err := io.Copy(io.MultiWriter(h, &spool), r); err != nil {
		return hashing.Key{}, nil, fmt.Errorf("reading content: %w", err)
	}
	return hashing.KeyFromBytes(h.Sum(nil)), &spool, nil
}

// WriteBytes stores data and returns its key.
func (s *Store) WriteBytes(ctx context.Context, data []byte) (hashing.Key, error) {
	return s.Write(ctx, bytes.NewReader(data))
}

// WriteString stores the UTF-8 bytes of text and returns its key.
func (s *Store) WriteString(ctx context.Context, text string) (hashing.Key, error) {
	return s.Write(ctx, strings.NewReader(text))
}

// Contains reports whether content with the given key is stored.
func (s *Store) Contains(ctx context.Context, key hashing.Key) (bool, error) {
	return s.store.Contains(ctx, key)
}

// Read opens the content stored under key.
func (s *Store) Read(ctx context.Context, key hashing.Key) (io.ReadCloser, error) {
	return s.store.Read(ctx, key)
}

// Verify re-hashes the content stored under key and returns an error
// wrapping ErrHashMismatch if it no longer matches.
func (s *Store) Verify(ctx context.Context, key hashing.Key) error {
	rc, err := s.store.Read(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()

	h := s.provider.New()
	if _, err := io.Copy(h, rc); err != nil {
		return fmt.Errorf("reading %s: %w", key, err)
	}
	if got := hashing.KeyFromBytes(h.Sum(nil)); got != key {
		return fmt.Errorf("%w: key %s, content %s", ErrHashMismatch, key, got)
	}
	return nil
}

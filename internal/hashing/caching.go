package hashing

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the number of digests a CachingProvider keeps when no
// size is given.
const DefaultCacheSize = 4096

// Identifier is implemented by streams that can name their content without
// reading it. Two streams reporting the same identity must carry the same
// bytes; any modification of the content must change the identity.
type Identifier interface {
	Identity() (id string, ok bool)
}

// CachingProvider wraps a Provider and memoizes digests by stream identity.
// Streams without an identity are always hashed. On a cache hit the stream
// is not read.
type CachingProvider struct {
	Provider
	cache  *lru.Cache[string, Key]
	hits   atomic.Int64
	misses atomic.Int64
}

// NewCachingProvider returns a caching wrapper around inner holding at most
// size digests.
func NewCachingProvider(inner Provider, size int) (*CachingProvider, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, Key](size)
	if err != nil {
		return nil, fmt.Errorf("creating digest cache: %w", err)
	}
	return &CachingProvider{Provider: inner, cache: cache}, nil
}

// Sum returns the cached digest for r's identity, hashing r on a miss.
func (c *CachingProvider) Sum(r io.Reader) (Key, error) {
	id, ok := identityOf(r)
	if !ok {
		return c.Provider.Sum(r)
	}
	id = string(c.Provider.Algorithm()) + "|" + id
	if k, ok := c.cache.Get(id); ok {
		c.hits.Add(1)
		return k, nil
	}
	c.misses.Add(1)
	k, err := c.Provider.Sum(r)
	if err != nil {
		return Key{}, err
	}
	c.cache.Add(id, k)
	return k, nil
}

// Forget drops every cached digest.
func (c *CachingProvider) Forget() {
	c.cache.Purge()
}

// Stats reports cache hits and misses since construction.
func (c *CachingProvider) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func identityOf(r io.Reader) (string, bool) {
	switch v := r.(type) {
	case Identifier:
		return v.Identity()
	case *os.File:
		return fileIdentity(v)
	default:
		return "", false
	}
}

// fileIdentity derives an identity from path, size and modification time.
// Files not positioned at offset 0 have no identity since the bytes Sum would
// read differ from the file content.
func fileIdentity(f *os.File) (string, bool) {
	pos, err := f.Seek(0, io.SeekCurrent)
	if err != nil || pos != 0 {
		return "", false
	}
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		return "", false
	}
	path, err := filepath.Abs(f.Name())
	if err != nil {
		return "", false
	}
	return fmt.Sprintf("file|%s|%d|%d", path, info.Size(), info.ModTime().UnixNano()), true
}

package hashing

import (
	"crypto/sha1"
	"fmt"
	stdhash "hash"
	"io"
	"strings"

	"github.com/minio/sha256-simd"
	"github.com/zeebo/blake3"
)

// Algorithm names a hash function.
type Algorithm string

// Supported algorithms.
const (
	SHA1   Algorithm = "sha1"
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

// Provider computes deterministic fixed-length digests of byte streams. The
// algorithm is fixed for the lifetime of a Provider. Implementations are safe
// for concurrent use.
type Provider interface {
	// Algorithm returns the hash function this provider uses.
	Algorithm() Algorithm
	// Size returns the digest length in bytes.
	Size() int
	// New returns a fresh hash state, for callers that hash while copying.
	New() stdhash.Hash
	// Sum consumes r and returns the digest of everything read.
	Sum(r io.Reader) (Key, error)
	// SumBytes returns the digest of b.
	SumBytes(b []byte) Key
}

type digestProvider struct {
	alg     Algorithm
	size    int
	newHash func() stdhash.Hash
}

// New returns the provider for alg. Names are matched case-insensitively.
func New(alg Algorithm) (Provider, error) {
	switch Algorithm(strings.ToLower(string(alg))) {
	case SHA1:
		return &digestProvider{alg: SHA1, size: sha1.Size, newHash: sha1.New}, nil
	case SHA256:
		return &digestProvider{alg: SHA256, size: sha256.Size, newHash: sha256.New}, nil
	case BLAKE3:
		return &digestProvider{alg: BLAKE3, size: 32, newHash: func() stdhash.Hash { return blake3.New() }}, nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", alg)
	}
}

// Default returns the SHA-1 provider, which produces 160-bit keys.
func Default() Provider {
	p, _ := New(SHA1)
	return p
}

func (p *digestProvider) Algorithm() Algorithm { return p.alg }
func (p *digestProvider) Size() int            { return p.size }
func (p *digestProvider) New() stdhash.Hash    { return p.newHash() }

func (p *digestProvider) Sum(r io.Reader) (Key, error) {
	h := p.newHash()
	if _, err := io.Copy(h, r); err != nil {
		return Key{}, fmt.Errorf("hashing stream: %w", err)
	}
	return KeyFromBytes(h.Sum(nil)), nil
}

func (p *digestProvider) SumBytes(b []byte) Key {
	h := p.newHash()
	h.Write(b)
	return KeyFromBytes(h.Sum(nil))
}

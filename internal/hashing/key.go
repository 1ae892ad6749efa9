// Package hashing provides the fixed-length digest keys used to address
// blobs, and the hash providers that derive them from content.
package hashing

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrInvalidKey is returned when a key cannot be parsed from its hex form.
var ErrInvalidKey = errors.New("invalid key")

// Key is an immutable hash digest used as a blob identifier. Two keys are
// equal iff their digest bytes are equal, so Key values can be compared
// with == and used as map keys. The zero Key holds no digest.
type Key struct {
	digest string
}

// KeyFromBytes returns a Key holding a copy of b.
func KeyFromBytes(b []byte) Key {
	return Key{digest: string(b)}
}

// ParseKey decodes the canonical lowercase (or uppercase) hex form of a key.
func ParseKey(s string) (Key, error) {
	if s == "" {
		return Key{}, fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %q: %v", ErrInvalidKey, s, err)
	}
	return Key{digest: string(b)}, nil
}

// MustParseKey is like ParseKey but panics on malformed input. Intended for
// constants in tests.
func MustParseKey(s string) Key {
	k, err := ParseKey(s)
	if err != nil {
		panic(err)
	}
	return k
}

// Bytes returns a copy of the digest bytes.
func (k Key) Bytes() []byte {
	return []byte(k.digest)
}

// Len returns the digest length in bytes.
func (k Key) Len() int {
	return len(k.digest)
}

// IsZero reports whether k holds no digest.
func (k Key) IsZero() bool {
	return k.digest == ""
}

// String returns the canonical lowercase hex encoding.
func (k Key) String() string {
	return hex.EncodeToString([]byte(k.digest))
}

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := ParseKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

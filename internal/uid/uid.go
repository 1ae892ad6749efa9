// Package uid generates random identifiers for temp file names and index
// revisions.
package uid

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"time"
)

// RevisionSize is the length in bytes of a Revision.
const RevisionSize = 16

// Revision is a random identifier stamped on each published index
// container. Two containers with equal revisions have equal contents.
type Revision [RevisionSize]byte

// NewRevision returns a fresh random revision.
func NewRevision() Revision {
	var r Revision
	if _, err := rand.Read(r[:]); err != nil {
		// crypto/rand does not fail on supported platforms.
		binary.BigEndian.PutUint64(r[:8], uint64(time.Now().UnixNano()))
	}
	return r
}

// String returns the lowercase hex form of r.
func (r Revision) String() string {
	return hex.EncodeToString(r[:])
}

// New returns a 32-character hex string suitable for temp file suffixes.
func New() string {
	return NewRevision().String()
}

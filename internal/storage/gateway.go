package storage

import (
	"strings"

	"github.com/bleepstore/hashstore/internal/hashing"
)

// Gateway stores keep every blob of one store under a single upstream
// bucket or container, namespaced by a prefix:
//
//	{prefix}{h[:2]}/{h}
//
// The two-character shard spreads keys across listing partitions.

// objectName maps key to its upstream object name.
func objectName(prefix string, key hashing.Key) string {
	h := key.String()
	return prefix + h[:2] + "/" + h
}

// keyFromObjectName reverses objectName. Objects that do not follow the
// layout are reported with ok == false and skipped by listings.
func keyFromObjectName(prefix, name string) (hashing.Key, bool) {
	rest, found := strings.CutPrefix(name, prefix)
	if !found {
		return hashing.Key{}, false
	}
	shard, h, found := strings.Cut(rest, "/")
	if !found || len(h) < 2*MinKeySize || !strings.HasPrefix(h, shard) || len(shard) != 2 {
		return hashing.Key{}, false
	}
	key, err := hashing.ParseKey(h)
	if err != nil || key.String() != h {
		return hashing.Key{}, false
	}
	return key, true
}

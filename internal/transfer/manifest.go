package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/bleepstore/hashstore/internal/storage"
)

// ManifestVersion is the format version written by ExportManifest.
const ManifestVersion = 1

// Manifest lists every key of a store with its size and location.
type Manifest struct {
	Version    int             `json:"version"`
	Backend    string          `json:"backend"`
	ExportedAt time.Time       `json:"exported_at"`
	Entries    []ManifestEntry `json:"entries"`
	TotalBytes int64           `json:"total_bytes"`
}

// ManifestEntry describes one stored blob.
type ManifestEntry struct {
	Key      string           `json:"key"`
	Size     int64            `json:"size"`
	Location storage.Location `json:"location"`
}

// BuildManifest stats every key in store. Entries are sorted by key so
// manifests of identical stores compare equal apart from the timestamp.
// Keys removed between listing and stat are skipped.
func BuildManifest(ctx context.Context, backend string, store storage.HashStore) (*Manifest, error) {
	m := &Manifest{
		Version:    ManifestVersion,
		Backend:    backend,
		ExportedAt: time.Now().UTC(),
		Entries:    []ManifestEntry{},
	}
	for key, err := range store.Keys(ctx) {
		if err != nil {
			return nil, fmt.Errorf("listing keys: %w", err)
		}
		info, ok, err := store.Stat(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", key, err)
		}
		if !ok {
			continue
		}
		m.Entries = append(m.Entries, ManifestEntry{Key: key.String(), Size: info.Size, Location: info.Location})
		m.TotalBytes += info.Size
	}
	slices.SortFunc(m.Entries, func(a, b ManifestEntry) int {
		return strings.Compare(a.Key, b.Key)
	})
	return m, nil
}

// ExportManifest writes the manifest of store to w as indented JSON.
func ExportManifest(ctx context.Context, w io.Writer, backend string, store storage.HashStore) (*Manifest, error) {
	m, err := BuildManifest(ctx, backend, store)
	if err != nil {
		return nil, err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	return m, nil
}

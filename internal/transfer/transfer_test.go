package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/bleepstore/hashstore/internal/hashing"
	"github.com/bleepstore/hashstore/internal/storage"
)

func newFileStore(t *testing.T) *storage.FileStore {
	t.Helper()
	s, err := storage.NewFileStore(filepath.Join(t.TempDir(), "file"))
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newHybridStore(t *testing.T) *storage.HybridStore {
	t.Helper()
	s, err := storage.NewHybridStore(filepath.Join(t.TempDir(), "hybrid"), storage.WithMaxInternalBlobSize(16))
	if err != nil {
		t.Fatalf("NewHybridStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// seed writes n content-addressed blobs and returns their keys. Every
// third blob is large enough to spill out of a hybrid index.
func seed(t *testing.T, s storage.HashStore, n int) []hashing.Key {
	t.Helper()
	p := hashing.Default()
	keys := make([]hashing.Key, 0, n)
	for i := 0; i < n; i++ {
		data := []byte(fmt.Sprintf("blob-%d", i))
		if i%3 == 0 {
			data = bytes.Repeat(data, 10)
		}
		key := p.SumBytes(data)
		if err := storage.WriteBytes(context.Background(), s, key, data); err != nil {
			t.Fatalf("WriteBytes failed: %v", err)
		}
		keys = append(keys, key)
	}
	return keys
}

func TestCopy(t *testing.T) {
	ctx := context.Background()
	src := newFileStore(t)
	dst := newHybridStore(t)
	keys := seed(t, src, 25)

	report, err := Copy(ctx, src, dst, Options{Concurrency: 4})
	if err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	if report.Copied != 25 || report.Skipped != 0 {
		t.Errorf("report = %+v, want 25 copied", report)
	}
	for _, k := range keys {
		want, _ := storage.ReadBytes(ctx, src, k)
		got, err := storage.ReadBytes(ctx, dst, k)
		if err != nil {
			t.Fatalf("ReadBytes(%s) from destination failed: %v", k, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("content mismatch for %s", k)
		}
	}
}

func TestCopySkipExisting(t *testing.T) {
	ctx := context.Background()
	src := newFileStore(t)
	dst := newFileStore(t)
	keys := seed(t, src, 6)

	if err := storage.WriteBytes(ctx, dst, keys[0], []byte("already here")); err != nil {
		t.Fatalf("WriteBytes failed: %v", err)
	}

	report, err := Copy(ctx, src, dst, Options{SkipExisting: true})
	if err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	if report.Copied != 5 || report.Skipped != 1 {
		t.Errorf("report = %+v, want 5 copied 1 skipped", report)
	}
	got, _ := storage.ReadString(ctx, dst, keys[0])
	if got != "already here" {
		t.Errorf("existing key was overwritten: %q", got)
	}
}

func TestCopyStopsOnError(t *testing.T) {
	ctx := context.Background()
	src := newFileStore(t)
	seed(t, src, 3)

	dst := newFileStore(t)
	dst.Close()

	if _, err := Copy(ctx, src, dst, Options{}); !errors.Is(err, storage.ErrClosed) {
		t.Errorf("Copy into closed store = %v, want ErrClosed", err)
	}
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	s := newHybridStore(t)
	keys := seed(t, s, 9)

	report, err := Verify(ctx, s, hashing.Default(), Options{Concurrency: 3})
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if report.Checked != 9 || !report.OK() {
		t.Errorf("report = %+v, want 9 checked and OK", report)
	}

	// Tamper with one inline and one external blob.
	for _, k := range []hashing.Key{keys[1], keys[3]} {
		if err := storage.WriteString(ctx, s, k, "tampered content well past the inline limit"); err != nil {
			t.Fatalf("WriteString failed: %v", err)
		}
	}

	report, err = Verify(ctx, s, hashing.Default(), Options{})
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if report.OK() || len(report.Mismatched) != 2 {
		t.Fatalf("mismatched = %v, want 2 keys", report.Mismatched)
	}
	want := []string{keys[1].String(), keys[3].String()}
	if want[0] > want[1] {
		want[0], want[1] = want[1], want[0]
	}
	if report.Mismatched[0] != want[0] || report.Mismatched[1] != want[1] {
		t.Errorf("mismatched = %v, want %v", report.Mismatched, want)
	}
}

func TestVerifyWrongAlgorithm(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)
	seed(t, s, 2)

	p, err := hashing.New(hashing.SHA256)
	if err != nil {
		t.Fatalf("hashing.New failed: %v", err)
	}
	report, err := Verify(ctx, s, p, Options{})
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if len(report.Mismatched) != 2 {
		t.Errorf("mismatched = %d, want 2 when verifying SHA-1 keys with SHA-256", len(report.Mismatched))
	}
}

func TestExportManifest(t *testing.T) {
	ctx := context.Background()
	s := newHybridStore(t)
	keys := seed(t, s, 4)

	var buf bytes.Buffer
	m, err := ExportManifest(ctx, &buf, "hybrid", s)
	if err != nil {
		t.Fatalf("ExportManifest failed: %v", err)
	}
	if len(m.Entries) != len(keys) {
		t.Fatalf("entries = %d, want %d", len(m.Entries), len(keys))
	}
	for i := 1; i < len(m.Entries); i++ {
		if m.Entries[i-1].Key >= m.Entries[i].Key {
			t.Errorf("entries not sorted at %d", i)
		}
	}

	var decoded Manifest
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("manifest is not valid JSON: %v", err)
	}
	if decoded.Version != ManifestVersion || decoded.Backend != "hybrid" {
		t.Errorf("decoded header = %d/%q", decoded.Version, decoded.Backend)
	}

	var total int64
	locations := map[storage.Location]int{}
	for _, e := range decoded.Entries {
		total += e.Size
		locations[e.Location]++
	}
	if total != decoded.TotalBytes {
		t.Errorf("TotalBytes = %d, sum of entries = %d", decoded.TotalBytes, total)
	}
	if locations[storage.LocationInline] == 0 || locations[storage.LocationFile] == 0 {
		t.Errorf("expected both inline and file entries, got %v", locations)
	}
}

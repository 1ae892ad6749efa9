package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"testing"

	"github.com/bleepstore/hashstore/internal/hashing"
)

// keyOf returns the SHA-1 key of s.
func keyOf(s string) hashing.Key {
	return hashing.Default().SumBytes([]byte(s))
}

func collectKeys(t *testing.T, s HashStore) []string {
	t.Helper()
	var keys []string
	for k, err := range s.Keys(context.Background()) {
		if err != nil {
			t.Fatalf("Keys failed: %v", err)
		}
		keys = append(keys, k.String())
	}
	sort.Strings(keys)
	return keys
}

func mustWrite(t *testing.T, s HashStore, key hashing.Key, data []byte) {
	t.Helper()
	if err := WriteBytes(context.Background(), s, key, data); err != nil {
		t.Fatalf("WriteBytes(%s) failed: %v", key, err)
	}
}

func mustRead(t *testing.T, s HashStore, key hashing.Key) []byte {
	t.Helper()
	data, err := ReadBytes(context.Background(), s, key)
	if err != nil {
		t.Fatalf("ReadBytes(%s) failed: %v", key, err)
	}
	return data
}

// runConformance exercises the behaviour every HashStore must share.
// newStore returns a fresh, empty store; the suite closes it.
func runConformance(t *testing.T, newStore func(t *testing.T) HashStore) {
	ctx := context.Background()

	t.Run("RoundTrip", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		key := keyOf("Hello, World")
		mustWrite(t, s, key, []byte("Hello, World"))

		if got := string(mustRead(t, s, key)); got != "Hello, World" {
			t.Errorf("Read = %q, want %q", got, "Hello, World")
		}
		ok, err := s.Contains(ctx, key)
		if err != nil || !ok {
			t.Errorf("Contains = %v, %v; want true, nil", ok, err)
		}
		info, ok, err := s.Stat(ctx, key)
		if err != nil || !ok {
			t.Fatalf("Stat = %v, %v; want ok", ok, err)
		}
		if info.Size != int64(len("Hello, World")) {
			t.Errorf("Stat size = %d, want %d", info.Size, len("Hello, World"))
		}
		if info.Key != key {
			t.Errorf("Stat key = %s, want %s", info.Key, key)
		}
	})

	t.Run("EmptyBlob", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		key := keyOf("")
		mustWrite(t, s, key, nil)
		if got := mustRead(t, s, key); len(got) != 0 {
			t.Errorf("Read = %q, want empty", got)
		}
		info, ok, err := s.Stat(ctx, key)
		if err != nil || !ok || info.Size != 0 {
			t.Errorf("Stat = %+v, %v, %v; want size 0", info, ok, err)
		}
	})

	t.Run("MissingKey", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		key := keyOf("absent")
		ok, err := s.Contains(ctx, key)
		if err != nil || ok {
			t.Errorf("Contains = %v, %v; want false, nil", ok, err)
		}
		if _, ok, err := s.Stat(ctx, key); err != nil || ok {
			t.Errorf("Stat = %v, %v; want false, nil", ok, err)
		}
		if _, err := s.Read(ctx, key); !errors.Is(err, ErrNotFound) {
			t.Errorf("Read error = %v, want ErrNotFound", err)
		}
		if err := s.Remove(ctx, key); err != nil {
			t.Errorf("Remove of absent key = %v, want nil", err)
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		key := keyOf("overwrite")
		mustWrite(t, s, key, []byte("first"))
		mustWrite(t, s, key, []byte("second and longer"))
		if got := string(mustRead(t, s, key)); got != "second and longer" {
			t.Errorf("Read = %q, want %q", got, "second and longer")
		}
		if keys := collectKeys(t, s); len(keys) != 1 {
			t.Errorf("Keys = %v, want one entry", keys)
		}
	})

	t.Run("AbortDiscards", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		key := keyOf("aborted")
		w, err := s.Write(ctx, key)
		if err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if _, err := w.Write([]byte("never committed")); err != nil {
			t.Fatalf("writer.Write failed: %v", err)
		}
		if err := w.Abort(); err != nil {
			t.Fatalf("Abort failed: %v", err)
		}
		if ok, _ := s.Contains(ctx, key); ok {
			t.Error("aborted blob is visible")
		}
		if keys := collectKeys(t, s); len(keys) != 0 {
			t.Errorf("Keys after abort = %v, want none", keys)
		}
	})

	t.Run("UncommittedInvisible", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		key := keyOf("pending")
		w, err := s.Write(ctx, key)
		if err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		defer w.Abort()
		w.Write([]byte("partial"))
		if ok, _ := s.Contains(ctx, key); ok {
			t.Error("blob visible before Close")
		}
		if err := w.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		if ok, _ := s.Contains(ctx, key); !ok {
			t.Error("blob not visible after Close")
		}
	})

	t.Run("WriterClosedTwice", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		w, err := s.Write(ctx, keyOf("twice"))
		if err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		if err := w.Close(); !errors.Is(err, ErrWriterClosed) {
			t.Errorf("second Close = %v, want ErrWriterClosed", err)
		}
		if _, err := w.Write([]byte("x")); !errors.Is(err, ErrWriterClosed) {
			t.Errorf("Write after Close = %v, want ErrWriterClosed", err)
		}
		if err := w.Abort(); err != nil {
			t.Errorf("Abort after Close = %v, want nil", err)
		}
	})

	t.Run("StreamedWrite", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		data := bytes.Repeat([]byte("0123456789abcdef"), 1024)
		key := hashing.Default().SumBytes(data)
		n, err := WriteFrom(ctx, s, key, bytes.NewReader(data))
		if err != nil {
			t.Fatalf("WriteFrom failed: %v", err)
		}
		if n != int64(len(data)) {
			t.Errorf("WriteFrom wrote %d bytes, want %d", n, len(data))
		}
		r, err := s.Read(ctx, key)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		defer r.Close()
		got, err := io.ReadAll(r)
		if err != nil {
			t.Fatalf("ReadAll failed: %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("Read returned %d bytes, want %d identical bytes", len(got), len(data))
		}
	})

	t.Run("RemoveAndKeys", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		want := []string{}
		for _, text := range []string{"alpha", "beta", "gamma"} {
			mustWrite(t, s, keyOf(text), []byte(text))
			want = append(want, keyOf(text).String())
		}
		sort.Strings(want)
		if got := collectKeys(t, s); strings.Join(got, ",") != strings.Join(want, ",") {
			t.Errorf("Keys = %v, want %v", got, want)
		}

		if err := s.Remove(ctx, keyOf("beta")); err != nil {
			t.Fatalf("Remove failed: %v", err)
		}
		if ok, _ := s.Contains(ctx, keyOf("beta")); ok {
			t.Error("removed blob still present")
		}
		if got := collectKeys(t, s); len(got) != 2 {
			t.Errorf("Keys after Remove = %v, want 2 entries", got)
		}
		if got := string(mustRead(t, s, keyOf("gamma"))); got != "gamma" {
			t.Errorf("Read(gamma) = %q after unrelated Remove", got)
		}
	})

	t.Run("Clear", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		for _, text := range []string{"one", "two", "three"} {
			mustWrite(t, s, keyOf(text), []byte(text))
		}
		if err := s.Clear(ctx); err != nil {
			t.Fatalf("Clear failed: %v", err)
		}
		if keys := collectKeys(t, s); len(keys) != 0 {
			t.Errorf("Keys after Clear = %v, want none", keys)
		}
		if ok, _ := s.Contains(ctx, keyOf("one")); ok {
			t.Error("blob present after Clear")
		}
		mustWrite(t, s, keyOf("four"), []byte("four"))
		if got := string(mustRead(t, s, keyOf("four"))); got != "four" {
			t.Errorf("Read after Clear = %q, want %q", got, "four")
		}
	})

	t.Run("InvalidKey", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		short := hashing.KeyFromBytes([]byte{1, 2})
		if _, err := s.Write(ctx, short); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Write(short key) = %v, want ErrInvalidKey", err)
		}
		if _, err := s.Contains(ctx, short); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Contains(short key) = %v, want ErrInvalidKey", err)
		}
	})

	t.Run("Closed", func(t *testing.T) {
		s := newStore(t)
		if err := s.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		if _, err := s.Write(ctx, keyOf("closed")); !errors.Is(err, ErrClosed) {
			t.Errorf("Write after Close = %v, want ErrClosed", err)
		}
		if _, err := s.Contains(ctx, keyOf("closed")); !errors.Is(err, ErrClosed) {
			t.Errorf("Contains after Close = %v, want ErrClosed", err)
		}
	})
}

package storage

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bleepstore/hashstore/internal/metrics"
)

func TestInstrumentedConformance(t *testing.T) {
	runConformance(t, func(t *testing.T) HashStore {
		inner, err := NewMemoryStore(0, "")
		if err != nil {
			t.Fatalf("NewMemoryStore failed: %v", err)
		}
		return Instrument("conformance", inner)
	})
}

func TestInstrumentRecordsOperations(t *testing.T) {
	ctx := context.Background()
	inner, err := NewMemoryStore(0, "")
	if err != nil {
		t.Fatalf("NewMemoryStore failed: %v", err)
	}
	s := Instrument("instrument-test", inner)
	defer s.Close()

	key := keyOf("metrics")
	mustWrite(t, s, key, []byte("12345"))

	rc, err := s.Read(ctx, key)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if _, err := io.ReadAll(rc); err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	rc.Close()

	if _, err := s.Read(ctx, keyOf("absent")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Read absent = %v, want ErrNotFound", err)
	}

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"write ok", testutil.ToFloat64(metrics.OperationsTotal.WithLabelValues("instrument-test", "write", "ok")), 1},
		{"read ok", testutil.ToFloat64(metrics.OperationsTotal.WithLabelValues("instrument-test", "read", "ok")), 1},
		{"read not_found", testutil.ToFloat64(metrics.OperationsTotal.WithLabelValues("instrument-test", "read", "not_found")), 1},
		{"bytes written", testutil.ToFloat64(metrics.BytesWrittenTotal.WithLabelValues("instrument-test")), 5},
		{"bytes read", testutil.ToFloat64(metrics.BytesReadTotal.WithLabelValues("instrument-test")), 5},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestInstrumentAbortNotCounted(t *testing.T) {
	inner, err := NewMemoryStore(0, "")
	if err != nil {
		t.Fatalf("NewMemoryStore failed: %v", err)
	}
	s := Instrument("instrument-abort", inner)
	defer s.Close()

	w, err := s.Write(context.Background(), keyOf("aborted"))
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	w.Write([]byte("discard me"))
	if err := w.Abort(); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if got := testutil.ToFloat64(metrics.BytesWrittenTotal.WithLabelValues("instrument-abort")); got != 0 {
		t.Errorf("bytes written after abort = %v, want 0", got)
	}
}

func TestInstrumentHealthCheckDelegates(t *testing.T) {
	inner, err := NewSQLiteStore(t.TempDir() + "/blobs.db")
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	s := Instrument("sqlite", inner)
	defer s.Close()
	if err := s.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck = %v", err)
	}
	if s.Unwrap() != HashStore(inner) {
		t.Error("Unwrap did not return the wrapped store")
	}
	if s.Backend() != "sqlite" {
		t.Errorf("Backend = %q", s.Backend())
	}
}

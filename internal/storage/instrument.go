package storage

import (
	"context"
	"errors"
	"io"
	"iter"
	"time"

	"github.com/bleepstore/hashstore/internal/hashing"
	"github.com/bleepstore/hashstore/internal/metrics"
)

// HealthChecker is implemented by stores that can probe their backing
// service or database.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// InstrumentedStore wraps a HashStore and records Prometheus metrics for
// every operation under a backend label.
type InstrumentedStore struct {
	name  string
	inner HashStore
}

// Instrument wraps store so that its operations are counted and timed under
// the backend label name.
func Instrument(name string, store HashStore) *InstrumentedStore {
	return &InstrumentedStore{name: name, inner: store}
}

// Backend returns the backend label.
func (s *InstrumentedStore) Backend() string { return s.name }

// Unwrap returns the wrapped store.
func (s *InstrumentedStore) Unwrap() HashStore { return s.inner }

func (s *InstrumentedStore) observe(op string, start time.Time, err error) {
	status := "ok"
	switch {
	case errors.Is(err, ErrNotFound):
		status = "not_found"
	case err != nil:
		status = "error"
	}
	metrics.OperationsTotal.WithLabelValues(s.name, op, status).Inc()
	metrics.OperationDuration.WithLabelValues(s.name, op).Observe(time.Since(start).Seconds())
}

func (s *InstrumentedStore) Contains(ctx context.Context, key hashing.Key) (bool, error) {
	start := time.Now()
	ok, err := s.inner.Contains(ctx, key)
	s.observe("contains", start, err)
	return ok, err
}

func (s *InstrumentedStore) Stat(ctx context.Context, key hashing.Key) (ItemInfo, bool, error) {
	start := time.Now()
	info, ok, err := s.inner.Stat(ctx, key)
	s.observe("stat", start, err)
	return info, ok, err
}

func (s *InstrumentedStore) Write(ctx context.Context, key hashing.Key) (BlobWriter, error) {
	start := time.Now()
	w, err := s.inner.Write(ctx, key)
	if err != nil {
		s.observe("write", start, err)
		return nil, err
	}
	return &instrumentedWriter{store: s, inner: w, start: start}, nil
}

func (s *InstrumentedStore) Read(ctx context.Context, key hashing.Key) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := s.inner.Read(ctx, key)
	s.observe("read", start, err)
	if err != nil {
		return nil, err
	}
	return &countingReader{ReadCloser: rc, counter: metrics.BytesReadTotal.WithLabelValues(s.name)}, nil
}

func (s *InstrumentedStore) Remove(ctx context.Context, key hashing.Key) error {
	start := time.Now()
	err := s.inner.Remove(ctx, key)
	s.observe("remove", start, err)
	return err
}

func (s *InstrumentedStore) Clear(ctx context.Context) error {
	start := time.Now()
	err := s.inner.Clear(ctx)
	s.observe("clear", start, err)
	return err
}

func (s *InstrumentedStore) Keys(ctx context.Context) iter.Seq2[hashing.Key, error] {
	return s.inner.Keys(ctx)
}

// HealthCheck delegates to the wrapped store if it supports health probes.
func (s *InstrumentedStore) HealthCheck(ctx context.Context) error {
	if hc, ok := s.inner.(HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

func (s *InstrumentedStore) Close() error {
	start := time.Now()
	err := s.inner.Close()
	s.observe("close", start, err)
	return err
}

type instrumentedWriter struct {
	store *InstrumentedStore
	inner BlobWriter
	start time.Time
	n     int64
}

func (w *instrumentedWriter) Write(p []byte) (int, error) {
	n, err := w.inner.Write(p)
	w.n += int64(n)
	return n, err
}

func (w *instrumentedWriter) Close() error {
	err := w.inner.Close()
	if errors.Is(err, ErrWriterClosed) {
		return err
	}
	w.store.observe("write", w.start, err)
	if err == nil {
		metrics.BytesWrittenTotal.WithLabelValues(w.store.name).Add(float64(w.n))
	}
	return err
}

func (w *instrumentedWriter) Abort() error {
	return w.inner.Abort()
}

type countingReader struct {
	io.ReadCloser
	counter interface{ Add(float64) }
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	if n > 0 {
		r.counter.Add(float64(n))
	}
	return n, err
}

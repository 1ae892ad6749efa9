package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync/atomic"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/bleepstore/hashstore/internal/hashing"
)

// GCSAPI defines the subset of the GCS client interface that GCSStore uses.
// This allows mocking in tests.
type GCSAPI interface {
	// NewWriter returns a writer for the given object. The object is created
	// when the writer is closed; cancelling ctx first abandons the upload.
	NewWriter(ctx context.Context, bucket, object string) io.WriteCloser
	// NewReader returns a reader for the given object.
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error)
	// Delete deletes the given object.
	Delete(ctx context.Context, bucket, object string) error
	// Attrs returns the attributes of the given object.
	Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error)
	// ListObjects calls fn for each object name with the given prefix until
	// fn returns false.
	ListObjects(ctx context.Context, bucket, prefix string, fn func(name string) bool) error
}

// GCSAttrs holds object attributes returned from GCS operations.
type GCSAttrs struct {
	Size    int64
	Updated time.Time
}

// realGCSClient wraps the official GCS client to satisfy GCSAPI.
type realGCSClient struct {
	client *gcs.Client
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object string) io.WriteCloser {
	return c.client.Bucket(bucket).Object(object).NewWriter(ctx)
}

func (c *realGCSClient) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	return c.client.Bucket(bucket).Object(object).NewReader(ctx)
}

func (c *realGCSClient) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (c *realGCSClient) Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error) {
	attrs, err := c.client.Bucket(bucket).Object(object).Attrs(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSAttrs{Size: attrs.Size, Updated: attrs.Updated}, nil
}

func (c *realGCSClient) ListObjects(ctx context.Context, bucket, prefix string, fn func(name string) bool) error {
	it := c.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return err
		}
		if !fn(attrs.Name) {
			return nil
		}
	}
}

// GCSStore implements HashStore on top of a Google Cloud Storage bucket.
// Uploads stream straight to GCS; an object only appears once the upload
// is finalized, which is the commit point.
type GCSStore struct {
	// Bucket is the upstream GCS bucket name.
	Bucket string
	// Prefix is the object name prefix for all blobs.
	Prefix string

	client GCSAPI
	closed atomic.Bool
}

// NewGCSStore creates a GCSStore using Application Default Credentials, or
// the service account key file at credentialsFile when set.
func NewGCSStore(ctx context.Context, bucket, prefix, credentialsFile string) (*GCSStore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	s := NewGCSStoreWithClient(bucket, prefix, &realGCSClient{client: client})

	// Verify the upstream bucket is accessible.
	if err := s.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access upstream GCS bucket %q: %w", bucket, err)
	}

	slog.Info("GCS store initialized", "bucket", bucket, "prefix", prefix)
	return s, nil
}

// NewGCSStoreWithClient creates a GCSStore with a pre-configured client.
// This is primarily used for testing with mock clients.
func NewGCSStoreWithClient(bucket, prefix string, client GCSAPI) *GCSStore {
	return &GCSStore{Bucket: bucket, Prefix: prefix, client: client}
}

func (s *GCSStore) check(key hashing.Key) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return validateKey(key)
}

func (s *GCSStore) Contains(ctx context.Context, key hashing.Key) (bool, error) {
	_, ok, err := s.Stat(ctx, key)
	return ok, err
}

func (s *GCSStore) Stat(ctx context.Context, key hashing.Key) (ItemInfo, bool, error) {
	if err := s.check(key); err != nil {
		return ItemInfo{}, false, err
	}
	name := objectName(s.Prefix, key)
	attrs, err := s.client.Attrs(ctx, s.Bucket, name)
	if err != nil {
		if isGCSNotFound(err) {
			return ItemInfo{}, false, nil
		}
		return ItemInfo{}, false, fmt.Errorf("getting object attrs from GCS: %w", err)
	}
	return ItemInfo{
		Key:      key,
		Size:     attrs.Size,
		Location: LocationRemote,
		Path:     name,
		ModTime:  attrs.Updated,
	}, true, nil
}

// Write streams into a GCS upload bound to a cancellable context. Abort
// cancels the context before closing, which discards the upload.
func (s *GCSStore) Write(ctx context.Context, key hashing.Key) (BlobWriter, error) {
	if err := s.check(key); err != nil {
		return nil, err
	}
	uploadCtx, cancel := context.WithCancel(ctx)
	return &gcsWriter{
		w:      s.client.NewWriter(uploadCtx, s.Bucket, objectName(s.Prefix, key)),
		cancel: cancel,
	}, nil
}

func (s *GCSStore) Read(ctx context.Context, key hashing.Key) (io.ReadCloser, error) {
	if err := s.check(key); err != nil {
		return nil, err
	}
	reader, err := s.client.NewReader(ctx, s.Bucket, objectName(s.Prefix, key))
	if err != nil {
		if isGCSNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("getting object from GCS: %w", err)
	}
	return reader, nil
}

// Remove deletes the object. Idempotent: GCS errors on delete of
// non-existent objects unlike S3, so not-found is swallowed.
func (s *GCSStore) Remove(ctx context.Context, key hashing.Key) error {
	if err := s.check(key); err != nil {
		return err
	}
	err := s.client.Delete(ctx, s.Bucket, objectName(s.Prefix, key))
	if err != nil && !isGCSNotFound(err) {
		return fmt.Errorf("deleting object from GCS: %w", err)
	}
	return nil
}

// Clear deletes every object under the prefix.
func (s *GCSStore) Clear(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	var names []string
	err := s.client.ListObjects(ctx, s.Bucket, s.Prefix, func(name string) bool {
		names = append(names, name)
		return true
	})
	if err != nil {
		return fmt.Errorf("listing objects under %q: %w", s.Prefix, err)
	}
	for _, name := range names {
		if err := s.client.Delete(ctx, s.Bucket, name); err != nil && !isGCSNotFound(err) {
			return fmt.Errorf("deleting %q from GCS: %w", name, err)
		}
	}
	return nil
}

func (s *GCSStore) Keys(ctx context.Context) iter.Seq2[hashing.Key, error] {
	if s.closed.Load() {
		return errIter(ErrClosed)
	}
	return func(yield func(hashing.Key, error) bool) {
		err := s.client.ListObjects(ctx, s.Bucket, s.Prefix, func(name string) bool {
			key, ok := keyFromObjectName(s.Prefix, name)
			if !ok {
				return true
			}
			return yield(key, nil)
		})
		if err != nil {
			yield(hashing.Key{}, fmt.Errorf("listing objects under %q: %w", s.Prefix, err))
		}
	}
}

// HealthCheck verifies the bucket is reachable by probing a name that
// cannot exist.
func (s *GCSStore) HealthCheck(ctx context.Context) error {
	_, err := s.client.Attrs(ctx, s.Bucket, s.Prefix+".health")
	if err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return err
	}
	return nil
}

func (s *GCSStore) Close() error {
	s.closed.Store(true)
	return nil
}

type gcsWriter struct {
	w      io.WriteCloser
	cancel context.CancelFunc
	done   bool
}

func (w *gcsWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, ErrWriterClosed
	}
	return w.w.Write(p)
}

func (w *gcsWriter) Close() error {
	if w.done {
		return ErrWriterClosed
	}
	w.done = true
	defer w.cancel()
	if err := w.w.Close(); err != nil {
		return fmt.Errorf("finalizing GCS upload: %w", err)
	}
	return nil
}

func (w *gcsWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.cancel()
	// The upload context is cancelled, so Close abandons the object.
	_ = w.w.Close()
	return nil
}

// isGCSNotFound checks if a GCS error is a 404/not-found error.
func isGCSNotFound(err error) bool {
	return errors.Is(err, gcs.ErrObjectNotExist)
}

var _ HashStore = (*GCSStore)(nil)

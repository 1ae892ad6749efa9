package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/bleepstore/hashstore/internal/hashing"
)

// AzureBlobAPI defines the subset of the Azure Blob Storage client interface
// that AzureStore uses. This allows mocking in tests.
type AzureBlobAPI interface {
	// UploadBlob uploads data to a blob, overwriting if it already exists.
	UploadBlob(ctx context.Context, containerName, blobName string, data []byte) error
	// DownloadBlob opens a blob's contents for streaming.
	DownloadBlob(ctx context.Context, containerName, blobName string) (io.ReadCloser, error)
	// DeleteBlob deletes a blob. Returns an error if the blob does not exist.
	DeleteBlob(ctx context.Context, containerName, blobName string) error
	// GetBlobProperties retrieves the size and modification time of a blob.
	GetBlobProperties(ctx context.Context, containerName, blobName string) (AzureBlobProperties, error)
	// ListBlobs calls fn for each blob name with the given prefix until fn
	// returns false.
	ListBlobs(ctx context.Context, containerName, prefix string, fn func(name string) bool) error
}

// AzureOptions configures NewAzureStore.
type AzureOptions struct {
	Container          string
	AccountURL         string
	Prefix             string
	ConnectionString   string
	UseManagedIdentity bool
}

// AzureStore implements HashStore on top of an Azure Blob Storage container.
// Blobs are uploaded whole on commit.
type AzureStore struct {
	// Container is the upstream Azure Blob container name.
	Container string
	// Prefix is the name prefix for all blobs in the upstream container.
	Prefix string

	client AzureBlobAPI
	closed atomic.Bool
}

// NewAzureStore creates an AzureStore and verifies the container is
// reachable.
func NewAzureStore(ctx context.Context, opts AzureOptions) (*AzureStore, error) {
	client, err := newRealAzureClient(opts.AccountURL, opts.ConnectionString, opts.UseManagedIdentity)
	if err != nil {
		return nil, fmt.Errorf("creating Azure client: %w", err)
	}

	s := NewAzureStoreWithClient(opts.Container, opts.Prefix, client)
	if err := s.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access upstream Azure container %q: %w", opts.Container, err)
	}

	slog.Info("Azure store initialized", "container", opts.Container, "account", opts.AccountURL, "prefix", opts.Prefix)
	return s, nil
}

// NewAzureStoreWithClient creates an AzureStore with a pre-configured client.
// This is primarily used for testing with mock clients.
func NewAzureStoreWithClient(container, prefix string, client AzureBlobAPI) *AzureStore {
	return &AzureStore{Container: container, Prefix: prefix, client: client}
}

func (s *AzureStore) check(key hashing.Key) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return validateKey(key)
}

func (s *AzureStore) Contains(ctx context.Context, key hashing.Key) (bool, error) {
	_, ok, err := s.Stat(ctx, key)
	return ok, err
}

func (s *AzureStore) Stat(ctx context.Context, key hashing.Key) (ItemInfo, bool, error) {
	if err := s.check(key); err != nil {
		return ItemInfo{}, false, err
	}
	name := objectName(s.Prefix, key)
	props, err := s.client.GetBlobProperties(ctx, s.Container, name)
	if err != nil {
		if isAzureNotFound(err) {
			return ItemInfo{}, false, nil
		}
		return ItemInfo{}, false, fmt.Errorf("getting blob properties from Azure: %w", err)
	}
	return ItemInfo{
		Key:      key,
		Size:     props.Size,
		Location: LocationRemote,
		Path:     name,
		ModTime:  props.LastModified,
	}, true, nil
}

func (s *AzureStore) Write(ctx context.Context, key hashing.Key) (BlobWriter, error) {
	if err := s.check(key); err != nil {
		return nil, err
	}
	name := objectName(s.Prefix, key)
	return newBufferWriter(func(data []byte) error {
		if err := s.client.UploadBlob(ctx, s.Container, name, data); err != nil {
			return fmt.Errorf("uploading to Azure Blob: %w", err)
		}
		return nil
	}), nil
}

func (s *AzureStore) Read(ctx context.Context, key hashing.Key) (io.ReadCloser, error) {
	if err := s.check(key); err != nil {
		return nil, err
	}
	body, err := s.client.DownloadBlob(ctx, s.Container, objectName(s.Prefix, key))
	if err != nil {
		if isAzureNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("getting object from Azure Blob: %w", err)
	}
	return body, nil
}

// Remove deletes the blob. Idempotent: catches not-found silently.
func (s *AzureStore) Remove(ctx context.Context, key hashing.Key) error {
	if err := s.check(key); err != nil {
		return err
	}
	err := s.client.DeleteBlob(ctx, s.Container, objectName(s.Prefix, key))
	if err != nil && !isAzureNotFound(err) {
		return fmt.Errorf("deleting object from Azure Blob: %w", err)
	}
	return nil
}

// Clear deletes every blob under the prefix.
func (s *AzureStore) Clear(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	var names []string
	err := s.client.ListBlobs(ctx, s.Container, s.Prefix, func(name string) bool {
		names = append(names, name)
		return true
	})
	if err != nil {
		return fmt.Errorf("listing blobs under %q: %w", s.Prefix, err)
	}
	for _, name := range names {
		if err := s.client.DeleteBlob(ctx, s.Container, name); err != nil && !isAzureNotFound(err) {
			return fmt.Errorf("deleting %q from Azure Blob: %w", name, err)
		}
	}
	return nil
}

func (s *AzureStore) Keys(ctx context.Context) iter.Seq2[hashing.Key, error] {
	if s.closed.Load() {
		return errIter(ErrClosed)
	}
	return func(yield func(hashing.Key, error) bool) {
		err := s.client.ListBlobs(ctx, s.Container, s.Prefix, func(name string) bool {
			key, ok := keyFromObjectName(s.Prefix, name)
			if !ok {
				return true
			}
			return yield(key, nil)
		})
		if err != nil {
			yield(hashing.Key{}, fmt.Errorf("listing blobs under %q: %w", s.Prefix, err))
		}
	}
}

// HealthCheck verifies that the upstream container is accessible. A
// missing probe blob is fine; a missing container is not.
func (s *AzureStore) HealthCheck(ctx context.Context) error {
	_, err := s.client.GetBlobProperties(ctx, s.Container, s.Prefix+".health")
	if err == nil || bloberror.HasCode(err, bloberror.BlobNotFound) {
		return nil
	}
	return err
}

func (s *AzureStore) Close() error {
	s.closed.Store(true)
	return nil
}

// isAzureNotFound checks if an Azure error is a not-found error.
func isAzureNotFound(err error) bool {
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound, bloberror.ResourceNotFound) {
		return true
	}
	// Fall back on the HTTP status when no error code was parsed.
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}

var _ HashStore = (*AzureStore)(nil)

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/bleepstore/hashstore/internal/hashing"
)

// S3API defines the subset of the AWS S3 client interface that S3Store uses.
// This allows mocking in tests.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Options configures NewS3Store.
type S3Options struct {
	Bucket          string
	Region          string
	Prefix          string
	EndpointURL     string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string
}

// S3Store implements HashStore on top of an upstream S3 bucket. Objects are
// uploaded whole on commit; S3 PUTs are atomic, so readers never see a
// partial blob.
type S3Store struct {
	// Bucket is the upstream S3 bucket name.
	Bucket string
	// Prefix is the key prefix for all objects in the upstream bucket.
	Prefix string

	client S3API
	closed atomic.Bool
}

// NewS3Store creates an S3Store. Credentials are resolved via the standard
// AWS credential chain (env vars, ~/.aws/credentials, IAM role) unless static
// keys are given.
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))

	// Use static credentials if provided, otherwise fall back to default chain.
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if opts.EndpointURL != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.EndpointURL)
		})
	}
	if opts.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	s := NewS3StoreWithClient(opts.Bucket, opts.Prefix, s3.NewFromConfig(cfg, s3Opts...))

	// Verify the upstream bucket is accessible.
	if err := s.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access upstream S3 bucket %q: %w", opts.Bucket, err)
	}

	slog.Info("S3 store initialized", "bucket", opts.Bucket, "region", opts.Region, "prefix", opts.Prefix)
	return s, nil
}

// NewS3StoreWithClient creates an S3Store with a pre-configured client.
// This is primarily used for testing with mock clients.
func NewS3StoreWithClient(bucket, prefix string, client S3API) *S3Store {
	return &S3Store{Bucket: bucket, Prefix: prefix, client: client}
}

func (s *S3Store) check(key hashing.Key) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return validateKey(key)
}

func (s *S3Store) Contains(ctx context.Context, key hashing.Key) (bool, error) {
	_, ok, err := s.Stat(ctx, key)
	return ok, err
}

func (s *S3Store) Stat(ctx context.Context, key hashing.Key) (ItemInfo, bool, error) {
	if err := s.check(key); err != nil {
		return ItemInfo{}, false, err
	}
	name := objectName(s.Prefix, key)
	resp, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(name),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return ItemInfo{}, false, nil
		}
		return ItemInfo{}, false, fmt.Errorf("checking object existence in S3: %w", err)
	}
	return ItemInfo{
		Key:      key,
		Size:     aws.ToInt64(resp.ContentLength),
		Location: LocationRemote,
		Path:     name,
		ModTime:  aws.ToTime(resp.LastModified),
	}, true, nil
}

func (s *S3Store) Write(ctx context.Context, key hashing.Key) (BlobWriter, error) {
	if err := s.check(key); err != nil {
		return nil, err
	}
	name := objectName(s.Prefix, key)
	return newBufferWriter(func(data []byte) error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.Bucket),
			Key:           aws.String(name),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
		})
		if err != nil {
			return fmt.Errorf("uploading to S3: %w", err)
		}
		return nil
	}), nil
}

// Read streams the object body. The caller must close it.
func (s *S3Store) Read(ctx context.Context, key hashing.Key) (io.ReadCloser, error) {
	if err := s.check(key); err != nil {
		return nil, err
	}
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(objectName(s.Prefix, key)),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("getting object from S3: %w", err)
	}
	return resp.Body, nil
}

// Remove deletes the object. S3 DeleteObject is already idempotent.
func (s *S3Store) Remove(ctx context.Context, key hashing.Key) error {
	if err := s.check(key); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(objectName(s.Prefix, key)),
	})
	if err != nil && !isAWSNotFound(err) {
		return fmt.Errorf("deleting object from S3: %w", err)
	}
	return nil
}

// Clear lists everything under the prefix and batch-deletes it, one listing
// page at a time.
func (s *S3Store) Clear(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	for {
		listResp, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket: aws.String(s.Bucket),
			Prefix: aws.String(s.Prefix),
		})
		if err != nil {
			return fmt.Errorf("listing objects under %q: %w", s.Prefix, err)
		}
		if len(listResp.Contents) == 0 {
			return nil
		}

		var objects []types.ObjectIdentifier
		for _, obj := range listResp.Contents {
			objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
		}
		delResp, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.Bucket),
			Delete: &types.Delete{
				Objects: objects,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			return fmt.Errorf("batch-deleting objects under %q: %w", s.Prefix, err)
		}
		// Quiet mode reports only the failures, per object.
		if len(delResp.Errors) > 0 {
			first := delResp.Errors[0]
			return fmt.Errorf("batch-deleting objects under %q: %d failed, first %q: %s: %s",
				s.Prefix, len(delResp.Errors), aws.ToString(first.Key), aws.ToString(first.Code), aws.ToString(first.Message))
		}

		if !aws.ToBool(listResp.IsTruncated) {
			return nil
		}
	}
}

// Keys pages through ListObjectsV2 under the prefix.
func (s *S3Store) Keys(ctx context.Context) iter.Seq2[hashing.Key, error] {
	if s.closed.Load() {
		return errIter(ErrClosed)
	}
	return func(yield func(hashing.Key, error) bool) {
		var token *string
		for {
			resp, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
				Bucket:            aws.String(s.Bucket),
				Prefix:            aws.String(s.Prefix),
				ContinuationToken: token,
			})
			if err != nil {
				yield(hashing.Key{}, fmt.Errorf("listing objects under %q: %w", s.Prefix, err))
				return
			}
			for _, obj := range resp.Contents {
				key, ok := keyFromObjectName(s.Prefix, aws.ToString(obj.Key))
				if !ok {
					continue
				}
				if !yield(key, nil) {
					return
				}
			}
			if !aws.ToBool(resp.IsTruncated) || resp.NextContinuationToken == nil {
				return
			}
			token = resp.NextContinuationToken
		}
	}
}

// HealthCheck verifies that the upstream S3 bucket is accessible.
func (s *S3Store) HealthCheck(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.Bucket),
	})
	return err
}

func (s *S3Store) Close() error {
	s.closed.Store(true)
	return nil
}

// isAWSNotFound checks if an AWS error is a 404/NoSuchKey/NotFound error.
func isAWSNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "NoSuchKey" || code == "NotFound" || code == "404" {
			return true
		}
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	// HeadObject carries no error body, only the HTTP status.
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		if respErr.HTTPStatusCode() == 404 {
			return true
		}
	}
	return false
}

var _ HashStore = (*S3Store)(nil)

package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bleepstore/hashstore/internal/config"
)

// Open constructs the backend named by cfg.Backend. The caller owns the
// returned store and must Close it.
func Open(ctx context.Context, cfg config.StorageConfig) (HashStore, error) {
	switch cfg.Backend {
	case config.BackendFile:
		s, err := NewFileStore(cfg.File.RootDir)
		if err != nil {
			return nil, err
		}
		if cfg.File.TempFileMaxAge > 0 {
			n, err := s.CleanTempFiles(time.Duration(cfg.File.TempFileMaxAge) * time.Second)
			if err != nil {
				slog.Warn("Temp file sweep failed", "root", cfg.File.RootDir, "error", err)
			} else if n > 0 {
				slog.Info("Removed stale temp files", "root", cfg.File.RootDir, "count", n)
			}
		}
		return s, nil

	case config.BackendHybrid:
		// A limit of 0 is honoured: only empty blobs stay inline.
		opts := []HybridOption{WithMaxInternalBlobSize(cfg.Hybrid.MaxInternalBlobSize)}
		if cfg.Hybrid.FlushAfterNWrites > 0 {
			opts = append(opts, WithFlushAfterNWrites(cfg.Hybrid.FlushAfterNWrites))
		}
		return NewHybridStore(cfg.Hybrid.RootDir, opts...)

	case config.BackendSQLite:
		return NewSQLiteStore(cfg.SQLite.Path)

	case config.BackendMemory:
		return NewMemoryStore(cfg.Memory.MaxSizeBytes, cfg.Memory.SnapshotPath)

	case config.BackendAWS:
		return NewS3Store(ctx, S3Options{
			Bucket:          cfg.AWS.Bucket,
			Region:          cfg.AWS.Region,
			Prefix:          cfg.AWS.Prefix,
			EndpointURL:     cfg.AWS.EndpointURL,
			UsePathStyle:    cfg.AWS.UsePathStyle,
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
		})

	case config.BackendGCP:
		return NewGCSStore(ctx, cfg.GCP.Bucket, cfg.GCP.Prefix, cfg.GCP.CredentialsFile)

	case config.BackendAzure:
		return NewAzureStore(ctx, AzureOptions{
			Container:          cfg.Azure.Container,
			AccountURL:         cfg.Azure.ResolvedAccountURL(),
			Prefix:             cfg.Azure.Prefix,
			ConnectionString:   cfg.Azure.ConnectionString,
			UseManagedIdentity: cfg.Azure.UseManagedIdentity,
		})

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// Package transfer implements bulk maintenance over HashStores: copying
// every key between backends, verifying content hashes and exporting a key
// manifest.
package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/bleepstore/hashstore/internal/hashing"
	"github.com/bleepstore/hashstore/internal/storage"
)

// DefaultConcurrency is the number of keys processed in parallel when
// Options.Concurrency is zero.
const DefaultConcurrency = 8

// Options tunes Copy and Verify.
type Options struct {
	// Concurrency bounds the number of keys in flight.
	Concurrency int
	// SkipExisting makes Copy leave keys already present in the destination
	// untouched. Content addressed stores can always set it.
	SkipExisting bool
}

func (o Options) limit() int {
	if o.Concurrency <= 0 {
		return DefaultConcurrency
	}
	return o.Concurrency
}

// CopyReport summarizes a Copy run.
type CopyReport struct {
	Copied  int64 `json:"copied"`
	Skipped int64 `json:"skipped"`
	Bytes   int64 `json:"bytes"`
}

// Copy writes every key of src into dst. It stops at the first error; keys
// copied before that remain in dst.
func Copy(ctx context.Context, src, dst storage.HashStore, opts Options) (CopyReport, error) {
	var copied, skipped, written atomic.Int64

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.limit())

	for key, err := range src.Keys(ctx) {
		if err != nil {
			g.Go(func() error { return fmt.Errorf("listing source: %w", err) })
			break
		}
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if opts.SkipExisting {
				ok, err := dst.Contains(ctx, key)
				if err != nil {
					return fmt.Errorf("checking %s in destination: %w", key, err)
				}
				if ok {
					skipped.Add(1)
					return nil
				}
			}
			n, err := copyKey(ctx, src, dst, key)
			if err != nil {
				return err
			}
			copied.Add(1)
			written.Add(n)
			return nil
		})
	}

	err := g.Wait()
	report := CopyReport{Copied: copied.Load(), Skipped: skipped.Load(), Bytes: written.Load()}
	slog.Info("Copy finished", "copied", report.Copied, "skipped", report.Skipped, "bytes", report.Bytes, "error", err)
	return report, err
}

func copyKey(ctx context.Context, src, dst storage.HashStore, key hashing.Key) (int64, error) {
	rc, err := src.Read(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("reading %s from source: %w", key, err)
	}
	defer rc.Close()

	n, err := storage.WriteFrom(ctx, dst, key, rc)
	if err != nil {
		return 0, fmt.Errorf("writing %s to destination: %w", key, err)
	}
	return n, nil
}

package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/bleepstore/hashstore/internal/cas"
	"github.com/bleepstore/hashstore/internal/hashing"
	"github.com/bleepstore/hashstore/internal/storage"
)

// VerifyReport summarizes a Verify run. Mismatched lists keys whose content
// no longer hashes to the key; Missing lists keys that were listed but gone
// by the time they were read.
type VerifyReport struct {
	Checked    int64    `json:"checked"`
	Mismatched []string `json:"mismatched,omitempty"`
	Missing    []string `json:"missing,omitempty"`
}

// OK reports whether every checked key matched its content.
func (r VerifyReport) OK() bool {
	return len(r.Mismatched) == 0
}

// Verify re-hashes every blob in store with provider. Mismatches are
// collected in the report rather than returned as errors; the error is
// reserved for I/O failures.
func Verify(ctx context.Context, store storage.HashStore, provider hashing.Provider, opts Options) (VerifyReport, error) {
	checker := cas.New(store, provider)

	var (
		checked atomic.Int64
		mu      sync.Mutex
		report  VerifyReport
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.limit())

	for key, err := range store.Keys(ctx) {
		if err != nil {
			g.Go(func() error { return fmt.Errorf("listing keys: %w", err) })
			break
		}
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			err := checker.Verify(ctx, key)
			checked.Add(1)
			switch {
			case err == nil:
				return nil
			case errors.Is(err, cas.ErrHashMismatch):
				slog.Warn("Hash mismatch", "key", key, "error", err)
				mu.Lock()
				report.Mismatched = append(report.Mismatched, key.String())
				mu.Unlock()
				return nil
			case errors.Is(err, storage.ErrNotFound):
				mu.Lock()
				report.Missing = append(report.Missing, key.String())
				mu.Unlock()
				return nil
			default:
				return err
			}
		})
	}

	err := g.Wait()
	report.Checked = checked.Load()
	slices.Sort(report.Mismatched)
	slices.Sort(report.Missing)
	return report, err
}

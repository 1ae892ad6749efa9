// Package main is the entry point for hashstore-admin, the store maintenance
// tool: migrate keys between backends, verify content hashes, export a key
// manifest and clear a store.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bleepstore/hashstore/internal/config"
	"github.com/bleepstore/hashstore/internal/hashing"
	"github.com/bleepstore/hashstore/internal/logging"
	"github.com/bleepstore/hashstore/internal/storage"
	"github.com/bleepstore/hashstore/internal/transfer"
)

const usage = "Usage: hashstore-admin <migrate|verify|manifest|clear> [flags]"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	logging.Setup(os.Getenv("HASHSTORE_LOG_LEVEL"), "text", os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var rc int
	switch command := os.Args[1]; command {
	case "migrate":
		rc = runMigrate(ctx, os.Args[2:])
	case "verify":
		rc = runVerify(ctx, os.Args[2:])
	case "manifest":
		rc = runManifest(ctx, os.Args[2:])
	case "clear":
		rc = runClear(ctx, os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n%s\n", command, usage)
		rc = 1
	}
	stop()
	os.Exit(rc)
}

// openStore loads the config at path and opens its store. backend, when
// set, overrides the configured backend name.
func openStore(ctx context.Context, path, backend string) (*config.Config, storage.HashStore, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if backend != "" {
		cfg.Storage.Backend = backend
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
	}
	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s store: %w", cfg.Storage.Backend, err)
	}
	return cfg, store, nil
}

func closeStore(store storage.HashStore, rc *int) {
	if err := store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error closing store: %v\n", err)
		*rc = 1
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func runMigrate(ctx context.Context, args []string) (rc int) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	from := fs.String("from", "", "Source config file path")
	fromBackend := fs.String("from-backend", "", "Source backend (overrides config)")
	to := fs.String("to", "", "Destination config file path")
	toBackend := fs.String("to-backend", "", "Destination backend (overrides config)")
	concurrency := fs.Int("concurrency", transfer.DefaultConcurrency, "Keys copied in parallel")
	overwrite := fs.Bool("overwrite", false, "Rewrite keys already present in the destination")
	fs.Parse(args)

	if *from == "" || *to == "" {
		fmt.Fprintln(os.Stderr, "Error: -from and -to are required")
		return 1
	}

	_, src, err := openStore(ctx, *from, *fromBackend)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeStore(src, &rc)

	_, dst, err := openStore(ctx, *to, *toBackend)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeStore(dst, &rc)

	report, err := transfer.Copy(ctx, src, dst, transfer.Options{
		Concurrency:  *concurrency,
		SkipExisting: !*overwrite,
	})
	printJSON(report)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error migrating: %v\n", err)
		return 1
	}
	return 0
}

func runVerify(ctx context.Context, args []string) (rc int) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	configPath := fs.String("config", "hashstore.yaml", "Config file path")
	backend := fs.String("backend", "", "Backend (overrides config)")
	algorithm := fs.String("algorithm", "", "Hash algorithm (overrides config)")
	concurrency := fs.Int("concurrency", transfer.DefaultConcurrency, "Keys verified in parallel")
	fs.Parse(args)

	cfg, store, err := openStore(ctx, *configPath, *backend)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeStore(store, &rc)

	alg := cfg.Hash.Algorithm
	if *algorithm != "" {
		alg = *algorithm
	}
	provider, err := hashing.New(hashing.Algorithm(alg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	report, err := transfer.Verify(ctx, store, provider, transfer.Options{Concurrency: *concurrency})
	printJSON(report)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error verifying: %v\n", err)
		return 1
	}
	if !report.OK() {
		fmt.Fprintf(os.Stderr, "%d of %d blobs do not match their key\n", len(report.Mismatched), report.Checked)
		return 2
	}
	return 0
}

func runManifest(ctx context.Context, args []string) (rc int) {
	fs := flag.NewFlagSet("manifest", flag.ExitOnError)
	configPath := fs.String("config", "hashstore.yaml", "Config file path")
	backend := fs.String("backend", "", "Backend (overrides config)")
	output := fs.String("output", "-", "Output file path (- for stdout)")
	fs.Parse(args)

	cfg, store, err := openStore(ctx, *configPath, *backend)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeStore(store, &rc)

	w := os.Stdout
	if *output != "-" {
		f, err := os.Create(*output)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating output: %v\n", err)
			return 1
		}
		defer f.Close()
		w = f
	}

	m, err := transfer.ExportManifest(ctx, w, cfg.Storage.Backend, store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error exporting manifest: %v\n", err)
		return 1
	}
	if *output != "-" {
		fmt.Fprintf(os.Stderr, "Exported %d entries to %s\n", len(m.Entries), *output)
	}
	return 0
}

func runClear(ctx context.Context, args []string) (rc int) {
	fs := flag.NewFlagSet("clear", flag.ExitOnError)
	configPath := fs.String("config", "hashstore.yaml", "Config file path")
	backend := fs.String("backend", "", "Backend (overrides config)")
	yes := fs.Bool("yes", false, "Confirm removal of every key")
	fs.Parse(args)

	if !*yes {
		fmt.Fprintln(os.Stderr, "Error: clear removes every key; pass -yes to confirm")
		return 1
	}

	cfg, store, err := openStore(ctx, *configPath, *backend)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeStore(store, &rc)

	if err := store.Clear(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error clearing store: %v\n", err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "Cleared %s store\n", cfg.Storage.Backend)
	return 0
}

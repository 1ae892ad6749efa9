package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "hashstore.yaml", "storage:\n  backend: hybrid\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage.Backend != BackendHybrid {
		t.Errorf("Backend = %q, want %q", cfg.Storage.Backend, BackendHybrid)
	}
	if cfg.Storage.Hybrid.MaxInternalBlobSize != 4096 {
		t.Errorf("MaxInternalBlobSize = %d, want 4096", cfg.Storage.Hybrid.MaxInternalBlobSize)
	}
	if cfg.Storage.Hybrid.FlushAfterNWrites != 1 {
		t.Errorf("FlushAfterNWrites = %d, want 1", cfg.Storage.Hybrid.FlushAfterNWrites)
	}
	if cfg.Server.Port != 9010 {
		t.Errorf("Port = %d, want 9010", cfg.Server.Port)
	}
	if cfg.Hash.Algorithm != "sha1" {
		t.Errorf("Hash.Algorithm = %q, want sha1", cfg.Hash.Algorithm)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = false, want true by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	body := `
server:
  port: 8080
logging:
  level: debug
  format: json
metrics:
  enabled: false
hash:
  algorithm: blake3
storage:
  backend: sqlite
  sqlite:
    path: /tmp/custom.db
  hybrid:
    max_internal_blob_size: 512
    flush_after_n_writes: 10
`
	cfg, err := Load(writeConfig(t, t.TempDir(), "hashstore.yaml", body))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("server/logging = %+v %+v", cfg.Server, cfg.Logging)
	}
	if cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = true, want false")
	}
	if cfg.Hash.Algorithm != "blake3" {
		t.Errorf("Hash.Algorithm = %q", cfg.Hash.Algorithm)
	}
	if cfg.Storage.SQLite.Path != "/tmp/custom.db" {
		t.Errorf("SQLite.Path = %q", cfg.Storage.SQLite.Path)
	}
	if cfg.Storage.Hybrid.MaxInternalBlobSize != 512 || cfg.Storage.Hybrid.FlushAfterNWrites != 10 {
		t.Errorf("Hybrid = %+v", cfg.Storage.Hybrid)
	}
}

func TestLoadKeepsZeroInlineLimit(t *testing.T) {
	body := "storage:\n  backend: hybrid\n  hybrid:\n    max_internal_blob_size: 0\n"
	cfg, err := Load(writeConfig(t, t.TempDir(), "hashstore.yaml", body))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := cfg.Storage.Hybrid.MaxInternalBlobSize; got != 0 {
		t.Errorf("MaxInternalBlobSize = %d, want explicit 0 kept", got)
	}
}

func TestLoadFallsBackToExample(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "hashstore.example.yaml", "storage:\n  backend: memory\n")

	cfg, err := Load(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage.Backend != BackendMemory {
		t.Errorf("Backend = %q, want memory from fallback file", cfg.Storage.Backend)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing config without fallback")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "tape" }, "unknown storage backend"},
		{"zero flush", func(c *Config) { c.Storage.Hybrid.FlushAfterNWrites = 0 }, "flush_after_n_writes"},
		{"aws without bucket", func(c *Config) { c.Storage.Backend = BackendAWS }, "storage.aws.bucket"},
		{"gcp without bucket", func(c *Config) { c.Storage.Backend = BackendGCP }, "storage.gcp.bucket"},
		{"azure without account", func(c *Config) {
			c.Storage.Backend = BackendAzure
			c.Storage.Azure.Container = "blobs"
		}, "storage.azure"},
		{"azure with account", func(c *Config) {
			c.Storage.Backend = BackendAzure
			c.Storage.Azure.Container = "blobs"
			c.Storage.Azure.Account = "acct"
		}, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Errorf("Validate = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Validate = %v, want error containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestAzureResolvedAccountURL(t *testing.T) {
	c := AzureConfig{Account: "acct"}
	if got := c.ResolvedAccountURL(); got != "https://acct.blob.core.windows.net" {
		t.Errorf("ResolvedAccountURL = %q", got)
	}
	c.AccountURL = "http://127.0.0.1:10000/devstoreaccount1"
	if got := c.ResolvedAccountURL(); got != c.AccountURL {
		t.Errorf("ResolvedAccountURL = %q, want explicit URL", got)
	}
}

// Package config handles loading and parsing of hashstore configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"
)

// Backend names accepted by StorageConfig.Backend.
const (
	BackendFile   = "file"
	BackendHybrid = "hybrid"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
	BackendAWS    = "aws"
	BackendGCP    = "gcp"
	BackendAzure  = "azure"
)

// Backends lists every supported backend name.
var Backends = []string{BackendFile, BackendHybrid, BackendSQLite, BackendMemory, BackendAWS, BackendGCP, BackendAzure}

// Config is the top-level configuration for hashstore.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Hash    HashConfig    `yaml:"hash"`
	Storage StorageConfig `yaml:"storage"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ShutdownTimeout is the graceful shutdown deadline in seconds.
	ShutdownTimeout int `yaml:"shutdown_timeout"`
	// MaxBlobSize caps request bodies in bytes. Zero means unlimited.
	MaxBlobSize int64 `yaml:"max_blob_size"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// HashConfig selects the digest used for content addressing.
type HashConfig struct {
	// Algorithm is "sha1", "sha256" or "blake3".
	Algorithm string `yaml:"algorithm"`
	// CacheSize is the number of digests memoized by stream identity.
	// Zero disables the cache.
	CacheSize int `yaml:"cache_size"`
}

// StorageConfig selects and configures the blob store backend.
type StorageConfig struct {
	// Backend is one of the Backend* names.
	Backend string       `yaml:"backend"`
	File    FileConfig   `yaml:"file"`
	Hybrid  HybridConfig `yaml:"hybrid"`
	SQLite  SQLiteConfig `yaml:"sqlite"`
	Memory  MemoryConfig `yaml:"memory"`
	AWS     AWSConfig    `yaml:"aws"`
	GCP     GCPConfig    `yaml:"gcp"`
	Azure   AzureConfig  `yaml:"azure"`
}

// FileConfig holds plain file store settings.
type FileConfig struct {
	// RootDir is the base directory for blob files.
	RootDir string `yaml:"root_dir"`
	// TempFileMaxAge is the age in seconds after which orphaned temp files
	// are removed at startup. Zero disables the sweep.
	TempFileMaxAge int `yaml:"temp_file_max_age"`
}

// HybridConfig holds hybrid inline/file store settings.
type HybridConfig struct {
	RootDir             string `yaml:"root_dir"`
	MaxInternalBlobSize int64  `yaml:"max_internal_blob_size"`
	FlushAfterNWrites   int    `yaml:"flush_after_n_writes"`
}

// SQLiteConfig holds SQLite store settings.
type SQLiteConfig struct {
	// Path is the filesystem path for the SQLite database file.
	Path string `yaml:"path"`
}

// MemoryConfig holds in-memory store settings.
type MemoryConfig struct {
	// MaxSizeBytes caps the total stored bytes. Zero means unbounded.
	MaxSizeBytes int64 `yaml:"max_size_bytes"`
	// SnapshotPath, when set, persists contents to a SQLite file on close.
	SnapshotPath string `yaml:"snapshot_path"`
}

// AWSConfig holds S3 gateway settings.
type AWSConfig struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	EndpointURL     string `yaml:"endpoint_url"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// GCPConfig holds Cloud Storage gateway settings.
type GCPConfig struct {
	Bucket  string `yaml:"bucket"`
	Project string `yaml:"project"`
	Prefix  string `yaml:"prefix"`
	// CredentialsFile is an optional service account key file. If empty,
	// Application Default Credentials are used.
	CredentialsFile string `yaml:"credentials_file"`
}

// AzureConfig holds Azure Blob gateway settings.
type AzureConfig struct {
	Container string `yaml:"container"`
	// Account is the storage account name, used to build the account URL
	// when AccountURL is empty.
	Account            string `yaml:"account"`
	AccountURL         string `yaml:"account_url"`
	Prefix             string `yaml:"prefix"`
	ConnectionString   string `yaml:"connection_string"`
	UseManagedIdentity bool   `yaml:"use_managed_identity"`
}

// ResolvedAccountURL returns AccountURL, or the default endpoint for Account.
func (c AzureConfig) ResolvedAccountURL() string {
	if c.AccountURL != "" {
		return c.AccountURL
	}
	if c.Account != "" {
		return fmt.Sprintf("https://%s.blob.core.windows.net", c.Account)
	}
	return ""
}

// Load reads a YAML configuration file from the given path and returns
// a parsed Config. It applies sensible defaults for unset values.
// If the primary path fails, it falls back to hashstore.example.yaml
// in the same directory or parent directory.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		// Try fallback paths
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "hashstore.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "hashstore.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply defaults for empty fields that YAML didn't set
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return defaultConfig()
}

// Validate reports settings that cannot be served.
func (c *Config) Validate() error {
	if !slices.Contains(Backends, c.Storage.Backend) {
		return fmt.Errorf("unknown storage backend %q (want one of %v)", c.Storage.Backend, Backends)
	}
	if c.Storage.Hybrid.FlushAfterNWrites < 1 {
		return fmt.Errorf("storage.hybrid.flush_after_n_writes must be >= 1, got %d", c.Storage.Hybrid.FlushAfterNWrites)
	}
	if c.Storage.Hybrid.MaxInternalBlobSize < 0 {
		return fmt.Errorf("storage.hybrid.max_internal_blob_size must be >= 0, got %d", c.Storage.Hybrid.MaxInternalBlobSize)
	}
	switch c.Storage.Backend {
	case BackendAWS:
		if c.Storage.AWS.Bucket == "" {
			return fmt.Errorf("storage.aws.bucket is required for the aws backend")
		}
	case BackendGCP:
		if c.Storage.GCP.Bucket == "" {
			return fmt.Errorf("storage.gcp.bucket is required for the gcp backend")
		}
	case BackendAzure:
		if c.Storage.Azure.Container == "" {
			return fmt.Errorf("storage.azure.container is required for the azure backend")
		}
		if c.Storage.Azure.ResolvedAccountURL() == "" && c.Storage.Azure.ConnectionString == "" {
			return fmt.Errorf("storage.azure needs account, account_url or connection_string")
		}
	}
	return nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            9010,
			ShutdownTimeout: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Hash: HashConfig{
			Algorithm: "sha1",
			CacheSize: 4096,
		},
		Storage: StorageConfig{
			Backend: BackendFile,
			File: FileConfig{
				RootDir:        "./data/blobs",
				TempFileMaxAge: 3600,
			},
			Hybrid: HybridConfig{
				RootDir:             "./data/hybrid",
				MaxInternalBlobSize: 4096,
				FlushAfterNWrites:   1,
			},
			SQLite: SQLiteConfig{
				Path: "./data/blobs.db",
			},
			AWS: AWSConfig{
				Region: "us-east-1",
			},
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9010
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Hash.Algorithm == "" {
		cfg.Hash.Algorithm = "sha1"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendFile
	}
	if cfg.Storage.File.RootDir == "" {
		cfg.Storage.File.RootDir = "./data/blobs"
	}
	if cfg.Storage.Hybrid.RootDir == "" {
		cfg.Storage.Hybrid.RootDir = "./data/hybrid"
	}
	if cfg.Storage.Hybrid.FlushAfterNWrites == 0 {
		cfg.Storage.Hybrid.FlushAfterNWrites = 1
	}
	if cfg.Storage.SQLite.Path == "" {
		cfg.Storage.SQLite.Path = "./data/blobs.db"
	}
	if cfg.Storage.AWS.Region == "" {
		cfg.Storage.AWS.Region = "us-east-1"
	}
}

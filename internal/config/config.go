// Package config provides unified configuration for the activity pipeline.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Mode selects which services to run.
type Mode string

const (
	ModeAll     Mode = "all"
	ModeIngest  Mode = "ingest"
	ModeQuery   Mode = "query"
	ModeArchive Mode = "archive"
)

// Config holds the unified configuration for the activity services.
type Config struct {
	// Mode specifies which services to run: all, ingest, query, archive
	Mode Mode `json:"mode" yaml:"mode"`

	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	HTTP     HTTPConfig     `json:"http" yaml:"http"`
	EventLog EventLogConfig `json:"event_log" yaml:"event_log"`
	Rollup   RollupConfig   `json:"rollup" yaml:"rollup"`
	Archive  ArchiveConfig  `json:"archive" yaml:"archive"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the listen address for the API server
	Addr string `json:"addr" yaml:"addr"`

	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// EventLogConfig holds event log configuration.
type EventLogConfig struct {
	// Dir is the directory for log segments
	Dir string `json:"dir" yaml:"dir"`

	// MaxSegmentSizeMB is the segment rotation threshold in megabytes
	MaxSegmentSizeMB int `json:"max_segment_size_mb" yaml:"max_segment_size_mb"`

	// ExpectedEvents sizes the dedup bloom filter
	ExpectedEvents int `json:"expected_events" yaml:"expected_events"`
}

// RollupConfig holds aggregation engine configuration.
type RollupConfig struct {
	// Dir is the directory for rollup databases
	Dir string `json:"dir" yaml:"dir"`

	// PollInterval is the engine's fallback poll cadence
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
}

// ArchiveConfig holds month archival configuration.
type ArchiveConfig struct {
	// BuildDir is the staging directory for archive files
	BuildDir string `json:"build_dir" yaml:"build_dir"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	Bucket   string `json:"bucket" yaml:"bucket"`
	Region   string `json:"region" yaml:"region"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		Mode:    ModeAll,
		DataDir: "./data/activityd",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		EventLog: EventLogConfig{
			MaxSegmentSizeMB: 64,
			ExpectedEvents:   1_000_000,
		},
		Rollup: RollupConfig{
			PollInterval: 5 * time.Second,
		},
		Storage: StorageConfig{
			Type: "local",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/activityd"
	}
	if c.EventLog.Dir == "" {
		c.EventLog.Dir = filepath.Join(c.DataDir, "eventlog")
	}
	if c.Rollup.Dir == "" {
		c.Rollup.Dir = filepath.Join(c.DataDir, "rollups")
	}
	if c.Archive.BuildDir == "" {
		c.Archive.BuildDir = filepath.Join(c.DataDir, "archive-build")
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}
}

// CatalogPath returns the path to the archive catalog database.
func (c *Config) CatalogPath() string {
	return filepath.Join(c.DataDir, "catalog.db")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeAll, ModeIngest, ModeQuery, ModeArchive:
	default:
		return fmt.Errorf("invalid mode: %s (must be all, ingest, query, or archive)", c.Mode)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}
	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	if c.EventLog.MaxSegmentSizeMB < 1 || c.EventLog.MaxSegmentSizeMB > 1024 {
		return fmt.Errorf("event_log.max_segment_size_mb must be between 1 and 1024, got %d", c.EventLog.MaxSegmentSizeMB)
	}

	return nil
}

// ShouldRunIngest returns true if the ingestion API should run.
func (c *Config) ShouldRunIngest() bool {
	return c.Mode == ModeAll || c.Mode == ModeIngest
}

// ShouldRunEngine returns true if the aggregation engine should run.
func (c *Config) ShouldRunEngine() bool {
	return c.Mode == ModeAll || c.Mode == ModeQuery || c.Mode == ModeIngest
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadDotEnv loads a .env file into the process environment if one exists.
// Variables already set in the environment win.
func LoadDotEnv() {
	_ = godotenv.Load()
}

// LoadFromEnv applies ACTIVITYD_-prefixed environment overrides.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("ACTIVITYD_MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
	if v := os.Getenv("ACTIVITYD_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	if v := os.Getenv("ACTIVITYD_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}

	if v := os.Getenv("ACTIVITYD_EVENTLOG_MAX_SEGMENT_SIZE_MB"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.EventLog.MaxSegmentSizeMB)
	}
	if v := os.Getenv("ACTIVITYD_EVENTLOG_EXPECTED_EVENTS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.EventLog.ExpectedEvents)
	}

	if v := os.Getenv("ACTIVITYD_ROLLUP_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Rollup.PollInterval = d
		}
	}

	if v := os.Getenv("ACTIVITYD_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("ACTIVITYD_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("ACTIVITYD_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("ACTIVITYD_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("ACTIVITYD_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.EventLog.Dir,
		c.Rollup.Dir,
		c.Archive.BuildDir,
		c.Storage.Path,
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

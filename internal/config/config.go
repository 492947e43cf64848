// Package config provides unified configuration for the ghlake binaries. A
// Config is built once at startup and passed explicitly to every component.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Mode represents which long-running services to start.
type Mode string

const (
	ModeAll       Mode = "all"
	ModeAPI       Mode = "api"
	ModeScheduler Mode = "scheduler"
)

// Config holds the unified configuration.
type Config struct {
	// Mode specifies which services to run: all, api, scheduler
	Mode Mode `json:"mode" yaml:"mode"`

	// DataDir is the base directory for local data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// LedgerPath is the run ledger database (default: DataDir/ledger.db)
	LedgerPath string `json:"ledger_path" yaml:"ledger_path"`

	Log       LogConfig       `json:"log" yaml:"log"`
	Archive   ArchiveConfig   `json:"archive" yaml:"archive"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Pipeline  PipelineConfig  `json:"pipeline" yaml:"pipeline"`
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	HTTP      HTTPConfig      `json:"http" yaml:"http"`
	GRPC      GRPCConfig      `json:"grpc" yaml:"grpc"`
}

// LogConfig holds logger configuration.
type LogConfig struct {
	// Level is debug, info, warn or error
	Level string `json:"level" yaml:"level"`

	// Format is json or console
	Format string `json:"format" yaml:"format"`
}

// ArchiveConfig holds event archive client configuration.
type ArchiveConfig struct {
	// BaseURL is the archive endpoint
	BaseURL string `json:"base_url" yaml:"base_url"`

	// Timeout caps a single hour download
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3-compatible storage configuration (S3, R2, MinIO).
type S3Config struct {
	Bucket          string `json:"bucket" yaml:"bucket"`
	Region          string `json:"region" yaml:"region"`
	Endpoint        string `json:"endpoint" yaml:"endpoint"`
	AccessKeyID     string `json:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key" yaml:"secret_access_key"`
	UsePathStyle    bool   `json:"use_path_style" yaml:"use_path_style"`
	MaxRetries      int    `json:"max_retries" yaml:"max_retries"`
}

// PipelineConfig holds day-run configuration.
type PipelineConfig struct {
	// FetchConcurrency bounds parallel archive downloads per day
	FetchConcurrency int `json:"fetch_concurrency" yaml:"fetch_concurrency"`

	// ReadConcurrency bounds parallel bronze reads per day
	ReadConcurrency int `json:"read_concurrency" yaml:"read_concurrency"`

	// DayConcurrency bounds parallel days during a backfill
	DayConcurrency int `json:"day_concurrency" yaml:"day_concurrency"`

	// LagDays is how far behind today the daily job processes
	LagDays int `json:"lag_days" yaml:"lag_days"`

	// GoldRetentionDays is the gold window kept by the daily job
	GoldRetentionDays int `json:"gold_retention_days" yaml:"gold_retention_days"`

	// LeaseTTL is how long a day lease outlives its last renewal. Running
	// days renew it every third of the TTL
	LeaseTTL time.Duration `json:"lease_ttl" yaml:"lease_ttl"`

	// StageTimeout caps each stage of a day run
	StageTimeout time.Duration `json:"stage_timeout" yaml:"stage_timeout"`
}

// SchedulerConfig holds background scheduler configuration.
type SchedulerConfig struct {
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	Interval      time.Duration `json:"interval" yaml:"interval"`
	BuildFeatures bool          `json:"build_features" yaml:"build_features"`
	SweepOrphans  bool          `json:"sweep_orphans" yaml:"sweep_orphans"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the HTTP listen address
	Addr string `json:"addr" yaml:"addr"`

	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// GRPCConfig holds gRPC server configuration.
type GRPCConfig struct {
	// Addr is the gRPC server address
	Addr string `json:"addr" yaml:"addr"`

	// Enabled controls whether gRPC is enabled
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		Mode:    ModeAll,
		DataDir: "./data/ghlake",
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Archive: ArchiveConfig{
			BaseURL: "https://data.gharchive.org",
			Timeout: 5 * time.Minute,
		},
		Storage: StorageConfig{
			Type: "local",
			S3: S3Config{
				Region:     "auto",
				MaxRetries: 3,
			},
		},
		Pipeline: PipelineConfig{
			FetchConcurrency:  6,
			ReadConcurrency:   4,
			DayConcurrency:    2,
			LagDays:           1,
			GoldRetentionDays: 8,
			LeaseTTL:          2 * time.Hour,
			StageTimeout:      30 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			Enabled:       true,
			Interval:      time.Hour,
			BuildFeatures: true,
			SweepOrphans:  true,
		},
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		GRPC: GRPCConfig{
			Addr:    ":9090",
			Enabled: true,
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/ghlake"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}
	if c.LedgerPath == "" {
		c.LedgerPath = filepath.Join(c.DataDir, "ledger.db")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeAll, ModeAPI, ModeScheduler:
		// Valid modes
	default:
		return fmt.Errorf("invalid mode: %s (must be all, api, or scheduler)", c.Mode)
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
	if (c.Storage.S3.AccessKeyID == "") != (c.Storage.S3.SecretAccessKey == "") {
		return fmt.Errorf("s3.access_key_id and s3.secret_access_key must be set together")
	}

	if c.Archive.Timeout <= 0 {
		return fmt.Errorf("archive.timeout must be positive")
	}

	p := c.Pipeline
	if p.FetchConcurrency < 1 || p.FetchConcurrency > 24 {
		return fmt.Errorf("pipeline.fetch_concurrency must be between 1 and 24, got %d", p.FetchConcurrency)
	}
	if p.ReadConcurrency < 1 || p.ReadConcurrency > 24 {
		return fmt.Errorf("pipeline.read_concurrency must be between 1 and 24, got %d", p.ReadConcurrency)
	}
	if p.DayConcurrency < 1 {
		return fmt.Errorf("pipeline.day_concurrency must be at least 1, got %d", p.DayConcurrency)
	}
	if p.LagDays < 0 {
		return fmt.Errorf("pipeline.lag_days must not be negative, got %d", p.LagDays)
	}
	if p.GoldRetentionDays <= p.LagDays {
		return fmt.Errorf("pipeline.gold_retention_days (%d) must exceed lag_days (%d)", p.GoldRetentionDays, p.LagDays)
	}
	if p.LeaseTTL <= 0 || p.StageTimeout <= 0 {
		return fmt.Errorf("pipeline.lease_ttl and pipeline.stage_timeout must be positive")
	}
	if p.LeaseTTL < 4*p.StageTimeout {
		return fmt.Errorf("pipeline.lease_ttl (%s) must be at least four stage timeouts (%s)",
			p.LeaseTTL, 4*p.StageTimeout)
	}

	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive")
	}

	return nil
}

// ShouldRunAPI returns true if the HTTP and gRPC APIs should run.
func (c *Config) ShouldRunAPI() bool {
	return c.Mode == ModeAll || c.Mode == ModeAPI
}

// ShouldRunScheduler returns true if the background scheduler should run.
func (c *Config) ShouldRunScheduler() bool {
	return c.Scheduler.Enabled && (c.Mode == ModeAll || c.Mode == ModeScheduler)
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

// Load builds the configuration every binary starts from: defaults or the
// given file, then .env, then the process environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}
	LoadFromEnv(cfg)
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables.
// Variables use the GHLAKE_ prefix. The R2_* variables understood by the
// original ingest scripts are honored as S3 fallbacks.
func LoadFromEnv(cfg *Config) {
	envString("GHLAKE_MODE", (*string)(&cfg.Mode))
	envString("GHLAKE_DATA_DIR", &cfg.DataDir)
	envString("GHLAKE_LEDGER_PATH", &cfg.LedgerPath)

	envString("GHLAKE_LOG_LEVEL", &cfg.Log.Level)
	envString("GHLAKE_LOG_FORMAT", &cfg.Log.Format)

	envString("GHLAKE_ARCHIVE_BASE_URL", &cfg.Archive.BaseURL)
	envDuration("GHLAKE_ARCHIVE_TIMEOUT", &cfg.Archive.Timeout)

	// R2 fallbacks first so GHLAKE_* wins when both are set.
	if v := os.Getenv("R2_BUCKET_NAME"); v != "" {
		cfg.Storage.Type = "s3"
		cfg.Storage.S3.Bucket = v
	}
	envString("R2_ENDPOINT_URL", &cfg.Storage.S3.Endpoint)
	envString("R2_ACCESS_KEY_ID", &cfg.Storage.S3.AccessKeyID)
	envString("R2_SECRET_ACCESS_KEY", &cfg.Storage.S3.SecretAccessKey)

	envString("GHLAKE_STORAGE_TYPE", &cfg.Storage.Type)
	envString("GHLAKE_STORAGE_PATH", &cfg.Storage.Path)
	envString("GHLAKE_S3_BUCKET", &cfg.Storage.S3.Bucket)
	envString("GHLAKE_S3_REGION", &cfg.Storage.S3.Region)
	envString("GHLAKE_S3_ENDPOINT", &cfg.Storage.S3.Endpoint)
	envString("GHLAKE_S3_ACCESS_KEY_ID", &cfg.Storage.S3.AccessKeyID)
	envString("GHLAKE_S3_SECRET_ACCESS_KEY", &cfg.Storage.S3.SecretAccessKey)
	envBool("GHLAKE_S3_USE_PATH_STYLE", &cfg.Storage.S3.UsePathStyle)
	envInt("GHLAKE_S3_MAX_RETRIES", &cfg.Storage.S3.MaxRetries)

	envInt("GHLAKE_FETCH_CONCURRENCY", &cfg.Pipeline.FetchConcurrency)
	envInt("GHLAKE_READ_CONCURRENCY", &cfg.Pipeline.ReadConcurrency)
	envInt("GHLAKE_DAY_CONCURRENCY", &cfg.Pipeline.DayConcurrency)
	envInt("GHLAKE_LAG_DAYS", &cfg.Pipeline.LagDays)
	envInt("GHLAKE_GOLD_RETENTION_DAYS", &cfg.Pipeline.GoldRetentionDays)
	envDuration("GHLAKE_LEASE_TTL", &cfg.Pipeline.LeaseTTL)
	envDuration("GHLAKE_STAGE_TIMEOUT", &cfg.Pipeline.StageTimeout)

	envBool("GHLAKE_SCHEDULER_ENABLED", &cfg.Scheduler.Enabled)
	envDuration("GHLAKE_SCHEDULER_INTERVAL", &cfg.Scheduler.Interval)
	envBool("GHLAKE_SCHEDULER_BUILD_FEATURES", &cfg.Scheduler.BuildFeatures)
	envBool("GHLAKE_SCHEDULER_SWEEP_ORPHANS", &cfg.Scheduler.SweepOrphans)

	envString("GHLAKE_HTTP_ADDR", &cfg.HTTP.Addr)
	envString("GHLAKE_GRPC_ADDR", &cfg.GRPC.Addr)
	envBool("GHLAKE_GRPC_ENABLED", &cfg.GRPC.Enabled)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// EnsureDirectories creates all required local directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir, filepath.Dir(c.LedgerPath)}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
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

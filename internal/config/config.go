package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the relay. Defaults match the values the
// field deployments run with; a YAML file and environment variables override
// them in that order.
type Config struct {
	DB struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Name     string `yaml:"name"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		SSLMode  string `yaml:"sslmode"`
	} `yaml:"db"`

	HTTPAddr    string `yaml:"http_addr"`
	TransitPort int    `yaml:"transit_port"`

	ImagesDir string `yaml:"images_dir"`
	CertsDir  string `yaml:"certs_dir"`
	LogDir    string `yaml:"log_dir"`
	LogLevel  string `yaml:"log_level"`

	IngestJSONDir    string `yaml:"ingest_json_dir"`
	SenderJSONDir    string `yaml:"sender_json_dir"`
	SenderPendingDir string `yaml:"sender_pending_dir"`
	SenderFailedDir  string `yaml:"sender_failed_dir"`

	Sender struct {
		Enabled             bool `yaml:"enabled"`
		PollIntervalSeconds int  `yaml:"poll_interval_seconds"`
		MaxBatchSize        int  `yaml:"max_batch_size"`
		DefaultRetryMax     int  `yaml:"default_retry_max"`
		DefaultBackoffMs    int  `yaml:"default_backoff_ms"`
		DefaultTimeoutMs    int  `yaml:"default_timeout_ms"`
		BackoffOnFailSec    int  `yaml:"backoff_on_fail_sec"`
	} `yaml:"sender"`

	Mirror struct {
		SrcDir       string `yaml:"src_dir"`
		DstDir       string `yaml:"dst_dir"`
		StabilityMs  int    `yaml:"stability_ms"`
		DebounceMs   int    `yaml:"debounce_ms"`
		CopyMaxTries int    `yaml:"copy_max_tries"`
		ScanMs       int    `yaml:"scan_ms"`
		SummarySec   int    `yaml:"summary_sec"`
	} `yaml:"mirror"`

	Retention struct {
		ImageHours       float64 `yaml:"image_hours"`
		ImageSweepSec    int     `yaml:"image_sweep_sec"`
		LogHours         float64 `yaml:"log_hours"`
		LogSweepSec      int     `yaml:"log_sweep_sec"`
		FailedHours      float64 `yaml:"failed_hours"`
		FailedSweepSec   int     `yaml:"failed_sweep_sec"`
		PendingHours     float64 `yaml:"pending_hours"`
		PendingSweepSec  int     `yaml:"pending_sweep_sec"`
		IngestHours      float64 `yaml:"ingest_hours"`
		IngestSweepSec   int     `yaml:"ingest_sweep_sec"`
	} `yaml:"retention"`

	MaxBodyBytes int64 `yaml:"max_body_bytes"`
	MaxJSONBytes int64 `yaml:"max_json_bytes"`
}

// Default returns the built-in configuration before any overrides.
func Default() Config {
	var c Config
	c.DB.Host = "localhost"
	c.DB.Port = 5432
	c.DB.Name = "ts_alpr"
	c.DB.User = "alpr"
	c.DB.Password = "changeme"
	c.DB.SSLMode = "disable"

	c.HTTPAddr = ":5055"
	c.TransitPort = 33334

	c.ImagesDir = "data/images"
	c.CertsDir = "data/certs"
	c.LogDir = "data/logs"
	c.LogLevel = "info"

	c.IngestJSONDir = "data/ingest/json"
	c.SenderJSONDir = "data/sender/json"
	c.SenderPendingDir = "data/sender/pending"
	c.SenderFailedDir = "data/sender/failed"

	c.Sender.Enabled = true
	c.Sender.PollIntervalSeconds = 5
	c.Sender.MaxBatchSize = 50
	c.Sender.DefaultRetryMax = 3
	c.Sender.DefaultBackoffMs = 1000
	c.Sender.DefaultTimeoutMs = 5000
	c.Sender.BackoffOnFailSec = 3

	c.Mirror.SrcDir = "data/mirror/src"
	c.Mirror.DstDir = "data/mirror/cloned"
	c.Mirror.StabilityMs = 250
	c.Mirror.DebounceMs = 250
	c.Mirror.CopyMaxTries = 25
	c.Mirror.ScanMs = 500
	c.Mirror.SummarySec = 60

	c.Retention.ImageHours = 0.75 // 45 minutes
	c.Retention.ImageSweepSec = 600
	c.Retention.LogHours = 4
	c.Retention.LogSweepSec = 300
	c.Retention.FailedHours = 1
	c.Retention.FailedSweepSec = 3600
	c.Retention.PendingHours = 1
	c.Retention.PendingSweepSec = 3600
	c.Retention.IngestHours = 1
	c.Retention.IngestSweepSec = 3600

	c.MaxBodyBytes = 20 * 1024 * 1024
	c.MaxJSONBytes = 50 * 1024 * 1024
	return c
}

// Load builds the effective configuration: defaults, then the optional YAML
// file pointed at by CONFIG_FILE (default config.yaml), then environment
// variables.
func Load() (Config, error) {
	c := Default()

	cfgPath := os.Getenv("CONFIG_FILE")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	if data, err := os.ReadFile(cfgPath); err == nil {
		if err := yaml.Unmarshal(data, &c); err != nil {
			return c, fmt.Errorf("config: parsing %s: %w", cfgPath, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return c, fmt.Errorf("config: reading %s: %w", cfgPath, err)
	}

	applyEnv(&c)

	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

func applyEnv(c *Config) {
	envStr(&c.DB.Host, "DB_HOST")
	envInt(&c.DB.Port, "DB_PORT")
	envStr(&c.DB.Name, "DB_NAME")
	envStr(&c.DB.User, "DB_USER")
	envStr(&c.DB.Password, "DB_PASSWORD")
	envStr(&c.DB.SSLMode, "DB_SSLMODE")

	envStr(&c.HTTPAddr, "HTTP_ADDR")
	envInt(&c.TransitPort, "TRANSIT_PORT")

	envStr(&c.ImagesDir, "IMAGES_DIR")
	envStr(&c.CertsDir, "CERTS_DIR")
	envStr(&c.LogDir, "LOG_DIR")
	envStr(&c.LogLevel, "LOG_LEVEL")

	envStr(&c.IngestJSONDir, "INGEST_JSON_DIR")
	envStr(&c.SenderJSONDir, "SENDER_JSON_DIR")
	envStr(&c.SenderPendingDir, "SENDER_PENDING_DIR")
	envStr(&c.SenderFailedDir, "SENDER_FAILED_DIR")

	envBool(&c.Sender.Enabled, "SENDER_ENABLED")
	envInt(&c.Sender.PollIntervalSeconds, "SENDER_POLL_INTERVAL_SECONDS")
	envInt(&c.Sender.MaxBatchSize, "SENDER_MAX_BATCH_SIZE")
	envInt(&c.Sender.DefaultRetryMax, "SENDER_DEFAULT_RETRY_MAX")
	envInt(&c.Sender.DefaultBackoffMs, "SENDER_DEFAULT_BACKOFF_MS")
	envInt(&c.Sender.DefaultTimeoutMs, "SENDER_DEFAULT_TIMEOUT_MS")
	envInt(&c.Sender.BackoffOnFailSec, "SENDER_BACKOFF_ON_FAIL_SEC")

	envStr(&c.Mirror.SrcDir, "MIRROR_SRC_DIR")
	envStr(&c.Mirror.DstDir, "MIRROR_DST_DIR")
	envInt(&c.Mirror.StabilityMs, "MIRROR_STABILITY_MS")
	envInt(&c.Mirror.DebounceMs, "MIRROR_DEBOUNCE_MS")
	envInt(&c.Mirror.CopyMaxTries, "MIRROR_COPY_MAX_TRIES")
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// Validate rejects configurations that would make a worker spin or write to
// nowhere.
func (c Config) Validate() error {
	if c.TransitPort <= 0 || c.TransitPort > 65535 {
		return fmt.Errorf("config: invalid transit_port %d", c.TransitPort)
	}
	if c.Sender.PollIntervalSeconds <= 0 {
		return fmt.Errorf("config: sender poll interval must be positive")
	}
	if c.Sender.MaxBatchSize <= 0 {
		return fmt.Errorf("config: sender max_batch_size must be positive")
	}
	if c.Mirror.ScanMs <= 0 || c.Mirror.DebounceMs < 0 || c.Mirror.StabilityMs <= 0 {
		return fmt.Errorf("config: invalid mirror timings")
	}
	for _, d := range []string{
		c.ImagesDir, c.LogDir, c.IngestJSONDir, c.SenderJSONDir,
		c.SenderPendingDir, c.SenderFailedDir, c.Mirror.DstDir,
	} {
		if d == "" {
			return errors.New("config: empty directory path")
		}
	}
	return nil
}

// EnsureDirs creates every directory the workers write to.
func (c Config) EnsureDirs() error {
	dirs := []string{
		c.ImagesDir, c.LogDir, c.IngestJSONDir, c.SenderJSONDir,
		c.SenderPendingDir, c.SenderFailedDir, c.Mirror.DstDir,
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Clean(d), 0o755); err != nil {
			return fmt.Errorf("config: creating %s: %w", d, err)
		}
	}
	return nil
}

// DatabaseURL assembles the lib/pq connection string.
func (c Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DB.User, c.DB.Password, c.DB.Host, c.DB.Port, c.DB.Name, c.DB.SSLMode)
}

// Durations derived from the integer millisecond/second knobs.

func (c Config) SenderPollInterval() time.Duration {
	return time.Duration(c.Sender.PollIntervalSeconds) * time.Second
}

func (c Config) SenderDefaultBackoff() time.Duration {
	return time.Duration(c.Sender.DefaultBackoffMs) * time.Millisecond
}

func (c Config) MirrorStability() time.Duration {
	return time.Duration(c.Mirror.StabilityMs) * time.Millisecond
}

func (c Config) MirrorDebounce() time.Duration {
	return time.Duration(c.Mirror.DebounceMs) * time.Millisecond
}

func (c Config) MirrorScanInterval() time.Duration {
	return time.Duration(c.Mirror.ScanMs) * time.Millisecond
}

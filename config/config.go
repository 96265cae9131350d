package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// StorageBackend selects the storage adapter.
type StorageBackend string

const (
	StorageLocal StorageBackend = "local"
	StorageS3    StorageBackend = "s3"
)

// MaxBatchConcurrency is the hard ceiling for batch concurrency.
const MaxBatchConcurrency = 1024

// envPrefix is prepended to every environment variable read by FromEnv.
const envPrefix = "IMGOPT_"

// Config is the top-level configuration struct.  Start from Default() and
// override only what you need.
type Config struct {
	// Admission control.
	MemoryBudget int64 `yaml:"memory_budget"` // bytes shared by all concurrent pipelines

	// Thread pool.
	ReservedIOThreads int `yaml:"reserved_io_threads"` // subtracted from available parallelism
	QueueSize         int `yaml:"queue_size"`          // async jobs buffered before backpressure

	// Image Firewall.
	FirewallPolicy string         `yaml:"firewall_policy"` // strict, lenient or none
	PolicyOverride PolicyOverride `yaml:"policy_override"`

	// Default encode options applied when an output request does not override.
	DefaultQuality int    `yaml:"default_quality"` // 1-100
	DefaultFormat  string `yaml:"default_format"`

	// Files at least this large are memory mapped; 0 never maps.
	MapThreshold int64 `yaml:"map_threshold"`

	// Batch concurrency; 0 derives it from the worker count.
	BatchConcurrency int `yaml:"batch_concurrency"`

	// Storage.
	Storage StorageBackend `yaml:"storage"`
	Local   LocalConfig    `yaml:"local"`
	S3      S3Config       `yaml:"s3"`

	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// PolicyOverride replaces individual fields of the named firewall policy.
// A nil field keeps the preset value; a zero value disables that check.
type PolicyOverride struct {
	MaxPixels   *int64         `yaml:"max_pixels"`
	MaxBytes    *int64         `yaml:"max_bytes"`
	Timeout     *time.Duration `yaml:"timeout"`
	MaxICCBytes *int64         `yaml:"max_icc_bytes"`
}

// LocalConfig configures the local filesystem storage adapter.
type LocalConfig struct {
	RootDir     string `yaml:"root_dir"`
	Permissions uint32 `yaml:"permissions"` // default 0644
}

// S3Config configures the AWS S3 storage adapter.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"` // optional custom endpoint (MinIO, etc.)
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// LogConfig selects the default logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// MetricsConfig controls the Prometheus collector.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// Default returns a Config populated with sensible production defaults.
func Default() Config {
	return Config{
		MemoryBudget:      1 << 30,
		ReservedIOThreads: 4,
		QueueSize:         256,
		FirewallPolicy:    "strict",
		DefaultQuality:    85,
		DefaultFormat:     "jpeg",
		MapThreshold:      4 << 20,
		Storage:           StorageLocal,
		Local:             LocalConfig{Permissions: 0o644},
		Log:               LogConfig{Level: "info", Format: "text"},
		Metrics:           MetricsConfig{Namespace: "imgopt"},
	}
}

// Validate returns an error if the configuration is inconsistent.
func Validate(c Config) error {
	if c.MemoryBudget <= 0 {
		return errors.New("config: MemoryBudget must be positive")
	}
	if c.ReservedIOThreads < 0 {
		return errors.New("config: ReservedIOThreads must not be negative")
	}
	if c.DefaultQuality < 1 || c.DefaultQuality > 100 {
		return errors.New("config: DefaultQuality must be between 1 and 100")
	}
	if c.BatchConcurrency < 0 || c.BatchConcurrency > MaxBatchConcurrency {
		return fmt.Errorf("config: BatchConcurrency must be between 0 and %d", MaxBatchConcurrency)
	}
	if c.MapThreshold < 0 {
		return errors.New("config: MapThreshold must not be negative")
	}
	// Matches firewall.Preset: case and surrounding space are ignored and
	// an empty name means strict.
	switch strings.ToLower(strings.TrimSpace(c.FirewallPolicy)) {
	case "strict", "lenient", "none", "":
	default:
		return fmt.Errorf("config: unknown FirewallPolicy %q", c.FirewallPolicy)
	}
	switch c.Storage {
	case StorageLocal, "":
	case StorageS3:
		if c.S3.Bucket == "" {
			return errors.New("config: S3.Bucket is required for s3 storage")
		}
	default:
		return fmt.Errorf("config: unknown Storage %q", c.Storage)
	}
	return nil
}

// LoadFile reads a YAML file on top of Default().
func LoadFile(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// FromEnv overlays IMGOPT_* environment variables on base.  Sizes accept
// plain bytes or a KB/MB/GB suffix.
func FromEnv(base Config) (Config, error) {
	return fromLookup(base, os.LookupEnv)
}

func fromLookup(c Config, lookup func(string) (string, bool)) (Config, error) {
	var errs []error
	get := func(name string) (string, bool) {
		v, ok := lookup(envPrefix + name)
		return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
	}
	setInt := func(name string, dst *int) {
		if v, ok := get(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	setSize := func(name string, dst *int64) {
		if v, ok := get(name); ok {
			n, err := ParseSize(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = n
		}
	}

	setSize("MEMORY_BUDGET", &c.MemoryBudget)
	setSize("MAP_THRESHOLD", &c.MapThreshold)
	setInt("RESERVED_IO_THREADS", &c.ReservedIOThreads)
	setInt("QUEUE_SIZE", &c.QueueSize)
	setInt("DEFAULT_QUALITY", &c.DefaultQuality)
	setInt("BATCH_CONCURRENCY", &c.BatchConcurrency)
	if v, ok := get("FIREWALL_POLICY"); ok {
		c.FirewallPolicy = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := get("DEFAULT_FORMAT"); ok {
		c.DefaultFormat = strings.ToLower(v)
	}
	if v, ok := get("LOG_LEVEL"); ok {
		c.Log.Level = strings.ToLower(v)
	}
	if v, ok := get("LOG_FORMAT"); ok {
		c.Log.Format = strings.ToLower(v)
	}
	if v, ok := get("STORAGE"); ok {
		c.Storage = StorageBackend(strings.ToLower(v))
	}
	if v, ok := get("LOCAL_ROOT"); ok {
		c.Local.RootDir = v
	}
	if v, ok := get("S3_BUCKET"); ok {
		c.S3.Bucket = v
	}
	if v, ok := get("S3_REGION"); ok {
		c.S3.Region = v
	}
	if v, ok := get("S3_ENDPOINT"); ok {
		c.S3.Endpoint = v
	}
	if v, ok := get("METRICS_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sMETRICS_ENABLED: %w", envPrefix, err))
		} else {
			c.Metrics.Enabled = b
		}
	}
	return c, errors.Join(errs...)
}

// ParseSize parses "512", "64KB", "48MB" or "1GB" (binary multiples).
func ParseSize(s string) (int64, error) {
	u := strings.ToUpper(strings.TrimSpace(s))
	mult := int64(1)
	for _, suf := range []struct {
		s string
		m int64
	}{{"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10}, {"B", 1}} {
		if strings.HasSuffix(u, suf.s) {
			u = strings.TrimSpace(strings.TrimSuffix(u, suf.s))
			mult = suf.m
			break
		}
	}
	n, err := strconv.ParseInt(u, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size %q", s)
	}
	if n > math.MaxInt64/mult {
		return 0, fmt.Errorf("size %q overflows int64", s)
	}
	return n * mult, nil
}

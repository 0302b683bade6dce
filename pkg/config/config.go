package config

import (
	"fmt"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"
)

// ByteSize is a datasize.ByteSize with YAML support for human-readable
// forms ("64KB", "1GB").
type ByteSize datasize.ByteSize

// UnmarshalYAML parses a human-readable size string
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	var ds datasize.ByteSize
	if err := ds.UnmarshalText([]byte(raw)); err != nil {
		return fmt.Errorf("invalid size %q: %w", raw, err)
	}
	*b = ByteSize(ds)
	return nil
}

// MarshalYAML emits the canonical human-readable form
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return datasize.ByteSize(b).String(), nil
}

// Bytes returns the size in bytes
func (b ByteSize) Bytes() uint64 { return uint64(b) }

// HumanReadable formats the size for messages
func (b ByteSize) HumanReadable() string { return datasize.ByteSize(b).HumanReadable() }

// Duration is a time.Duration with YAML support for duration strings
// ("30s", "12h").
type Duration time.Duration

// UnmarshalYAML parses a Go duration string
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML emits the duration string
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Compression selects the page body filter.
type Compression string

const (
	CompressionNone   Compression = "none"
	CompressionSnappy Compression = "snappy"
	CompressionZstd   Compression = "zstd"
)

// Config holds all engine configuration
type Config struct {
	// Path is the repository root directory
	Path string `yaml:"path"`

	// BackupPath is the backup staging root; empty disables backup tasks
	BackupPath string `yaml:"backup_path"`

	// Workers is the number of background task workers
	Workers int `yaml:"workers"`

	// PageSize is the uncompressed page size threshold
	PageSize ByteSize `yaml:"page_size"`

	// NodeSize is the node split threshold
	NodeSize ByteSize `yaml:"node_size"`

	// Cache is the total in-memory write budget shared by a store's nodes
	Cache ByteSize `yaml:"cache"`

	// Compression selects the page body filter: none, snappy, zstd
	Compression Compression `yaml:"compression"`

	// Mmap maps node files into memory instead of pread-ing pages
	Mmap bool `yaml:"mmap"`

	// DirectIOAlign pads the page index to this boundary; 0 disables
	DirectIOAlign uint16 `yaml:"direct_io_align"`

	// SyncOnWrite fsyncs the WAL after every append
	SyncOnWrite bool `yaml:"sync_on_write"`

	// SyncOnRotate fsyncs a WAL file when it is rotated out
	SyncOnRotate bool `yaml:"sync_on_rotate"`

	// SyncOnCompaction fsyncs new node files before sealing
	SyncOnCompaction bool `yaml:"sync_on_compaction"`

	// RotateWM is the per-WAL-file record count that triggers rotation
	RotateWM int `yaml:"rotate_wm"`

	// ExpirePeriod drops records older than this; 0 disables expiration
	ExpirePeriod Duration `yaml:"expire_period"`

	// GCThreshold is the duplicate-key ratio (percent) that triggers a GC task
	GCThreshold int `yaml:"gc_threshold"`

	// SchedulerInterval is the planner polling interval
	SchedulerInterval Duration `yaml:"scheduler_interval"`

	// LogLevel is the zerolog level: debug, info, warn, error
	LogLevel string `yaml:"log_level"`
}

// Default returns the engine defaults
func Default() Config {
	return Config{
		Workers:           6,
		PageSize:          ByteSize(64 * datasize.KB),
		NodeSize:          ByteSize(128 * datasize.MB),
		Cache:             ByteSize(512 * datasize.MB),
		Compression:       CompressionNone,
		Mmap:              true,
		SyncOnRotate:      true,
		SyncOnCompaction:  true,
		RotateWM:          500000,
		GCThreshold:       50,
		SchedulerInterval: Duration(time.Second),
		LogLevel:          "info",
	}
}

// Load reads a YAML config file over the defaults
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("config: path is required")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("config: workers must be positive, got %d", c.Workers)
	}
	if c.PageSize == 0 {
		return fmt.Errorf("config: page_size must be positive")
	}
	if c.NodeSize < c.PageSize {
		return fmt.Errorf("config: node_size %s is smaller than page_size %s",
			c.NodeSize.HumanReadable(), c.PageSize.HumanReadable())
	}
	switch c.Compression {
	case CompressionNone, CompressionSnappy, CompressionZstd:
	default:
		return fmt.Errorf("config: unknown compression %q", c.Compression)
	}
	if c.DirectIOAlign != 0 && (c.DirectIOAlign&(c.DirectIOAlign-1)) != 0 {
		return fmt.Errorf("config: direct_io_align must be a power of two, got %d", c.DirectIOAlign)
	}
	if c.RotateWM <= 0 {
		return fmt.Errorf("config: rotate_wm must be positive, got %d", c.RotateWM)
	}
	if c.GCThreshold < 0 || c.GCThreshold > 100 {
		return fmt.Errorf("config: gc_threshold must be a percentage, got %d", c.GCThreshold)
	}
	return nil
}

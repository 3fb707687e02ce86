package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/evidentia-io/evidentia/retry"
	"github.com/evidentia-io/evidentia/upload"
)

// Config represents an evidentia.yaml configuration file.
// All values are optional and act as defaults for evidentia capture flags.
// CLI flags always override config values.
type Config struct {
	// ClientIdentity is chained into the first custody stage.
	ClientIdentity string          `yaml:"client_identity"`
	Capture        CaptureConfig   `yaml:"capture"`
	Custody        CustodyConfig   `yaml:"custody"`
	Storage        StorageConfig   `yaml:"storage"`
	Upload         UploadConfig    `yaml:"upload"`
	Timestamp      TimestampConfig `yaml:"timestamp"`
	Adapter        AdapterConfig   `yaml:"adapter"`
}

// CaptureConfig holds capture defaults from the config file.
type CaptureConfig struct {
	// SpoolDir is the fragment spool directory. Empty keeps fragments
	// in memory.
	SpoolDir string `yaml:"spool_dir"`
	// MediaKind is the storage object name for the media stream.
	MediaKind string `yaml:"media_kind"`
}

// CustodyConfig holds chain-of-custody defaults from the config file.
type CustodyConfig struct {
	// PageLoadTimeout bounds the forced-refresh load wait.
	PageLoadTimeout Duration `yaml:"page_load_timeout"`
	// MinDisabledRatio is the partial-isolation acceptance threshold.
	MinDisabledRatio float64 `yaml:"min_disabled_ratio"`
}

// StorageConfig holds storage defaults from the config file.
type StorageConfig struct {
	Bucket      string `yaml:"bucket"`
	Prefix      string `yaml:"prefix"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// UploadConfig holds upload scheduler defaults from the config file.
type UploadConfig struct {
	MinPartBytes int64    `yaml:"min_part_bytes"`
	MaxAttempts  uint     `yaml:"max_attempts"`
	BaseDelay    Duration `yaml:"base_delay"`
	Multiplier   float64  `yaml:"multiplier"`
	MaxDelay     Duration `yaml:"max_delay"`
}

// TimestampConfig holds timestamping authority defaults.
type TimestampConfig struct {
	// AuthorityURL is the trust timestamp authority endpoint. Empty
	// always uses the local clock fallback.
	AuthorityURL string   `yaml:"authority_url"`
	Timeout      Duration `yaml:"timeout"`
}

// AdapterConfig holds broadcast adapter defaults from the config file.
type AdapterConfig struct {
	Type    string            `yaml:"type"` // webhook, redis, or empty
	URL     string            `yaml:"url"`
	Channel string            `yaml:"channel,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Validate checks cross-field constraints. Zero values are legal; they
// fall back to package defaults at wiring time.
func (c *Config) Validate() error {
	if c.Custody.MinDisabledRatio < 0 || c.Custody.MinDisabledRatio > 1 {
		return fmt.Errorf("custody.min_disabled_ratio must be in [0,1], got %v", c.Custody.MinDisabledRatio)
	}
	if c.Upload.Multiplier != 0 && c.Upload.Multiplier < 1 {
		return fmt.Errorf("upload.multiplier must be >= 1, got %v", c.Upload.Multiplier)
	}
	if c.Upload.MinPartBytes < 0 {
		return fmt.Errorf("upload.min_part_bytes must be >= 0, got %d", c.Upload.MinPartBytes)
	}
	switch c.Adapter.Type {
	case "", "webhook", "redis":
	default:
		return fmt.Errorf("adapter.type must be webhook or redis, got %q", c.Adapter.Type)
	}
	if c.Adapter.Type != "" && c.Adapter.URL == "" {
		return errors.New("adapter.url is required when adapter.type is set")
	}
	return nil
}

// RetryPolicy builds the upload retry schedule, falling back to the
// package defaults for unset fields.
func (c *Config) RetryPolicy() retry.Policy {
	p := retry.Default()
	if c.Upload.MaxAttempts > 0 {
		p.MaxAttempts = c.Upload.MaxAttempts
	}
	if c.Upload.BaseDelay.Duration > 0 {
		p.BaseDelay = c.Upload.BaseDelay.Duration
	}
	if c.Upload.Multiplier >= 1 {
		p.Multiplier = c.Upload.Multiplier
	}
	if c.Upload.MaxDelay.Duration > 0 {
		p.MaxDelay = c.Upload.MaxDelay.Duration
	}
	return p
}

// S3Config builds the storage coordinator configuration.
func (c *Config) S3Config() upload.S3Config {
	return upload.S3Config{
		Bucket:       c.Storage.Bucket,
		Prefix:       c.Storage.Prefix,
		Region:       c.Storage.Region,
		Endpoint:     c.Storage.Endpoint,
		UsePathStyle: c.Storage.S3PathStyle,
	}
}

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// PollConfig sets the poll interval of each surface
type PollConfig struct {
	Conversation time.Duration `yaml:"conversation"`
	Inbox        time.Duration `yaml:"inbox"`
	Group        time.Duration `yaml:"group"`
}

// DedupConfig tunes message identity derivation
type DedupConfig struct {
	PrefixLength int           `yaml:"prefix_length"`
	Bucket       time.Duration `yaml:"bucket"`
}

// Config is the lacchat configuration file
type Config struct {
	Server   string      `yaml:"server"`
	Profile  string      `yaml:"profile"`
	LogLevel string      `yaml:"log_level"`
	Notify   bool        `yaml:"notify"`
	Poll     PollConfig  `yaml:"poll"`
	Dedup    DedupConfig `yaml:"dedup"`
	Media    MediaConfig `yaml:"media"`
}

func defaultProfileDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "lacchat", "default")
}

// DefaultConfig returns the settings used when no file overrides them
func DefaultConfig() *Config {
	return &Config{
		Server:   "http://127.0.0.1:8765",
		Profile:  defaultProfileDir(),
		LogLevel: "info",
		Notify:   true,
		Poll: PollConfig{
			Conversation: DefaultConversationInterval,
			Inbox:        DefaultInboxInterval,
			Group:        DefaultGroupInterval,
		},
		Dedup: DedupConfig{
			PrefixLength: defaultPrefixLength,
			Bucket:       defaultBucket,
		},
		Media: DefaultMediaConfig(),
	}
}

// LoadConfig reads path over the defaults. A missing file is not an error
// when path is empty.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with
func (c *Config) Validate() error {
	if c.Server == "" {
		return errors.New("config: server is required")
	}
	if c.Poll.Conversation <= 0 || c.Poll.Inbox <= 0 || c.Poll.Group <= 0 {
		return errors.New("config: poll intervals must be positive")
	}
	if c.Dedup.PrefixLength <= 0 {
		return errors.New("config: dedup.prefix_length must be positive")
	}
	if c.Dedup.Bucket < time.Second || c.Dedup.Bucket%time.Second != 0 {
		return errors.New("config: dedup.bucket must be a whole number of seconds, at least 1s")
	}
	if c.Media.MaxUploadSize <= 0 {
		return errors.New("config: media.max_upload_size must be positive")
	}
	if c.Media.UploadTimeout <= 0 {
		return errors.New("config: media.upload_timeout must be positive")
	}
	if c.Media.RetryDelay <= 0 {
		return errors.New("config: media.retry_delay must be positive")
	}
	if c.Media.MaxAttempts < 1 {
		return errors.New("config: media.max_attempts must be at least 1")
	}
	if c.Media.JPEGQuality < 1 || c.Media.JPEGQuality > 100 {
		return errors.New("config: media.jpeg_quality must be within 1-100")
	}
	return nil
}

// Keyer returns the dedup key function configured in c
func (c *Config) Keyer() Keyer {
	return Keyer{PrefixLength: c.Dedup.PrefixLength, Bucket: c.Dedup.Bucket}
}

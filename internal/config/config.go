package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"tree-inventory/internal/hash"
	"tree-inventory/internal/manifest"
	"tree-inventory/internal/walker"
)

// DefaultSidecar is the manifest file name written at a tree root.
const DefaultSidecar = manifest.DefaultSidecar

type Config struct {
	Exclude          []string `yaml:"exclude"`
	Algorithm        string   `yaml:"algorithm"`
	Workers          int      `yaml:"workers"`
	Symlinks         string   `yaml:"symlinks"`
	ErrorMode        string   `yaml:"error_mode"`
	Sidecar          string   `yaml:"sidecar"`
	ReadRetries      int      `yaml:"read_retries"`
	MinDuplicateSize int64    `yaml:"min_duplicate_size"`

	// CheckpointInterval is how often an unfinished calculation is saved. Zero disables it.
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
}

func DefaultConfig() *Config {
	return &Config{
		Exclude: []string{
			".git/",
			".svn/",
			"node_modules/",
			"__pycache__/",
			"*.tmp",
			"*.swp",
			".DS_Store",
			"Thumbs.db",
		},
		Algorithm:          string(hash.XXH64),
		Symlinks:           string(walker.SymlinkSkip),
		ErrorMode:          string(manifest.Strict),
		Sidecar:            DefaultSidecar,
		ReadRetries:        hash.AutoRetries,
		MinDuplicateSize:   1,
		CheckpointInterval: time.Minute,
	}
}

// LoadConfig reads a YAML config file. A missing file yields DefaultConfig;
// keys absent from the file keep their default values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, errors.WithMessage(err, "failed to read config file")
	}

	cfg := DefaultConfig()
	cfg.Exclude = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.WithMessage(err, "failed to parse config YAML")
	}

	// Initialize Exclude slice if nil (for empty configs)
	if cfg.Exclude == nil {
		cfg.Exclude = []string{}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects unknown enum values and out-of-range numbers.
func (c *Config) Validate() error {
	if _, err := hash.ParseAlgorithm(c.Algorithm); err != nil {
		return errors.WithMessage(err, "invalid config")
	}
	if _, err := walker.ParseSymlinkPolicy(c.Symlinks); err != nil {
		return errors.WithMessage(err, "invalid config")
	}
	if _, err := manifest.ParseErrorMode(c.ErrorMode); err != nil {
		return errors.WithMessage(err, "invalid config")
	}
	if c.Workers < 0 {
		return errors.Errorf("invalid config: workers must not be negative, got %d", c.Workers)
	}
	if c.ReadRetries < hash.AutoRetries {
		return errors.Errorf("invalid config: read_retries must be -1 (auto) or more, got %d", c.ReadRetries)
	}
	if c.CheckpointInterval < 0 {
		return errors.Errorf("invalid config: checkpoint_interval must not be negative, got %s", c.CheckpointInterval)
	}
	if c.MinDuplicateSize < 0 {
		return errors.Errorf("invalid config: min_duplicate_size must not be negative, got %d", c.MinDuplicateSize)
	}
	return nil
}

// Lenient reports whether unreadable entries degrade a subtree instead of failing the build.
func (c *Config) Lenient() bool {
	return manifest.ErrorMode(c.ErrorMode) == manifest.Lenient
}

// SidecarName returns the configured sidecar file name, falling back to the default.
func (c *Config) SidecarName() string {
	if c.Sidecar == "" {
		return DefaultSidecar
	}
	return c.Sidecar
}

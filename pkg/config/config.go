package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/dd0wney/cluso-lsmfold/pkg/logging"
	"github.com/dd0wney/cluso-lsmfold/pkg/lsm"
	"github.com/dd0wney/cluso-lsmfold/pkg/metrics"
)

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir:         "data",
			MemTableSize:    4 * 1024 * 1024,
			CacheSize:       64 * 1024,
			AutoCompaction:  true,
			Level0FileLimit: 4,
			LevelSizeRatio:  10.0,
			MaxLevels:       7,
		},
		Fold: FoldConfig{
			InboxSize: 256,
		},
		Remote: RemoteConfig{
			RecvTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file, fills in defaults for omitted fields
// and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	// A file-based config must name its own data directory; only the
	// no-file default gets the relative fallback
	cfg.Storage.DataDir = ""
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults restores defaults for fields the file zeroed out, so a
// partial config section never disables a subsystem by accident
func (c *Config) applyDefaults() {
	def := Default()
	if c.Storage.MemTableSize == 0 {
		c.Storage.MemTableSize = def.Storage.MemTableSize
	}
	if c.Storage.CacheSize == 0 {
		c.Storage.CacheSize = def.Storage.CacheSize
	}
	if c.Storage.Level0FileLimit == 0 {
		c.Storage.Level0FileLimit = def.Storage.Level0FileLimit
	}
	if c.Storage.LevelSizeRatio == 0 {
		c.Storage.LevelSizeRatio = def.Storage.LevelSizeRatio
	}
	if c.Storage.MaxLevels == 0 {
		c.Storage.MaxLevels = def.Storage.MaxLevels
	}
	if c.Fold.InboxSize == 0 {
		c.Fold.InboxSize = def.Fold.InboxSize
	}
	if c.Remote.RecvTimeout == 0 {
		c.Remote.RecvTimeout = def.Remote.RecvTimeout
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
}

// Validate checks the whole configuration tree
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			e := errs[0]
			return fmt.Errorf("config: field %s failed %q validation (value %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// LogLevel parses the configured logging level
func (c *Config) LogLevel() logging.Level {
	return logging.ParseLevel(c.Logging.Level)
}

// EngineOptions translates the storage section into engine options
func (c *Config) EngineOptions(logger logging.Logger, reg *metrics.Registry) lsm.Options {
	return lsm.Options{
		DataDir:      c.Storage.DataDir,
		MemTableSize: c.Storage.MemTableSize,
		CacheSize:    c.Storage.CacheSize,
		CompactionStrategy: &lsm.LeveledCompactionStrategy{
			Level0FileLimit: c.Storage.Level0FileLimit,
			SizeRatio:       c.Storage.LevelSizeRatio,
			MaxLevels:       c.Storage.MaxLevels,
		},
		EnableAutoCompaction: c.Storage.AutoCompaction,
		Logger:               logger,
		Metrics:              reg,
	}
}

package config

import "time"

// Config is the full configuration tree for the storage engine, its
// fold coordinator and the optional remote source listener
type Config struct {
	Storage StorageConfig `yaml:"storage" validate:"required"`
	Fold    FoldConfig    `yaml:"fold"`
	Remote  RemoteConfig  `yaml:"remote"`
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig configures the LSM engine
type StorageConfig struct {
	DataDir         string  `yaml:"data_dir" validate:"required"`
	MemTableSize    int     `yaml:"memtable_size_bytes" validate:"gte=1024"`
	CacheSize       int     `yaml:"cache_size" validate:"gte=0"`
	AutoCompaction  bool    `yaml:"auto_compaction"`
	Level0FileLimit int     `yaml:"level0_file_limit" validate:"gte=2"`
	LevelSizeRatio  float64 `yaml:"level_size_ratio" validate:"gt=1"`
	MaxLevels       int     `yaml:"max_levels" validate:"gte=2,lte=16"`
}

// FoldConfig configures fold coordinators created by the engine
type FoldConfig struct {
	InboxSize    int `yaml:"inbox_size" validate:"gte=1"`
	MaxPerSource int `yaml:"max_per_source" validate:"gte=0"`
}

// RemoteConfig configures the remote source transport. An empty
// ListenAddr disables the listener.
type RemoteConfig struct {
	ListenAddr  string        `yaml:"listen_addr" validate:"omitempty,uri"`
	DialAddr    string        `yaml:"dial_addr" validate:"omitempty,uri"`
	RecvTimeout time.Duration `yaml:"recv_timeout" validate:"gte=0"`
}

// LoggingConfig configures structured logging output
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
}

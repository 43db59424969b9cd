package colstore

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config is the file-based equivalent of the functional options, for
// deployments that tune the engine from a YAML file.
type Config struct {
	Storage struct {
		Sync        string `mapstructure:"sync"` // "every", "bytes", "off"
		SyncBytes   int    `mapstructure:"sync_bytes"`
		WALPath     string `mapstructure:"wal_path"`
		CachePages  uint32 `mapstructure:"cache_pages"`
		MaxPages    uint64 `mapstructure:"max_pages"`
		Compression bool   `mapstructure:"compression"`
	} `mapstructure:"storage"`

	Columns struct {
		ChunkMax int `mapstructure:"chunk_max"`
	} `mapstructure:"columns"`
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("storage.sync", "every")
	v.SetDefault("storage.sync_bytes", 1024*1024)
	v.SetDefault("storage.cache_pages", 4096)
	v.SetDefault("storage.compression", true)
	v.SetDefault("columns.chunk_max", pageCapacity/4)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Options converts the config into functional options.
func (c *Config) Options() ([]TableOption, error) {
	var opts []TableOption

	switch c.Storage.Sync {
	case "every", "":
		opts = append(opts, WithSyncEveryAppend())
	case "bytes":
		opts = append(opts, WithSyncBytes(c.Storage.SyncBytes))
	case "off":
		opts = append(opts, WithSyncOff())
	default:
		return nil, fmt.Errorf("unknown sync mode %q", c.Storage.Sync)
	}

	if c.Storage.WALPath != "" {
		opts = append(opts, WithWALPath(c.Storage.WALPath))
	}
	if c.Storage.CachePages > 0 {
		opts = append(opts, WithCachePages(c.Storage.CachePages))
	}
	if c.Storage.MaxPages > 0 {
		opts = append(opts, WithMaxPages(c.Storage.MaxPages))
	}
	if !c.Storage.Compression {
		opts = append(opts, WithCodec(NoCompression()))
	}
	if c.Columns.ChunkMax > 0 {
		opts = append(opts, WithAttrChunkMax(c.Columns.ChunkMax))
	}
	return opts, nil
}

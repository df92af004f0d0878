// Package config holds the storage engine configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete storage engine configuration.
type Config struct {
	// DataDir is the root directory for the backing store files.
	DataDir string `yaml:"data_dir"`

	// StoreBaseName is the base name for store files and shard tables.
	// Store files are named <base>_<storeId>.db and attached under the
	// alias <base>_<storeId>; shard tables are named <base>_<tableId>.
	StoreBaseName string `yaml:"store_base_name"`

	// TablesPerStore is the number of shard tables pre-created in each
	// store. A new store is created once every slot is in use.
	TablesPerStore int `yaml:"tables_per_store"`

	// PoolSize is the number of backing-store connections held by the
	// engine. Each connection sees every attached store.
	PoolSize int `yaml:"pool_size"`

	// Purge configures the purge engine.
	Purge PurgeConfig `yaml:"purge"`

	// Retention configures the scheduled purge pass run by the daemon.
	Retention RetentionConfig `yaml:"retention"`
}

// PurgeConfig tunes the adaptive block deletion loop.
type PurgeConfig struct {
	// TargetBlockTime is the delete duration the block sizer aims for.
	TargetBlockTime time.Duration `yaml:"target_block_time"`

	// MinBlockSize and MaxBlockSize bound the block size after any
	// recalculation.
	MinBlockSize int `yaml:"min_block_size"`
	MaxBlockSize int `yaml:"max_block_size"`

	// Granularity rounds the recalculated block size.
	Granularity int `yaml:"granularity"`

	// RecalcBlocks is the number of blocks between size recalculations.
	RecalcBlocks int `yaml:"recalc_blocks"`

	// SlowBlockThreshold triggers a proportional sleep after any single
	// block whose delete takes longer than this.
	SlowBlockThreshold time.Duration `yaml:"slow_block_threshold"`

	// Archive configures the optional parquet archive of purged rows.
	Archive ArchiveConfig `yaml:"archive"`
}

// ArchiveConfig configures archiving of purged rows.
type ArchiveConfig struct {
	// Enabled turns on archiving. When set, every purge pass writes the
	// rows it deletes to a parquet file before deleting them.
	Enabled bool `yaml:"enabled"`

	// Dir is the archive directory. Defaults to <DataDir>/archive.
	Dir string `yaml:"dir"`

	// Compression is the parquet compression algorithm:
	// zstd, snappy, lz4, gzip or none.
	Compression string `yaml:"compression"`
}

// RetentionConfig configures the scheduled purge pass.
type RetentionConfig struct {
	// AgeHours is the retention horizon in hours. Zero means "remove the
	// oldest slice", computed from the data present at purge time.
	AgeHours uint64 `yaml:"age_hours"`

	// Interval is the time between scheduled purge passes. Zero disables
	// the scheduler.
	Interval time.Duration `yaml:"interval"`

	// RetainUnsent bounds each pass at the sent watermark so rows not yet
	// acknowledged downstream are never purged.
	RetainUnsent bool `yaml:"retain_unsent"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir:        "data",
		StoreBaseName:  "readings",
		TablesPerStore: 15,
		PoolSize:       5,
		Purge: PurgeConfig{
			TargetBlockTime:    70 * time.Millisecond,
			MinBlockSize:       20,
			MaxBlockSize:       1500,
			Granularity:        5,
			RecalcBlocks:       30,
			SlowBlockThreshold: 150 * time.Millisecond,
			Archive: ArchiveConfig{
				Compression: "zstd",
			},
		},
		Retention: RetentionConfig{
			AgeHours:     72,
			Interval:     time.Hour,
			RetainUnsent: true,
		},
	}
}

// Load reads a YAML configuration file and applies defaults to any field
// left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// StorePath returns the file path of a store.
func (c *Config) StorePath(storeID int) string {
	return filepath.Join(c.DataDir, fmt.Sprintf("%s_%d.db", c.StoreBaseName, storeID))
}

// StoreAlias returns the attach alias of a store.
func (c *Config) StoreAlias(storeID int) string {
	return fmt.Sprintf("%s_%d", c.StoreBaseName, storeID)
}

// TableName returns the name of a shard table.
func (c *Config) TableName(tableID int) string {
	return fmt.Sprintf("%s_%d", c.StoreBaseName, tableID)
}

// ArchiveDir returns the archive directory.
func (c *Config) ArchiveDir() string {
	if c.Purge.Archive.Dir != "" {
		return c.Purge.Archive.Dir
	}
	return filepath.Join(c.DataDir, "archive")
}

// EnsureDirectories creates the directories the engine needs.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir}
	if c.Purge.Archive.Enabled {
		dirs = append(dirs, c.ArchiveDir())
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

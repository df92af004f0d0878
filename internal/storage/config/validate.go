package config

import (
	"errors"
	"fmt"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	// DataDir
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}

	if c.StoreBaseName == "" {
		errs = append(errs, errors.New("store_base_name is required"))
	}

	if c.TablesPerStore <= 0 {
		errs = append(errs, errors.New("tables_per_store must be positive"))
	}

	if c.PoolSize <= 0 {
		errs = append(errs, errors.New("pool_size must be positive"))
	}

	// Purge
	if err := c.Purge.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("purge: %w", err))
	}

	// Retention
	if err := c.Retention.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retention: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the purge configuration.
func (c *PurgeConfig) Validate() error {
	var errs []error

	if c.TargetBlockTime <= 0 {
		errs = append(errs, errors.New("target_block_time must be positive"))
	}

	if c.MinBlockSize <= 0 {
		errs = append(errs, errors.New("min_block_size must be positive"))
	}

	if c.MaxBlockSize < c.MinBlockSize {
		errs = append(errs, errors.New("max_block_size must be >= min_block_size"))
	}

	if c.Granularity <= 0 {
		errs = append(errs, errors.New("granularity must be positive"))
	}

	if c.RecalcBlocks <= 0 {
		errs = append(errs, errors.New("recalc_blocks must be positive"))
	}

	if c.Archive.Enabled {
		switch c.Archive.Compression {
		case "", "none", "zstd", "snappy", "lz4", "gzip":
		default:
			errs = append(errs, fmt.Errorf("archive: unknown compression %q", c.Archive.Compression))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the retention configuration.
func (c *RetentionConfig) Validate() error {
	if c.Interval < 0 {
		return errors.New("interval must not be negative")
	}
	return nil
}

// Package config provides daemon-level configuration defaults for the
// readingstore application.
//
// Engine tuning lives in internal/storage/config; this package only
// holds the knobs of the readingstored process itself.
package config

import "time"

const (
	// DefaultConfigPath is where readingstored looks for its YAML
	// configuration when -config is not given.
	DefaultConfigPath = "readingstore.yaml"

	// DefaultShutdownTimeout bounds how long a shutdown waits for
	// in-flight writes to drain and the global id counter to commit.
	DefaultShutdownTimeout = 30 * time.Second

	// DefaultLogLevel is the slog level used when -log-level is not
	// given. One of debug, info, warn, error.
	DefaultLogLevel = "info"
)

// Package config holds runtime settings for the upload queue and loads them
// from defaults, an optional JSON file, and command-line flags, in that
// order, later sources winning.
package config

import "time"

// Config holds runtime settings for the recording upload queue.
//
// Units: durations are time.Duration (e.g., 3*time.Second); ChunkSize is in
// bytes.
type Config struct {
	// DatabaseDSN is the SQLite DSN of the local queue database.
	DatabaseDSN string

	// StorageEndpoint is the resumable-upload endpoint of the remote object
	// store.
	StorageEndpoint string

	// StorageBucket is the bucket recordings are uploaded into.
	StorageBucket string

	// ThreadEndpoint is the base URL of the conversation-thread service.
	ThreadEndpoint string

	// ChunkSize is the transfer chunk size in bytes.
	ChunkSize int64

	// BaseRetryDelay seeds the per-item exponential backoff.
	BaseRetryDelay time.Duration

	// MaxRetryDelay caps the per-item exponential backoff.
	MaxRetryDelay time.Duration

	// MaxUploadAttempts is the ceiling after which an item is retried only
	// on explicit user action.
	MaxUploadAttempts int

	// OnlineCheckInterval is how often the reachability watcher probes.
	OnlineCheckInterval time.Duration
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.DatabaseDSN = "medvoice.db"
	c.StorageEndpoint = "http://127.0.0.1:9000/upload/resumable"
	c.StorageBucket = "recordings"
	c.ThreadEndpoint = "http://127.0.0.1:8080/api"
	c.ChunkSize = 6 * 1024 * 1024
	c.BaseRetryDelay = 1 * time.Second
	c.MaxRetryDelay = 60 * time.Second
	c.MaxUploadAttempts = 10
	c.OnlineCheckInterval = 3 * time.Second
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON (if present) and command-line flags (if present). Later sources take
// precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}

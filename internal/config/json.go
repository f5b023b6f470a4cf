package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/medvoice/internal/flagx"
	"github.com/dmitrijs2005/medvoice/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. It relies on
// timex.Duration so JSON can specify intervals either as strings like "3s"
// or as integer nanoseconds. After parsing, values are copied into the
// runtime Config.
type JsonConfig struct {
	DatabaseDSN         string         `json:"database_dsn"`
	StorageEndpoint     string         `json:"storage_endpoint"`
	StorageBucket       string         `json:"storage_bucket"`
	ThreadEndpoint      string         `json:"thread_endpoint"`
	ChunkSize           int64          `json:"chunk_size"`
	BaseRetryDelay      timex.Duration `json:"base_retry_delay"`
	MaxRetryDelay       timex.Duration `json:"max_retry_delay"`
	MaxUploadAttempts   int            `json:"max_upload_attempts"`
	OnlineCheckInterval timex.Duration `json:"online_check_interval"`
}

// parseJson overlays Config with values loaded from a JSON file.
//
// Lookup order for the JSON file path:
//  1. Command-line flags (-c or -config) via flagx.JsonConfigFlags().
//  2. If empty, no JSON is loaded and the function returns.
//
// Only fields present (non-zero) in the file override the defaults.
// Panics on read or unmarshal errors (caller should recover if desired).
func parseJson(cfg *Config) {
	// Resolve file path from flags.
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	if jc.DatabaseDSN != "" {
		cfg.DatabaseDSN = jc.DatabaseDSN
	}
	if jc.StorageEndpoint != "" {
		cfg.StorageEndpoint = jc.StorageEndpoint
	}
	if jc.StorageBucket != "" {
		cfg.StorageBucket = jc.StorageBucket
	}
	if jc.ThreadEndpoint != "" {
		cfg.ThreadEndpoint = jc.ThreadEndpoint
	}
	if jc.ChunkSize > 0 {
		cfg.ChunkSize = jc.ChunkSize
	}
	if jc.BaseRetryDelay.Duration > 0 {
		cfg.BaseRetryDelay = jc.BaseRetryDelay.Duration
	}
	if jc.MaxRetryDelay.Duration > 0 {
		cfg.MaxRetryDelay = jc.MaxRetryDelay.Duration
	}
	if jc.MaxUploadAttempts > 0 {
		cfg.MaxUploadAttempts = jc.MaxUploadAttempts
	}
	if jc.OnlineCheckInterval.Duration > 0 {
		cfg.OnlineCheckInterval = jc.OnlineCheckInterval.Duration
	}
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dmitrijs2005/mentorsync/internal/flagx"
	"github.com/dmitrijs2005/mentorsync/internal/timex"
)

// JsonConfig is the on-disk shape of the configuration file. Durations accept
// both "30s"-style strings and integer nanoseconds. Zero values leave the
// current setting untouched.
type JsonConfig struct {
	EndpointAddrHTTP   string         `json:"endpoint_addr_http"`
	DatabaseDSN        string         `json:"database_dsn"`
	LogLevel           string         `json:"log_level"`
	MigrateOnStart     *bool          `json:"migrate_on_start"`
	S3RootUser         string         `json:"s3_root_user"`
	S3RootPassword     string         `json:"s3_root_password"`
	S3Bucket           string         `json:"s3_bucket"`
	S3Region           string         `json:"s3_region"`
	S3BaseEndpoint     string         `json:"s3_base_endpoint"`
	PhotoMaxBytes      int64          `json:"photo_max_bytes"`
	SyncMode           string         `json:"sync_mode"`
	WorkerPollInterval timex.Duration `json:"worker_poll_interval"`
	WorkerBatchSize    int            `json:"worker_batch_size"`
	WorkerMaxAttempts  int            `json:"worker_max_attempts"`
	WorkerStuckAfter   timex.Duration `json:"worker_stuck_after"`
	WorkerRetryBase    timex.Duration `json:"worker_retry_base"`
	WorkerRetryMax     timex.Duration `json:"worker_retry_max"`
	CutoverLockTimeout timex.Duration `json:"cutover_lock_timeout"`
	ArchiveGracePeriod timex.Duration `json:"archive_grace_period"`
}

// parseJson overlays the file named by -c/-config, if any. A missing or
// malformed file is a startup error and panics.
func parseJson(config *Config) {
	path := flagx.JsonConfigFlags()
	if path == "" {
		return
	}
	if err := LoadFile(config, path); err != nil {
		panic(err)
	}
}

// LoadFile overlays the JSON file at path onto config.
func LoadFile(config *Config, path string) error {
	file, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	setString(&config.EndpointAddrHTTP, c.EndpointAddrHTTP)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.LogLevel, c.LogLevel)
	if c.MigrateOnStart != nil {
		config.MigrateOnStart = *c.MigrateOnStart
	}
	setString(&config.S3RootUser, c.S3RootUser)
	setString(&config.S3RootPassword, c.S3RootPassword)
	setString(&config.S3Bucket, c.S3Bucket)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3BaseEndpoint, c.S3BaseEndpoint)
	setString(&config.SyncMode, c.SyncMode)

	if c.PhotoMaxBytes > 0 {
		config.PhotoMaxBytes = c.PhotoMaxBytes
	}
	if c.WorkerBatchSize > 0 {
		config.WorkerBatchSize = c.WorkerBatchSize
	}
	if c.WorkerMaxAttempts > 0 {
		config.WorkerMaxAttempts = c.WorkerMaxAttempts
	}

	setDuration(&config.WorkerPollInterval, c.WorkerPollInterval)
	setDuration(&config.WorkerStuckAfter, c.WorkerStuckAfter)
	setDuration(&config.WorkerRetryBase, c.WorkerRetryBase)
	setDuration(&config.WorkerRetryMax, c.WorkerRetryMax)
	setDuration(&config.CutoverLockTimeout, c.CutoverLockTimeout)
	setDuration(&config.ArchiveGracePeriod, c.ArchiveGracePeriod)

	return nil
}

func setDuration(dst *time.Duration, v timex.Duration) {
	if v.Duration > 0 {
		*dst = v.Duration
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

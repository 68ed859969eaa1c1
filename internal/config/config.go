// Package config loads PracticeSync engine configuration from a YAML file
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kimhsiao/practicesync/backend/internal/models"
)

// RemoteConfig configures the connection to the authoritative backend.
type RemoteConfig struct {
	// BaseURL of the backend REST API, e.g. "https://api.example.com".
	BaseURL string `yaml:"base_url" json:"base_url"`
	// ProbePath is the side-effect-free reachability endpoint.
	ProbePath string `yaml:"probe_path" json:"probe_path"`
	// TimeoutSeconds bounds every remote call. A timeout is retryable.
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// SyncConfig tunes queue backoff and drain behavior.
type SyncConfig struct {
	// BackoffBaseMS is the base delay; attempt n waits base * 2^n.
	BackoffBaseMS int `yaml:"backoff_base_ms" json:"backoff_base_ms"`
	// BackoffMaxMS caps the computed delay.
	BackoffMaxMS int `yaml:"backoff_max_ms" json:"backoff_max_ms"`
	// MaxAttempts is the dead-letter ceiling.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
	// Concurrency bounds in-flight deliveries across distinct entities.
	Concurrency int `yaml:"concurrency" json:"concurrency"`
	// ProbeIntervalSeconds paces the reachability poll loop.
	ProbeIntervalSeconds int `yaml:"probe_interval_seconds" json:"probe_interval_seconds"`
	// PeriodicDrainSeconds triggers background drains; 0 disables.
	PeriodicDrainSeconds int `yaml:"periodic_drain_seconds" json:"periodic_drain_seconds"`
}

// BackupConfig tunes the periodic local snapshot.
type BackupConfig struct {
	// IntervalHours between automatic backups; 0 disables them.
	IntervalHours int `yaml:"interval_hours" json:"interval_hours"`
	// RetentionCount is how many archives to keep; 0 keeps all.
	RetentionCount int `yaml:"retention_count" json:"retention_count"`
	// Dir is where archives land.
	Dir string `yaml:"dir" json:"dir"`
	// Encrypt seals archives with the machine key.
	Encrypt bool `yaml:"encrypt" json:"encrypt"`
}

// Config is the root configuration for the local companion process.
type Config struct {
	DataDir    string                `yaml:"data_dir" json:"data_dir"`
	ListenAddr string                `yaml:"listen_addr" json:"listen_addr"`
	MachineID  string                `yaml:"machine_id" json:"machine_id"`
	Session    models.SessionContext `yaml:"session" json:"session"`
	Remote     RemoteConfig          `yaml:"remote" json:"remote"`
	Sync       SyncConfig            `yaml:"sync" json:"sync"`
	Backup     BackupConfig          `yaml:"backup" json:"backup"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:    "./data",
		ListenAddr: "localhost:8090",
		Remote: RemoteConfig{
			ProbePath:      "/api/health",
			TimeoutSeconds: 15,
		},
		Sync: SyncConfig{
			BackoffBaseMS:        1000,
			BackoffMaxMS:         60000,
			MaxAttempts:          5,
			Concurrency:          4,
			ProbeIntervalSeconds: 30,
			PeriodicDrainSeconds: 300,
		},
		Backup: BackupConfig{
			RetentionCount: 7,
			Dir:            "./backups",
			Encrypt:        true,
		},
	}
}

// BackupInterval returns the automatic backup interval; zero disables.
func (c *Config) BackupInterval() time.Duration {
	return time.Duration(c.Backup.IntervalHours) * time.Hour
}

// Load reads configuration from path (optional) and applies environment
// overrides. A missing file is not an error; the defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays PRACTICESYNC_* environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("PRACTICESYNC_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("PRACTICESYNC_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("PRACTICESYNC_MACHINE_ID"); v != "" {
		cfg.MachineID = v
	}
	if v := os.Getenv("PRACTICESYNC_BASE_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := os.Getenv("PRACTICESYNC_TENANT_ID"); v != "" {
		cfg.Session.TenantID = v
	}
	if v := os.Getenv("PRACTICESYNC_PRACTICE_ID"); v != "" {
		cfg.Session.PracticeID = v
	}
	if v := os.Getenv("PRACTICESYNC_USER_ID"); v != "" {
		cfg.Session.UserID = v
	}
	if v := os.Getenv("PRACTICESYNC_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Sync.MaxAttempts = n
		}
	}
	if v := os.Getenv("PRACTICESYNC_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Sync.Concurrency = n
		}
	}
}

// validate applies lower bounds so a bad file cannot disable retries
// entirely or spin the probe loop.
func (c *Config) validate() error {
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("sync.max_attempts must be at least 1")
	}
	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("sync.concurrency must be at least 1")
	}
	if c.Sync.BackoffBaseMS < 1 {
		return fmt.Errorf("sync.backoff_base_ms must be positive")
	}
	if c.Sync.BackoffMaxMS < c.Sync.BackoffBaseMS {
		return fmt.Errorf("sync.backoff_max_ms must be >= backoff_base_ms")
	}
	if c.Sync.ProbeIntervalSeconds < 1 {
		return fmt.Errorf("sync.probe_interval_seconds must be at least 1")
	}
	return nil
}

// RemoteTimeout returns the per-call timeout as a duration.
func (c *Config) RemoteTimeout() time.Duration {
	return time.Duration(c.Remote.TimeoutSeconds) * time.Second
}

// BackoffBase returns the backoff base as a duration.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.Sync.BackoffBaseMS) * time.Millisecond
}

// BackoffMax returns the backoff cap as a duration.
func (c *Config) BackoffMax() time.Duration {
	return time.Duration(c.Sync.BackoffMaxMS) * time.Millisecond
}

// ProbeInterval returns the reachability poll interval.
func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.Sync.ProbeIntervalSeconds) * time.Second
}

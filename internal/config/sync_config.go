package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SyncConfig holds synchronization tuning
type SyncConfig struct {
	// ============ CACHE LOAD ============
	PageSize int `yaml:"page_size" json:"page_size"`

	// ============ OFFLINE QUEUE ============
	MaxRetries int `yaml:"max_retries" json:"max_retries"` // attempts past this ceiling are permanent failures

	// ============ SCHEDULING ============
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
	PingTimeout         time.Duration `yaml:"ping_timeout" json:"ping_timeout"`
	AutoSyncEnabled     bool          `yaml:"auto_sync_enabled" json:"auto_sync_enabled"`
	AutoSyncInterval    time.Duration `yaml:"auto_sync_interval" json:"auto_sync_interval"`
	SyncOnStartup       bool          `yaml:"sync_on_startup" json:"sync_on_startup"`
	DrainOnReconnect    bool          `yaml:"drain_on_reconnect" json:"drain_on_reconnect"`

	// ============ LIVE CHECK ============
	LiveTimeout    time.Duration `yaml:"live_timeout" json:"live_timeout"`
	LiveMaxRetries int           `yaml:"live_max_retries" json:"live_max_retries"`
	LiveBackoff    time.Duration `yaml:"live_backoff" json:"live_backoff"`

	// ============ CONFLICTS ============
	AuditCap int `yaml:"audit_cap" json:"audit_cap"`

	// ============ COUNTERS ============
	CounterKeys []string `yaml:"counter_keys" json:"counter_keys"`
}

// LoadSyncConfig returns defaults overlaid with the file at path, if any.
// JSON files are accepted since JSON is valid YAML.
func LoadSyncConfig(path string) (*SyncConfig, error) {
	cfg := DefaultSyncConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sync config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse sync config %s: %w", path, err)
	}
	cfg.normalize()
	return cfg, nil
}

// DefaultSyncConfig returns default sync configuration
func DefaultSyncConfig() *SyncConfig {
	return &SyncConfig{
		PageSize:   getIntEnv("SYNC_PAGE_SIZE", 1000),
		MaxRetries: getIntEnv("SYNC_MAX_RETRIES", 5),

		HealthCheckInterval: getDurationEnv("SYNC_HEALTH_INTERVAL", 30*time.Second),
		PingTimeout:         getDurationEnv("SYNC_PING_TIMEOUT", 5*time.Second),
		AutoSyncEnabled:     getBoolEnv("SYNC_AUTO_ENABLED", true),
		AutoSyncInterval:    getDurationEnv("SYNC_AUTO_INTERVAL", 5*time.Minute),
		SyncOnStartup:       getBoolEnv("SYNC_ON_STARTUP", true),
		DrainOnReconnect:    getBoolEnv("SYNC_DRAIN_ON_RECONNECT", true),

		LiveTimeout:    getDurationEnv("SYNC_LIVE_TIMEOUT", 3*time.Second),
		LiveMaxRetries: getIntEnv("SYNC_LIVE_RETRIES", 2),
		LiveBackoff:    getDurationEnv("SYNC_LIVE_BACKOFF", 200*time.Millisecond),

		AuditCap: getIntEnv("SYNC_AUDIT_CAP", 200),

		CounterKeys: []string{"labels"},
	}
}

// normalize replaces nonsensical file values with defaults
func (c *SyncConfig) normalize() {
	def := DefaultSyncConfig()
	if c.PageSize <= 0 {
		c.PageSize = def.PageSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = def.HealthCheckInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = def.PingTimeout
	}
	if c.AutoSyncInterval <= 0 {
		c.AutoSyncInterval = def.AutoSyncInterval
	}
	if c.LiveTimeout <= 0 {
		c.LiveTimeout = def.LiveTimeout
	}
	if c.LiveMaxRetries < 0 {
		c.LiveMaxRetries = def.LiveMaxRetries
	}
	if c.AuditCap <= 0 {
		c.AuditCap = def.AuditCap
	}
}

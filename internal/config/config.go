package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	AppEnv     string
	Port       string
	JWTSecret  string
	LogLevel   string
	FacilityID string
	FacilityTZ string

	RemoteDriver string // memory, odoo, postgres
	Odoo         OdooConfig
	Database     DatabaseConfig

	BackstopDriver string // memory, badger, sqlite
	BackstopPath   string

	SyncConfigPath string
}

// OdooConfig holds the XML-RPC connection settings
type OdooConfig struct {
	URL      string
	Database string
	Username string
	Password string
	Timeout  time.Duration
}

// DatabaseConfig holds the PostgreSQL settings of the postgres remote driver
type DatabaseConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	Database string
	SSLMode  string
	// Embedded runs a private server under DataPath instead of dialing Host
	Embedded bool
	DataPath string
	MaxConns int
	// ConnectTimeout bounds the wait for the server to accept connections
	ConnectTimeout time.Duration
	Alter          bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		AppEnv:     getEnv("APP_ENV", "development"),
		Port:       getEnv("PORT", "3210"),
		JWTSecret:  os.Getenv("JWT_SECRET"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		FacilityID: os.Getenv("FACILITY_ID"),
		FacilityTZ: getEnv("FACILITY_TZ", "America/Sao_Paulo"),

		RemoteDriver: getEnv("REMOTE_DRIVER", "memory"),
		Odoo: OdooConfig{
			URL:      os.Getenv("ODOO_URL"),
			Database: os.Getenv("ODOO_DB"),
			Username: os.Getenv("ODOO_USER"),
			Password: os.Getenv("ODOO_PASSWORD"),
			Timeout:  getDurationEnv("ODOO_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:           getEnv("PG_HOST", "localhost"),
			Port:           getEnv("PG_PORT", "5432"),
			Username:       getEnv("PG_USERNAME", "postgres"),
			Password:       os.Getenv("PG_PASSWORD"),
			Database:       getEnv("PG_DATABASE", "eckaddr"),
			SSLMode:        getEnv("PG_SSLMODE", "disable"),
			Embedded:       getBoolEnv("PG_EMBEDDED", false),
			DataPath:       getEnv("PG_DATA_PATH", "./db_data"),
			MaxConns:       getIntEnv("PG_MAX_CONNS", 20),
			ConnectTimeout: getDurationEnv("PG_CONNECT_TIMEOUT", 30*time.Second),
			Alter:          getBoolEnv("DB_ALTER", false),
		},

		BackstopDriver: getEnv("BACKSTOP_DRIVER", "badger"),
		BackstopPath:   getEnv("BACKSTOP_PATH", "./backstop_data"),

		SyncConfigPath: os.Getenv("SYNC_CONFIG_PATH"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that have no usable default
func (c *Config) Validate() error {
	if c.FacilityID == "" {
		return fmt.Errorf("FACILITY_ID is required")
	}
	if _, err := time.LoadLocation(c.FacilityTZ); err != nil {
		return fmt.Errorf("FACILITY_TZ %q: %w", c.FacilityTZ, err)
	}
	switch c.RemoteDriver {
	case "memory", "postgres":
	case "odoo":
		if c.Odoo.URL == "" || c.Odoo.Database == "" {
			return fmt.Errorf("ODOO_URL and ODOO_DB are required for the odoo driver")
		}
	default:
		return fmt.Errorf("unknown REMOTE_DRIVER %q", c.RemoteDriver)
	}
	switch c.BackstopDriver {
	case "memory", "badger", "sqlite":
	default:
		return fmt.Errorf("unknown BACKSTOP_DRIVER %q", c.BackstopDriver)
	}
	return nil
}

// Location returns the facility timezone, UTC if it cannot be loaded
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.FacilityTZ)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsDevelopment reports whether console logging should be used
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// getEnv gets environment variable with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.Atoi(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

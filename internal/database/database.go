// Package database opens the PostgreSQL connection behind the postgres
// remote driver, starting a private embedded server when configured.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/xelth-com/eckaddr/internal/config"
)

const (
	embeddedPort     = 5433
	embeddedPassword = "postgres"
	pingTimeout      = 5 * time.Second
)

// Options scope a connection to one facility.
type Options struct {
	// Facility is tagged into application_name so pg_stat_activity shows
	// which service instance holds a connection.
	Facility string
	// TimeZone is the session zone; the stored functions stamp rows with
	// now() in it.
	TimeZone string
	Logger   zerolog.Logger
}

// DB is an open gorm connection, plus the embedded server it runs on if
// any.
type DB struct {
	*gorm.DB
	embedded *embeddedpostgres.EmbeddedPostgres
	log      zerolog.Logger
}

// Connect opens the database and waits, up to cfg.ConnectTimeout, for it
// to accept connections.
func Connect(ctx context.Context, cfg config.DatabaseConfig, opts Options) (*DB, error) {
	log := opts.Logger.With().Str("component", "database").Logger()

	var embedded *embeddedpostgres.EmbeddedPostgres
	if cfg.Embedded {
		var err error
		if embedded, err = startEmbedded(cfg, log); err != nil {
			return nil, err
		}
		cfg.Host = "localhost"
		cfg.Port = strconv.Itoa(embeddedPort)
		cfg.Password = embeddedPassword
		cfg.SSLMode = "disable"
	} else {
		log.Info().Str("host", cfg.Host).Str("port", cfg.Port).Str("database", cfg.Database).Msg("🌐 Connecting to PostgreSQL")
	}

	level := logger.Warn
	if cfg.Alter {
		level = logger.Info
	}
	db, err := gorm.Open(postgres.Open(DSN(cfg, opts)), &gorm.Config{
		Logger:               logger.Default.LogMode(level),
		NowFunc:              func() time.Time { return time.Now().UTC() },
		DisableAutomaticPing: true,
	})
	if err == nil {
		var sqlDB *sql.DB
		if sqlDB, err = db.DB(); err == nil {
			configurePool(sqlDB, cfg.MaxConns)
			err = waitReady(ctx, sqlDB, cfg.ConnectTimeout, log)
			if err != nil {
				sqlDB.Close()
			}
		}
	}
	if err != nil {
		if embedded != nil {
			_ = embedded.Stop()
		}
		return nil, fmt.Errorf("connect to database %s: %w", cfg.Database, err)
	}

	log.Info().Str("database", cfg.Database).Str("facility", opts.Facility).Bool("embedded", embedded != nil).Msg("✅ Database connection established")
	return &DB{DB: db, embedded: embedded, log: log}, nil
}

// Close closes the pool, then stops the embedded server.
func (db *DB) Close() error {
	var err error
	if sqlDB, derr := db.DB.DB(); derr == nil {
		err = sqlDB.Close()
	}
	if db.embedded != nil {
		db.log.Info().Msg("🛑 Stopping embedded PostgreSQL")
		if serr := db.embedded.Stop(); serr != nil && err == nil {
			err = serr
		}
	}
	return err
}

// DSN renders cfg as a keyword/value connection string. Values are quoted
// per libpq rules.
func DSN(cfg config.DatabaseConfig, opts Options) string {
	sslmode := cfg.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	params := [][2]string{
		{"host", cfg.Host},
		{"port", cfg.Port},
		{"user", cfg.Username},
		{"password", cfg.Password},
		{"dbname", cfg.Database},
		{"sslmode", sslmode},
		{"application_name", applicationName(opts.Facility)},
		{"TimeZone", opts.TimeZone},
	}
	parts := make([]string, 0, len(params))
	for _, kv := range params {
		if kv[1] == "" {
			continue
		}
		parts = append(parts, kv[0]+"="+quote(kv[1]))
	}
	return strings.Join(parts, " ")
}

func applicationName(facility string) string {
	if facility == "" {
		return "eckaddr"
	}
	return "eckaddr-" + strings.ToLower(facility)
}

func quote(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

func configurePool(sqlDB *sql.DB, maxConns int) {
	if maxConns <= 0 {
		maxConns = 20
	}
	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetMaxIdleConns(max(2, maxConns/4))
	sqlDB.SetConnMaxLifetime(time.Hour)
}

// waitReady pings with exponential backoff until the server answers or
// timeout elapses. A zero timeout tries once.
func waitReady(ctx context.Context, sqlDB *sql.DB, timeout time.Duration, log zerolog.Logger) error {
	ping := func() error {
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		return sqlDB.PingContext(pctx)
	}
	if timeout <= 0 {
		return ping()
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 200 * time.Millisecond
	eb.MaxInterval = 5 * time.Second
	eb.MaxElapsedTime = timeout
	return backoff.RetryNotify(ping, backoff.WithContext(eb, ctx), func(err error, wait time.Duration) {
		log.Warn().Err(err).Dur("retry_in", wait).Msg("⏳ PostgreSQL not ready")
	})
}

func startEmbedded(cfg config.DatabaseConfig, log zerolog.Logger) (*embeddedpostgres.EmbeddedPostgres, error) {
	if portInUse(embeddedPort) {
		return nil, fmt.Errorf("embedded postgres: port %d is already taken; stop the other server or set PG_EMBEDDED=false", embeddedPort)
	}
	startTimeout := cfg.ConnectTimeout
	if startTimeout <= 0 {
		startTimeout = 30 * time.Second
	}

	log.Info().Str("path", cfg.DataPath).Int("port", embeddedPort).Msg("📦 Starting embedded PostgreSQL")
	ep := embeddedpostgres.NewDatabase(embeddedpostgres.DefaultConfig().
		DataPath(filepath.Join(cfg.DataPath, "data")).
		RuntimePath(filepath.Join(cfg.DataPath, "runtime")).
		Port(uint32(embeddedPort)).
		Database(cfg.Database).
		Username(cfg.Username).
		Password(embeddedPassword).
		StartTimeout(startTimeout).
		Logger(log.With().Str("source", "postgres").Logger()))
	if err := ep.Start(); err != nil {
		return nil, fmt.Errorf("start embedded postgres: %w", err)
	}
	return ep, nil
}

func portInUse(port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

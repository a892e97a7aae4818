package storage

import (
	"errors"
	"strings"
	"time"

	"github.com/noetl/noetl/internal/config"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute
	defaultSchema          = "noetl"
)

var (
	// ErrDatabaseURLEmpty is returned when the database url is an empty string.
	ErrDatabaseURLEmpty = errors.New("database URL cannot be empty")
)

// Config holds PostgreSQL connection configuration with production-ready defaults.
//
// The application DSN (NOETL_DATABASE_URL) is used for all runtime stores; the
// admin DSN (NOETL_ADMIN_DATABASE_URL) is only consumed by the migrator for
// schema bootstrap and falls back to the application DSN when unset.
type Config struct {
	databaseURL     string
	adminURL        string
	Schema          string        // PostgreSQL schema holding all noetl tables
	MaxOpenConns    int           // Maximum number of open connections
	MaxIdleConns    int           // Maximum number of idle connections
	ConnMaxLifetime time.Duration // Maximum lifetime of connections
	ConnMaxIdleTime time.Duration // Maximum idle time for connections
}

// LoadConfig loads PostgreSQL configuration from environment variables with
// fallback to defaults.
func LoadConfig() *Config {
	databaseURL := config.GetEnvStr("NOETL_DATABASE_URL", "")

	return &Config{
		databaseURL:     databaseURL, // databaseURL is private: it carries credentials.
		adminURL:        config.GetEnvStr("NOETL_ADMIN_DATABASE_URL", databaseURL),
		Schema:          config.GetEnvStr("NOETL_SCHEMA", defaultSchema),
		MaxOpenConns:    config.GetEnvInt("NOETL_DATABASE_MAX_OPEN_CONNS", defaultMaxOpenConns),
		MaxIdleConns:    config.GetEnvInt("NOETL_DATABASE_MAX_IDLE_CONNS", defaultMaxIdleConns),
		ConnMaxLifetime: config.GetEnvDuration("NOETL_DATABASE_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
		ConnMaxIdleTime: config.GetEnvDuration("NOETL_DATABASE_CONN_MAX_IDLE_TIME", defaultConnMaxIdleTime),
	}
}

// Validate checks if the PostgreSQL configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.databaseURL) == "" {
		return ErrDatabaseURLEmpty
	}

	return nil
}

// DatabaseURL returns the application DSN with the configured schema pinned
// via search_path, so that all store queries resolve unqualified table names
// inside the noetl schema.
func (c *Config) DatabaseURL() string {
	return appendSearchPath(c.databaseURL, c.Schema)
}

// AdminURL returns the schema-bootstrap DSN (no search_path manipulation; the
// migrator qualifies the schema itself).
func (c *Config) AdminURL() string {
	return c.adminURL
}

// appendSearchPath appends a search_path query parameter to a postgres:// URL.
func appendSearchPath(url, schema string) string {
	if url == "" || schema == "" {
		return url
	}

	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}

	return url + sep + "search_path=" + schema + ",public"
}

// MaskDatabaseURL returns a masked DSN safe for logging.
func (c *Config) MaskDatabaseURL() string {
	return maskURL(c.databaseURL)
}

func maskURL(raw string) string {
	if raw == "" {
		return ""
	}

	schemeEnd := strings.Index(raw, "://")
	if schemeEnd == -1 {
		return raw
	}

	afterScheme := raw[schemeEnd+3:]

	lastAtIndex := strings.LastIndex(afterScheme, "@")
	if lastAtIndex == -1 {
		// No userinfo present
		return raw
	}

	userInfo := afterScheme[:lastAtIndex]

	colonIndex := strings.Index(userInfo, ":")
	if colonIndex == -1 {
		// No password
		return raw
	}

	username := userInfo[:colonIndex]
	if userInfo[colonIndex+1:] == "" {
		// Empty password, nothing to mask
		return raw
	}

	return raw[:schemeEnd] + "://" + username + ":***" + afterScheme[lastAtIndex:]
}

package main

import (
	"fmt"
	"net/url"

	"github.com/noetl/noetl/internal/config"
)

// Config holds the migrator settings. The admin URL takes precedence so
// schema changes can run under a privileged role while the server itself
// connects with a restricted one.
type Config struct {
	DatabaseURL    string
	MigrationTable string
}

// LoadConfig reads NOETL_ADMIN_DATABASE_URL (falling back to
// NOETL_DATABASE_URL) and NOETL_MIGRATION_TABLE from the environment.
func LoadConfig() (*Config, error) {
	dsn := config.GetEnvStr("NOETL_ADMIN_DATABASE_URL", "")
	if dsn == "" {
		dsn = config.GetEnvStr("NOETL_DATABASE_URL", "")
	}

	cfg := &Config{
		DatabaseURL:    dsn,
		MigrationTable: config.GetEnvStr("NOETL_MIGRATION_TABLE", "schema_migrations"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that required settings are present.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("NOETL_ADMIN_DATABASE_URL or NOETL_DATABASE_URL must be set")
	}

	if c.MigrationTable == "" {
		return fmt.Errorf("NOETL_MIGRATION_TABLE cannot be empty")
	}

	return nil
}

// String renders the configuration with the password masked, safe for logs.
func (c *Config) String() string {
	return fmt.Sprintf("Config{DatabaseURL: %s, MigrationTable: %s}",
		maskDatabaseURL(c.DatabaseURL), c.MigrationTable)
}

func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "(unparseable)"
	}

	return u.Redacted()
}

package main

import (
	"strings"
	"testing"
)

func TestLoadConfigRequiresDatabaseURL(t *testing.T) {
	t.Setenv("NOETL_ADMIN_DATABASE_URL", "")
	t.Setenv("NOETL_DATABASE_URL", "")

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error when no database URL is set")
	}
}

func TestLoadConfigAdminURLTakesPrecedence(t *testing.T) {
	t.Setenv("NOETL_ADMIN_DATABASE_URL", "postgres://admin:secret@db:5432/noetl")
	t.Setenv("NOETL_DATABASE_URL", "postgres://app:secret@db:5432/noetl")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if !strings.Contains(cfg.DatabaseURL, "admin") {
		t.Errorf("expected admin URL, got %s", maskDatabaseURL(cfg.DatabaseURL))
	}
}

func TestLoadConfigFallsBackToAppURL(t *testing.T) {
	t.Setenv("NOETL_ADMIN_DATABASE_URL", "")
	t.Setenv("NOETL_DATABASE_URL", "postgres://app:secret@db:5432/noetl")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if cfg.MigrationTable != "schema_migrations" {
		t.Errorf("MigrationTable = %q, want schema_migrations", cfg.MigrationTable)
	}
}

func TestMaskDatabaseURL(t *testing.T) {
	masked := maskDatabaseURL("postgres://user:hunter2@db:5432/noetl")

	if strings.Contains(masked, "hunter2") {
		t.Errorf("masked URL still contains password: %s", masked)
	}

	if !strings.Contains(masked, "user") {
		t.Errorf("masked URL lost username: %s", masked)
	}
}

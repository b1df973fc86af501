package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/multidirectory/multidirectory/internal/bytesize"
	"github.com/multidirectory/multidirectory/pkg/store"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoad_NoConfigFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load with missing file should fall back to defaults, got: %v", err)
	}

	if cfg.Server.Port != 389 {
		t.Errorf("Expected default port 389, got %d", cfg.Server.Port)
	}
	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default level INFO, got %q", cfg.Logging.Level)
	}
	if cfg.Database.Type != store.DatabaseTypeSQLite {
		t.Errorf("Expected sqlite default, got %q", cfg.Database.Type)
	}
}

func TestLoad_FromFile(t *testing.T) {
	path := writeConfigFile(t, `
logging:
  level: debug
  format: json
server:
  host: 127.0.0.1
  port: 3890
  workers: 5
  max_message_size: 1Mi
  approx_as_equality: true
database:
  dsn: ":memory:"
api:
  port: 8080
  secret_key: test-secret
  access_token_ttl: 15m
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Expected DEBUG (normalized), got %q", cfg.Logging.Level)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 3890 {
		t.Errorf("Unexpected listener settings: %s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	if cfg.Server.Workers != 5 {
		t.Errorf("Expected 5 workers, got %d", cfg.Server.Workers)
	}
	if cfg.Server.MaxMessageSize != bytesize.MiB {
		t.Errorf("Expected 1Mi max message size, got %d", cfg.Server.MaxMessageSize)
	}
	if !cfg.Server.ApproxAsEquality {
		t.Error("Expected approx_as_equality to be set from file")
	}
	if cfg.API.AccessTokenTTL != 15*time.Minute {
		t.Errorf("Expected 15m token ttl, got %s", cfg.API.AccessTokenTTL)
	}
	if cfg.Database.Type != store.DatabaseTypeSQLite {
		t.Errorf("Expected sqlite inferred from dsn, got %q", cfg.Database.Type)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
server:
  port: 3890
`)
	t.Setenv("MD_SERVER_PORT", "10389")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 10389 {
		t.Errorf("Expected env to override file, got port %d", cfg.Server.Port)
	}
}

func TestLoad_CompatEnvNames(t *testing.T) {
	t.Setenv("HOST", "0.0.0.0")
	t.Setenv("PORT", "1389")
	t.Setenv("POSTGRES_URI", "postgres://md:md@localhost:5432/md")
	t.Setenv("SECRET_KEY", "compat-secret")
	t.Setenv("MFA_TIMEOUT_SECONDS", "90")
	t.Setenv("ACCESS_TOKEN_EXPIRE_MINUTES", "45")
	t.Setenv("VENDOR_NAME", "MultiDirectory")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" || cfg.Server.Port != 1389 {
		t.Errorf("Compat HOST/PORT not applied: %s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	if cfg.Database.DSN != "postgres://md:md@localhost:5432/md" {
		t.Errorf("Compat POSTGRES_URI not applied: %q", cfg.Database.DSN)
	}
	if cfg.Database.Type != store.DatabaseTypePostgres {
		t.Errorf("Expected postgres inferred from URI, got %q", cfg.Database.Type)
	}
	if cfg.API.SecretKey != "compat-secret" {
		t.Errorf("Compat SECRET_KEY not applied: %q", cfg.API.SecretKey)
	}
	if cfg.MFA.Timeout != 90*time.Second {
		t.Errorf("Compat MFA_TIMEOUT_SECONDS not applied: %s", cfg.MFA.Timeout)
	}
	if cfg.API.AccessTokenTTL != 45*time.Minute {
		t.Errorf("Compat ACCESS_TOKEN_EXPIRE_MINUTES not applied: %s", cfg.API.AccessTokenTTL)
	}
}

func TestLoad_InvalidConfigRejected(t *testing.T) {
	path := writeConfigFile(t, `
logging:
  level: loud
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Expected validation error for invalid log level")
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Server.Port = 3890
	cfg.Database.DSN = ":memory:"

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("saved config missing: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("Expected 0600 permissions, got %v", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("reloading saved config failed: %v", err)
	}
	if loaded.Server.Port != 3890 {
		t.Errorf("Expected port 3890 after round trip, got %d", loaded.Server.Port)
	}
	if loaded.Database.DSN != ":memory:" {
		t.Errorf("Expected dsn to survive round trip, got %q", loaded.Database.DSN)
	}
}

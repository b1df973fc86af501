package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/multidirectory/multidirectory/internal/bytesize"
	"github.com/multidirectory/multidirectory/pkg/store"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
func ApplyDefaults(cfg *Config) {
	applyCompatDurations(cfg)
	applyLoggingDefaults(&cfg.Logging)
	applyShutdownTimeoutDefaults(cfg)
	applyServerDefaults(&cfg.Server)
	applyDatabaseDefaults(&cfg.Database)
	applyAPIDefaults(&cfg.API)
	applyMFADefaults(&cfg.MFA)
	applyVendorDefaults(&cfg.Vendor)
}

// applyCompatDurations reads the numeric compatibility environment names.
// ACCESS_TOKEN_EXPIRE_MINUTES and MFA_TIMEOUT_SECONDS predate the duration
// fields and only apply when those fields are unset.
func applyCompatDurations(cfg *Config) {
	if cfg.API.AccessTokenTTL == 0 {
		if minutes, err := strconv.Atoi(os.Getenv("ACCESS_TOKEN_EXPIRE_MINUTES")); err == nil && minutes > 0 {
			cfg.API.AccessTokenTTL = time.Duration(minutes) * time.Minute
		}
	}
	if cfg.MFA.Timeout == 0 {
		if seconds, err := strconv.Atoi(os.Getenv("MFA_TIMEOUT_SECONDS")); err == nil && seconds > 0 {
			cfg.MFA.Timeout = time.Duration(seconds) * time.Second
		}
	}
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyShutdownTimeoutDefaults sets shutdown timeout defaults.
func applyShutdownTimeoutDefaults(cfg *Config) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// applyServerDefaults sets LDAP listener defaults.
func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Port == 0 {
		if cfg.TLS {
			cfg.Port = 636
		} else {
			cfg.Port = 389
		}
	}
	if cfg.Workers == 0 {
		cfg.Workers = 3
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = 16 * bytesize.MiB
	}
}

// applyDatabaseDefaults sets directory store defaults. The backend type is
// inferred from the DSN when unset: postgres URIs select the postgres
// dialector, everything else is treated as a sqlite path.
func applyDatabaseDefaults(cfg *store.Config) {
	if cfg.Type == "" {
		if strings.HasPrefix(cfg.DSN, "postgres://") || strings.HasPrefix(cfg.DSN, "postgresql://") {
			cfg.Type = store.DatabaseTypePostgres
		} else {
			cfg.Type = store.DatabaseTypeSQLite
		}
	}
	if cfg.DSN == "" && cfg.Type == store.DatabaseTypeSQLite {
		cfg.DSN = "multidirectory.db"
	}
	cfg.ApplyDefaults()
}

// applyAPIDefaults sets HTTP side-channel defaults.
func applyAPIDefaults(cfg *APIConfig) {
	if cfg.Port == 0 {
		cfg.Port = 8000
	}
	if cfg.AccessTokenTTL == 0 {
		cfg.AccessTokenTTL = 30 * time.Minute
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
}

// applyMFADefaults sets multifactor defaults.
func applyMFADefaults(cfg *MFAConfig) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
}

// applyVendorDefaults sets the root DSE vendor identity defaults.
func applyVendorDefaults(cfg *VendorConfig) {
	if cfg.Name == "" {
		cfg.Name = "MultiDirectory"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Database: store.Config{
			Type: store.DatabaseTypeSQLite, // Default to SQLite for single-node
		},
	}

	ApplyDefaults(cfg)
	return cfg
}

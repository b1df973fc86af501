package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/multidirectory/multidirectory/internal/bytesize"
	"github.com/multidirectory/multidirectory/pkg/store"
)

// Config represents the MultiDirectory configuration.
//
// This structure captures the static configuration aspects of the server:
//   - Logging configuration
//   - LDAP listener settings (address, TLS, limits)
//   - Database connection (PostgreSQL or SQLite)
//   - HTTP API settings (admin tokens, multifactor callback)
//   - Multifactor provider endpoint
//   - Vendor identity reported on the root DSE
//
// Dynamic configuration (the directory tree, users, groups, network and
// password policies, multifactor credentials) lives in the database and is
// managed over LDAP and the HTTP API.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (MD_* plus the compatibility names)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Server configures the LDAP listener
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Database configures the directory store (PostgreSQL or SQLite)
	Database store.Config `mapstructure:"database" yaml:"database"`

	// API configures the HTTP side channel (admin tokens, multifactor
	// callback and websocket, health, metrics)
	API APIConfig `mapstructure:"api" yaml:"api"`

	// MFA configures the external multifactor provider. An empty APIURI
	// disables the second factor.
	MFA MFAConfig `mapstructure:"mfa" yaml:"mfa"`

	// Vendor is the identity reported on the root DSE
	Vendor VendorConfig `mapstructure:"vendor" yaml:"vendor"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// ServerConfig configures the LDAP listener.
type ServerConfig struct {
	// Host is the address to bind. Empty binds all interfaces.
	// Override: MD_SERVER_HOST or HOST
	Host string `mapstructure:"host" yaml:"host"`

	// Port is the LDAP listener port.
	// Default: 389 (636 is conventional when TLS is enabled)
	// Override: MD_SERVER_PORT or PORT
	Port int `mapstructure:"port" validate:"required,min=1,max=65535" yaml:"port"`

	// MaxConnections limits concurrent client connections. 0 is unlimited.
	MaxConnections int `mapstructure:"max_connections" validate:"omitempty,gte=0" yaml:"max_connections"`

	// Workers is the number of concurrent operation workers per connection.
	// Default: 3
	Workers int `mapstructure:"workers" validate:"omitempty,gte=1" yaml:"workers"`

	// MaxMessageSize bounds a single request frame.
	// Supports human-readable sizes: "16MB", "1Mi"
	// Default: 16MiB
	MaxMessageSize bytesize.ByteSize `mapstructure:"max_message_size" yaml:"max_message_size,omitempty"`

	// TLS serves LDAPS: every connection is TLS from the first byte.
	// When false, clients can still negotiate TLS via StartTLS as long
	// as a certificate is configured.
	// Override: MD_SERVER_TLS or USE_CORE_TLS
	TLS bool `mapstructure:"tls" yaml:"tls"`

	// CertFile and KeyFile are the PEM certificate and key used for
	// LDAPS and StartTLS.
	// Override: MD_SERVER_CERT_FILE / SSL_CERT, MD_SERVER_KEY_FILE / SSL_KEY
	CertFile string `mapstructure:"cert_file" yaml:"cert_file,omitempty"`
	KeyFile  string `mapstructure:"key_file" yaml:"key_file,omitempty"`

	// AllowAnonymousBind permits binds with an empty name and password.
	// Default: false
	AllowAnonymousBind bool `mapstructure:"allow_anonymous_bind" yaml:"allow_anonymous_bind"`

	// ApproxAsEquality serves `~=` filters as a plain equality match. The
	// default keeps the inequality reading legacy clients rely on to probe
	// absent values; either way a warning is logged when such a filter
	// arrives.
	// Default: false
	ApproxAsEquality bool `mapstructure:"approx_as_equality" yaml:"approx_as_equality"`
}

// APIConfig configures the HTTP side channel.
type APIConfig struct {
	// Port is the HTTP listener port.
	// Default: 8000
	Port int `mapstructure:"port" validate:"required,min=1,max=65535" yaml:"port"`

	// SecretKey signs admin access tokens. Required when the API serves
	// authenticated routes.
	// Override: MD_API_SECRET_KEY or SECRET_KEY
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key,omitempty"`

	// AccessTokenTTL is the lifetime of an admin access token.
	// Default: 30m
	// Override (minutes): ACCESS_TOKEN_EXPIRE_MINUTES
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl" validate:"omitempty,gt=0" yaml:"access_token_ttl"`

	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`

	// Metrics controls whether GET /metrics is served.
	// Default: true
	Metrics bool `mapstructure:"metrics" yaml:"metrics"`
}

// MFAConfig configures the external multifactor provider.
type MFAConfig struct {
	// APIURI is the provider endpoint. Empty disables the second factor.
	// Override: MD_MFA_API_URI or MFA_API_URI
	APIURI string `mapstructure:"api_uri" validate:"omitempty,url" yaml:"api_uri,omitempty"`

	// Timeout is how long a bind waits for the second factor.
	// Default: 60s
	// Override (seconds): MFA_TIMEOUT_SECONDS
	Timeout time.Duration `mapstructure:"timeout" validate:"omitempty,gt=0" yaml:"timeout"`

	// CallbackURL is the externally reachable URL of POST /multifactor/create,
	// handed to the provider with each challenge.
	CallbackURL string `mapstructure:"callback_url" validate:"omitempty,url" yaml:"callback_url,omitempty"`
}

// VendorConfig is the identity reported on the root DSE. The database
// settings override these when present.
type VendorConfig struct {
	// Override: VENDOR_NAME
	Name string `mapstructure:"name" yaml:"name"`

	// Override: VENDOR_VERSION
	Version string `mapstructure:"version" yaml:"version"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (MD_* plus compatibility names)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	// Read configuration file if it exists. A missing file is fine: the
	// environment and defaults still apply.
	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// SaveConfig saves the configuration to the specified file path.
// The configuration is saved in YAML format using proper yaml tags.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Config files may contain the API secret key, keep them private.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the MD_ prefix with underscores.
	// Example: MD_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("MD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Booleans that default to true cannot use the zero value.
	v.SetDefault("api.metrics", true)

	bindCompatEnv(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// bindCompatEnv wires the flat environment names carried over from earlier
// deployments next to the MD_* names. Explicit BindEnv also makes the keys
// visible to Unmarshal when no config file sets them.
func bindCompatEnv(v *viper.Viper) {
	bindings := map[string][]string{
		"logging.level":               nil,
		"logging.format":              nil,
		"logging.output":              nil,
		"shutdown_timeout":            nil,
		"server.host":                 {"HOST"},
		"server.port":                 {"PORT"},
		"server.max_connections":      nil,
		"server.workers":              nil,
		"server.max_message_size":     nil,
		"server.tls":                  {"USE_CORE_TLS"},
		"server.cert_file":            {"SSL_CERT"},
		"server.key_file":             {"SSL_KEY"},
		"server.allow_anonymous_bind": nil,
		"server.approx_as_equality":   nil,
		"database.type":               nil,
		"database.dsn":                {"POSTGRES_URI"},
		"database.max_open_conns":     nil,
		"database.max_idle_conns":     nil,
		"api.port":                    nil,
		"api.secret_key":              {"SECRET_KEY"},
		"api.metrics":                 nil,
		"mfa.api_uri":                 {"MFA_API_URI"},
		"mfa.callback_url":            nil,
		"vendor.name":                 {"VENDOR_NAME"},
		"vendor.version":              {"VENDOR_VERSION"},
	}
	for key, compat := range bindings {
		names := append([]string{key}, compat...)
		_ = v.BindEnv(names...)
	}

	// Duration fields with numeric compatibility names are parsed in
	// ApplyDefaults from these raw values.
	_ = v.BindEnv("api.access_token_ttl")
	_ = v.BindEnv("mfa.timeout")
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// configDecodeHooks returns a combined decode hook for all custom types.
// This includes ByteSize and time.Duration parsing.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook returns a mapstructure decode hook that converts strings
// and integers to bytesize.ByteSize. This enables config files to use
// human-readable sizes like "16Mi", "1MB", or plain numbers.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook returns a mapstructure decode hook that converts strings
// to time.Duration. This enables config files to use human-readable durations
// like "30s", "5m", "1h".
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			// Assume nanoseconds for raw integers
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "multidirectory")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "multidirectory")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	path := GetDefaultConfigPath()
	_, err := os.Stat(path)
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}

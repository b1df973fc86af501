package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration for errors.
//
// Struct tag rules (required, oneof, min/max, url) run first, followed by
// cross-field checks the tags cannot express. Validation never mutates the
// configuration.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var errs validator.ValidationErrors
		if errors.As(err, &errs) {
			return fmt.Errorf("invalid configuration: %s", formatValidationErrors(errs))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.Database.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := validateTLS(&cfg.Server); err != nil {
		return err
	}

	if cfg.MFA.APIURI != "" && cfg.MFA.CallbackURL == "" {
		return fmt.Errorf("invalid configuration: mfa.callback_url is required when mfa.api_uri is set")
	}

	return nil
}

// validateTLS checks the certificate configuration. LDAPS needs both halves
// of the key pair; the files must exist so the listener does not fail at
// first handshake.
func validateTLS(cfg *ServerConfig) error {
	if cfg.TLS && (cfg.CertFile == "" || cfg.KeyFile == "") {
		return fmt.Errorf("invalid configuration: server.cert_file and server.key_file are required when server.tls is enabled")
	}
	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return fmt.Errorf("invalid configuration: server.cert_file and server.key_file must be set together")
	}
	for _, path := range []string{cfg.CertFile, cfg.KeyFile} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("invalid configuration: certificate file %q: %w", path, err)
		}
	}
	return nil
}

// formatValidationErrors renders validator errors as "Field: rule" pairs,
// e.g. "Logging.Level: oneof".
func formatValidationErrors(errs validator.ValidationErrors) string {
	parts := make([]string, 0, len(errs))
	for _, fieldErr := range errs {
		name := strings.TrimPrefix(fieldErr.Namespace(), "Config.")
		parts = append(parts, fmt.Sprintf("%s: failed %q validation", name, fieldErr.Tag()))
	}
	return strings.Join(parts, "; ")
}

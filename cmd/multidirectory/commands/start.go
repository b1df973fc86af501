package commands

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/multidirectory/multidirectory/internal/api"
	"github.com/multidirectory/multidirectory/internal/logger"
	"github.com/multidirectory/multidirectory/internal/metrics"
	"github.com/multidirectory/multidirectory/internal/mfa"
	"github.com/multidirectory/multidirectory/internal/server"
	"github.com/multidirectory/multidirectory/pkg/config"
	"github.com/multidirectory/multidirectory/pkg/models"
	"github.com/multidirectory/multidirectory/pkg/store"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the MultiDirectory server",
	Long: `Start the MultiDirectory server with the specified configuration.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/multidirectory/config.yaml.

Examples:
  # Start with the default configuration
  multidirectory start

  # Start with custom config file
  multidirectory start --config /etc/multidirectory/config.yaml

  # Start with environment variable overrides
  MD_LOGGING_LEVEL=DEBUG multidirectory start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return exitWith(ExitConfigError, err)
	}

	if err := InitLogger(cfg); err != nil {
		return exitWith(ExitConfigError, err)
	}

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("Log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))

	st, err := store.New(&cfg.Database)
	if err != nil {
		return exitWith(ExitConfigError, fmt.Errorf("failed to initialize directory store: %w", err))
	}

	baseDN, err := st.NamingContext(ctx)
	if err != nil {
		if errors.Is(err, models.ErrNoNamingContext) {
			return exitWith(ExitConfigError, fmt.Errorf(
				"the directory has no naming context; run 'multidirectory init --seed' first"))
		}
		return exitWith(ExitConfigError, fmt.Errorf("failed to read naming context: %w", err))
	}
	logger.Info("Directory store ready", "naming_context", baseDN, "backend", string(cfg.Database.Type))

	tlsConfig, err := loadTLSConfig(&cfg.Server)
	if err != nil {
		return exitWith(ExitConfigError, err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)

	pool := mfa.NewPool()
	secondFactor := buildSecondFactor(ctx, cfg, st, pool)

	ldapSrv := server.New(server.Config{
		BindAddress:        cfg.Server.Host,
		Port:               cfg.Server.Port,
		MaxConnections:     cfg.Server.MaxConnections,
		ShutdownTimeout:    cfg.ShutdownTimeout,
		Workers:            cfg.Server.Workers,
		MaxMessageSize:     int(cfg.Server.MaxMessageSize),
		TLS:                cfg.Server.TLS,
		TLSConfig:          tlsConfig,
		VendorName:         cfg.Vendor.Name,
		VendorVersion:      cfg.Vendor.Version,
		AllowAnonymousBind: cfg.Server.AllowAnonymousBind,
		ApproxAsEquality:   cfg.Server.ApproxAsEquality,
	}, st, baseDN, secondFactor, m)

	httpSrv, err := buildAPIServer(cfg, st, pool, secondFactor, registry)
	if err != nil {
		return exitWith(ExitConfigError, err)
	}

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- ldapSrv.Serve(ctx)
	}()

	apiDone := make(chan error, 1)
	go func() {
		logger.Info("API server listening", "address", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			apiDone <- err
			return
		}
		apiDone <- nil
	}()

	// Wait for interrupt signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Server is running. Press Ctrl+C to stop.")

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("Shutdown signal received, initiating graceful shutdown")
		cancel()
		return shutdown(cfg, ldapSrv, httpSrv, serverDone)

	case err := <-serverDone:
		signal.Stop(sigChan)
		shutdownHTTP(cfg, httpSrv)
		if err != nil {
			logger.Error("LDAP server error", logger.KeyError, err.Error())
			return exitWith(ExitBindError, err)
		}
		logger.Info("Server stopped")
		return nil

	case err := <-apiDone:
		signal.Stop(sigChan)
		cancel()
		_ = shutdown(cfg, ldapSrv, httpSrv, serverDone)
		if err != nil {
			logger.Error("API server error", logger.KeyError, err.Error())
			return exitWith(ExitBindError, err)
		}
		return nil
	}
}

func shutdown(cfg *config.Config, ldapSrv *server.Server, httpSrv *http.Server, serverDone chan error) error {
	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer stopCancel()

	if err := ldapSrv.Stop(stopCtx); err != nil {
		logger.Error("LDAP shutdown error", logger.KeyError, err.Error())
	}
	<-serverDone
	shutdownHTTP(cfg, httpSrv)

	logger.Info("Server stopped gracefully")
	return nil
}

func shutdownHTTP(cfg *config.Config, httpSrv *http.Server) {
	httpCtx, httpCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer httpCancel()
	if err := httpSrv.Shutdown(httpCtx); err != nil {
		logger.Error("API shutdown error", logger.KeyError, err.Error())
	}
}

// loadTLSConfig loads the certificate pair when configured. A nil return with
// no error means plain LDAP without StartTLS support.
func loadTLSConfig(cfg *config.ServerConfig) (*tls.Config, error) {
	if cfg.CertFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load tls certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// buildSecondFactor assembles the multifactor collaborators from the static
// provider endpoint and the tenant credentials stored in the catalogue.
// Returns nil when the second factor is not configured.
func buildSecondFactor(ctx context.Context, cfg *config.Config, st *store.Store, pool *mfa.Pool) *server.MFA {
	if cfg.MFA.APIURI == "" {
		return nil
	}

	key, keyErr := st.GetSetting(ctx, models.SettingMFAKeyLDAP)
	secret, secretErr := st.GetSetting(ctx, models.SettingMFASecretLDAP)
	if keyErr != nil || secretErr != nil {
		key, keyErr = st.GetSetting(ctx, models.SettingMFAKey)
		secret, secretErr = st.GetSetting(ctx, models.SettingMFASecret)
	}
	if keyErr != nil || secretErr != nil || secret == "" {
		logger.Warn("multifactor provider configured but tenant credentials are missing",
			"api_uri", cfg.MFA.APIURI)
		return nil
	}

	logger.Info("Multifactor enabled", "api_uri", cfg.MFA.APIURI, "timeout", cfg.MFA.Timeout)
	return &server.MFA{
		Client:      mfa.NewClient(cfg.MFA.APIURI, key, secret, cfg.MFA.Timeout),
		Pool:        pool,
		Validator:   &mfa.TokenValidator{Secret: secret, Audience: key},
		CallbackURL: cfg.MFA.CallbackURL,
		Timeout:     cfg.MFA.Timeout,
	}
}

// buildAPIServer wires the HTTP side channel: admin tokens, the multifactor
// callback and websocket flow, health and metrics.
func buildAPIServer(
	cfg *config.Config,
	st *store.Store,
	pool *mfa.Pool,
	secondFactor *server.MFA,
	registry *prometheus.Registry,
) (*http.Server, error) {
	secretKey := cfg.API.SecretKey
	if secretKey == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("failed to generate api secret: %w", err)
		}
		secretKey = hex.EncodeToString(buf)
		logger.Warn("SECRET_KEY not configured, generated an ephemeral one; admin tokens will not survive a restart")
	}

	deps := api.Deps{
		Store:       st,
		Pool:        pool,
		CallbackURL: cfg.MFA.CallbackURL,
		MFATimeout:  cfg.MFA.Timeout,
		Auth:        api.NewTokenService(secretKey, cfg.API.AccessTokenTTL),
	}
	if secondFactor != nil {
		deps.MFAClient = secondFactor.Client
	}
	if cfg.API.Metrics {
		deps.MetricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}

	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.API.Port),
		Handler:      api.NewRouter(deps),
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  cfg.API.IdleTimeout,
	}, nil
}

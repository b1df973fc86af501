package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/multidirectory/multidirectory/pkg/config"
	"github.com/multidirectory/multidirectory/pkg/models"
	"github.com/multidirectory/multidirectory/pkg/store"
)

var (
	initForce  bool
	initSeed   bool
	initBaseDN string
	initUsers  int
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a configuration file and optionally seed the directory",
	Long: `Initialize a sample MultiDirectory configuration file.

By default, the configuration file is created at
$XDG_CONFIG_HOME/multidirectory/config.yaml. Use --config to specify a
custom path.

With --seed, the directory database is also initialised with a development
tree: the naming context, an ou=users container with test users (password
"password"), a cn=groups container with a "domain admins" group, an
allow-all network policy and the default password policy.

Examples:
  # Initialize with default location
  multidirectory init

  # Initialize with custom path
  multidirectory init --config /etc/multidirectory/config.yaml

  # Initialize and seed a development directory
  multidirectory init --seed --base-dn dc=md,dc=test

  # Force overwrite existing config
  multidirectory init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
	initCmd.Flags().BoolVar(&initSeed, "seed", false, "Seed the directory database with development data")
	initCmd.Flags().StringVar(&initBaseDN, "base-dn", "dc=md,dc=test", "Naming context for --seed")
	initCmd.Flags().IntVar(&initUsers, "users", 10, "Number of test users for --seed")
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := GetConfigFile()
	if configPath == "" {
		configPath = config.GetDefaultConfigPath()
	}

	if _, err := os.Stat(configPath); err == nil && !initForce {
		fmt.Printf("Configuration file already exists at: %s (use --force to overwrite)\n", configPath)
	} else {
		if err := config.SaveConfig(config.GetDefaultConfig(), configPath); err != nil {
			return exitWith(ExitConfigError, fmt.Errorf("failed to initialize config: %w", err))
		}
		fmt.Printf("Configuration file created at: %s\n", configPath)
	}

	if initSeed {
		if err := seedDirectory(); err != nil {
			return exitWith(ExitConfigError, err)
		}
		fmt.Printf("Directory seeded: %s with %d users under ou=users\n", initBaseDN, initUsers)
	}

	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file to customize your setup")
	fmt.Println("  2. Start the server with: multidirectory start")
	fmt.Println("\nSecurity note:")
	fmt.Println("  For production, set a persistent API token secret:")
	fmt.Println("    export SECRET_KEY=$(openssl rand -hex 32)")

	return nil
}

// seedDirectory initialises the directory database with the development tree.
func seedDirectory() error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}
	if err := InitLogger(cfg); err != nil {
		return err
	}

	st, err := store.New(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize directory store: %w", err)
	}

	ctx := context.Background()
	if _, err := st.NamingContext(ctx); err == nil {
		return fmt.Errorf("the directory is already initialised")
	} else if !errors.Is(err, models.ErrNoNamingContext) {
		return fmt.Errorf("failed to read naming context: %w", err)
	}

	return store.Seed(ctx, st, store.SeedConfig{
		BaseDN: initBaseDN,
		Users:  initUsers,
	})
}

// Package app provides the commands of the authz-server binary.
package app

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by the binary, e.g.
// AUTHZ_STORE_DRIVER for store.driver.
const EnvPrefix = "AUTHZ"

// Version is set at build time with -ldflags "-X ...app.Version=v1.2.3"
var Version = "dev"

// cli is the state shared by all commands of one invocation
type cli struct {
	v      *viper.Viper
	logger *slog.Logger
	out    io.Writer
}

// NewRootCmd creates the authz-server root command
func NewRootCmd() *cobra.Command {
	c := &cli{
		v:      viper.New(),
		logger: slog.Default(),
		out:    os.Stdout,
	}
	setDefaults(c.v)

	rootCmd := &cobra.Command{
		Use:   "authz-server",
		Short: "OAuth2 authorization server",
		Long: `authz-server issues and rotates OAuth2 tokens for registered clients.

It implements the authorization code grant with PKCE, refresh token rotation
with replay detection, token exchange, and token revocation. Clients are
registered administratively with the clients command.`,
		Version:           Version,
		SilenceUsage:      true,
		PersistentPreRunE: c.initialize,
		Run: func(cmd *cobra.Command, _ []string) {
			_ = cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "Path to a YAML configuration file")
	flags.String("env-file", ".env", "Path to a .env file loaded before configuration")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-format", "text", "Log format (text, json)")
	flags.String("store", storeDriverMemory, "Store driver (memory, sqlite, postgres, valkey)")
	flags.String("dsn", "", "Data source name for the sqlite and postgres stores")
	bindFlag(c.v, "log.level", flags, "log-level")
	bindFlag(c.v, "log.format", flags, "log-format")
	bindFlag(c.v, keyStoreDriver, flags, "store")
	bindFlag(c.v, keyStoreDSN, flags, "dsn")

	rootCmd.AddCommand(
		c.newServeCmd(),
		c.newMigrateCmd(),
		c.newClientsCmd(),
		c.newSessionsCmd(),
		c.newKeysCmd(),
	)

	return rootCmd
}

// initialize loads the environment and configuration and builds the logger
func (c *cli) initialize(cmd *cobra.Command, _ []string) error {
	envFile, _ := cmd.Flags().GetString("env-file")
	if err := loadEnv(cmd.Context(), envFile, c.logger); err != nil {
		return err
	}

	c.v.SetEnvPrefix(EnvPrefix)
	c.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	c.v.AutomaticEnv()

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		c.v.SetConfigFile(path)
		if err := c.v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	logger, err := newLogger(cmd.ErrOrStderr(), c.v.GetString("log.format"), c.v.GetString("log.level"))
	if err != nil {
		return err
	}
	c.logger = logger
	slog.SetDefault(logger)

	c.out = cmd.OutOrStdout()
	return nil
}

// bindFlag binds a flag to a configuration key. Flags are defined next to
// the call, so a missing flag is a programming error.
func bindFlag(v *viper.Viper, key string, flags *pflag.FlagSet, name string) {
	if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
		panic(fmt.Sprintf("failed to bind flag %s: %v", name, err))
	}
}

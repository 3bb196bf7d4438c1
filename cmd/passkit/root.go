package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sensiblebit/passkit/internal"
	"github.com/sensiblebit/passkit/internal/config"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "passkit",
	Short: "Apple Wallet loyalty pass service",
	Long: `Issue signed Apple Wallet loyalty passes, serve the PassKit web service
for registered devices, and push pass updates through APNs.

Configuration is read from PASSKIT_* environment variables; flags override
individual values.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "Log level: debug, info, warn, error")
	registerChoices(rootCmd, "log-level", "debug", "info", "warn", "error")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(inspectCmd)
}

// loadConfig reads the environment and sets up logging. An explicit
// --log-level wins over PASSKIT_LOG_LEVEL.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	return cfg, internal.SetupLogger(cfg.LogLevel), nil
}

// overrideString copies a flag onto dst when it was set explicitly.
func overrideString(fs *pflag.FlagSet, name string, dst *string) {
	if fs.Changed(name) {
		if v, err := fs.GetString(name); err == nil {
			*dst = v
		}
	}
}

// overrideInt copies an int flag onto dst when it was set explicitly.
func overrideInt(fs *pflag.FlagSet, name string, dst *int) {
	if fs.Changed(name) {
		if v, err := fs.GetInt(name); err == nil {
			*dst = v
		}
	}
}

// registerChoices completes a flag from a fixed set of values. It panics if
// the flag does not exist.
func registerChoices(cmd *cobra.Command, flag string, values ...string) {
	if err := cmd.RegisterFlagCompletionFunc(flag, cobra.FixedCompletions(values, cobra.ShellCompDirectiveNoFileComp)); err != nil {
		panic(fmt.Sprintf("%s --%s: %v", cmd.Name(), flag, err))
	}
}

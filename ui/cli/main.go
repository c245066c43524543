// Copyright (c) 2026 Gatekeeper Team
// Gatekeeper - access allowlist cache
// This source code is licensed under the MIT license found in the LICENSE file.

// main.go sets up the command-line interface for Gatekeeper using Cobra. It
// defines the root command, its persistent flags and the shared setup that
// loads configuration, logging, translations and tracing before any
// subcommand runs.

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/toeirei/gatekeeper/buildvars"
	"github.com/toeirei/gatekeeper/internal/config"
	"github.com/toeirei/gatekeeper/internal/i18n"
	"github.com/toeirei/gatekeeper/internal/logging"
	"github.com/toeirei/gatekeeper/internal/telemetry"
)

var cfgFile string
var verbose bool

var appConfig config.Config

// configFound is false when no config file was read and appConfig holds
// defaults, environment and flags only.
var configFound bool

var shutdownTelemetry = func(context.Context) error { return nil }

func setupDefaultServices(cmd *cobra.Command, args []string) error {
	optionalConfigPath, err := getConfigPathFromCli(cmd)
	if err != nil {
		return err
	}

	appConfig, err = config.LoadConfig[config.Config](cmd, config.Defaults(), optionalConfigPath)
	configFound = true
	if errors.As(err, &viper.ConfigFileNotFoundError{}) {
		// First run. Defaults are usable; `gatekeeper init` writes a file.
		configFound = false
		logging.Debugf("no config file found, running on defaults")
	} else if err != nil {
		return errors.New(i18n.T("config.error_load", err))
	}

	if verbose {
		appConfig.Log.Level = "debug"
	}
	if err := logging.SetLevel(appConfig.Log.Level); err != nil {
		return errors.New(i18n.T("config.invalid", err))
	}
	i18n.Init(appConfig.Language)

	if err := appConfig.Validate(); err != nil {
		return errors.New(i18n.T("config.invalid", err))
	}

	shutdown, err := telemetry.Setup(cmd.Context(), appConfig.Telemetry.Endpoint, buildvars.VersionOrDefault(version))
	if err != nil {
		logging.Warnf("tracing disabled: %v", err)
		return nil
	}
	shutdownTelemetry = shutdown
	return nil
}

// Execute runs the CLI entrypoint. The main package should call this
// function and handle process exit.
func Execute() error {
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logging.Warnf("flushing traces: %v", err)
		}
	}()
	return NewRootCmd().ExecuteContext(context.Background())
}

func getConfigPathFromCli(cmd *cobra.Command) (*string, error) {
	// Only proceed if the user has explicitly set the --config flag.
	if cmd.Flags().Changed("config") {
		path, err := cmd.Flags().GetString("config")
		if err != nil {
			return nil, fmt.Errorf("could not read --config flag: %w", err)
		}
		if path == "" {
			return nil, nil
		}
		// Make sure the user-provided file exists to avoid unwanted behavior.
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file specified via --config flag not found or is not accessible: %w", err)
		}
		return &path, nil
	}
	return nil, nil
}

// applyDefaultFlags declares one flag per config key an operator commonly
// overrides. Flag names equal the config keys so LoadConfig can bind them.
func applyDefaultFlags(cmd *cobra.Command) {
	d := config.Defaults()
	flags := cmd.PersistentFlags()
	flags.String("store.dir", d["store.dir"].(string), "Directory holding the allowlist table")
	flags.String("store.file", d["store.file"].(string), "File name of the allowlist table")
	flags.Int("store.capacity", d["store.capacity"].(int), "Maximum number of records")
	flags.String("sync.mode", d["sync.mode"].(string), `Sync protocol ("conditional", "two-endpoint")`)
	flags.String("sync.url", "", "URL serving the allowlist body")
	flags.String("sync.version_url", "", "URL serving the bare version token (two-endpoint mode)")
	flags.String("journal.type", d["journal.type"].(string), `Journal database ("sqlite", "postgres", "mysql", or empty to disable)`)
	flags.String("journal.dsn", d["journal.dsn"].(string), "Journal database connection string (DSN)")
	flags.String("telemetry.endpoint", "", "OTLP/HTTP endpoint for sync traces")
	flags.String("log.level", d["log.level"].(string), "Log level (debug, info, warn, error)")
	flags.String("language", d["language"].(string), `Message language ("en", "de")`)
}

// NewRootCmd creates and configures a new root cobra command.
// This function is used to create the main application command as well as
// fresh instances for isolated testing.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:               "gatekeeper",
		Short:             i18n.T("root.short"),
		Long:              i18n.T("root.long"),
		SilenceUsage:      true,
		PersistentPreRunE: setupDefaultServices,
	}

	v, c, d := resolveBuildVersion(nil)
	compositeVersion := v
	if c != "" && c != "dev" {
		compositeVersion = compositeVersion + " (" + c + ")"
	}
	if d != "" {
		compositeVersion = compositeVersion + " built: " + d
	}
	cmd.Version = compositeVersion

	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file")
	applyDefaultFlags(cmd)

	cmd.AddCommand(
		newInitCmd(),
		newStatusCmd(),
		newSyncCmd(),
		newCheckCmd(),
		newRunCmd(),
		newExportCmd(),
		newRestoreCmd(),
		newHistoryCmd(),
		newVersionCmd(),
	)
	return cmd
}

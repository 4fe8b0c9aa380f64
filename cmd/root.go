package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tphakala/stallwatch/cmd/config"
	"github.com/tphakala/stallwatch/cmd/monitor"
	"github.com/tphakala/stallwatch/cmd/notify"
	"github.com/tphakala/stallwatch/cmd/probe"
	"github.com/tphakala/stallwatch/internal/buildinfo"
	"github.com/tphakala/stallwatch/internal/conf"
	"github.com/tphakala/stallwatch/internal/logger"
)

// RootCommand creates and returns the root command. Settings are loaded
// once the command line has been parsed, so flags of the executing command
// override the config file.
func RootCommand(info *buildinfo.Context) *cobra.Command {
	settings := &conf.Settings{}
	var (
		configPath string
		central    *logger.CentralLogger
	)

	rootCmd := &cobra.Command{
		Use:          "stallwatch",
		Short:        "Parking stall occupancy sensor",
		Version:      info.Version(),
		SilenceUsage: true,
	}
	rootCmd.SetVersionTemplate(info.String() + "\n")

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the config file (default: search standard locations)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug output")
	conf.BindFlag(rootCmd.PersistentFlags(), "debug", "debug")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), info.String())
		},
	}

	rootCmd.AddCommand(
		monitor.Command(settings, info),
		probe.Command(settings),
		config.Command(settings),
		notify.Command(settings),
		versionCmd,
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// version needs no configuration
		if cmd.Name() == versionCmd.Name() {
			return nil
		}
		cl, err := initialize(cmd, settings, configPath)
		if err != nil {
			return err
		}
		central = cl
		return nil
	}
	rootCmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		if central == nil {
			return nil
		}
		return central.Close()
	}

	return rootCmd
}

// initialize binds the flags of the executing command, loads the settings
// into settings and installs the central logger.
func initialize(cmd *cobra.Command, settings *conf.Settings, configPath string) (*logger.CentralLogger, error) {
	if err := conf.BindFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("error binding flags: %w", err)
	}
	conf.SetConfigFile(configPath)

	loaded, err := conf.Load()
	if err != nil {
		return nil, err
	}
	*settings = *loaded

	cl, err := logger.NewCentralLogger(loggingConfig(settings))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger.SetGlobal(cl)
	return cl, nil
}

// loggingConfig returns the logging section with --debug applied. The
// settings tree is left untouched.
func loggingConfig(settings *conf.Settings) *logger.LoggingConfig {
	cfg := settings.Logging
	if !settings.Debug {
		return &cfg
	}
	cfg.DefaultLevel = "debug"
	if cfg.Console != nil {
		console := *cfg.Console
		console.Level = "debug"
		cfg.Console = &console
	}
	return &cfg
}

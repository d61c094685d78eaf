/*Command pm61 reads a Thorlabs PM61 power meter, optionally converting the
readings through calibration tables, and can serve the meter over HTTP.

Configuration is layered: built-in defaults, then pm61.yml (or --config),
then PM61_ environment variables.  Use pm61 mkconf to write the defaults
to a file and pm61 conf to print the configuration in effect.
*/
package main

import (
	"fmt"
	"os"

	"github.com/knadh/koanf"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	configPath = ConfigFileName
	logLevel   = ""

	k   *koanf.Koanf
	cfg Config
	log = logrus.New()
)

// setup loads the configuration and builds the logger
func setup(cmd *cobra.Command, _ []string) error {
	var err error
	k, err = loadConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err = unmarshal(k)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	l, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	log = l
	return nil
}

// NewCommand builds the root command
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pm61",
		Short: "pm61 reads a Thorlabs PM61 power meter",
		Long: `pm61 reads a Thorlabs PM61 power meter over USB, TCP or serial,
converts readings through calibration tables, logs them to CSV and serves
the meter over HTTP.`,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}

	globalFlags := cmd.PersistentFlags()
	globalFlags.StringVarP(&configPath, "config", "c", configPath, "config file path")
	globalFlags.StringVarP(&logLevel, "log-level", "l", "info", "log level (trace, debug, info, warn, error)")

	cmd.AddCommand(
		NewReadCommand(),
		NewLogCommand(),
		NewBatteryCommand(),
		NewServeCommand(),
		NewConfCommand(),
		NewMkconfCommand(),
		NewVersionCommand(),
	)
	return cmd
}

// NewConfCommand prints the configuration in effect
func NewConfCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "conf",
		Short: "print the configuration in effect, as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return yml.NewEncoder(cmd.OutOrStdout()).Encode(cfg)
		},
	}
}

// NewMkconfCommand writes the default configuration to a file
func NewMkconfCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "mkconf",
		Short: "write the default configuration to the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(configPath); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", configPath)
			}
			if err := writeConfig(DefaultConfig(), configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", configPath)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	return cmd
}

// NewVersionCommand prints the version
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pm61 version %v\n", Version)
		},
	}
}

func main() {
	if err := NewCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// Package cmd implements the taskbus command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"yqhp/taskbus/internal/config"
)

const (
	// Version is the current release.
	Version = "0.1.0"
	// Banner is printed on startup and by --version.
	Banner = `
  _____         _    _
 |_   _|_ _ ___| | _| |__  _   _ ___
   | |/ _' / __| |/ / '_ \| | | / __|
   | | (_| \__ \   <| |_) | |_| \__ \
   |_|\__,_|___/_|\_\_.__/ \__,_|___/  %s
`
)

var (
	cfgFile   string
	debug     bool
	overrides []string
)

var rootCmd = &cobra.Command{
	Use:   "taskbus",
	Short: "Task routing broker for integration participants",
	Long: `taskbus routes actionable tasks between integration participants,
tracks their completion and forwards parcels to subscribers across a cluster
of broker nodes.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringArrayVar(&overrides, "set", nil, "override a config value, e.g. --set grpc.address=:7401 (repeatable)")

	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate(fmt.Sprintf(Banner, Version) + "\n")
}

// GetRootCmd returns the root command for tests.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// loadConfig resolves defaults, the config file, TB_ environment variables
// and --set overrides, in that order, and validates the result.
func loadConfig() (*config.Config, error) {
	args, err := config.ParseOverrides(overrides)
	if err != nil {
		return nil, err
	}
	loader := config.NewLoader().WithCmdArgs(args)
	if cfgFile != "" {
		loader = loader.WithConfigPath(cfgFile)
	}
	cfg, err := loader.LoadAndValidate()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "taskbus version %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

package main

import (
	"fmt"
	"os"
	"runtime"

	"autosave/pkg/config"
	"autosave/pkg/logger"
	"autosave/pkg/ui"

	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "1.0.0"
	gitCommit = "unknown"
	buildDate = "unknown"

	// Global flags
	configFile    string
	logLevel      string
	logFile       string
	noColor       bool
	notifications bool
	quiet         bool
	verbose       bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "autosave",
	Short: "Incremental, resumable checkpoints for streaming audio generation",
	Long: `autosave keeps long audio generations safe by writing the audio produced so
far to disk while generation is still running.

Features:
  - Adaptive checkpoint interval driven by write time, failures and host load
  - Incremental appends with validation, backups and rollback
  - Fallback storage locations when the temp directory is unusable
  - Retry with per-cause backoff and a recovery mode for persistent failures
  - Partial-audio recovery after a crash or cancellation
  - Optional S3 mirror of finished artifacts and Prometheus metrics`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildDate),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor {
			ui.SetColor(false)
		}
		if quiet {
			ui.SetQuietMode(true)
		}
		// keep logs off the progress line unless asked for
		if !cmd.Flags().Changed("log-level") {
			if verbose {
				logLevel = "debug"
			} else {
				logLevel = "warn"
			}
		}

		if cmd.Name() != "version" && cmd.Name() != "help" && !quiet {
			ui.PrintLogo()
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		ui.PrintError("Error", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration and initializes the global logger. flags
// holds command-specific overrides.
func loadConfig(flags map[string]interface{}) (*config.Config, error) {
	if flags == nil {
		flags = make(map[string]interface{})
	}
	if logLevel != "" {
		flags["log-level"] = logLevel
	}
	if logFile != "" {
		flags["log-file"] = logFile
	}

	cfg, err := config.Load(configFile, flags)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := logger.Initialize(&cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.WithField("version", version).Debug("autosave starting")
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default is ./autosave.yaml or $HOME/.autosave.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "write JSON logs to this file")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().BoolVar(&notifications, "notifications", false, "enable desktop notifications")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress all output except errors")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "print every checkpoint event and debug logs")

	rootCmd.SetVersionTemplate(`autosave {{.Version}}
Go Version: ` + runtime.Version() + `
OS/Arch: ` + runtime.GOOS + `/` + runtime.GOARCH + `
`)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

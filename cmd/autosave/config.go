package main

import (
	"fmt"
	"os"

	"autosave/pkg/config"
	"autosave/pkg/storage"
	"autosave/pkg/ui"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration files",
	Long: `Manage autosave configuration files.

Configuration can be loaded from:
  - Command line flags (highest priority)
  - Environment variables (AUTOSAVE_*)
  - Configuration file
  - Default values (lowest priority)`,
}

// initCmd represents the config init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a configuration file with the defaults",
	Long: `Create a configuration file holding every option at its default value.

The file is created in the current directory as 'autosave.yaml' unless a
different path is given with the --config flag.`,
	RunE: runConfigInit,
}

// showCmd represents the config show command
var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long: `Show the effective configuration after merging defaults, the
configuration file and AUTOSAVE_* environment variables.`,
	RunE: runConfigShow,
}

// validateCmd represents the config validate command
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long: `Validate the effective configuration.

This command checks:
  - YAML syntax
  - Value ranges
  - That the temp directory and fallback locations are writable`,
	RunE: runConfigValidate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(initCmd)
	configCmd.AddCommand(showCmd)
	configCmd.AddCommand(validateCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	configPath := configFile
	if configPath == "" {
		configPath = config.AppName + ".yaml"
	}

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("configuration file already exists: %s", configPath)
	}

	if err := config.DefaultConfig().Save(configPath); err != nil {
		return err
	}

	ui.PrintSuccess("Configuration file created: " + configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("1. Adjust the checkpoint interval and fallback locations")
	fmt.Printf("2. Run '%s config validate --config %s' to check the configuration\n", config.AppName, configPath)
	fmt.Printf("3. Try it with '%s simulate --config %s'\n", config.AppName, configPath)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile, nil)
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to format configuration: %w", err)
	}

	ui.PrintHighlight("Current Configuration")
	fmt.Println()
	fmt.Print(string(data))

	fmt.Println("\nConfiguration sources (in order of priority):")
	fmt.Println("1. Command line flags")
	fmt.Println("2. Environment variables (AUTOSAVE_*)")
	if configFile != "" {
		fmt.Printf("3. Configuration file: %s\n", configFile)
	} else {
		fmt.Println("3. Configuration file: (searched default locations)")
	}
	fmt.Println("4. Default values")
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile, nil)
	if err != nil {
		ui.PrintError("Configuration validation failed")
		return err
	}

	warnings := checkLocations(cfg)
	if len(warnings) > 0 {
		ui.PrintWarning("Configuration warnings:")
		for _, w := range warnings {
			fmt.Printf("  - %s\n", w)
		}
		fmt.Println()
	}

	ui.PrintSuccess("Configuration is valid")

	fmt.Println("\nConfiguration summary:")
	fmt.Printf("  Checkpoints: enabled=%t adaptive=%t interval=%d [%d, %d]\n",
		cfg.AutoSave.Enabled, cfg.AutoSave.Adaptive, cfg.AutoSave.Interval, cfg.AutoSave.MinInterval, cfg.AutoSave.MaxInterval)
	fmt.Printf("  Temp directory: %s\n", sessionRoot(cfg))
	fmt.Printf("  Fallback locations: %d\n", len(cfg.AutoSave.FallbackLocations))
	fmt.Printf("  Audio: %d Hz, %d ch, %d bit\n", cfg.Audio.SampleRate, cfg.Audio.Channels, cfg.Audio.BitDepth)
	fmt.Printf("  Retries: %d, recovery mode after %d failures\n", cfg.Recovery.MaxAttempts, cfg.Recovery.RecoveryModeThreshold)
	fmt.Printf("  Mirror: %t, metrics: %t\n", cfg.Mirror.Enabled, cfg.Metrics.Enabled)
	fmt.Printf("  Log level: %s\n", cfg.Logging.Level)
	return nil
}

// checkLocations reports storage roots that cannot be written
func checkLocations(cfg *config.Config) []string {
	var warnings []string
	usable := 0

	roots := append([]string{sessionRoot(cfg)}, cfg.AutoSave.FallbackLocations...)
	for _, dir := range roots {
		if err := storage.EnsureWritable(dir); err != nil {
			warnings = append(warnings, fmt.Sprintf("%s is not writable: %v", dir, err))
			continue
		}
		usable++
	}
	if usable == 0 {
		warnings = append(warnings, "no storage location is writable, checkpoints will fail")
	}
	if len(cfg.AutoSave.FallbackLocations) == 0 {
		warnings = append(warnings, "no fallback locations configured")
	}
	return warnings
}

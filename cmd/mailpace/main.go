package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailpace/internal/app"
	"github.com/foxzi/mailpace/internal/config"
)

var (
	cfgFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mailpace",
	Short: "mailpace - paced bulk email campaigns",
	Long: `mailpace sends personalized email campaigns through an SMTP relay
at a controlled rate, retrying transient failures and tracking every recipient.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the campaign daemon",
	Long:  `Start the HTTP API, metrics and retention jobs, resuming interrupted campaigns when configured.`,
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mailpace version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (environment and .env are used when omitted)")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
}

// loadConfig reads the -c file. Without one, settings come from the
// environment alone.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	application, err := app.New(context.Background(), cfg, version)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(context.Background())
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	relay := fmt.Sprintf("%s:%d (%s, auth %s)", cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Security, cfg.SMTP.Auth)
	if cfg.SMTP.DryRun {
		relay = "dry run"
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Relay: %s\n", relay)
	fmt.Printf("  Sender: %s\n", cfg.Sender.Address)
	fmt.Printf("  Rate: %d/min, batch %d\n", cfg.Defaults.RatePerMinute, cfg.Defaults.BatchSize)
	fmt.Printf("  Storage: %s %s\n", cfg.Storage.Driver, cfg.Storage.Path)
	if cfg.API.Enabled {
		fmt.Printf("  API: %s\n", cfg.API.ListenAddr)
	}
	if cfg.Metrics.Enabled {
		fmt.Printf("  Metrics: %s%s\n", cfg.Metrics.ListenAddr, cfg.Metrics.Path)
	}
	if cfg.Quota.Enabled {
		fmt.Printf("  Quota: enabled\n")
	}

	return nil
}

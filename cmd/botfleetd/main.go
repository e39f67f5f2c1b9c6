package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jrepp/botfleet/pkg/config"
	"github.com/jrepp/botfleet/pkg/observability"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "botfleetd",
	Short: "Multi-tenant bot worker orchestrator",
	Long: `botfleetd provisions, starts, stops and monitors one worker process per
customer slot. It enforces per-plan worker limits and keeps each worker's
desired and observed state consistent with the process supervisor.

Configuration is read from botfleet.yaml (or --config), BOTFLEET_* environment
variables and command line flags, in increasing order of precedence.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default ./botfleet.yaml or ~/.botfleet/botfleet.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format (text, json)")
	rootCmd.PersistentFlags().String("db", "", "Database URN (e.g., sqlite:///var/lib/botfleet/botfleet.db)")

	rootCmd.AddCommand(serveCmd, migrateCmd, workersCmd, versionCmd, configCmd)
}

// flagBindings maps config keys to the flags that override them.
var flagBindings = map[string]string{
	"log.level":          "log-level",
	"log.format":         "log-format",
	"storage.db":         "db",
	"server.listen":      "listen",
	"supervisor.backend": "backend",
	"billing.nats.url":   "nats-url",
	"tracing.enabled":    "tracing",
}

// loadConfig reads the configuration for cmd, binding whichever of its
// flags override config keys, and builds the process logger.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	v := viper.New()
	for key, name := range flagBindings {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, nil, err
	}
	log, err := observability.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(log)
	return cfg, log, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/jrepp/botfleet/pkg/config"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "botfleetd %s (commit %s, %s)\n", version, commit, runtime.Version())
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var configExampleCmd = &cobra.Command{
	Use:   "example",
	Short: "Print the default configuration as YAML",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return config.WriteExample(cmd.OutOrStdout())
	},
}

func init() {
	configCmd.AddCommand(configExampleCmd)
}

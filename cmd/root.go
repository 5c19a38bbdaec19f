// Package cmd implements the CLI commands using the cobra framework.
package cmd

import (
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "On-turbine sensor data gateway",
	Long: `The gateway reads multiplexed sensor telemetry from a serial link,
reconstructs per-sensor time series with packet-loss detection, and persists
fixed-duration windows locally and/or to a cloud object store. Command
routines can be injected onto the link while reading.`,
	Version: "0.3.0",
}

// Execute runs the root command. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}

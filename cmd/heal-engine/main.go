package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "heal-engine",
	Short: "Detect metric anomalies and run remediation plans",
	Long: `heal-engine watches metric samples, detects anomalies against learned
baselines, executes remediation plans with rollback support and learns which
actions work for which anomalies.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (defaults to $MIRADOR_HEAL_CONFIG)")
	rootCmd.AddCommand(serveCmd, replayCmd, healthCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

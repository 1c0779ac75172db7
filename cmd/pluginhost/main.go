// Package main provides the CLI entry point for pluginhost.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	outputJSON bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pluginhost",
	Short: "CodePal plugin host",
	Long: `pluginhost installs, scans and runs CodePal plugins under a sandbox.

Plugins are scanned before approval, bound to hooks, and invoked with a
deadline, a memory ceiling and capability-mediated host access.`,
	SilenceUsage:      true,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(
		&configPath,
		"config",
		"c",
		"",
		"Path to configuration file (default: ./pluginhost.toml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&logLevel,
		"log-level",
		"",
		"Override logging.level (trace, debug, info, warn, error)",
	)
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Print results as JSON")

	rootCmd.AddCommand(
		serveCmd,
		installCmd,
		upgradeCmd,
		scanCmd,
		listCmd,
		activateCmd,
		suspendCmd,
		revokeCmd,
		uninstallCmd,
		dispatchCmd,
		runCmd,
		reportCmd,
		schemaCmd,
		keysCmd,
		signCmd,
	)
}

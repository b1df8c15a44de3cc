// Package commands provides the CLI commands for the appdeck daemon.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	logLevel  string
	logPretty bool
)

var rootCmd = &cobra.Command{
	Use:   "appdeckd",
	Short: "appdeck - local event fabric for editor applications",
	Long: `appdeckd runs the appdeck host: a filesystem-backed event bus,
a supervisor for application workers, and the registry of rendering
surfaces. Applications publish and subscribe through the store; the
daemon watches it and fans events out.

Run 'appdeckd serve' to start the daemon.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().BoolVar(&logPretty, "pretty", false, "Human-readable log output")

	rootCmd.SetVersionTemplate(fmt.Sprintf("appdeckd %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(appsCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetWorkDir returns the working directory from flag or current directory.
func GetWorkDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}

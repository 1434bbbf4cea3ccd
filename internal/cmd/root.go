// Package cmd implements the ptymux command line.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ptymux",
	Short: "Persistent PTY session multiplexer",
	Long: `ptymux serves shell sessions over a WebSocket. Each browser tab owns a
session by id; a session survives page reloads and dropped connections until
it is closed, restarted, or stays orphaned past the idle threshold.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// Package commands implements mecho's CLI surface using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd builds the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mecho",
		Short: "mecho - Discord-fronted coding-agent orchestrator",
		Long: `mecho brokers Discord prompts to external coding-agent CLIs, keeping
per-conversation sessions and injecting durable per-mode memory through a
companion memory service.

Examples:
  mecho serve
  mecho serve --config ./config.yaml`,
		Version: version,
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

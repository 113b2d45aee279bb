// Package commands implements mechosvc's CLI surface using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd builds the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "mechosvc",
		Short:   "mechosvc - per-mode memory service",
		Long:    `mechosvc serves prepare/ack, core/curated CRUD, and archival search over HTTP for one or more memory modes.`,
		Version: version,
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

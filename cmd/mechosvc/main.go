// Package main is the entry point for mechosvc, the per-mode memory
// service the orchestrator talks to over HTTP.
package main

import (
	"fmt"
	"os"

	"github.com/mecho-run/mecho/cmd/mechosvc/commands"
)

var version = "dev"

func main() {
	rootCmd := commands.NewRootCmd(version)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

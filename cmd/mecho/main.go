// Package main is the entry point for mecho, the Discord-fronted
// orchestrator that brokers prompts to external coding-agent CLIs.
package main

import (
	"fmt"
	"os"

	"github.com/mecho-run/mecho/cmd/mecho/commands"
)

// version is injected at build time via ldflags.
var version = "dev"

func main() {
	rootCmd := commands.NewRootCmd(version)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

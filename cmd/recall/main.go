// Package main is the entry point for the recall memory backend CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var version = "0.1.0"

// Global flags.
var (
	cfgPath string
	verbose bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "recall",
		Short: "Tiered conversational memory backend",
		Long: `Recall gives agents persistent conversational memory: a hot
turn buffer per session, cumulative summaries, durable interaction
chunks, and extracted insights, searchable by semantic similarity.
It serves an HTTP API or mounts the same memory as MCP tools.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to config file (YAML)")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "Force debug logging")

	root.AddCommand(newServeCmd())
	root.AddCommand(newMCPCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newCheckCmd())
	root.AddCommand(newVersionCmd())

	return root
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

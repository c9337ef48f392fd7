// Package cmd implements the tasksmith command line interface.
package cmd

import (
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// NewRootCommand creates and returns the root cobra command for tasksmith
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasksmith",
		Short: "Script runner with bounded output capture and result caching",
		Long: `Tasksmith executes scripts while capturing their output into
memory-bounded buffers with error detection, a chronological merge of both
streams, and a TTL/LRU result cache that memoizes repeat runs.

Configuration is loaded from .tasksmith/config.yaml if present.
CLI flags override configuration file settings.`,
		Version: Version,
		// Silence usage on errors to avoid duplicate help text
		SilenceUsage: true,
	}

	cmd.PersistentFlags().String("config", ".tasksmith/config.yaml", "Path to configuration file")
	cmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")

	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewCacheCommand())

	return cmd
}

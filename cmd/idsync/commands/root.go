package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	dbPath     string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "idsync",
		Short: "idsync - Identity Provisioning Engine",
		Long: `idsync synchronizes identities between an internal entity store and
external systems (directories, databases, SaaS applications).

Features:
  - Pull synchronization with pluggable correlation rules
  - Push propagation with per-resource status tracking
  - Attribute mapping with derived and virtual attributes
  - Rego policies vetoing individual propagations
  - Cron-scheduled provisioning tasks`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "resources.yaml", "resource configuration file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "idsync.db", "sqlite database path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newTaskCommand())
	rootCmd.AddCommand(newExecutionsCommand())
	rootCmd.AddCommand(newEntityCommand())
	rootCmd.AddCommand(newCacheCommand())

	return rootCmd
}

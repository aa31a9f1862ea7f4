package commands

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openidsync/openidsync/pkg/config"
	"github.com/openidsync/openidsync/pkg/engine"
	"github.com/openidsync/openidsync/pkg/policy"
	"github.com/openidsync/openidsync/pkg/rules"
)

func newValidateCommand() *cobra.Command {
	var (
		policyDir string
		rulesDir  string
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration, policies and rules",
		Long: `Validate the resource configuration file without starting the engine.

This command checks:
  - YAML syntax and schema conformance
  - Mapping invariants (exactly one connObjectKey per provision)
  - Virtual schema bindings
  - Rego policy compilation
  - Starlark correlation rule syntax`,
		Example: `  # Validate the default configuration
  idsync validate

  # Validate a specific configuration with policies
  idsync validate -c ./resources.yaml --policies ./policies`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			quiet := log.Logger.Level(zerolog.Disabled)
			cfg, err := config.Load(configPath, quiet)
			if err != nil {
				return fmt.Errorf("configuration invalid: %w", err)
			}
			resources := cfg.Resources()
			fmt.Printf("configuration ok: %d resource(s)\n", len(resources))
			if verbose {
				for _, r := range resources {
					fmt.Printf("  %s (bundle %s, %d provision(s))\n",
						r.Key, r.Connector.Bundle, len(r.Provisions))
				}
			}

			if policyDir != "" {
				pols, err := policy.NewEngine(quiet)
				if err != nil {
					return err
				}
				if err := pols.LoadPaths(ctx, []string{policyDir}); err != nil {
					return fmt.Errorf("policies invalid: %w", err)
				}
				fmt.Printf("policies ok: %d compiled\n", len(pols.ListPolicies()))
			}

			if rulesDir != "" {
				loaded, err := rules.LoadDirectory(rulesDir, engine.NewRegistry(), quiet)
				if err != nil {
					return fmt.Errorf("correlation rules invalid: %w", err)
				}
				fmt.Printf("correlation rules ok: %d parsed\n", loaded)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&policyDir, "policies", "", "directory of .rego policy files")
	cmd.Flags().StringVar(&rulesDir, "rules", "", "directory of .star correlation rule scripts")

	return cmd
}

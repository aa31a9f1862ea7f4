package commands

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openidsync/openidsync/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	var (
		policyDir       string
		rulesDir        string
		metricsAddr     string
		noMetrics       bool
		noWatch         bool
		tracingExporter string
		tracingEndpoint string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the provisioning engine",
		Long: `Start the provisioning engine as a long-running daemon.

The daemon restores the cron schedules of all persisted tasks, watches the
resource configuration file for changes, and serves Prometheus metrics.
It runs until interrupted.`,
		Example: `  # Run with defaults
  idsync serve

  # Run with custom policies and correlation rules
  idsync serve --policies ./policies --rules ./rules

  # Run without the metrics endpoint
  idsync serve --no-metrics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			telCfg := telemetry.DefaultConfig()
			telCfg.ServiceName = "idsync"
			telCfg.Metrics.Enabled = !noMetrics
			telCfg.Metrics.ListenAddress = metricsAddr
			telCfg.Tracing.Enabled = tracingExporter != ""
			if telCfg.Tracing.Enabled {
				telCfg.Tracing.Exporter = tracingExporter
				telCfg.Tracing.Endpoint = tracingEndpoint
			}
			tel, err := telemetry.NewTelemetry(telCfg)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := tel.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Telemetry shutdown failed")
				}
			}()

			a, err := buildApp(ctx, log.Logger, appOptions{
				policyDir: policyDir,
				rulesDir:  rulesDir,
				tel:       tel,
			})
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					log.Warn().Err(err).Msg("Shutdown incomplete")
				}
			}()

			if !noMetrics {
				if err := tel.StartMetricsServer(); err != nil {
					return err
				}
				log.Info().Str("addr", metricsAddr).Msg("Metrics endpoint listening")
			}

			if !noWatch {
				if err := a.cfg.Watch(ctx); err != nil {
					return err
				}
				log.Info().Str("path", configPath).Msg("Watching resource configuration")
			}

			a.sched.Start()
			if err := a.runner.RestoreSchedules(ctx); err != nil {
				return err
			}

			log.Info().
				Int("resources", len(a.cfg.Resources())).
				Int("policies", len(a.policies.ListPolicies())).
				Msg("Provisioning engine started")

			<-ctx.Done()
			log.Info().Msg("Stopping provisioning engine")
			return nil
		},
	}

	cmd.Flags().StringVar(&policyDir, "policies", "", "directory of .rego policy files")
	cmd.Flags().StringVar(&rulesDir, "rules", "", "directory of .star correlation rule scripts")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "metrics listen address")
	cmd.Flags().BoolVar(&noMetrics, "no-metrics", false, "disable the metrics endpoint")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "disable configuration hot reload")
	cmd.Flags().StringVar(&tracingExporter, "tracing-exporter", "", "trace exporter (otlp or stdout); empty disables tracing")
	cmd.Flags().StringVar(&tracingEndpoint, "tracing-endpoint", "localhost:4317", "OTLP collector endpoint")

	return cmd
}

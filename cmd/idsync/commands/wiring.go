package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/openidsync/openidsync/pkg/config"
	"github.com/openidsync/openidsync/pkg/connectors"
	"github.com/openidsync/openidsync/pkg/engine"
	"github.com/openidsync/openidsync/pkg/policy"
	"github.com/openidsync/openidsync/pkg/rules"
	"github.com/openidsync/openidsync/pkg/scheduler"
	"github.com/openidsync/openidsync/pkg/stores"
	"github.com/openidsync/openidsync/pkg/telemetry"
)

// appOptions selects the optional collaborators of one app instance.
type appOptions struct {
	policyDir string
	rulesDir  string
	tel       *telemetry.Telemetry
}

// app bundles the wired provisioning engine for one command invocation.
type app struct {
	cfg      *config.Store
	store    *stores.SQLiteStore
	gateway  *connectors.Gateway
	sched    *scheduler.CronScheduler
	registry *engine.Registry
	cache    *engine.VirAttrCache
	runner   *engine.TaskRunner
	policies *policy.Engine
	log      zerolog.Logger
}

// buildApp wires the engine from the global --config and --db flags.
func buildApp(ctx context.Context, logger zerolog.Logger, opts appOptions) (*app, error) {
	cfg, err := config.Load(configPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: dbPath})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	policies, err := policy.NewEngine(logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if opts.policyDir != "" {
		if err := policies.LoadPaths(ctx, []string{opts.policyDir}); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	registry := engine.NewRegistry()
	if opts.rulesDir != "" {
		if _, err := rules.LoadDirectory(opts.rulesDir, registry, logger); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	var inst *engine.Instrumentation
	gatewayOpts := []connectors.GatewayOption{}
	if opts.tel != nil {
		inst = &engine.Instrumentation{
			Metrics: opts.tel.Metrics,
			Events:  opts.tel.Events,
			Tracer:  opts.tel.Tracer,
		}
		gatewayOpts = append(gatewayOpts, connectors.WithMetrics(opts.tel.Metrics))
	}
	gateway := connectors.NewGateway(cfg, logger, gatewayOpts...)

	sched := scheduler.NewCronScheduler(logger)
	cache := engine.NewVirAttrCache(gateway, cfg, logger,
		engine.WithCacheInstrumentation(inst))
	resolver := engine.NewMappingResolver(cache)
	matching := engine.NewMatchingEngine(store, registry, logger)
	coordinator := engine.NewPropagationCoordinator(
		gateway, cfg, store, store, resolver, policies, 0, logger,
		engine.WithCoordinatorInstrumentation(inst))
	runner := engine.NewTaskRunner(
		store, store, gateway, cfg, sched, registry, matching, coordinator, cache, logger,
		engine.WithRunnerInstrumentation(inst))
	runner.BindConfigWatcher(cfg)
	cfg.OnChange(gateway.InvalidateResource)

	return &app{
		cfg:      cfg,
		store:    store,
		gateway:  gateway,
		sched:    sched,
		registry: registry,
		cache:    cache,
		runner:   runner,
		policies: policies,
		log:      logger,
	}, nil
}

// Close releases connectors, the scheduler, and the database.
func (a *app) Close() error {
	a.sched.Stop()
	if err := a.gateway.Close(); err != nil {
		a.log.Warn().Err(err).Msg("Failed to close connectors")
	}
	return a.store.Close()
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package telemetry_test

import (
	"context"
	"fmt"
	"time"

	"github.com/openidsync/openidsync/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Example_basicSetup demonstrates basic telemetry setup.
func Example_basicSetup() {
	// Create configuration
	cfg := telemetry.DefaultConfig()
	cfg.ServiceName = "idsync"
	cfg.ServiceVersion = "1.0.0"
	cfg.Metrics.Enabled = false

	// Initialize telemetry
	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	// Add telemetry to context
	ctx := tel.WithContext(context.Background())

	// Use telemetry
	logger := telemetry.FromContext(ctx)
	logger.Info("Provisioning engine started")

	// Output can vary, so we don't specify output for this example
}

// Example_structuredLogging demonstrates structured logging features.
func Example_structuredLogging() {
	cfg := telemetry.DevelopmentConfig()
	cfg.Logging.Output = "stdout"

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	// Component-specific logger
	logger := tel.Logger.NewComponentLogger("runner")

	// Add context fields
	logger = logger.WithExecutionID("exec-123").WithResource("ldap-prod")

	// Log at different levels
	logger.Debug("Starting pull synchronization")
	logger.Info("Remote object matched to existing user")
	logger.Warn("Correlation returned more than one match")

	// Log with error
	err := fmt.Errorf("network timeout")
	logger.WithError(err).Error("Connector search failed")

	// Output varies, no output specified
}

// Example_distributedTracing demonstrates distributed tracing usage.
func Example_distributedTracing() {
	cfg := telemetry.DevelopmentConfig()
	cfg.Tracing.Exporter = "stdout"

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	// Start an execution span
	ctx, span := tel.Tracer.StartExecutionSpan(ctx, "exec-123", "task-456", "pull")
	defer span.End()

	// Add event
	span.AddEvent("mapping.resolved")

	// Nested connector span
	_, childSpan := tel.Tracer.StartConnectorSpan(ctx, "ldap-prod", "search")
	defer childSpan.End()

	childSpan.SetAttributes(
		attribute.String("entity.kind", "USER"),
		attribute.Int("page.size", 100),
	)

	// Simulate work
	time.Sleep(10 * time.Millisecond)

	// Record success
	telemetry.RecordSuccess(childSpan)

	// Output varies, no output specified
}

// Example_metricsCollection demonstrates metrics collection.
func Example_metricsCollection() {
	cfg := telemetry.DefaultConfig()
	cfg.Metrics.Enabled = true

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	// Record execution metrics
	tel.Metrics.RecordExecutionStarted("pull")

	// Simulate execution
	start := time.Now()
	time.Sleep(50 * time.Millisecond)
	duration := time.Since(start)

	tel.Metrics.RecordExecutionCompleted("pull", "SUCCESS", duration)
	tel.Metrics.RecordRecordsProcessed("pull", 42, 1)

	// Record propagation and connector metrics
	tel.Metrics.RecordPropagation("ldap-prod", "UPDATE", "SUCCESS")
	tel.Metrics.RecordConnectorCall("ldap-prod", "update", 15*time.Millisecond)

	// Record error metrics
	tel.Metrics.RecordError("transient", "TIMEOUT")

	// Record cache activity
	tel.Metrics.RecordCacheRead("hit")
	tel.Metrics.SetCacheSize(128)

	fmt.Println("Metrics recorded successfully")
	// Output: Metrics recorded successfully
}

// Example_eventPublishing demonstrates event publishing and subscription.
func Example_eventPublishing() {
	cfg := telemetry.DefaultConfig()
	cfg.Events.Enabled = true
	cfg.Events.EnableAsync = false // Synchronous for example

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	// Subscribe to events
	tel.Events.Subscribe(func(event telemetry.Event) {
		fmt.Printf("Event: %s - %s\n", event.Type, event.Message)
	}, nil) // No filter, receive all events

	// Publish events
	tel.Events.PublishExecutionStarted("exec-123", "task-456", "pull")
	tel.Events.PublishEntityChanged("user-1", "USER", "UPDATE")
	tel.Events.PublishExecutionCompleted("exec-123", "task-456", "SUCCESS", 42, 0)

	// Output varies due to async nature, no output specified
}

// Example_eventFiltering demonstrates event filtering.
func Example_eventFiltering() {
	cfg := telemetry.DefaultConfig()
	cfg.Events.Enabled = true
	cfg.Events.EnableAsync = false

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	// Subscribe with level filter (only warnings and errors)
	tel.Events.Subscribe(func(event telemetry.Event) {
		fmt.Printf("Important event: %s\n", event.Type)
	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))

	// Subscribe with type filter (only policy vetoes)
	tel.Events.Subscribe(func(event telemetry.Event) {
		fmt.Printf("Veto: %s\n", event.Message)
	}, telemetry.FilterByType(telemetry.EventTypePolicyVeto))

	// Publish various events
	tel.Events.PublishExecutionStarted("exec-123", "task-456", "push") // Info - filtered by level filter
	tel.Events.PublishPolicyVeto("user-1", "ldap-prod", "protected realm")
	tel.Events.PublishPropagationOutcome("user-1", "ldap-prod", "DELETE", "FAILURE", "timeout")

	// Output varies, no output specified
}

// Example_productionConfiguration demonstrates production-ready configuration.
func Example_productionConfiguration() {
	cfg := telemetry.ProductionConfig()

	// Customize for your environment
	cfg.ServiceName = "idsync"
	cfg.ServiceVersion = "1.2.3"
	cfg.Environment = "production"

	// Configure OTLP exporter
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.Endpoint = "otel-collector.monitoring.svc.cluster.local:4317"
	cfg.Tracing.SamplingRate = 0.1 // 10% sampling
	cfg.Tracing.Insecure = false   // Use TLS in production

	// Configure metrics
	cfg.Metrics.ListenAddress = ":9090"
	cfg.Metrics.Namespace = "idsync"

	// Configure events
	cfg.Events.BufferSize = 10000
	cfg.Events.FlushInterval = 5 * time.Second

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	fmt.Println("Production configuration validated")
	// Output: Production configuration validated
}

// Example_errorRecording demonstrates error recording with proper classification.
func Example_errorRecording() {
	cfg := telemetry.DevelopmentConfig()
	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	// Start a span
	ctx, span := tel.Tracer.StartConnectorSpan(ctx, "hr-db", "create")
	defer span.End()

	// Simulate an error
	err := fmt.Errorf("connection timeout")

	if err != nil {
		// Record error on span
		telemetry.RecordError(span, err)

		// Record error metric with classification
		tel.Metrics.RecordError("transient", "TIMEOUT")

		// Log error
		logger := telemetry.FromContext(ctx)
		logger.WithError(err).Error("Propagation failed")
	}

	fmt.Println("Error recording complete")
	// Output: Error recording complete
}

// Example_multipleComponents demonstrates telemetry in a multi-component system.
func Example_multipleComponents() {
	cfg := telemetry.DevelopmentConfig()
	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	// Component-specific loggers
	runnerLogger := tel.Logger.NewComponentLogger("runner")
	propagationLogger := tel.Logger.NewComponentLogger("propagation")
	gatewayLogger := tel.Logger.NewComponentLogger("gateway")

	runnerLogger.Info("Runner initialized")
	propagationLogger.Info("Propagation coordinator ready")
	gatewayLogger.Info("Connector gateway ready")

	fmt.Println("Multi-component logging complete")
	// Output: Multi-component logging complete
}

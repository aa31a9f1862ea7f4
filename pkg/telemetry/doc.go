// Package telemetry provides observability instrumentation for the
// provisioning engine.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing into a unified
// system for monitoring synchronization and propagation activity.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "idsync"
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
// Add telemetry to context:
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// The logger provides component-specific logging with context propagation:
//
//	logger := tel.Logger.NewComponentLogger("runner")
//	logger = logger.WithExecutionID("exec-123").WithTaskID("task-456")
//	logger.Info("Starting pull synchronization")
//	logger.WithError(err).Error("Synchronization failed")
//
// # Distributed Tracing
//
// Tracing covers task executions, propagation dispatches, and connector
// calls:
//
//	ctx, span := tel.Tracer.StartExecutionSpan(ctx, execID, taskID, "pull")
//	defer span.End()
//
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	}
//
// Supported exporters: OTLP (production), Stdout (development), none.
//
// # Metrics
//
// Key metrics exposed at /metrics (default :9090):
//
//   - idsync_task_executions_started_total{task_type}
//   - idsync_task_executions_completed_total{task_type,status}
//   - idsync_task_execution_duration_seconds{task_type,status}
//   - idsync_records_processed_total{task_type,outcome}
//   - idsync_propagations_total{resource,operation,status}
//   - idsync_connector_calls_total{resource,operation}
//   - idsync_connector_call_duration_seconds{resource,operation}
//   - idsync_connector_errors_total{resource,operation}
//   - idsync_vir_attr_cache_reads_total{result}
//   - idsync_errors_by_class_total{class}
//   - idsync_active_task_executions
//
// # Event Publishing
//
// The event system provides async publishing with buffering and filtering:
//
//	tel.Events.PublishExecutionStarted(execID, taskID, "pull")
//	tel.Events.PublishPropagationOutcome(entityKey, resourceKey, "UPDATE", "SUCCESS", "")
//
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("Event: %s - %s\n", event.Type, event.Message)
//	}, telemetry.FilterByLevel("warning"))
//
// # Graceful Shutdown
//
// Always shut down telemetry gracefully to flush pending data:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//	if err := tel.Shutdown(ctx); err != nil {
//	    log.Printf("Telemetry shutdown error: %v", err)
//	}
//
// # Security Considerations
//
//   - Never log credentials or connector secrets
//   - Use secure connections (TLS) for trace exporters in production
//   - Limit metrics endpoint access via network policies
package telemetry

package engine

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/trace"

	"github.com/openidsync/openidsync/pkg/telemetry"
)

// Instrumentation bundles the optional telemetry collaborators of the engine
// components. Every method is safe on a nil receiver and with any subset of
// fields unset, so attaching telemetry stays a pure opt-in.
type Instrumentation struct {
	Metrics *telemetry.Metrics
	Events  *telemetry.EventPublisher
	Tracer  *telemetry.Tracer
}

// RunnerOption configures optional TaskRunner collaborators.
type RunnerOption func(*TaskRunner)

// WithRunnerInstrumentation attaches telemetry to the runner.
func WithRunnerInstrumentation(in *Instrumentation) RunnerOption {
	return func(r *TaskRunner) { r.inst = in }
}

// CoordinatorOption configures optional PropagationCoordinator collaborators.
type CoordinatorOption func(*PropagationCoordinator)

// WithCoordinatorInstrumentation attaches telemetry to the coordinator.
func WithCoordinatorInstrumentation(in *Instrumentation) CoordinatorOption {
	return func(c *PropagationCoordinator) { c.inst = in }
}

// CacheOption configures optional VirAttrCache collaborators.
type CacheOption func(*VirAttrCache)

// WithCacheInstrumentation attaches telemetry to the cache.
func WithCacheInstrumentation(in *Instrumentation) CacheOption {
	return func(c *VirAttrCache) { c.inst = in }
}

// executionStarted opens the execution span and records the start. The
// returned func stamps the terminal outcome read from exec; it must run once,
// after the execution record is final.
func (in *Instrumentation) executionStarted(ctx context.Context, task *ProvisioningTask, exec *TaskExecution) (context.Context, func()) {
	if in == nil {
		return ctx, func() {}
	}
	var span trace.Span
	if in.Tracer != nil {
		ctx, span = in.Tracer.StartExecutionSpan(ctx, exec.ID, task.ID, string(task.Type))
	}
	if in.Metrics != nil {
		in.Metrics.RecordExecutionStarted(string(task.Type))
	}
	if in.Events != nil {
		_ = in.Events.PublishExecutionStarted(exec.ID, task.ID, string(task.Type))
	}
	timer := telemetry.NewTimer()
	return ctx, func() {
		if span != nil {
			if exec.Status == ExecFailure {
				telemetry.RecordError(span, errors.New(exec.Message))
			} else {
				telemetry.RecordSuccess(span)
			}
			span.End()
		}
		if in.Metrics != nil {
			in.Metrics.RecordExecutionCompleted(string(task.Type), string(exec.Status), timer.Duration())
			in.Metrics.RecordRecordsProcessed(string(task.Type), exec.Succeeded, exec.Failed)
		}
		if in.Events != nil {
			_ = in.Events.PublishExecutionCompleted(exec.ID, exec.TaskID, string(exec.Status), exec.Succeeded, exec.Failed)
		}
	}
}

// dispatchStarted opens the propagation span for one dispatch. The returned
// func records the dispatch outcome on span, counters, and event stream.
func (in *Instrumentation) dispatchStarted(ctx context.Context, entityKey, resourceKey string, op Operation) (context.Context, func(status PropagationStatus)) {
	if in == nil {
		return ctx, func(PropagationStatus) {}
	}
	var span trace.Span
	if in.Tracer != nil {
		ctx, span = in.Tracer.StartPropagationSpan(ctx, entityKey, resourceKey, string(op))
	}
	return ctx, func(status PropagationStatus) {
		if span != nil {
			if status.Status == PropFailure {
				telemetry.RecordError(span, errors.New(status.Message))
			} else {
				telemetry.RecordSuccess(span)
			}
			span.End()
		}
		if in.Metrics != nil {
			in.Metrics.RecordPropagation(status.ResourceKey, string(op), string(status.Status))
		}
		if in.Events != nil {
			if status.Status == PropRefused {
				_ = in.Events.PublishPolicyVeto(entityKey, status.ResourceKey, status.Message)
			}
			_ = in.Events.PublishPropagationOutcome(entityKey, status.ResourceKey, string(op), string(status.Status), status.Message)
		}
	}
}

// failureRecorded counts one classified failure.
func (in *Instrumentation) failureRecorded(err error) {
	if in == nil || in.Metrics == nil || err == nil {
		return
	}
	var pe *ProvisioningError
	if errors.As(err, &pe) {
		in.Metrics.RecordError(string(pe.Class), pe.Code)
		return
	}
	in.Metrics.RecordError(string(ErrorClassPermanent), "")
}

// entityChanged publishes one internal entity mutation.
func (in *Instrumentation) entityChanged(entity *AnyEntity, op Operation) {
	if in == nil || in.Events == nil {
		return
	}
	_ = in.Events.PublishEntityChanged(entity.Key, string(entity.Kind), string(op))
}

// cacheRead counts one cache read outcome and refreshes the size gauge.
func (in *Instrumentation) cacheRead(result string, size int) {
	if in == nil || in.Metrics == nil {
		return
	}
	in.Metrics.RecordCacheRead(result)
	in.Metrics.SetCacheSize(float64(size))
}

// cacheInvalidated publishes one invalidation trigger.
func (in *Instrumentation) cacheInvalidated(scope, key string, dropped, remaining int) {
	if in == nil {
		return
	}
	if in.Metrics != nil {
		in.Metrics.SetCacheSize(float64(remaining))
	}
	if in.Events != nil {
		_ = in.Events.PublishCacheInvalidated(scope, key, dropped)
	}
}

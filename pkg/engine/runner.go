package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultPageSize bounds one external search page when the task does not
// configure its own page size.
const DefaultPageSize = 100

// runHandle tracks one in-flight execution of a task.
type runHandle struct {
	execID string
	cancel context.CancelFunc
}

// TaskRunner owns the provisioning task lifecycle and is the facade the
// command surface talks to: task CRUD with cron registration, execution with
// an atomic per-task busy check, entity mutations with outbound propagation,
// and the virtual attribute read/write operations.
type TaskRunner struct {
	entities    EntityStore
	tasks       TaskStore
	gateway     ConnectorGateway
	config      ConfigSource
	scheduler   Scheduler
	registry    *Registry
	matching    *MatchingEngine
	coordinator *PropagationCoordinator
	cache       *VirAttrCache
	inst        *Instrumentation
	log         zerolog.Logger

	// running holds one runHandle per task id. LoadOrStore is the atomic
	// busy check: a second trigger while the task runs is rejected.
	running sync.Map
}

// NewTaskRunner creates a task runner over the given collaborators.
func NewTaskRunner(
	entities EntityStore,
	tasks TaskStore,
	gateway ConnectorGateway,
	config ConfigSource,
	scheduler Scheduler,
	registry *Registry,
	matching *MatchingEngine,
	coordinator *PropagationCoordinator,
	cache *VirAttrCache,
	logger zerolog.Logger,
	opts ...RunnerOption,
) *TaskRunner {
	r := &TaskRunner{
		entities:    entities,
		tasks:       tasks,
		gateway:     gateway,
		config:      config,
		scheduler:   scheduler,
		registry:    registry,
		matching:    matching,
		coordinator: coordinator,
		cache:       cache,
		log:         logger.With().Str("component", "task-runner").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// BindConfigWatcher subscribes the runner to configuration reloads so cached
// virtual attribute values bound to a changed resource are dropped.
func (r *TaskRunner) BindConfigWatcher(watcher ConfigWatcher) {
	watcher.OnChange(func(resourceKey string) {
		r.log.Info().Str("resource", resourceKey).
			Msg("Resource configuration changed, invalidating cached virtual attributes")
		r.cache.InvalidateResource(resourceKey)
	})
}

// CreateTask validates and persists a task definition, then registers its
// cron schedule. An unparseable cron expression rolls the definition back.
func (r *TaskRunner) CreateTask(ctx context.Context, task *ProvisioningTask) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if err := r.validateTask(task); err != nil {
		return err
	}
	if err := r.tasks.SaveTask(ctx, task); err != nil {
		return err
	}
	if err := r.registerSchedule(task); err != nil {
		if delErr := r.tasks.DeleteTask(ctx, task.ID); delErr != nil {
			r.log.Error().Err(delErr).Str("task", task.ID).
				Msg("Failed to roll back task after schedule registration failure")
		}
		return err
	}
	r.log.Info().Str("task", task.ID).Str("name", task.Name).
		Str("type", string(task.Type)).Msg("Task created")
	return nil
}

// UpdateTask validates and persists a changed task definition and replaces
// its cron schedule.
func (r *TaskRunner) UpdateTask(ctx context.Context, task *ProvisioningTask) error {
	if err := r.validateTask(task); err != nil {
		return err
	}
	if _, err := r.tasks.GetTask(ctx, task.ID); err != nil {
		return err
	}
	if err := r.tasks.SaveTask(ctx, task); err != nil {
		return err
	}
	if err := r.scheduler.UnregisterJob(task.ID); err != nil {
		return err
	}
	return r.registerSchedule(task)
}

// DeleteTask removes a task definition and its schedule. A running task
// cannot be deleted.
func (r *TaskRunner) DeleteTask(ctx context.Context, taskID string) error {
	if _, busy := r.running.Load(taskID); busy {
		return NewPermanentError(
			fmt.Sprintf("task %s is running", taskID), nil).
			WithCode(ErrCodeTaskBusy)
	}
	if err := r.scheduler.UnregisterJob(taskID); err != nil {
		return err
	}
	return r.tasks.DeleteTask(ctx, taskID)
}

// GetTask retrieves one task definition.
func (r *TaskRunner) GetTask(ctx context.Context, taskID string) (*ProvisioningTask, error) {
	return r.tasks.GetTask(ctx, taskID)
}

// ListTasks returns all task definitions.
func (r *TaskRunner) ListTasks(ctx context.Context) ([]*ProvisioningTask, error) {
	return r.tasks.ListTasks(ctx)
}

// GetExecution retrieves one execution record.
func (r *TaskRunner) GetExecution(ctx context.Context, execID string) (*TaskExecution, error) {
	return r.tasks.GetExecution(ctx, execID)
}

// ListExecutions returns a task's execution history, most recent first.
func (r *TaskRunner) ListExecutions(ctx context.Context, taskID string) ([]*TaskExecution, error) {
	return r.tasks.ListExecutions(ctx, taskID)
}

// RestoreSchedules re-registers the cron schedule of every persisted task.
// Called once at startup.
func (r *TaskRunner) RestoreSchedules(ctx context.Context) error {
	tasks, err := r.tasks.ListTasks(ctx)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if err := r.registerSchedule(task); err != nil {
			r.log.Error().Err(err).Str("task", task.ID).
				Msg("Failed to restore task schedule")
		}
	}
	return nil
}

// Execute starts one execution of the task and returns its execution id
// without waiting for completion. A task already running is rejected with
// ErrCodeTaskBusy; no second execution record is created.
func (r *TaskRunner) Execute(ctx context.Context, taskID string) (string, error) {
	task, err := r.tasks.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}

	handle := &runHandle{}
	if _, loaded := r.running.LoadOrStore(task.ID, handle); loaded {
		return "", NewPermanentError(
			fmt.Sprintf("task %s is already running", task.ID), nil).
			WithCode(ErrCodeTaskBusy)
	}

	exec := &TaskExecution{
		ID:        uuid.New().String(),
		TaskID:    task.ID,
		Status:    ExecRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := r.tasks.CreateExecution(ctx, exec); err != nil {
		r.running.Delete(task.ID)
		return "", err
	}

	// The run outlives the trigger's context; cancellation goes through
	// CancelExecution only.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	handle.execID = exec.ID
	handle.cancel = cancel

	go func() {
		defer r.running.Delete(task.ID)
		defer cancel()
		r.run(runCtx, task, exec)
	}()

	return exec.ID, nil
}

// CancelExecution requests cancellation of a running execution. The run
// stops at the next record boundary and finishes as PARTIAL.
func (r *TaskRunner) CancelExecution(execID string) error {
	var found bool
	r.running.Range(func(_, value any) bool {
		handle := value.(*runHandle)
		if handle.execID == execID {
			handle.cancel()
			found = true
			return false
		}
		return true
	})
	if !found {
		return NewPermanentError(
			fmt.Sprintf("no running execution %s", execID), nil).
			WithCode(ErrCodeNotFound)
	}
	return nil
}

// CreateEntity persists a new entity and propagates the create to its
// effective resources. Propagation failures surface as statuses, not errors.
func (r *TaskRunner) CreateEntity(ctx context.Context, entity *AnyEntity) ([]PropagationStatus, error) {
	now := time.Now().UTC()
	if entity.Key == "" {
		entity.Key = uuid.New().String()
	}
	entity.CreatedAt = now
	entity.UpdatedAt = now
	if err := r.entities.Save(ctx, entity); err != nil {
		return nil, err
	}
	r.inst.entityChanged(entity, OperationCreate)
	return r.coordinator.Propagate(ctx, entity, OperationCreate)
}

// UpdateEntity persists entity changes and propagates the update.
func (r *TaskRunner) UpdateEntity(ctx context.Context, entity *AnyEntity) ([]PropagationStatus, error) {
	entity.UpdatedAt = time.Now().UTC()
	if err := r.entities.Save(ctx, entity); err != nil {
		return nil, err
	}
	r.inst.entityChanged(entity, OperationUpdate)
	return r.coordinator.Propagate(ctx, entity, OperationUpdate)
}

// DeleteEntity propagates the delete to the entity's effective resources,
// then removes the entity and drops its cached virtual attribute values.
// Propagation runs first because the delete payload needs the entity's
// attributes to resolve each external record key.
func (r *TaskRunner) DeleteEntity(ctx context.Context, entityKey string) ([]PropagationStatus, error) {
	entity, err := r.entities.Get(ctx, entityKey)
	if err != nil {
		return nil, err
	}
	statuses, err := r.coordinator.Propagate(ctx, entity, OperationDelete)
	if err != nil {
		return nil, err
	}
	if err := r.entities.Delete(ctx, entityKey); err != nil {
		return statuses, err
	}
	r.inst.entityChanged(entity, OperationDelete)
	r.cache.InvalidateEntity(entityKey)
	return statuses, nil
}

// ReadVirtualAttribute returns the entity's virtual attribute values through
// the cache.
func (r *TaskRunner) ReadVirtualAttribute(ctx context.Context, entityKey, schema string) ([]string, error) {
	entity, err := r.entities.Get(ctx, entityKey)
	if err != nil {
		return nil, err
	}
	if !entity.HasVirSchema(schema) {
		return nil, NewPermanentError(
			fmt.Sprintf("virtual schema %q not on entity %s", schema, entityKey), nil).
			WithCode(ErrCodeNotFound)
	}
	return r.cache.Read(ctx, entity, schema), nil
}

// WriteVirtualAttribute writes through the cache to the schema's bound
// resource. The cache entry changes only when the propagation succeeds.
func (r *TaskRunner) WriteVirtualAttribute(ctx context.Context, entityKey, schema string, values []string) (*PropagationStatus, error) {
	entity, err := r.entities.Get(ctx, entityKey)
	if err != nil {
		return nil, err
	}
	if !entity.HasVirSchema(schema) {
		return nil, NewPermanentError(
			fmt.Sprintf("virtual schema %q not on entity %s", schema, entityKey), nil).
			WithCode(ErrCodeNotFound)
	}
	return r.cache.WriteThrough(ctx, entity, schema, values, r.coordinator.VirtualWriter(entity))
}

// ClearCache drops every cached virtual attribute value.
func (r *TaskRunner) ClearCache() {
	r.cache.Clear()
}

// registerSchedule registers the task's cron job; on-demand tasks register
// nothing.
func (r *TaskRunner) registerSchedule(task *ProvisioningTask) error {
	if task.CronExpr == "" {
		return nil
	}
	taskID := task.ID
	return r.scheduler.RegisterJob(taskID, task.CronExpr, func() {
		if _, err := r.Execute(context.Background(), taskID); err != nil {
			if HasCode(err, ErrCodeTaskBusy) {
				r.log.Warn().Str("task", taskID).
					Msg("Scheduled trigger skipped, task still running")
				return
			}
			r.log.Error().Err(err).Str("task", taskID).
				Msg("Scheduled trigger failed")
		}
	})
}

// validateTask checks the task definition against the current configuration
// and registry.
func (r *TaskRunner) validateTask(task *ProvisioningTask) error {
	fail := func(msg string) error {
		return NewPermanentError(msg, nil).WithCode(ErrCodeValidation)
	}
	if task.Name == "" {
		return fail("task name is required")
	}
	if err := task.Type.Validate(); err != nil {
		return fail(err.Error())
	}
	if err := task.Kind.Validate(); err != nil {
		return fail(err.Error())
	}

	resource, err := r.config.Resource(task.ResourceKey)
	if err != nil {
		return fail(fmt.Sprintf("unknown resource %q", task.ResourceKey))
	}
	if _, err := resource.Provision(task.Kind); err != nil {
		return fail(fmt.Sprintf("resource %q has no %s provision", task.ResourceKey, task.Kind))
	}

	switch task.Matching {
	case MatchUpdate, MatchIgnore, MatchMerge:
	default:
		return fail(fmt.Sprintf("invalid matching rule %q", task.Matching))
	}
	switch task.Unmatching {
	case UnmatchProvision, UnmatchAssign, UnmatchIgnore:
	default:
		return fail(fmt.Sprintf("invalid unmatching rule %q", task.Unmatching))
	}
	// Push ASSIGN links the task's own resource; only pull needs a rule to
	// locate the entity.
	if task.Type == TaskPull && task.Unmatching == UnmatchAssign && task.AssignmentRule == "" {
		return fail("ASSIGN unmatching rule requires an assignment rule")
	}

	if task.CorrelationRule != "" {
		if _, err := r.registry.Rule(task.CorrelationRule); err != nil {
			return err
		}
	}
	if task.AssignmentRule != "" {
		if _, err := r.registry.Rule(task.AssignmentRule); err != nil {
			return err
		}
	}
	if _, err := r.registry.Actions(task.Actions); err != nil {
		return err
	}
	if task.PageSize < 0 {
		return fail("page size must not be negative")
	}
	return nil
}

// run drives one execution to its terminal status. Every failure mode ends
// in an updated execution record; nothing is returned.
func (r *TaskRunner) run(ctx context.Context, task *ProvisioningTask, exec *TaskExecution) {
	log := r.log.With().Str("task", task.ID).Str("exec", exec.ID).Logger()
	log.Info().Str("type", string(task.Type)).Str("resource", task.ResourceKey).
		Msg("Task execution started")

	ctx, execDone := r.inst.executionStarted(ctx, task, exec)
	defer execDone()

	actions, err := r.registry.Actions(task.Actions)
	if err != nil {
		r.inst.failureRecorded(err)
		r.finish(ctx, exec, ExecFailure, err.Error(), actions, task, log)
		return
	}
	for _, action := range actions {
		if err := action.BeforeExecution(ctx, task); err != nil {
			r.inst.failureRecorded(err)
			r.finish(ctx, exec, ExecFailure, fmt.Sprintf("before-execution action failed: %s", err), actions, task, log)
			return
		}
	}

	resource, err := r.config.Resource(task.ResourceKey)
	if err != nil {
		r.inst.failureRecorded(err)
		r.finish(ctx, exec, ExecFailure, err.Error(), actions, task, log)
		return
	}
	provision, err := resource.Provision(task.Kind)
	if err != nil {
		r.inst.failureRecorded(err)
		r.finish(ctx, exec, ExecFailure, err.Error(), actions, task, log)
		return
	}

	var cancelled bool
	var fatal error
	switch task.Type {
	case TaskPull:
		cancelled, fatal = r.runPull(ctx, task, provision, actions, exec)
	case TaskPush:
		cancelled, fatal = r.runPush(ctx, task, provision, exec)
	}
	if fatal != nil {
		r.inst.failureRecorded(fatal)
	}

	status, message := summarize(exec, cancelled, fatal)
	r.finish(ctx, exec, status, message, actions, task, log)
}

// runPull pages through the external resource and matches every record. It
// reports whether the run was cancelled and any fatal error that stopped
// paging.
func (r *TaskRunner) runPull(ctx context.Context, task *ProvisioningTask, provision *Provision, actions []TaskAction, exec *TaskExecution) (cancelled bool, fatal error) {
	pageSize := task.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	pageToken := ""
	for {
		page, err := r.gateway.Search(ctx, task.ResourceKey, task.Kind, pageToken, pageSize)
		if err != nil {
			// A cancelled run surfaces the context error through the gateway;
			// that is a cancellation, not a fatal connector failure.
			if ctx.Err() != nil {
				return true, nil
			}
			return false, err
		}

		for i := range page.Objects {
			if ctx.Err() != nil {
				return true, nil
			}
			obj := &page.Objects[i]
			result, err := r.matching.Match(ctx, task, provision, obj, actions)
			if err != nil {
				r.inst.failureRecorded(err)
				exec.Failed++
				exec.Failures = append(exec.Failures, RecordFailure{Key: obj.Key, Reason: err.Error()})
				continue
			}
			exec.Succeeded++
			if result.Entity != nil {
				// Inbound changes may shift what the bound resources hold.
				r.cache.InvalidateEntity(result.Entity.Key)
			}
		}

		if page.NextToken == "" {
			return false, nil
		}
		pageToken = page.NextToken
	}
}

// runPush walks every entity in the task's scope and pushes it to the task's
// resource. Per entity the external record decides which rule applies: the
// matching rule when it exists, the unmatching rule when it does not. An
// ignored entity counts as succeeded.
func (r *TaskRunner) runPush(ctx context.Context, task *ProvisioningTask, provision *Provision, exec *TaskExecution) (cancelled bool, fatal error) {
	entities, err := r.entities.List(ctx, task.Realm, task.Kind)
	if err != nil {
		if ctx.Err() != nil {
			return true, nil
		}
		return false, err
	}

	for _, entity := range entities {
		if ctx.Err() != nil {
			return true, nil
		}
		status, err := r.pushEntity(ctx, task, provision, entity)
		if err != nil {
			r.inst.failureRecorded(err)
			exec.Failed++
			exec.Failures = append(exec.Failures, RecordFailure{Key: entity.Key, Reason: err.Error()})
			continue
		}
		if status != nil && status.Status != PropSuccess {
			exec.Failed++
			exec.Failures = append(exec.Failures, RecordFailure{Key: entity.Key, Reason: status.Message})
			continue
		}
		exec.Succeeded++
	}
	return false, nil
}

// pushEntity pushes one entity outward. A nil status with nil error means the
// entity was deliberately skipped by its rule.
func (r *TaskRunner) pushEntity(ctx context.Context, task *ProvisioningTask, provision *Provision, entity *AnyEntity) (*PropagationStatus, error) {
	connObjectKey, err := connObjectKeyValue(entity, provision)
	if err != nil {
		return nil, err
	}

	exists := true
	if _, err := r.gateway.GetObject(ctx, task.ResourceKey, task.Kind, connObjectKey); err != nil {
		if !HasCode(err, ErrCodeNotFound) {
			return nil, err
		}
		exists = false
	}

	var op Operation
	if exists {
		switch task.Matching {
		case MatchIgnore:
			r.log.Debug().Str("entity", entity.Key).Str("record", connObjectKey).
				Msg("Matched entity ignored by rule")
			return nil, nil
		default:
			// UPDATE and MERGE both push the mapped attribute set; there is
			// nothing external to merge outward.
			op = OperationUpdate
		}
	} else {
		switch task.Unmatching {
		case UnmatchIgnore:
			r.log.Debug().Str("entity", entity.Key).Str("record", connObjectKey).
				Msg("Unmatched entity ignored by rule")
			return nil, nil
		case UnmatchAssign:
			if !hasResource(entity, task.ResourceKey) {
				entity.Resources = append(entity.Resources, task.ResourceKey)
				entity.UpdatedAt = time.Now().UTC()
				if err := r.entities.Save(ctx, entity); err != nil {
					return nil, err
				}
			}
			op = OperationCreate
		default:
			op = OperationCreate
		}
	}

	return r.coordinator.PropagateToResource(ctx, entity, task.ResourceKey, op)
}

// finish stamps the terminal status onto the execution record and runs the
// after-execution actions.
func (r *TaskRunner) finish(ctx context.Context, exec *TaskExecution, status ExecStatus, message string, actions []TaskAction, task *ProvisioningTask, log zerolog.Logger) {
	now := time.Now().UTC()
	exec.Status = status
	exec.EndedAt = &now
	exec.Message = message

	// History survives caller cancellation.
	if err := r.tasks.UpdateExecution(context.WithoutCancel(ctx), exec); err != nil {
		log.Error().Err(err).Msg("Failed to persist execution outcome")
	}

	for _, action := range actions {
		if err := action.AfterExecution(ctx, task, exec); err != nil {
			log.Error().Err(err).Msg("After-execution action failed")
		}
	}

	log.Info().Str("status", string(status)).
		Int("succeeded", exec.Succeeded).Int("failed", exec.Failed).
		Msg("Task execution finished")
}

// summarize computes the terminal status from the execution counters.
func summarize(exec *TaskExecution, cancelled bool, fatal error) (ExecStatus, string) {
	switch {
	case cancelled:
		return ExecPartial, fmt.Sprintf("cancelled after %d records", exec.Succeeded+exec.Failed)
	case fatal != nil && exec.Succeeded == 0:
		return ExecFailure, fatal.Error()
	case fatal != nil:
		return ExecPartial, fmt.Sprintf("stopped after %d records: %s", exec.Succeeded+exec.Failed, fatal)
	case exec.Failed > 0 && exec.Succeeded == 0:
		return ExecFailure, fmt.Sprintf("%d records failed", exec.Failed)
	case exec.Failed > 0:
		return ExecPartial, fmt.Sprintf("%d of %d records failed", exec.Failed, exec.Succeeded+exec.Failed)
	default:
		return ExecSuccess, fmt.Sprintf("%d records processed", exec.Succeeded)
	}
}

package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultPropagationTimeout bounds one dispatch when the resource does not
// configure its own timeout.
const DefaultPropagationTimeout = 30 * time.Second

// PropagationPolicy can veto a single dispatch before it reaches the
// connector. A veto becomes a REFUSED status, never an error.
type PropagationPolicy interface {
	// Evaluate decides whether the operation may be dispatched. The reason is
	// recorded on the REFUSED status when allowed is false.
	Evaluate(ctx context.Context, entity *AnyEntity, resourceKey string, op Operation) (allowed bool, reason string, err error)
}

// PropagationCoordinator fans one internal mutation out to every assigned
// resource. Dispatches run in parallel and independently: one resource
// failing or timing out never blocks or fails the others, and the internal
// mutation is already committed before propagation starts. The returned
// status list has exactly one entry per effective resource, in assignment
// order.
type PropagationCoordinator struct {
	gateway  ConnectorGateway
	config   ConfigSource
	store    EntityStore
	tasks    TaskStore
	resolver *MappingResolver
	policy   PropagationPolicy
	timeout  time.Duration
	inst     *Instrumentation
	log      zerolog.Logger
}

// NewPropagationCoordinator creates a coordinator. The policy may be nil, in
// which case every dispatch is allowed. A zero defaultTimeout selects
// DefaultPropagationTimeout.
func NewPropagationCoordinator(
	gateway ConnectorGateway,
	config ConfigSource,
	store EntityStore,
	tasks TaskStore,
	resolver *MappingResolver,
	policy PropagationPolicy,
	defaultTimeout time.Duration,
	logger zerolog.Logger,
	opts ...CoordinatorOption,
) *PropagationCoordinator {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultPropagationTimeout
	}
	c := &PropagationCoordinator{
		gateway:  gateway,
		config:   config,
		store:    store,
		tasks:    tasks,
		resolver: resolver,
		policy:   policy,
		timeout:  defaultTimeout,
		log:      logger.With().Str("component", "propagation").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Propagate dispatches the mutation to every resource effectively assigned
// to the entity, directly or through group membership. It returns one status
// per resource; an error is returned only when the effective resource set
// itself cannot be computed.
func (c *PropagationCoordinator) Propagate(ctx context.Context, entity *AnyEntity, op Operation) ([]PropagationStatus, error) {
	resourceKeys, err := c.effectiveResources(ctx, entity)
	if err != nil {
		return nil, err
	}
	if len(resourceKeys) == 0 {
		return nil, nil
	}

	statuses := make([]PropagationStatus, len(resourceKeys))
	var wg sync.WaitGroup
	for i, resourceKey := range resourceKeys {
		wg.Add(1)
		go func(i int, resourceKey string) {
			defer wg.Done()
			statuses[i] = c.dispatch(ctx, entity, resourceKey, op, nil)
		}(i, resourceKey)
	}
	wg.Wait()

	c.recordHistory(ctx, entity.Key, op, statuses)
	return statuses, nil
}

// PropagateToResource dispatches the mutation to a single resource.
func (c *PropagationCoordinator) PropagateToResource(ctx context.Context, entity *AnyEntity, resourceKey string, op Operation) (*PropagationStatus, error) {
	status := c.dispatch(ctx, entity, resourceKey, op, nil)
	c.recordHistory(ctx, entity.Key, op, []PropagationStatus{status})
	return &status, nil
}

// VirtualWriter returns a PropagateFunc pushing one virtual attribute's
// values to its bound resource. Used by VirAttrCache.WriteThrough.
func (c *PropagationCoordinator) VirtualWriter(entity *AnyEntity) PropagateFunc {
	return func(ctx context.Context, binding *VirSchemaBinding, values []string) (*PropagationStatus, error) {
		connObjectKey, err := connObjectKeyValue(entity, binding.Provision)
		if err != nil {
			return nil, err
		}
		obj := &ConnObject{
			Class: binding.Provision.ObjectClass,
			Key:   connObjectKey,
			Attrs: map[string][]string{binding.ExtAttrName: values},
		}
		status := c.dispatch(ctx, entity, binding.ResourceKey, OperationUpdate, obj)
		c.recordHistory(ctx, entity.Key, OperationUpdate, []PropagationStatus{status})
		return &status, nil
	}
}

// effectiveResources returns the entity's directly assigned resources plus
// those inherited through group memberships, deduplicated in assignment
// order.
func (c *PropagationCoordinator) effectiveResources(ctx context.Context, entity *AnyEntity) ([]string, error) {
	seen := make(map[string]bool)
	var keys []string
	for _, key := range entity.Resources {
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	for _, groupKey := range entity.Memberships {
		group, err := c.store.Get(ctx, groupKey)
		if err != nil {
			if HasCode(err, ErrCodeNotFound) {
				c.log.Warn().Str("group", groupKey).Str("entity", entity.Key).
					Msg("Membership references missing group, skipping")
				continue
			}
			return nil, err
		}
		for _, key := range group.Resources {
			if !seen[key] {
				seen[key] = true
				keys = append(keys, key)
			}
		}
	}
	return keys, nil
}

// dispatch performs one bounded dispatch to one resource and converts every
// failure mode into a status. A non-nil override object skips mapping
// resolution (virtual attribute writes carry a pre-built attribute set).
func (c *PropagationCoordinator) dispatch(ctx context.Context, entity *AnyEntity, resourceKey string, op Operation, override *ConnObject) PropagationStatus {
	ctx, done := c.inst.dispatchStarted(ctx, entity.Key, resourceKey, op)
	status := c.dispatchOne(ctx, entity, resourceKey, op, override)
	done(status)
	return status
}

// dispatchOne is the uninstrumented dispatch body.
func (c *PropagationCoordinator) dispatchOne(ctx context.Context, entity *AnyEntity, resourceKey string, op Operation, override *ConnObject) PropagationStatus {
	resource, err := c.config.Resource(resourceKey)
	if err != nil {
		return failureStatus(resourceKey, err)
	}

	if c.policy != nil {
		allowed, reason, err := c.policy.Evaluate(ctx, entity, resourceKey, op)
		if err != nil {
			return failureStatus(resourceKey, err)
		}
		if !allowed {
			c.log.Info().Str("resource", resourceKey).Str("entity", entity.Key).
				Str("operation", string(op)).Str("reason", reason).
				Msg("Propagation refused by policy")
			return PropagationStatus{ResourceKey: resourceKey, Status: PropRefused, Message: reason}
		}
	}

	task, err := c.buildTask(ctx, entity, resource, op, override)
	if err != nil {
		return failureStatus(resourceKey, err)
	}

	timeout := resource.PropagationTimeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	dispatchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err = c.execute(dispatchCtx, task)
	elapsed := time.Since(start)

	if err != nil {
		if dispatchCtx.Err() == context.DeadlineExceeded {
			err = NewTransientError(
				fmt.Sprintf("propagation to %s exceeded %s", resourceKey, timeout), err).
				WithCode(ErrCodeTimeout).WithResource(resourceKey).WithOperation(string(op))
		}
		c.log.Warn().Err(err).Str("resource", resourceKey).Str("entity", entity.Key).
			Str("operation", string(op)).Dur("elapsed", elapsed).
			Msg("Propagation dispatch failed")
		return failureStatus(resourceKey, err)
	}

	c.log.Debug().Str("resource", resourceKey).Str("entity", entity.Key).
		Str("operation", string(op)).Dur("elapsed", elapsed).
		Msg("Propagation dispatch succeeded")
	return PropagationStatus{ResourceKey: resourceKey, Status: PropSuccess}
}

// buildTask resolves the dispatch payload for one resource.
func (c *PropagationCoordinator) buildTask(ctx context.Context, entity *AnyEntity, resource *ExternalResource, op Operation, override *ConnObject) (*PropagationTask, error) {
	task := &PropagationTask{
		EntityKey:   entity.Key,
		Kind:        entity.Kind,
		ResourceKey: resource.Key,
		Operation:   op,
	}

	if override != nil {
		task.Object = override
		task.ConnObjectKey = override.Key
		return task, nil
	}

	provision, err := resource.Provision(entity.Kind)
	if err != nil {
		return nil, err
	}

	if op == OperationDelete {
		connObjectKey, err := connObjectKeyValue(entity, provision)
		if err != nil {
			return nil, err
		}
		task.ConnObjectKey = connObjectKey
		return task, nil
	}

	obj, err := c.resolver.Resolve(ctx, entity, resource, DirectionOutbound)
	if err != nil {
		return nil, err
	}
	task.Object = obj
	task.ConnObjectKey = obj.Key
	return task, nil
}

// execute performs the connector call for one propagation task.
func (c *PropagationCoordinator) execute(ctx context.Context, task *PropagationTask) error {
	switch task.Operation {
	case OperationCreate:
		_, err := c.gateway.Create(ctx, task.ResourceKey, task.Kind, task.Object)
		return err
	case OperationUpdate:
		_, err := c.gateway.Update(ctx, task.ResourceKey, task.Kind, task.Object)
		return err
	case OperationDelete:
		err := c.gateway.Delete(ctx, task.ResourceKey, task.Kind, task.ConnObjectKey)
		// Deleting an already absent record is the desired end state.
		if err != nil && HasCode(err, ErrCodeNotFound) {
			return nil
		}
		return err
	default:
		return NewPermanentError(
			fmt.Sprintf("invalid propagation operation %q", task.Operation), nil).
			WithCode(ErrCodeValidation)
	}
}

// recordHistory appends the statuses to the propagation history. History is
// best effort: a store failure is logged, never surfaced to the caller.
func (c *PropagationCoordinator) recordHistory(ctx context.Context, entityKey string, op Operation, statuses []PropagationStatus) {
	if c.tasks == nil || len(statuses) == 0 {
		return
	}
	if err := c.tasks.AppendPropagationStatuses(ctx, entityKey, op, statuses); err != nil {
		c.log.Error().Err(err).Str("entity", entityKey).
			Msg("Failed to record propagation history")
	}
}

// failureStatus converts an error into a FAILURE status for its resource.
func failureStatus(resourceKey string, err error) PropagationStatus {
	return PropagationStatus{
		ResourceKey: resourceKey,
		Status:      PropFailure,
		Message:     err.Error(),
	}
}

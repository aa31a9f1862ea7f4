package engine

import (
	"context"
)

// EntityStore is the internal store contract consumed by every component
// that needs current attribute state. Persistence internals are the
// collaborator's concern.
type EntityStore interface {
	// Get retrieves an entity snapshot by key.
	Get(ctx context.Context, key string) (*AnyEntity, error)

	// Save creates or updates an entity.
	Save(ctx context.Context, entity *AnyEntity) error

	// Delete removes an entity by key.
	Delete(ctx context.Context, key string) error

	// List returns all entities of a kind within a realm. An empty realm
	// matches every realm.
	List(ctx context.Context, realm string, kind EntityKind) ([]*AnyEntity, error)

	// FindByAttr returns the entities of a kind whose plain attribute holds
	// the given value. Used for connObjectKey reverse lookups.
	FindByAttr(ctx context.Context, kind EntityKind, name, value string) ([]*AnyEntity, error)
}

// ConnectorGateway abstracts the provisioning connectors reaching external
// systems. Implementations must surface transport/auth failures (transient
// or permanent ErrCodeConnector) distinguishably from ErrCodeNotFound.
type ConnectorGateway interface {
	// Search returns one page of external records. An empty pageToken
	// requests the first page.
	Search(ctx context.Context, resourceKey string, kind EntityKind, pageToken string, pageSize int) (*Page, error)

	// GetObject reads one external record by its identifying key value.
	GetObject(ctx context.Context, resourceKey string, kind EntityKind, connObjectKey string) (*ConnObject, error)

	// Create creates an external record and returns its identifying key.
	Create(ctx context.Context, resourceKey string, kind EntityKind, obj *ConnObject) (string, error)

	// Update updates an external record and returns its identifying key.
	Update(ctx context.Context, resourceKey string, kind EntityKind, obj *ConnObject) (string, error)

	// Delete removes an external record by its identifying key value.
	Delete(ctx context.Context, resourceKey string, kind EntityKind, connObjectKey string) error
}

// Scheduler registers cron-driven and on-demand task triggers.
type Scheduler interface {
	// RegisterJob schedules the callback under the task id. A cron parse or
	// registration failure is an ErrCodeScheduling error.
	RegisterJob(taskID, cronExpr string, callback func()) error

	// UnregisterJob removes the task's scheduled job, if any.
	UnregisterJob(taskID string) error

	// TriggerNow runs the task's callback immediately.
	TriggerNow(taskID string) error
}

// TaskStore persists task definitions and append-only execution history.
type TaskStore interface {
	// SaveTask creates or updates a task definition.
	SaveTask(ctx context.Context, task *ProvisioningTask) error

	// GetTask retrieves a task definition by id.
	GetTask(ctx context.Context, taskID string) (*ProvisioningTask, error)

	// DeleteTask removes a task definition.
	DeleteTask(ctx context.Context, taskID string) error

	// ListTasks returns all task definitions.
	ListTasks(ctx context.Context) ([]*ProvisioningTask, error)

	// CreateExecution appends a new execution record.
	CreateExecution(ctx context.Context, exec *TaskExecution) error

	// UpdateExecution updates the execution's terminal status and counters.
	// History rows are otherwise append-only.
	UpdateExecution(ctx context.Context, exec *TaskExecution) error

	// GetExecution retrieves one execution record.
	GetExecution(ctx context.Context, execID string) (*TaskExecution, error)

	// ListExecutions returns a task's executions, most recent first.
	ListExecutions(ctx context.Context, taskID string) ([]*TaskExecution, error)

	// AppendPropagationStatuses persists per-resource propagation outcomes.
	AppendPropagationStatuses(ctx context.Context, entityKey string, op Operation, statuses []PropagationStatus) error
}

// VirSchemaBinding is the resolved binding of a virtual schema: which
// resource and external attribute supply its value.
type VirSchemaBinding struct {
	// Schema is the virtual schema definition.
	Schema *VirSchema

	// ResourceKey is the resource holding the authoritative value.
	ResourceKey string

	// ExtAttrName is the external attribute supplying the value.
	ExtAttrName string

	// Provision is the provision whose mapping established the binding.
	Provision *Provision
}

// ConfigSource exposes the current resource and schema configuration.
// Implementations that reload configuration at runtime notify subscribers so
// dependent caches can invalidate affected entries.
type ConfigSource interface {
	// Resource returns the resource configuration by key.
	Resource(key string) (*ExternalResource, error)

	// Resources returns all configured resources in declaration order.
	Resources() []*ExternalResource

	// VirSchemaBinding resolves the resource/attribute binding of a virtual
	// schema within one kind's namespace.
	VirSchemaBinding(kind EntityKind, schema string) (*VirSchemaBinding, error)
}

// ConfigWatcher is implemented by configuration sources that can notify
// about configuration changes affecting resource bindings.
type ConfigWatcher interface {
	// OnChange registers a callback invoked with the key of every resource
	// whose configuration changed.
	OnChange(func(resourceKey string))
}

// CorrelationRule computes the internal correlation candidates for one
// external record. Implementations register in the Registry under a stable
// string id.
type CorrelationRule interface {
	// Correlate returns zero or more candidate entities for the record.
	// More than one candidate makes the record ambiguous; the rule does not
	// resolve ambiguity itself.
	Correlate(ctx context.Context, store EntityStore, kind EntityKind, obj *ConnObject) ([]*AnyEntity, error)
}

// TaskAction is a pluggable unit invoked around task execution, registered
// in the Registry under a stable string id.
type TaskAction interface {
	// BeforeExecution runs before the first record or entity is processed.
	BeforeExecution(ctx context.Context, task *ProvisioningTask) error

	// AfterExecution runs after the execution reached a terminal status.
	AfterExecution(ctx context.Context, task *ProvisioningTask, exec *TaskExecution) error
}

// EntityMerger is an optional TaskAction extension consulted by the matching
// engine for MatchMerge conflict resolution.
type EntityMerger interface {
	// Merge reconciles inbound external attributes into the existing entity
	// and returns the entity to persist.
	Merge(ctx context.Context, existing *AnyEntity, inbound map[string][]string) (*AnyEntity, error)
}

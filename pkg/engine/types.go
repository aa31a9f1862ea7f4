package engine

import (
	"fmt"
	"time"
)

// EntityKind discriminates the three managed identity namespaces. Per-kind
// behavior (attribute namespace, store scoping) is selected through lookup
// tables keyed by kind, not through separate per-kind types.
type EntityKind string

const (
	// KindUser is a person identity.
	KindUser EntityKind = "USER"

	// KindGroup is a group identity; membership grants resource assignments.
	KindGroup EntityKind = "GROUP"

	// KindAnyObject is a generic managed object (printer, workstation, ...).
	KindAnyObject EntityKind = "ANY_OBJECT"
)

// Validate checks if the entity kind is valid.
func (k EntityKind) Validate() error {
	switch k {
	case KindUser, KindGroup, KindAnyObject:
		return nil
	default:
		return fmt.Errorf("invalid entity kind: %s", k)
	}
}

// AnyEntity is a managed identity object of any kind. Virtual attribute
// values are deliberately absent: they live on external resources and in the
// VirAttrCache only, never in the entity store.
type AnyEntity struct {
	// Key is the unique identifier of the entity.
	Key string `json:"key"`

	// Kind is the entity kind (user, group, any-object).
	Kind EntityKind `json:"kind"`

	// Realm scopes the entity for task execution.
	Realm string `json:"realm"`

	// PlainAttrs maps attribute names to ordered value lists.
	PlainAttrs map[string][]string `json:"plain_attrs"`

	// DerivedAttrs maps attribute names to templates expanded over plain
	// attributes, e.g. "$(firstname).$(surname)".
	DerivedAttrs map[string]string `json:"derived_attrs,omitempty"`

	// VirSchemas lists the virtual schemas attached to this entity.
	VirSchemas []string `json:"vir_schemas,omitempty"`

	// Resources are the directly assigned external resource keys.
	Resources []string `json:"resources,omitempty"`

	// Memberships are group entity keys; resources assigned to those groups
	// are inherited at propagation time.
	Memberships []string `json:"memberships,omitempty"`

	// CreatedAt is when the entity was first created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the entity was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// PlainAttr returns the ordered values of a plain attribute and whether the
// attribute exists on the entity.
func (e *AnyEntity) PlainAttr(name string) ([]string, bool) {
	vals, ok := e.PlainAttrs[name]
	return vals, ok
}

// HasVirSchema returns true if the virtual schema is attached to the entity.
func (e *AnyEntity) HasVirSchema(schema string) bool {
	for _, s := range e.VirSchemas {
		if s == schema {
			return true
		}
	}
	return false
}

// VirSchema declares a virtual attribute. Which resource and external
// attribute supply its value is derived from the resource mappings, not
// stored here.
type VirSchema struct {
	// Name is the virtual attribute name, unique within its kind namespace.
	Name string `json:"name"`

	// Kind scopes the schema to one entity kind's attribute namespace.
	Kind EntityKind `json:"kind"`

	// ReadOnly forbids write-through updates for this schema.
	ReadOnly bool `json:"read_only,omitempty"`
}

// IntAttrType is the category of the internal attribute a mapping item reads.
type IntAttrType string

const (
	// IntAttrPlain reads a plain attribute value list.
	IntAttrPlain IntAttrType = "plain"

	// IntAttrDerived expands a derived attribute template.
	IntAttrDerived IntAttrType = "derived"

	// IntAttrVirtual resolves a virtual attribute through the cache.
	IntAttrVirtual IntAttrType = "virtual"
)

// MappingPurpose restricts the direction a mapping item participates in.
type MappingPurpose string

const (
	// PurposePropagation includes the item in outbound attribute sets only.
	PurposePropagation MappingPurpose = "PROPAGATION"

	// PurposeSynchronization includes the item in inbound attribute sets only.
	PurposeSynchronization MappingPurpose = "SYNCHRONIZATION"

	// PurposeBoth includes the item in both directions.
	PurposeBoth MappingPurpose = "BOTH"

	// PurposeNone parks the item without removing it from the mapping.
	PurposeNone MappingPurpose = "NONE"
)

// Direction selects which mapping items a resolution considers.
type Direction string

const (
	// DirectionOutbound builds the attribute set sent to the resource.
	DirectionOutbound Direction = "outbound"

	// DirectionInbound maps external record attributes onto internal names.
	DirectionInbound Direction = "inbound"
)

// appliesTo reports whether an item with this purpose participates in the
// given direction.
func (p MappingPurpose) appliesTo(dir Direction) bool {
	switch p {
	case PurposeBoth:
		return true
	case PurposePropagation:
		return dir == DirectionOutbound
	case PurposeSynchronization:
		return dir == DirectionInbound
	default:
		return false
	}
}

// MappingItem links one internal attribute to one external attribute.
type MappingItem struct {
	// IntAttrName is the internal attribute name.
	IntAttrName string `json:"int_attr_name"`

	// IntAttrType is the internal attribute category.
	IntAttrType IntAttrType `json:"int_attr_type"`

	// ExtAttrName is the attribute name on the external resource.
	ExtAttrName string `json:"ext_attr_name"`

	// Purpose restricts the item to propagation, synchronization, or both.
	Purpose MappingPurpose `json:"purpose"`

	// ConnObjectKey marks the item whose resolved value identifies the
	// external record. Exactly one item per provision must set it.
	ConnObjectKey bool `json:"conn_object_key,omitempty"`
}

// Mapping is the ordered set of mapping items of one provision.
type Mapping struct {
	Items []MappingItem `json:"items"`
}

// ConnObjectKeyItem returns the single item marked as connObjectKey.
// Zero or more than one such item is a configuration error.
func (m *Mapping) ConnObjectKeyItem() (*MappingItem, error) {
	var found *MappingItem
	for i := range m.Items {
		if !m.Items[i].ConnObjectKey {
			continue
		}
		if found != nil {
			return nil, NewPermanentError("multiple connObjectKey mapping items", nil).
				WithCode(ErrCodeMapping)
		}
		found = &m.Items[i]
	}
	if found == nil {
		return nil, NewPermanentError("no connObjectKey mapping item", nil).
			WithCode(ErrCodeMapping)
	}
	return found, nil
}

// ItemsFor returns the mapping items participating in the given direction,
// in declaration order.
func (m *Mapping) ItemsFor(dir Direction) []MappingItem {
	items := make([]MappingItem, 0, len(m.Items))
	for _, item := range m.Items {
		if item.Purpose.appliesTo(dir) {
			items = append(items, item)
		}
	}
	return items
}

// Provision configures how one entity kind is handled on one resource.
type Provision struct {
	// Kind is the entity kind this provision applies to.
	Kind EntityKind `json:"kind"`

	// ObjectClass is the external object class (e.g. "account", "group").
	ObjectClass string `json:"object_class"`

	// Mapping translates between internal and external attribute names.
	Mapping Mapping `json:"mapping"`
}

// ConnectorConfig identifies and parameterizes the connector bundle serving
// a resource.
type ConnectorConfig struct {
	// Bundle is the connector bundle id (e.g. "rest", "sqltable", "sftpdir").
	Bundle string `json:"bundle"`

	// Options are bundle-specific settings (endpoint, credentials, paths).
	Options map[string]string `json:"options,omitempty"`
}

// ExternalResource is a connected system: connector configuration plus one
// provision per entity kind.
type ExternalResource struct {
	// Key is the unique resource identifier.
	Key string `json:"key"`

	// Connector configures the connector bundle reaching this resource.
	Connector ConnectorConfig `json:"connector"`

	// Provisions configure per-kind handling; at most one per kind.
	Provisions []Provision `json:"provisions"`

	// PropagationTimeout bounds one propagation dispatch to this resource.
	// Zero means the coordinator default.
	PropagationTimeout time.Duration `json:"propagation_timeout,omitempty"`
}

// Provision returns the provision for the given entity kind.
func (r *ExternalResource) Provision(kind EntityKind) (*Provision, error) {
	for i := range r.Provisions {
		if r.Provisions[i].Kind == kind {
			return &r.Provisions[i], nil
		}
	}
	return nil, NewPermanentError(
		fmt.Sprintf("no provision for kind %s", kind), nil).
		WithCode(ErrCodeMapping).WithResource(r.Key)
}

// ConnObject is one external record: its identifying key plus the external
// attribute map with ordered value lists.
type ConnObject struct {
	// Class is the external object class.
	Class string `json:"class"`

	// Key is the value of the record's identifying attribute.
	Key string `json:"key"`

	// Attrs maps external attribute names to ordered value lists.
	Attrs map[string][]string `json:"attrs"`
}

// Page is one page of a lazy external search.
type Page struct {
	// Objects are the records of this page.
	Objects []ConnObject `json:"objects"`

	// NextToken requests the following page; empty means last page.
	NextToken string `json:"next_token,omitempty"`
}

// Operation is the mutation kind being propagated.
type Operation string

const (
	// OperationCreate creates the external record.
	OperationCreate Operation = "CREATE"

	// OperationUpdate updates the external record.
	OperationUpdate Operation = "UPDATE"

	// OperationDelete deletes the external record.
	OperationDelete Operation = "DELETE"
)

// PropagationTask is one (entity, resource, operation) dispatch, produced
// transiently during a mutation and persisted only as history.
type PropagationTask struct {
	// EntityKey is the internal entity being propagated.
	EntityKey string `json:"entity_key"`

	// Kind is the entity kind.
	Kind EntityKind `json:"kind"`

	// ResourceKey is the target external resource.
	ResourceKey string `json:"resource_key"`

	// Operation is the mutation to apply externally.
	Operation Operation `json:"operation"`

	// Object is the resolved outbound attribute set; nil for deletes.
	Object *ConnObject `json:"object,omitempty"`

	// ConnObjectKey identifies the external record for update/delete.
	ConnObjectKey string `json:"conn_object_key"`
}

// PropStatus is the outcome of one propagation dispatch.
type PropStatus string

const (
	// PropSuccess indicates the dispatch reached the resource and applied.
	PropSuccess PropStatus = "SUCCESS"

	// PropFailure indicates the dispatch failed; the internal mutation is
	// unaffected.
	PropFailure PropStatus = "FAILURE"

	// PropRefused indicates a provisioning policy vetoed the dispatch.
	PropRefused PropStatus = "REFUSED"
)

// PropagationStatus is the per-resource outcome record of one propagation.
// Statuses are created once and never mutated.
type PropagationStatus struct {
	// ResourceKey is the dispatched resource.
	ResourceKey string `json:"resource_key"`

	// Status is the dispatch outcome.
	Status PropStatus `json:"status"`

	// Message carries failure or veto detail.
	Message string `json:"message,omitempty"`
}

// TaskType distinguishes inbound from outbound synchronization tasks.
type TaskType string

const (
	// TaskPull synchronizes external records into the entity store.
	TaskPull TaskType = "pull"

	// TaskPush propagates internal entities to one external resource.
	TaskPush TaskType = "push"
)

// Validate checks if the task type is valid.
func (t TaskType) Validate() error {
	switch t {
	case TaskPull, TaskPush:
		return nil
	default:
		return fmt.Errorf("invalid task type: %s", t)
	}
}

// MatchingRule decides what happens when a pulled record correlates to
// exactly one internal entity.
type MatchingRule string

const (
	// MatchUpdate applies the inbound attribute changes to the candidate.
	MatchUpdate MatchingRule = "UPDATE"

	// MatchIgnore skips the record.
	MatchIgnore MatchingRule = "IGNORE"

	// MatchMerge delegates conflict resolution to the task's actions.
	MatchMerge MatchingRule = "MERGE"
)

// UnmatchingRule decides what happens when a pulled record correlates to no
// internal entity.
type UnmatchingRule string

const (
	// UnmatchProvision creates a new internal entity from the record.
	UnmatchProvision UnmatchingRule = "PROVISION"

	// UnmatchAssign links the record to an entity located by the task's
	// assignment rule.
	UnmatchAssign UnmatchingRule = "ASSIGN"

	// UnmatchIgnore skips the record.
	UnmatchIgnore UnmatchingRule = "IGNORE"
)

// ProvisioningTask is a configured pull or push synchronization task.
type ProvisioningTask struct {
	// ID is the unique task identifier.
	ID string `json:"id"`

	// Name is the human-readable task name.
	Name string `json:"name"`

	// Type is pull or push.
	Type TaskType `json:"type"`

	// ResourceKey is the source (pull) or target (push) resource.
	ResourceKey string `json:"resource_key"`

	// Realm scopes the internal entities the task touches.
	Realm string `json:"realm"`

	// Kind is the entity kind the task synchronizes.
	Kind EntityKind `json:"kind"`

	// CronExpr schedules the task; empty means on-demand only.
	CronExpr string `json:"cron_expr,omitempty"`

	// Matching selects the matched-record policy.
	Matching MatchingRule `json:"matching_rule"`

	// Unmatching selects the unmatched-record policy.
	Unmatching UnmatchingRule `json:"unmatching_rule"`

	// CorrelationRule names a registered correlation rule implementation;
	// empty selects the connObjectKey reverse lookup.
	CorrelationRule string `json:"correlation_rule,omitempty"`

	// AssignmentRule names the registered rule locating the entity for
	// UnmatchAssign.
	AssignmentRule string `json:"assignment_rule,omitempty"`

	// Actions are ordered registered task action ids.
	Actions []string `json:"actions,omitempty"`

	// PageSize bounds one external search page during pull. Zero means the
	// runner default.
	PageSize int `json:"page_size,omitempty"`
}

// ExecStatus is the lifecycle status of one task execution.
type ExecStatus string

const (
	// ExecRunning indicates the execution is in progress.
	ExecRunning ExecStatus = "RUNNING"

	// ExecSuccess indicates no record or entity failed.
	ExecSuccess ExecStatus = "SUCCESS"

	// ExecPartial indicates some but not all records failed, or the
	// execution was cancelled mid-flight.
	ExecPartial ExecStatus = "PARTIAL"

	// ExecFailure indicates nothing succeeded or a fatal configuration or
	// connector error prevented any progress.
	ExecFailure ExecStatus = "FAILURE"
)

// IsTerminal returns true if the execution status is final.
func (s ExecStatus) IsTerminal() bool {
	return s == ExecSuccess || s == ExecPartial || s == ExecFailure
}

// RecordFailure is one failed record or entity within an execution.
type RecordFailure struct {
	// Key identifies the failed record (external key) or entity.
	Key string `json:"key"`

	// Reason is the failure message.
	Reason string `json:"reason"`
}

// TaskExecution is the append-only history record of one task run.
type TaskExecution struct {
	// ID is the unique execution identifier.
	ID string `json:"id"`

	// TaskID is the executed task.
	TaskID string `json:"task_id"`

	// Status is the execution outcome.
	Status ExecStatus `json:"status"`

	// StartedAt is when the execution started.
	StartedAt time.Time `json:"started_at"`

	// EndedAt is when the execution reached a terminal status.
	EndedAt *time.Time `json:"ended_at,omitempty"`

	// Message summarizes the outcome.
	Message string `json:"message,omitempty"`

	// Succeeded counts records or entities processed without failure.
	Succeeded int `json:"succeeded"`

	// Failed counts records or entities that failed.
	Failed int `json:"failed"`

	// Failures details each failed record.
	Failures []RecordFailure `json:"failures,omitempty"`
}

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MatchOutcome describes what the matching engine did with one pulled record.
type MatchOutcome string

const (
	// OutcomeCreated indicates a new entity was provisioned from the record.
	OutcomeCreated MatchOutcome = "created"

	// OutcomeUpdated indicates an existing entity absorbed the record.
	OutcomeUpdated MatchOutcome = "updated"

	// OutcomeAssigned indicates the record was linked to an entity located by
	// the task's assignment rule.
	OutcomeAssigned MatchOutcome = "assigned"

	// OutcomeIgnored indicates the record was deliberately skipped.
	OutcomeIgnored MatchOutcome = "ignored"
)

// MatchResult is the outcome of matching one external record.
type MatchResult struct {
	// Outcome is what happened to the record.
	Outcome MatchOutcome

	// Entity is the persisted entity, nil when the record was ignored.
	Entity *AnyEntity
}

// MatchingEngine correlates pulled external records against the entity store
// and applies the task's matched/unmatched policies. Correlation yields zero
// or one candidate; more than one is an ambiguity error and the record is
// counted as failed, never guessed at.
type MatchingEngine struct {
	store    EntityStore
	registry *Registry
	log      zerolog.Logger
}

// NewMatchingEngine creates a matching engine over the given store.
func NewMatchingEngine(store EntityStore, registry *Registry, logger zerolog.Logger) *MatchingEngine {
	return &MatchingEngine{
		store:    store,
		registry: registry,
		log:      logger.With().Str("component", "matching-engine").Logger(),
	}
}

// Match correlates one pulled record and applies the task's matching or
// unmatching rule. The actions slice is the task's resolved action chain,
// consulted for MERGE conflict resolution.
func (m *MatchingEngine) Match(ctx context.Context, task *ProvisioningTask, provision *Provision, obj *ConnObject, actions []TaskAction) (*MatchResult, error) {
	candidates, err := m.correlate(ctx, task, provision, obj)
	if err != nil {
		return nil, err
	}

	switch len(candidates) {
	case 0:
		return m.applyUnmatched(ctx, task, provision, obj)
	case 1:
		return m.applyMatched(ctx, task, provision, obj, candidates[0], actions)
	default:
		return nil, NewPermanentError(
			fmt.Sprintf("record %q correlates to %d entities", obj.Key, len(candidates)), nil).
			WithCode(ErrCodeMatchingAmbiguity).WithResource(task.ResourceKey)
	}
}

// correlate runs the task's named correlation rule, or the default
// connObjectKey reverse lookup when none is configured.
func (m *MatchingEngine) correlate(ctx context.Context, task *ProvisioningTask, provision *Provision, obj *ConnObject) ([]*AnyEntity, error) {
	if task.CorrelationRule != "" {
		rule, err := m.registry.Rule(task.CorrelationRule)
		if err != nil {
			return nil, err
		}
		return rule.Correlate(ctx, m.store, task.Kind, obj)
	}
	return m.reverseKeyLookup(ctx, task.Kind, provision, obj)
}

// reverseKeyLookup finds the entities whose connObjectKey mapping item
// resolves to the record's key. Plain key items use an indexed store lookup;
// derived key items fall back to expanding the template over every entity of
// the kind.
func (m *MatchingEngine) reverseKeyLookup(ctx context.Context, kind EntityKind, provision *Provision, obj *ConnObject) ([]*AnyEntity, error) {
	item, err := provision.Mapping.ConnObjectKeyItem()
	if err != nil {
		return nil, err
	}

	switch item.IntAttrType {
	case IntAttrPlain:
		return m.store.FindByAttr(ctx, kind, item.IntAttrName, obj.Key)

	case IntAttrDerived:
		entities, err := m.store.List(ctx, "", kind)
		if err != nil {
			return nil, err
		}
		var matched []*AnyEntity
		for _, entity := range entities {
			template, ok := entity.DerivedAttrs[item.IntAttrName]
			if !ok {
				continue
			}
			if expandDerived(template, entity) == obj.Key {
				matched = append(matched, entity)
			}
		}
		return matched, nil

	default:
		return nil, NewPermanentError(
			fmt.Sprintf("connObjectKey item %q must be plain or derived", item.IntAttrName), nil).
			WithCode(ErrCodeMapping)
	}
}

// applyMatched applies the task's matching rule to the single candidate.
func (m *MatchingEngine) applyMatched(ctx context.Context, task *ProvisioningTask, provision *Provision, obj *ConnObject, candidate *AnyEntity, actions []TaskAction) (*MatchResult, error) {
	switch task.Matching {
	case MatchIgnore:
		m.log.Debug().Str("record", obj.Key).Str("entity", candidate.Key).
			Msg("Matched record ignored by rule")
		return &MatchResult{Outcome: OutcomeIgnored}, nil

	case MatchUpdate:
		applyInbound(candidate, InboundAttrs(obj, provision))
		if err := m.store.Save(ctx, candidate); err != nil {
			return nil, err
		}
		return &MatchResult{Outcome: OutcomeUpdated, Entity: candidate}, nil

	case MatchMerge:
		merger := findMerger(actions)
		if merger == nil {
			return nil, NewPermanentError(
				"MERGE matching rule requires a task action implementing EntityMerger", nil).
				WithCode(ErrCodeValidation)
		}
		merged, err := merger.Merge(ctx, candidate, InboundAttrs(obj, provision))
		if err != nil {
			return nil, err
		}
		merged.UpdatedAt = time.Now().UTC()
		if err := m.store.Save(ctx, merged); err != nil {
			return nil, err
		}
		return &MatchResult{Outcome: OutcomeUpdated, Entity: merged}, nil

	default:
		return nil, NewPermanentError(
			fmt.Sprintf("invalid matching rule %q", task.Matching), nil).
			WithCode(ErrCodeValidation)
	}
}

// applyUnmatched applies the task's unmatching rule to a record with no
// correlation candidate.
func (m *MatchingEngine) applyUnmatched(ctx context.Context, task *ProvisioningTask, provision *Provision, obj *ConnObject) (*MatchResult, error) {
	switch task.Unmatching {
	case UnmatchIgnore:
		m.log.Debug().Str("record", obj.Key).Msg("Unmatched record ignored by rule")
		return &MatchResult{Outcome: OutcomeIgnored}, nil

	case UnmatchProvision:
		now := time.Now().UTC()
		entity := &AnyEntity{
			Key:        uuid.New().String(),
			Kind:       task.Kind,
			Realm:      task.Realm,
			PlainAttrs: InboundAttrs(obj, provision),
			Resources:  []string{task.ResourceKey},
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := m.store.Save(ctx, entity); err != nil {
			return nil, err
		}
		return &MatchResult{Outcome: OutcomeCreated, Entity: entity}, nil

	case UnmatchAssign:
		return m.assign(ctx, task, provision, obj)

	default:
		return nil, NewPermanentError(
			fmt.Sprintf("invalid unmatching rule %q", task.Unmatching), nil).
			WithCode(ErrCodeValidation)
	}
}

// assign locates the entity through the task's assignment rule and links the
// record's resource to it. A record the rule cannot place is ignored; more
// than one placement is ambiguous.
func (m *MatchingEngine) assign(ctx context.Context, task *ProvisioningTask, provision *Provision, obj *ConnObject) (*MatchResult, error) {
	if task.AssignmentRule == "" {
		return nil, NewPermanentError(
			"ASSIGN unmatching rule requires an assignment rule", nil).
			WithCode(ErrCodeValidation)
	}
	rule, err := m.registry.Rule(task.AssignmentRule)
	if err != nil {
		return nil, err
	}
	candidates, err := rule.Correlate(ctx, m.store, task.Kind, obj)
	if err != nil {
		return nil, err
	}

	switch len(candidates) {
	case 0:
		m.log.Debug().Str("record", obj.Key).Msg("Assignment rule placed nothing, record ignored")
		return &MatchResult{Outcome: OutcomeIgnored}, nil
	case 1:
	default:
		return nil, NewPermanentError(
			fmt.Sprintf("assignment rule placed record %q on %d entities", obj.Key, len(candidates)), nil).
			WithCode(ErrCodeMatchingAmbiguity).WithResource(task.ResourceKey)
	}

	entity := candidates[0]
	applyInbound(entity, InboundAttrs(obj, provision))
	if !hasResource(entity, task.ResourceKey) {
		entity.Resources = append(entity.Resources, task.ResourceKey)
	}
	if err := m.store.Save(ctx, entity); err != nil {
		return nil, err
	}
	return &MatchResult{Outcome: OutcomeAssigned, Entity: entity}, nil
}

// applyInbound overwrites the entity's mapped plain attributes with the
// inbound values and bumps the update timestamp.
func applyInbound(entity *AnyEntity, attrs map[string][]string) {
	if entity.PlainAttrs == nil {
		entity.PlainAttrs = make(map[string][]string)
	}
	for name, values := range attrs {
		entity.PlainAttrs[name] = values
	}
	entity.UpdatedAt = time.Now().UTC()
}

// findMerger returns the first action in the chain implementing EntityMerger.
func findMerger(actions []TaskAction) EntityMerger {
	for _, action := range actions {
		if merger, ok := action.(EntityMerger); ok {
			return merger
		}
	}
	return nil
}

// hasResource reports whether the resource is already assigned to the entity.
func hasResource(entity *AnyEntity, resourceKey string) bool {
	for _, r := range entity.Resources {
		if r == resourceKey {
			return true
		}
	}
	return false
}

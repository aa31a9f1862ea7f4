package engine

import (
	"fmt"
	"sort"
	"sync"
)

// Registry resolves pluggable implementations by stable string id.
// Correlation rules and task actions register at process start; no dynamic
// class-name resolution happens at runtime.
type Registry struct {
	mu      sync.RWMutex
	rules   map[string]CorrelationRule
	actions map[string]TaskAction
}

// NewRegistry creates an empty implementation registry.
func NewRegistry() *Registry {
	return &Registry{
		rules:   make(map[string]CorrelationRule),
		actions: make(map[string]TaskAction),
	}
}

// RegisterRule registers a correlation rule under the given id.
func (r *Registry) RegisterRule(id string, rule CorrelationRule) error {
	if id == "" || rule == nil {
		return NewPermanentError("correlation rule id and implementation are required", nil).
			WithCode(ErrCodeValidation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rules[id]; exists {
		return NewPermanentError(fmt.Sprintf("correlation rule %q already registered", id), nil).
			WithCode(ErrCodeValidation)
	}
	r.rules[id] = rule
	return nil
}

// Rule returns the correlation rule registered under the given id.
func (r *Registry) Rule(id string) (CorrelationRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[id]
	if !ok {
		return nil, NewPermanentError(fmt.Sprintf("unknown correlation rule %q", id), nil).
			WithCode(ErrCodeValidation)
	}
	return rule, nil
}

// RegisterAction registers a task action under the given id.
func (r *Registry) RegisterAction(id string, action TaskAction) error {
	if id == "" || action == nil {
		return NewPermanentError("task action id and implementation are required", nil).
			WithCode(ErrCodeValidation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[id]; exists {
		return NewPermanentError(fmt.Sprintf("task action %q already registered", id), nil).
			WithCode(ErrCodeValidation)
	}
	r.actions[id] = action
	return nil
}

// Action returns the task action registered under the given id.
func (r *Registry) Action(id string) (TaskAction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	action, ok := r.actions[id]
	if !ok {
		return nil, NewPermanentError(fmt.Sprintf("unknown task action %q", id), nil).
			WithCode(ErrCodeValidation)
	}
	return action, nil
}

// Actions resolves an ordered list of action ids, preserving order.
func (r *Registry) Actions(ids []string) ([]TaskAction, error) {
	actions := make([]TaskAction, 0, len(ids))
	for _, id := range ids {
		action, err := r.Action(id)
		if err != nil {
			return nil, err
		}
		actions = append(actions, action)
	}
	return actions, nil
}

// RuleIDs returns the registered correlation rule ids, sorted.
func (r *Registry) RuleIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.rules))
	for id := range r.rules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ActionIDs returns the registered task action ids, sorted.
func (r *Registry) ActionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.actions))
	for id := range r.actions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

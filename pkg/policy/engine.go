package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/openidsync/openidsync/pkg/engine"
)

// Engine evaluates provisioning policies. It implements
// engine.PropagationPolicy.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
}

// compiledPolicy pairs a policy with its prepared deny query.
type compiledPolicy struct {
	policy *Policy
	query  rego.PreparedEvalQuery
}

// NewEngine creates a policy engine with the built-in policies compiled.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	builtins := GetBuiltinPolicies()
	for i := range builtins {
		if err := e.AddPolicy(context.Background(), &builtins[i]); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}

	e.logger.Info().Int("count", len(builtins)).Msg("Built-in policies loaded")
	return e, nil
}

// Evaluate decides whether one dispatch may proceed. Any denial from any
// enabled policy vetoes the dispatch; the reason joins all denial messages.
// A policy whose evaluation errors is skipped with a warning so one broken
// policy cannot wedge provisioning.
func (e *Engine) Evaluate(ctx context.Context, entity *engine.AnyEntity, resourceKey string, op engine.Operation) (bool, string, error) {
	input := &Input{
		Entity:    entity,
		Resource:  resourceKey,
		Operation: string(op),
		Timestamp: time.Now(),
	}

	denials, err := e.Denials(ctx, input)
	if err != nil {
		return false, "", err
	}
	if len(denials) == 0 {
		return true, "", nil
	}

	messages := make([]string, 0, len(denials))
	for _, d := range denials {
		messages = append(messages, fmt.Sprintf("%s: %s", d.Policy, d.Message))
	}
	return false, strings.Join(messages, "; "), nil
}

// Denials evaluates every enabled policy against the input and returns the
// vetoes in policy name order.
func (e *Engine) Denials(ctx context.Context, input *Input) ([]Denial, error) {
	e.mu.RLock()
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)

	var denials []Denial
	for _, name := range names {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}

		results, err := cp.query.Eval(ctx, rego.EvalInput(input))
		if err != nil {
			e.logger.Warn().Err(err).
				Str("policy", name).
				Msg("Policy evaluation failed, skipping policy")
			continue
		}
		denials = append(denials, collectDenials(name, results)...)
	}
	e.mu.RUnlock()

	return denials, nil
}

// AddPolicy compiles and registers one policy, replacing any policy with the
// same name.
func (e *Engine) AddPolicy(ctx context.Context, policy *Policy) error {
	packageName := extractPackageName(policy.Rego)

	query, err := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Query(fmt.Sprintf("data.%s.deny", packageName)),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare policy %s: %w", policy.Name, err)
	}

	e.mu.Lock()
	e.policies[policy.Name] = &compiledPolicy{policy: policy, query: query}
	e.mu.Unlock()

	e.logger.Debug().Str("policy", policy.Name).Msg("Policy compiled")
	return nil
}

// LoadPaths loads and compiles .rego policies from files or directories.
func (e *Engine) LoadPaths(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	for i := range policies {
		if err := e.AddPolicy(ctx, &policies[i]); err != nil {
			return err
		}
	}

	e.logger.Info().Int("count", len(policies)).Msg("Policies loaded")
	return nil
}

// GetPolicy returns a registered policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all registered policies in name order.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })
	return policies
}

// SetEnabled toggles a policy by name.
func (e *Engine) SetEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled

	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

// collectDenials flattens one deny set evaluation into denial records.
func collectDenials(policyName string, results rego.ResultSet) []Denial {
	var denials []Denial
	for _, result := range results {
		for _, expr := range result.Expressions {
			set, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, member := range set {
				denials = append(denials, Denial{
					Policy:  policyName,
					Message: denialMessage(member),
				})
			}
		}
	}
	return denials
}

// denialMessage extracts the message from one deny set member, which may be
// a plain string or an object with a message field.
func denialMessage(member interface{}) string {
	switch v := member.(type) {
	case string:
		return v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			return msg
		}
	}
	return fmt.Sprintf("%v", member)
}

// extractPackageName reads the package declaration from Rego source.
func extractPackageName(source string) string {
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "idsync.policies"
}

package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/openidsync/openidsync/pkg/engine"
)

// defaultEvalTimeout bounds one script evaluation.
const defaultEvalTimeout = 5 * time.Second

// StarlarkRule is a correlation rule backed by a Starlark script. It
// implements engine.CorrelationRule.
type StarlarkRule struct {
	name    string
	script  string
	timeout time.Duration
	logger  zerolog.Logger
}

// Option configures a StarlarkRule.
type Option func(*StarlarkRule)

// WithTimeout overrides the default evaluation timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *StarlarkRule) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewStarlarkRule creates a correlation rule from a Starlark script. The
// script is parsed eagerly so malformed scripts fail at registration time,
// not during an execution.
func NewStarlarkRule(name, script string, logger zerolog.Logger, opts ...Option) (*StarlarkRule, error) {
	if name == "" {
		return nil, engine.NewPermanentError("correlation rule name is required", nil).
			WithCode(engine.ErrCodeValidation)
	}
	if _, err := syntax.Parse(name+".star", script, 0); err != nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("correlation rule %s does not parse", name), err).
			WithCode(engine.ErrCodeValidation)
	}

	r := &StarlarkRule{
		name:    name,
		script:  script,
		timeout: defaultEvalTimeout,
		logger:  logger.With().Str("component", "correlation-rule").Str("rule", name).Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Name returns the rule's registration id.
func (r *StarlarkRule) Name() string {
	return r.name
}

// Correlate evaluates the script against the record and resolves the emitted
// lookups through the store. Candidates are deduplicated by entity key in
// lookup order.
func (r *StarlarkRule) Correlate(ctx context.Context, store engine.EntityStore, kind engine.EntityKind, obj *engine.ConnObject) ([]*engine.AnyEntity, error) {
	lookups, err := r.evaluate(ctx, obj)
	if err != nil {
		return nil, err
	}

	var candidates []*engine.AnyEntity
	seen := make(map[string]bool)
	for _, lk := range lookups {
		entities, err := lk.resolve(ctx, store, kind)
		if err != nil {
			return nil, err
		}
		for _, e := range entities {
			if seen[e.Key] {
				continue
			}
			seen[e.Key] = true
			candidates = append(candidates, e)
		}
	}

	r.logger.Debug().
		Str("record", obj.Key).
		Int("lookups", len(lookups)).
		Int("candidates", len(candidates)).
		Msg("Correlation script evaluated")
	return candidates, nil
}

// lookup is one candidate query emitted by a script.
type lookup struct {
	key   string
	attr  string
	value string
}

func (lk lookup) resolve(ctx context.Context, store engine.EntityStore, kind engine.EntityKind) ([]*engine.AnyEntity, error) {
	if lk.key != "" {
		entity, err := store.Get(ctx, lk.key)
		if err != nil {
			if engine.HasCode(err, engine.ErrCodeNotFound) {
				return nil, nil
			}
			return nil, err
		}
		if entity.Kind != kind {
			return nil, nil
		}
		return []*engine.AnyEntity{entity}, nil
	}
	return store.FindByAttr(ctx, kind, lk.attr, lk.value)
}

// evaluate runs the script in its own goroutine so a runaway loop cannot
// block the caller past the timeout. On timeout the interpreter thread is
// cancelled so the goroutine terminates too.
func (r *StarlarkRule) evaluate(ctx context.Context, obj *engine.ConnObject) ([]lookup, error) {
	evalCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: r.name,
		Print: func(_ *starlark.Thread, msg string) {
			r.logger.Debug().Str("print", msg).Msg("Script output")
		},
	}

	resultCh := make(chan []lookup, 1)
	errCh := make(chan error, 1)

	go func() {
		lookups, err := r.evaluateSync(thread, obj)
		if err != nil {
			errCh <- err
		} else {
			resultCh <- lookups
		}
	}()

	select {
	case <-evalCtx.Done():
		thread.Cancel("evaluation timeout")
		return nil, engine.NewTransientError(
			fmt.Sprintf("correlation rule %s timed out after %v", r.name, r.timeout), evalCtx.Err()).
			WithCode(engine.ErrCodeTimeout)
	case err := <-errCh:
		return nil, err
	case lookups := <-resultCh:
		return lookups, nil
	}
}

func (r *StarlarkRule) evaluateSync(thread *starlark.Thread, obj *engine.ConnObject) ([]lookup, error) {
	objVal, err := recordToStarlark(obj)
	if err != nil {
		return nil, engine.NewPermanentError("failed to convert record for script", err).
			WithCode(engine.ErrCodeValidation)
	}

	predeclared := starlark.StringDict{
		"obj": objVal,
	}

	globals, err := starlark.ExecFile(thread, r.name+".star", r.script, predeclared)
	if err != nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("correlation rule %s failed", r.name), err).
			WithCode(engine.ErrCodeValidation)
	}

	raw, ok := globals["candidates"]
	if !ok {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("correlation rule %s did not assign candidates", r.name), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return parseLookups(r.name, raw)
}

// recordToStarlark exposes the record as a dict so scripts can use familiar
// dict operations on attrs.
func recordToStarlark(obj *engine.ConnObject) (starlark.Value, error) {
	attrs := starlark.NewDict(len(obj.Attrs))
	for name, values := range obj.Attrs {
		list := make([]starlark.Value, len(values))
		for i, v := range values {
			list[i] = starlark.String(v)
		}
		if err := attrs.SetKey(starlark.String(name), starlark.NewList(list)); err != nil {
			return nil, err
		}
	}

	record := starlark.NewDict(3)
	if err := record.SetKey(starlark.String("class"), starlark.String(obj.Class)); err != nil {
		return nil, err
	}
	if err := record.SetKey(starlark.String("key"), starlark.String(obj.Key)); err != nil {
		return nil, err
	}
	if err := record.SetKey(starlark.String("attrs"), attrs); err != nil {
		return nil, err
	}
	return record, nil
}

func parseLookups(rule string, raw starlark.Value) ([]lookup, error) {
	list, ok := raw.(*starlark.List)
	if !ok {
		return nil, lookupErr(rule, fmt.Sprintf("candidates must be a list, got %s", raw.Type()))
	}

	lookups := make([]lookup, 0, list.Len())
	for i := 0; i < list.Len(); i++ {
		dict, ok := list.Index(i).(*starlark.Dict)
		if !ok {
			return nil, lookupErr(rule, fmt.Sprintf("candidate %d must be a dict, got %s", i, list.Index(i).Type()))
		}

		key, err := dictString(dict, "key")
		if err != nil {
			return nil, lookupErr(rule, err.Error())
		}
		attr, err := dictString(dict, "attr")
		if err != nil {
			return nil, lookupErr(rule, err.Error())
		}
		value, err := dictString(dict, "value")
		if err != nil {
			return nil, lookupErr(rule, err.Error())
		}

		switch {
		case key != "" && attr == "":
			lookups = append(lookups, lookup{key: key})
		case key == "" && attr != "" && value != "":
			lookups = append(lookups, lookup{attr: attr, value: value})
		default:
			return nil, lookupErr(rule, fmt.Sprintf("candidate %d must hold either key or attr+value", i))
		}
	}
	return lookups, nil
}

func dictString(dict *starlark.Dict, field string) (string, error) {
	val, found, err := dict.Get(starlark.String(field))
	if err != nil || !found {
		return "", err
	}
	s, ok := val.(starlark.String)
	if !ok {
		return "", fmt.Errorf("candidate field %s must be a string, got %s", field, val.Type())
	}
	return string(s), nil
}

func lookupErr(rule, detail string) error {
	return engine.NewPermanentError(
		fmt.Sprintf("correlation rule %s returned invalid candidates: %s", rule, detail), nil).
		WithCode(engine.ErrCodeValidation)
}

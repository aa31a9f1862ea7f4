package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/openidsync/openidsync/pkg/engine"
)

// reloadDelay debounces bursts of file system events into one reload.
const reloadDelay = 500 * time.Millisecond

// bindingKey scopes virtual schema bindings per kind namespace.
type bindingKey struct {
	kind   engine.EntityKind
	schema string
}

// snapshot is one immutable view of the loaded configuration. Reloads build
// a fresh snapshot and swap it in; readers never see a partial update.
type snapshot struct {
	resources []*engine.ExternalResource
	byKey     map[string]*engine.ExternalResource
	bindings  map[bindingKey]*engine.VirSchemaBinding
}

// Store serves configuration lookups from the last successfully loaded file.
// It implements engine.ConfigSource and engine.ConfigWatcher.
type Store struct {
	path     string
	validate *validator.Validate
	log      zerolog.Logger

	mu        sync.RWMutex
	snap      *snapshot
	callbacks []func(resourceKey string)

	watcher *fsnotify.Watcher
}

// Load reads and validates the configuration file at path.
func Load(path string, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		path:     path,
		validate: validator.New(),
		log:      logger.With().Str("component", "config").Logger(),
	}
	snap, err := s.loadSnapshot()
	if err != nil {
		return nil, err
	}
	s.snap = snap

	s.log.Info().
		Str("path", path).
		Int("resources", len(snap.resources)).
		Int("bindings", len(snap.bindings)).
		Msg("Configuration loaded")
	return s, nil
}

// Resource returns the resource configuration by key.
func (s *Store) Resource(key string) (*engine.ExternalResource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resource, ok := s.snap.byKey[key]
	if !ok {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("resource %s not configured", key), nil).
			WithCode(engine.ErrCodeNotFound).WithResource(key)
	}
	return resource, nil
}

// Resources returns all configured resources in declaration order.
func (s *Store) Resources() []*engine.ExternalResource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.resources
}

// VirSchemaBinding resolves the resource binding of a virtual schema.
func (s *Store) VirSchemaBinding(kind engine.EntityKind, schema string) (*engine.VirSchemaBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	binding, ok := s.snap.bindings[bindingKey{kind: kind, schema: schema}]
	if !ok {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("virtual schema %s/%s has no resource binding", kind, schema), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	return binding, nil
}

// OnChange registers a callback invoked with the key of every resource whose
// configuration changed after a reload.
func (s *Store) OnChange(fn func(resourceKey string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, fn)
}

// Reload re-reads the file and swaps the snapshot in. The previous snapshot
// stays active when the new file fails validation.
func (s *Store) Reload() error {
	snap, err := s.loadSnapshot()
	if err != nil {
		return err
	}

	s.mu.Lock()
	previous := s.snap
	s.snap = snap
	callbacks := make([]func(string), len(s.callbacks))
	copy(callbacks, s.callbacks)
	s.mu.Unlock()

	changed := diffResources(previous, snap)
	for _, key := range changed {
		for _, fn := range callbacks {
			fn(key)
		}
	}

	s.log.Info().
		Int("resources", len(snap.resources)).
		Strs("changed", changed).
		Msg("Configuration reloaded")
	return nil
}

// Watch reloads the configuration whenever the file changes. Watching stops
// when the context is cancelled. The directory is watched rather than the
// file itself so editors replacing the file atomically are still observed.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(s.path), err)
	}
	s.watcher = watcher

	go s.processEvents(ctx)

	s.log.Info().Str("path", s.path).Msg("Watching configuration file")
	return nil
}

// processEvents debounces file system events into reloads.
func (s *Store) processEvents(ctx context.Context) {
	var reloadTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			_ = s.watcher.Close()
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			s.log.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Configuration file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				if err := s.Reload(); err != nil {
					s.log.Error().Err(err).Msg("Failed to reload configuration, keeping previous")
				}
			})

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Error().Err(err).Msg("Watcher error")
		}
	}
}

// loadSnapshot reads, parses, validates, and indexes the file.
func (s *Store) loadSnapshot() (*snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, engine.NewPermanentError("malformed configuration YAML", err).
			WithCode(engine.ErrCodeValidation)
	}
	if err := s.validate.Struct(&doc); err != nil {
		return nil, engine.NewPermanentError("invalid configuration", err).
			WithCode(engine.ErrCodeValidation)
	}
	return buildSnapshot(&doc)
}

// buildSnapshot converts the document and enforces the structural invariants
// the field validator cannot express.
func buildSnapshot(doc *Document) (*snapshot, error) {
	schemas := make(map[bindingKey]*engine.VirSchema, len(doc.VirSchemas))
	for i := range doc.VirSchemas {
		schema := doc.VirSchemas[i].toSchema()
		key := bindingKey{kind: schema.Kind, schema: schema.Name}
		if _, dup := schemas[key]; dup {
			return nil, validationErr("virtual schema %s/%s declared twice", schema.Kind, schema.Name)
		}
		schemas[key] = schema
	}

	snap := &snapshot{
		byKey:    make(map[string]*engine.ExternalResource, len(doc.Resources)),
		bindings: make(map[bindingKey]*engine.VirSchemaBinding),
	}

	for i := range doc.Resources {
		resource, err := doc.Resources[i].toResource()
		if err != nil {
			return nil, engine.NewPermanentError("invalid configuration", err).
				WithCode(engine.ErrCodeValidation)
		}
		if _, dup := snap.byKey[resource.Key]; dup {
			return nil, validationErr("resource %s declared twice", resource.Key)
		}

		seenKinds := make(map[engine.EntityKind]bool, len(resource.Provisions))
		for p := range resource.Provisions {
			provision := &resource.Provisions[p]
			if seenKinds[provision.Kind] {
				return nil, validationErr("resource %s has multiple %s provisions",
					resource.Key, provision.Kind)
			}
			seenKinds[provision.Kind] = true

			if err := checkProvision(resource.Key, provision); err != nil {
				return nil, err
			}
			if err := bindVirtualItems(snap, schemas, resource, provision); err != nil {
				return nil, err
			}
		}

		snap.resources = append(snap.resources, resource)
		snap.byKey[resource.Key] = resource
	}
	return snap, nil
}

// checkProvision enforces the mapping invariants of one provision.
func checkProvision(resourceKey string, provision *engine.Provision) error {
	keyItem, err := provision.Mapping.ConnObjectKeyItem()
	if err != nil {
		return validationErr("resource %s provision %s: exactly one conn_object_key item required",
			resourceKey, provision.Kind)
	}
	// The identifying value must be computable without reaching the resource.
	if keyItem.IntAttrType == engine.IntAttrVirtual {
		return validationErr("resource %s provision %s: conn_object_key item %s cannot be virtual",
			resourceKey, provision.Kind, keyItem.IntAttrName)
	}
	return nil
}

// bindVirtualItems derives virtual schema bindings from the provision's
// virtual mapping items. Each schema binds to at most one resource.
func bindVirtualItems(snap *snapshot, schemas map[bindingKey]*engine.VirSchema,
	resource *engine.ExternalResource, provision *engine.Provision) error {
	for _, item := range provision.Mapping.Items {
		if item.IntAttrType != engine.IntAttrVirtual || item.Purpose == engine.PurposeNone {
			continue
		}

		key := bindingKey{kind: provision.Kind, schema: item.IntAttrName}
		schema, ok := schemas[key]
		if !ok {
			return validationErr("resource %s maps undeclared virtual schema %s/%s",
				resource.Key, provision.Kind, item.IntAttrName)
		}
		if existing, dup := snap.bindings[key]; dup {
			return validationErr("virtual schema %s/%s bound by both %s and %s",
				provision.Kind, item.IntAttrName, existing.ResourceKey, resource.Key)
		}

		snap.bindings[key] = &engine.VirSchemaBinding{
			Schema:      schema,
			ResourceKey: resource.Key,
			ExtAttrName: item.ExtAttrName,
			Provision:   provision,
		}
	}
	return nil
}

// diffResources returns the keys of resources added, removed, or modified
// between two snapshots.
func diffResources(previous, current *snapshot) []string {
	var changed []string
	for _, resource := range current.resources {
		old, existed := previous.byKey[resource.Key]
		if !existed || !reflect.DeepEqual(old, resource) {
			changed = append(changed, resource.Key)
		}
	}
	for _, resource := range previous.resources {
		if _, still := current.byKey[resource.Key]; !still {
			changed = append(changed, resource.Key)
		}
	}
	return changed
}

func validationErr(format string, args ...any) error {
	return engine.NewPermanentError(fmt.Sprintf(format, args...), nil).
		WithCode(engine.ErrCodeValidation)
}

package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// cacheKey identifies one cached virtual attribute value list.
type cacheKey struct {
	entityKey   string
	schema      string
	resourceKey string
}

// cacheEntry holds one value list plus a monotonic version token. The
// per-entry mutex serializes reads and write-throughs for its key so a stale
// fetch can never overwrite a concurrent write-through; distinct keys stay
// independent.
type cacheEntry struct {
	mu        sync.Mutex
	values    []string
	version   uint64
	populated bool
}

// PropagateFunc pushes new virtual attribute values to the binding's
// resource. Supplied by the caller to keep the cache free of a propagation
// dependency; the coordinator's single-resource path implements it.
type PropagateFunc func(ctx context.Context, binding *VirSchemaBinding, values []string) (*PropagationStatus, error)

// VirAttrCache mediates all reads and writes of virtual attributes. Values
// are fetched on demand through the connector gateway and kept until an
// explicit invalidation trigger: entity delete, binding configuration
// change, or administrative clear. There is no time-based expiry; an
// out-of-band external change is served stale until a trigger fires.
type VirAttrCache struct {
	mu      sync.Mutex
	entries map[cacheKey]*cacheEntry

	gateway ConnectorGateway
	config  ConfigSource
	inst    *Instrumentation
	log     zerolog.Logger
}

// NewVirAttrCache creates a cache reading through the given gateway.
func NewVirAttrCache(gateway ConnectorGateway, config ConfigSource, logger zerolog.Logger, opts ...CacheOption) *VirAttrCache {
	c := &VirAttrCache{
		entries: make(map[cacheKey]*cacheEntry),
		gateway: gateway,
		config:  config,
		log:     logger.With().Str("component", "virattr-cache").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// entry returns the cache entry for the key, creating it if absent.
func (c *VirAttrCache) entry(key cacheKey) *cacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		e = &cacheEntry{}
		c.entries[key] = e
	}
	return e
}

// Read returns the virtual attribute values for (entity, schema). A cache
// hit returns the cached list unchanged; a miss fetches the external record
// through the gateway and populates the cache. Any fetch failure degrades to
// an empty value list so read-only virtual attributes never fail the caller.
func (c *VirAttrCache) Read(ctx context.Context, entity *AnyEntity, schema string) []string {
	binding, err := c.config.VirSchemaBinding(entity.Kind, schema)
	if err != nil {
		c.log.Warn().Err(err).Str("schema", schema).Msg("No binding for virtual schema")
		return nil
	}

	key := cacheKey{entityKey: entity.Key, schema: schema, resourceKey: binding.ResourceKey}
	e := c.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.populated {
		c.inst.cacheRead("hit", c.Size())
		return append([]string(nil), e.values...)
	}

	connObjectKey, err := connObjectKeyValue(entity, binding.Provision)
	if err != nil {
		c.log.Warn().Err(err).Str("entity", entity.Key).Str("schema", schema).
			Msg("Cannot resolve external record key for virtual attribute")
		return nil
	}

	obj, err := c.gateway.GetObject(ctx, binding.ResourceKey, entity.Kind, connObjectKey)
	if err != nil {
		if HasCode(err, ErrCodeNotFound) {
			// A missing record is a definite answer: cache the empty list.
			e.values = nil
			e.version++
			e.populated = true
			c.inst.cacheRead("miss", c.Size())
			return nil
		}
		// Transport failures are not cached; the next read retries.
		c.inst.cacheRead("error", c.Size())
		c.log.Warn().Err(err).
			Str("entity", entity.Key).
			Str("schema", schema).
			Str("resource", binding.ResourceKey).
			Msg("Virtual attribute fetch failed, degrading to empty values")
		return nil
	}

	e.values = append([]string(nil), obj.Attrs[binding.ExtAttrName]...)
	e.version++
	e.populated = true
	c.inst.cacheRead("miss", c.Size())

	c.log.Debug().
		Str("entity", entity.Key).
		Str("schema", schema).
		Str("resource", binding.ResourceKey).
		Int("values", len(e.values)).
		Msg("Virtual attribute cached")

	return append([]string(nil), e.values...)
}

// WriteThrough propagates new values to the schema's bound resource and,
// only after a successful propagation, overwrites the cache entry. On a
// failed propagation the cached value is left untouched and the failure is
// returned as status data, not an error.
func (c *VirAttrCache) WriteThrough(ctx context.Context, entity *AnyEntity, schema string, values []string, propagate PropagateFunc) (*PropagationStatus, error) {
	binding, err := c.config.VirSchemaBinding(entity.Kind, schema)
	if err != nil {
		return nil, err
	}
	if binding.Schema.ReadOnly {
		return nil, NewPermanentError(
			fmt.Sprintf("virtual schema %q is read-only", schema), nil).
			WithCode(ErrCodeValidation)
	}

	key := cacheKey{entityKey: entity.Key, schema: schema, resourceKey: binding.ResourceKey}
	e := c.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	status, err := propagate(ctx, binding, values)
	if err != nil {
		return nil, err
	}

	if status.Status == PropSuccess {
		e.values = append([]string(nil), values...)
		e.version++
		e.populated = true
	}

	return status, nil
}

// InvalidateEntity drops all cached values of one entity. Called on entity
// delete and after inbound updates touching the entity.
func (c *VirAttrCache) InvalidateEntity(entityKey string) {
	c.mu.Lock()
	dropped := 0
	for key := range c.entries {
		if key.entityKey == entityKey {
			delete(c.entries, key)
			dropped++
		}
	}
	remaining := len(c.entries)
	c.mu.Unlock()
	c.inst.cacheInvalidated("entity", entityKey, dropped, remaining)
}

// InvalidateResource drops all cached values bound to one resource. Called
// when a mapping or resource configuration change affects its bindings.
func (c *VirAttrCache) InvalidateResource(resourceKey string) {
	c.mu.Lock()
	dropped := 0
	for key := range c.entries {
		if key.resourceKey == resourceKey {
			delete(c.entries, key)
			dropped++
		}
	}
	remaining := len(c.entries)
	c.mu.Unlock()
	c.inst.cacheInvalidated("resource", resourceKey, dropped, remaining)
}

// Clear drops every cached value. Administrative trigger.
func (c *VirAttrCache) Clear() {
	c.mu.Lock()
	dropped := len(c.entries)
	c.entries = make(map[cacheKey]*cacheEntry)
	c.mu.Unlock()
	c.inst.cacheInvalidated("clear", "*", dropped, 0)
}

// Size returns the number of cached entries.
func (c *VirAttrCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

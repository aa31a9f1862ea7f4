package engine

import (
	"context"
	"reflect"
	"testing"
)

func cacheFixture(getFn func(string, EntityKind, string) (*ConnObject, error)) (*VirAttrCache, *fakeGateway, *AnyEntity) {
	resource := testResource("ldap")
	config := newStaticConfig(resource)
	config.bind(KindUser, "groups", &VirSchemaBinding{
		Schema:      &VirSchema{Name: "groups", Kind: KindUser},
		ResourceKey: "ldap",
		ExtAttrName: "memberOf",
		Provision:   &resource.Provisions[0],
	})

	gateway := &fakeGateway{getFn: getFn}
	cache := NewVirAttrCache(gateway, config, testLogger())

	entity := testUser("u1")
	entity.VirSchemas = []string{"groups"}
	return cache, gateway, entity
}

func TestCacheReadMissThenHit(t *testing.T) {
	cache, gateway, entity := cacheFixture(func(_ string, _ EntityKind, _ string) (*ConnObject, error) {
		return &ConnObject{Key: "u1@example.org", Attrs: map[string][]string{
			"memberOf": {"admins"},
		}}, nil
	})

	first := cache.Read(context.Background(), entity, "groups")
	if !reflect.DeepEqual(first, []string{"admins"}) {
		t.Fatalf("Unexpected values on miss: %v", first)
	}

	second := cache.Read(context.Background(), entity, "groups")
	if !reflect.DeepEqual(second, []string{"admins"}) {
		t.Fatalf("Unexpected values on hit: %v", second)
	}

	if gateway.getCalls != 1 {
		t.Errorf("Expected 1 gateway call, got %d", gateway.getCalls)
	}
}

func TestCacheReadNotFoundCachesEmpty(t *testing.T) {
	cache, gateway, entity := cacheFixture(func(_ string, _ EntityKind, _ string) (*ConnObject, error) {
		return nil, NewPermanentError("no record", nil).WithCode(ErrCodeNotFound)
	})

	if values := cache.Read(context.Background(), entity, "groups"); len(values) != 0 {
		t.Fatalf("Expected empty values, got %v", values)
	}
	// The missing record is a definite answer; no second fetch.
	if values := cache.Read(context.Background(), entity, "groups"); len(values) != 0 {
		t.Fatalf("Expected empty values, got %v", values)
	}
	if gateway.getCalls != 1 {
		t.Errorf("Expected 1 gateway call, got %d", gateway.getCalls)
	}
}

func TestCacheReadTransientErrorRetries(t *testing.T) {
	cache, gateway, entity := cacheFixture(func(_ string, _ EntityKind, _ string) (*ConnObject, error) {
		return nil, NewTransientError("connection refused", nil).WithCode(ErrCodeConnector)
	})

	if values := cache.Read(context.Background(), entity, "groups"); len(values) != 0 {
		t.Fatalf("Expected empty values on fetch failure, got %v", values)
	}
	// Transport failures are not cached; the next read retries.
	cache.Read(context.Background(), entity, "groups")
	if gateway.getCalls != 2 {
		t.Errorf("Expected 2 gateway calls, got %d", gateway.getCalls)
	}
}

func TestCacheWriteThrough(t *testing.T) {
	cache, gateway, entity := cacheFixture(nil)

	status, err := cache.WriteThrough(context.Background(), entity, "groups", []string{"ops"},
		func(_ context.Context, _ *VirSchemaBinding, _ []string) (*PropagationStatus, error) {
			return &PropagationStatus{ResourceKey: "ldap", Status: PropSuccess}, nil
		})
	if err != nil {
		t.Fatalf("WriteThrough failed: %v", err)
	}
	if status.Status != PropSuccess {
		t.Fatalf("Unexpected status: %v", status.Status)
	}

	// The written value is cached; no fetch happens.
	values := cache.Read(context.Background(), entity, "groups")
	if !reflect.DeepEqual(values, []string{"ops"}) {
		t.Errorf("Expected cached written values, got %v", values)
	}
	if gateway.getCalls != 0 {
		t.Errorf("Expected 0 gateway calls, got %d", gateway.getCalls)
	}
}

func TestCacheWriteThroughFailureKeepsOldValue(t *testing.T) {
	cache, _, entity := cacheFixture(func(_ string, _ EntityKind, _ string) (*ConnObject, error) {
		return &ConnObject{Key: "u1@example.org", Attrs: map[string][]string{
			"memberOf": {"admins"},
		}}, nil
	})

	cache.Read(context.Background(), entity, "groups")

	status, err := cache.WriteThrough(context.Background(), entity, "groups", []string{"ops"},
		func(_ context.Context, _ *VirSchemaBinding, _ []string) (*PropagationStatus, error) {
			return &PropagationStatus{ResourceKey: "ldap", Status: PropFailure, Message: "boom"}, nil
		})
	if err != nil {
		t.Fatalf("WriteThrough failed: %v", err)
	}
	if status.Status != PropFailure {
		t.Fatalf("Unexpected status: %v", status.Status)
	}

	values := cache.Read(context.Background(), entity, "groups")
	if !reflect.DeepEqual(values, []string{"admins"}) {
		t.Errorf("Failed write must not change cached values, got %v", values)
	}
}

func TestCacheWriteThroughReadOnlySchema(t *testing.T) {
	cache, _, entity := cacheFixture(nil)
	resource := testResource("ldap")
	config := newStaticConfig(resource)
	config.bind(KindUser, "groups", &VirSchemaBinding{
		Schema:      &VirSchema{Name: "groups", Kind: KindUser, ReadOnly: true},
		ResourceKey: "ldap",
		ExtAttrName: "memberOf",
		Provision:   &resource.Provisions[0],
	})
	cache.config = config

	_, err := cache.WriteThrough(context.Background(), entity, "groups", []string{"ops"},
		func(_ context.Context, _ *VirSchemaBinding, _ []string) (*PropagationStatus, error) {
			t.Fatal("Propagation must not run for a read-only schema")
			return nil, nil
		})
	if err == nil {
		t.Fatal("Expected validation error")
	}
	if !HasCode(err, ErrCodeValidation) {
		t.Errorf("Expected code %s, got %v", ErrCodeValidation, err)
	}
}

func TestCacheInvalidation(t *testing.T) {
	fetch := func(_ string, _ EntityKind, _ string) (*ConnObject, error) {
		return &ConnObject{Key: "u1@example.org", Attrs: map[string][]string{
			"memberOf": {"admins"},
		}}, nil
	}

	tests := []struct {
		name       string
		invalidate func(*VirAttrCache)
		wantCalls  int
	}{
		{
			name:       "invalidate entity",
			invalidate: func(c *VirAttrCache) { c.InvalidateEntity("u1") },
			wantCalls:  2,
		},
		{
			name:       "invalidate other entity",
			invalidate: func(c *VirAttrCache) { c.InvalidateEntity("u2") },
			wantCalls:  1,
		},
		{
			name:       "invalidate resource",
			invalidate: func(c *VirAttrCache) { c.InvalidateResource("ldap") },
			wantCalls:  2,
		},
		{
			name:       "invalidate other resource",
			invalidate: func(c *VirAttrCache) { c.InvalidateResource("db") },
			wantCalls:  1,
		},
		{
			name:       "clear",
			invalidate: func(c *VirAttrCache) { c.Clear() },
			wantCalls:  2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache, gateway, entity := cacheFixture(fetch)
			cache.Read(context.Background(), entity, "groups")
			tt.invalidate(cache)
			cache.Read(context.Background(), entity, "groups")
			if gateway.getCalls != tt.wantCalls {
				t.Errorf("Expected %d gateway calls, got %d", tt.wantCalls, gateway.getCalls)
			}
		})
	}
}

func TestCacheSize(t *testing.T) {
	cache, _, entity := cacheFixture(func(_ string, _ EntityKind, _ string) (*ConnObject, error) {
		return &ConnObject{Attrs: map[string][]string{"memberOf": {"a"}}}, nil
	})
	if cache.Size() != 0 {
		t.Fatalf("Expected empty cache, got %d entries", cache.Size())
	}
	cache.Read(context.Background(), entity, "groups")
	if cache.Size() != 1 {
		t.Errorf("Expected 1 entry, got %d", cache.Size())
	}
	cache.Clear()
	if cache.Size() != 0 {
		t.Errorf("Expected empty cache after clear, got %d entries", cache.Size())
	}
}

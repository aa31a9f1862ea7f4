package rules

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openidsync/openidsync/pkg/engine"
)

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

// fakeStore serves entities by key and by one indexed plain attribute.
type fakeStore struct {
	entities map[string]*engine.AnyEntity
}

func newFakeStore(entities ...*engine.AnyEntity) *fakeStore {
	s := &fakeStore{entities: make(map[string]*engine.AnyEntity)}
	for _, e := range entities {
		s.entities[e.Key] = e
	}
	return s
}

func (s *fakeStore) Get(_ context.Context, key string) (*engine.AnyEntity, error) {
	if e, ok := s.entities[key]; ok {
		return e, nil
	}
	return nil, engine.NewPermanentError("entity not found", nil).WithCode(engine.ErrCodeNotFound)
}

func (s *fakeStore) Save(_ context.Context, entity *engine.AnyEntity) error {
	s.entities[entity.Key] = entity
	return nil
}

func (s *fakeStore) Delete(_ context.Context, key string) error {
	delete(s.entities, key)
	return nil
}

func (s *fakeStore) List(_ context.Context, realm string, kind engine.EntityKind) ([]*engine.AnyEntity, error) {
	var out []*engine.AnyEntity
	for _, e := range s.entities {
		if e.Kind != kind {
			continue
		}
		if realm != "" && e.Realm != realm {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *fakeStore) FindByAttr(_ context.Context, kind engine.EntityKind, name, value string) ([]*engine.AnyEntity, error) {
	var out []*engine.AnyEntity
	for _, e := range s.entities {
		if e.Kind != kind {
			continue
		}
		for _, v := range e.PlainAttrs[name] {
			if v == value {
				out = append(out, e)
				break
			}
		}
	}
	return out, nil
}

func testUser(key, email string) *engine.AnyEntity {
	return &engine.AnyEntity{
		Key:   key,
		Kind:  engine.KindUser,
		Realm: "/corp",
		PlainAttrs: map[string][]string{
			"email": {email},
		},
	}
}

func testRecord(key string, attrs map[string][]string) *engine.ConnObject {
	return &engine.ConnObject{
		Class: "account",
		Key:   key,
		Attrs: attrs,
	}
}

func TestStarlarkRuleCorrelatesByAttr(t *testing.T) {
	script := `
mails = obj["attrs"].get("mail", [])
candidates = [{"attr": "email", "value": m} for m in mails]
`
	rule, err := NewStarlarkRule("mail-match", script, testLogger())
	if err != nil {
		t.Fatalf("NewStarlarkRule: %v", err)
	}
	if rule.Name() != "mail-match" {
		t.Fatalf("Name() = %q, want mail-match", rule.Name())
	}

	store := newFakeStore(
		testUser("u1", "jdoe@corp.example"),
		testUser("u2", "asmith@corp.example"),
	)
	obj := testRecord("jdoe", map[string][]string{
		"mail": {"jdoe@corp.example"},
	})

	got, err := rule.Correlate(context.Background(), store, engine.KindUser, obj)
	if err != nil {
		t.Fatalf("Correlate: %v", err)
	}
	if len(got) != 1 || got[0].Key != "u1" {
		t.Fatalf("Correlate returned %d candidates, want exactly u1", len(got))
	}
}

func TestStarlarkRuleCorrelatesByKey(t *testing.T) {
	script := `candidates = [{"key": obj["key"]}]`
	rule, err := NewStarlarkRule("key-match", script, testLogger())
	if err != nil {
		t.Fatalf("NewStarlarkRule: %v", err)
	}

	store := newFakeStore(testUser("jdoe", "jdoe@corp.example"))

	got, err := rule.Correlate(context.Background(), store, engine.KindUser,
		testRecord("jdoe", nil))
	if err != nil {
		t.Fatalf("Correlate: %v", err)
	}
	if len(got) != 1 || got[0].Key != "jdoe" {
		t.Fatalf("Correlate returned %v, want jdoe", got)
	}

	// Missing entity is no candidate, not an error.
	got, err = rule.Correlate(context.Background(), store, engine.KindUser,
		testRecord("ghost", nil))
	if err != nil {
		t.Fatalf("Correlate for absent key: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Correlate returned %d candidates for absent key, want 0", len(got))
	}
}

func TestStarlarkRuleSkipsWrongKind(t *testing.T) {
	script := `candidates = [{"key": obj["key"]}]`
	rule, err := NewStarlarkRule("key-match", script, testLogger())
	if err != nil {
		t.Fatalf("NewStarlarkRule: %v", err)
	}

	group := &engine.AnyEntity{Key: "admins", Kind: engine.KindGroup, Realm: "/corp"}
	store := newFakeStore(group)

	got, err := rule.Correlate(context.Background(), store, engine.KindUser,
		testRecord("admins", nil))
	if err != nil {
		t.Fatalf("Correlate: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Correlate returned %d candidates across kinds, want 0", len(got))
	}
}

func TestStarlarkRuleDeduplicatesCandidates(t *testing.T) {
	script := `
candidates = [
    {"key": "u1"},
    {"attr": "email", "value": obj["attrs"]["mail"][0]},
]
`
	rule, err := NewStarlarkRule("dedupe", script, testLogger())
	if err != nil {
		t.Fatalf("NewStarlarkRule: %v", err)
	}

	store := newFakeStore(testUser("u1", "jdoe@corp.example"))
	obj := testRecord("jdoe", map[string][]string{
		"mail": {"jdoe@corp.example"},
	})

	got, err := rule.Correlate(context.Background(), store, engine.KindUser, obj)
	if err != nil {
		t.Fatalf("Correlate: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Correlate returned %d candidates, want 1 after dedupe", len(got))
	}
}

func TestNewStarlarkRuleRejectsBadScript(t *testing.T) {
	_, err := NewStarlarkRule("broken", `candidates = [`, testLogger())
	if err == nil {
		t.Fatal("expected parse error for malformed script")
	}
	if !engine.HasCode(err, engine.ErrCodeValidation) {
		t.Fatalf("error = %v, want %s", err, engine.ErrCodeValidation)
	}
}

func TestStarlarkRuleRejectsBadCandidates(t *testing.T) {
	tests := []struct {
		name   string
		script string
	}{
		{"not a list", `candidates = "u1"`},
		{"not a dict", `candidates = ["u1"]`},
		{"missing fields", `candidates = [{"value": "x"}]`},
		{"both key and attr", `candidates = [{"key": "u1", "attr": "email", "value": "x"}]`},
		{"no assignment", `x = 1`},
		{"runtime failure", `candidates = [{"key": obj["nope"]}]`},
	}

	store := newFakeStore()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, err := NewStarlarkRule("bad", tt.script, testLogger())
			if err != nil {
				t.Fatalf("NewStarlarkRule: %v", err)
			}
			_, err = rule.Correlate(context.Background(), store, engine.KindUser,
				testRecord("jdoe", nil))
			if err == nil {
				t.Fatal("expected error")
			}
			if !engine.HasCode(err, engine.ErrCodeValidation) {
				t.Fatalf("error = %v, want %s", err, engine.ErrCodeValidation)
			}
		})
	}
}

func TestStarlarkRuleTimeout(t *testing.T) {
	script := `
n = 0
for i in range(100000000):
    n += i
candidates = []
`
	rule, err := NewStarlarkRule("slow", script, testLogger(),
		WithTimeout(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewStarlarkRule: %v", err)
	}

	_, err = rule.Correlate(context.Background(), newFakeStore(), engine.KindUser,
		testRecord("jdoe", nil))
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !engine.HasCode(err, engine.ErrCodeTimeout) {
		t.Fatalf("error = %v, want %s", err, engine.ErrCodeTimeout)
	}
	if !engine.IsTransient(err) {
		t.Fatalf("timeout should be transient, got %v", err)
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()

	script := `
mails = obj["attrs"].get("mail", [])
candidates = [{"attr": "email", "value": m} for m in mails]
`
	if err := os.WriteFile(filepath.Join(dir, "mail-match.star"), []byte(script), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0o644); err != nil {
		t.Fatalf("write notes: %v", err)
	}

	registry := engine.NewRegistry()
	loaded, err := LoadDirectory(dir, registry, testLogger())
	if err != nil {
		t.Fatalf("LoadDirectory: %v", err)
	}
	if loaded != 1 {
		t.Fatalf("loaded %d rules, want 1", loaded)
	}

	rule, err := registry.Rule("mail-match")
	if err != nil {
		t.Fatalf("registry.Rule: %v", err)
	}

	store := newFakeStore(testUser("u1", "jdoe@corp.example"))
	got, err := rule.Correlate(context.Background(), store, engine.KindUser,
		testRecord("jdoe", map[string][]string{"mail": {"jdoe@corp.example"}}))
	if err != nil {
		t.Fatalf("Correlate: %v", err)
	}
	if len(got) != 1 || got[0].Key != "u1" {
		t.Fatalf("Correlate returned %v, want u1", got)
	}
}

func TestLoadDirectoryFailsOnBrokenScript(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.star"), []byte("candidates = ["), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}

	if _, err := LoadDirectory(dir, engine.NewRegistry(), testLogger()); err == nil {
		t.Fatal("expected error for broken script")
	}
}

func TestLoadDirectoryMissing(t *testing.T) {
	if _, err := LoadDirectory(filepath.Join(t.TempDir(), "absent"), engine.NewRegistry(), testLogger()); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

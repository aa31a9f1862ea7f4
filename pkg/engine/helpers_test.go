package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

// memStore is an in-memory EntityStore.
type memStore struct {
	mu       sync.Mutex
	entities map[string]*AnyEntity
	saveErr  error
}

func newMemStore(entities ...*AnyEntity) *memStore {
	s := &memStore{entities: make(map[string]*AnyEntity)}
	for _, e := range entities {
		s.entities[e.Key] = e
	}
	return s
}

func (s *memStore) Get(_ context.Context, key string) (*AnyEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[key]
	if !ok {
		return nil, NewPermanentError(fmt.Sprintf("entity %s not found", key), nil).
			WithCode(ErrCodeNotFound)
	}
	return e, nil
}

func (s *memStore) Save(_ context.Context, entity *AnyEntity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.entities[entity.Key] = entity
	return nil
}

func (s *memStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entities, key)
	return nil
}

func (s *memStore) List(_ context.Context, realm string, kind EntityKind) ([]*AnyEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*AnyEntity
	for _, e := range s.entities {
		if e.Kind != kind {
			continue
		}
		if realm != "" && e.Realm != realm {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *memStore) FindByAttr(_ context.Context, kind EntityKind, name, value string) ([]*AnyEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*AnyEntity
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
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// fakeGateway is a scriptable ConnectorGateway with call counters.
type fakeGateway struct {
	mu          sync.Mutex
	getCalls    int
	createCalls int
	updateCalls int
	deleteCalls int
	searchCalls int

	getFn    func(resourceKey string, kind EntityKind, connObjectKey string) (*ConnObject, error)
	createFn func(resourceKey string, kind EntityKind, obj *ConnObject) (string, error)
	updateFn func(resourceKey string, kind EntityKind, obj *ConnObject) (string, error)
	deleteFn func(resourceKey string, kind EntityKind, connObjectKey string) error
	searchFn func(resourceKey string, kind EntityKind, pageToken string, pageSize int) (*Page, error)
}

func (g *fakeGateway) Search(_ context.Context, resourceKey string, kind EntityKind, pageToken string, pageSize int) (*Page, error) {
	g.mu.Lock()
	g.searchCalls++
	g.mu.Unlock()
	if g.searchFn == nil {
		return &Page{}, nil
	}
	return g.searchFn(resourceKey, kind, pageToken, pageSize)
}

func (g *fakeGateway) GetObject(_ context.Context, resourceKey string, kind EntityKind, connObjectKey string) (*ConnObject, error) {
	g.mu.Lock()
	g.getCalls++
	g.mu.Unlock()
	if g.getFn == nil {
		return nil, NewPermanentError("no record", nil).WithCode(ErrCodeNotFound)
	}
	return g.getFn(resourceKey, kind, connObjectKey)
}

func (g *fakeGateway) Create(_ context.Context, resourceKey string, kind EntityKind, obj *ConnObject) (string, error) {
	g.mu.Lock()
	g.createCalls++
	g.mu.Unlock()
	if g.createFn == nil {
		return obj.Key, nil
	}
	return g.createFn(resourceKey, kind, obj)
}

func (g *fakeGateway) Update(ctx context.Context, resourceKey string, kind EntityKind, obj *ConnObject) (string, error) {
	g.mu.Lock()
	g.updateCalls++
	g.mu.Unlock()
	if g.updateFn == nil {
		return obj.Key, nil
	}
	key, err := g.updateFn(resourceKey, kind, obj)
	if err != nil {
		return "", err
	}
	// A well-behaved connector honors the dispatch deadline.
	if err := ctx.Err(); err != nil {
		return "", NewTransientError("context done", err).WithCode(ErrCodeConnector)
	}
	return key, nil
}

func (g *fakeGateway) Delete(_ context.Context, resourceKey string, kind EntityKind, connObjectKey string) error {
	g.mu.Lock()
	g.deleteCalls++
	g.mu.Unlock()
	if g.deleteFn == nil {
		return nil
	}
	return g.deleteFn(resourceKey, kind, connObjectKey)
}

// staticConfig is a fixed ConfigSource.
type staticConfig struct {
	resources map[string]*ExternalResource
	bindings  map[string]*VirSchemaBinding
	order     []string
}

func newStaticConfig(resources ...*ExternalResource) *staticConfig {
	c := &staticConfig{
		resources: make(map[string]*ExternalResource),
		bindings:  make(map[string]*VirSchemaBinding),
	}
	for _, r := range resources {
		c.resources[r.Key] = r
		c.order = append(c.order, r.Key)
	}
	return c
}

func (c *staticConfig) Resource(key string) (*ExternalResource, error) {
	r, ok := c.resources[key]
	if !ok {
		return nil, NewPermanentError(fmt.Sprintf("resource %s not found", key), nil).
			WithCode(ErrCodeNotFound)
	}
	return r, nil
}

func (c *staticConfig) Resources() []*ExternalResource {
	out := make([]*ExternalResource, 0, len(c.order))
	for _, key := range c.order {
		out = append(out, c.resources[key])
	}
	return out
}

func (c *staticConfig) VirSchemaBinding(kind EntityKind, schema string) (*VirSchemaBinding, error) {
	b, ok := c.bindings[string(kind)+"/"+schema]
	if !ok {
		return nil, NewPermanentError(fmt.Sprintf("no binding for %s", schema), nil).
			WithCode(ErrCodeNotFound)
	}
	return b, nil
}

func (c *staticConfig) bind(kind EntityKind, schema string, binding *VirSchemaBinding) {
	c.bindings[string(kind)+"/"+schema] = binding
}

// memTaskStore is an in-memory TaskStore.
type memTaskStore struct {
	mu         sync.Mutex
	tasks      map[string]*ProvisioningTask
	executions map[string]*TaskExecution
	history    []PropagationStatus
}

func newMemTaskStore() *memTaskStore {
	return &memTaskStore{
		tasks:      make(map[string]*ProvisioningTask),
		executions: make(map[string]*TaskExecution),
	}
}

func (s *memTaskStore) SaveTask(_ context.Context, task *ProvisioningTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
	return nil
}

func (s *memTaskStore) GetTask(_ context.Context, taskID string) (*ProvisioningTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, NewPermanentError(fmt.Sprintf("task %s not found", taskID), nil).
			WithCode(ErrCodeNotFound)
	}
	return t, nil
}

func (s *memTaskStore) DeleteTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, taskID)
	return nil
}

func (s *memTaskStore) ListTasks(_ context.Context) ([]*ProvisioningTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ProvisioningTask
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (s *memTaskStore) CreateExecution(_ context.Context, exec *TaskExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *exec
	s.executions[exec.ID] = &copied
	return nil
}

func (s *memTaskStore) UpdateExecution(_ context.Context, exec *TaskExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *exec
	s.executions[exec.ID] = &copied
	return nil
}

func (s *memTaskStore) GetExecution(_ context.Context, execID string) (*TaskExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[execID]
	if !ok {
		return nil, NewPermanentError(fmt.Sprintf("execution %s not found", execID), nil).
			WithCode(ErrCodeNotFound)
	}
	copied := *e
	return &copied, nil
}

func (s *memTaskStore) ListExecutions(_ context.Context, taskID string) ([]*TaskExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*TaskExecution
	for _, e := range s.executions {
		if e.TaskID == taskID {
			copied := *e
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *memTaskStore) AppendPropagationStatuses(_ context.Context, _ string, _ Operation, statuses []PropagationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, statuses...)
	return nil
}

// fakeScheduler records registrations and can reject cron expressions.
type fakeScheduler struct {
	mu          sync.Mutex
	jobs        map[string]func()
	registerErr error
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{jobs: make(map[string]func())}
}

func (s *fakeScheduler) RegisterJob(taskID, _ string, callback func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registerErr != nil {
		return s.registerErr
	}
	s.jobs[taskID] = callback
	return nil
}

func (s *fakeScheduler) UnregisterJob(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, taskID)
	return nil
}

func (s *fakeScheduler) TriggerNow(taskID string) error {
	s.mu.Lock()
	callback, ok := s.jobs[taskID]
	s.mu.Unlock()
	if !ok {
		return NewPermanentError(fmt.Sprintf("no job for task %s", taskID), nil).
			WithCode(ErrCodeNotFound)
	}
	callback()
	return nil
}

// testResource builds a resource with a plain userid key item and a few
// mapped attributes, enough for most tests.
func testResource(key string) *ExternalResource {
	return &ExternalResource{
		Key: key,
		Connector: ConnectorConfig{
			Bundle: "rest",
		},
		Provisions: []Provision{
			{
				Kind:        KindUser,
				ObjectClass: "account",
				Mapping: Mapping{
					Items: []MappingItem{
						{IntAttrName: "userid", IntAttrType: IntAttrPlain, ExtAttrName: "uid", Purpose: PurposeBoth, ConnObjectKey: true},
						{IntAttrName: "email", IntAttrType: IntAttrPlain, ExtAttrName: "mail", Purpose: PurposeBoth},
						{IntAttrName: "fullname", IntAttrType: IntAttrDerived, ExtAttrName: "cn", Purpose: PurposePropagation},
					},
				},
			},
		},
	}
}

// testUser builds a user entity with the attributes testResource maps.
func testUser(key string) *AnyEntity {
	return &AnyEntity{
		Key:   key,
		Kind:  KindUser,
		Realm: "/",
		PlainAttrs: map[string][]string{
			"userid":    {key + "@example.org"},
			"email":     {key + "@example.org"},
			"firstname": {"Jane"},
			"surname":   {"Doe"},
		},
		DerivedAttrs: map[string]string{
			"fullname": "$(firstname) $(surname)",
		},
	}
}

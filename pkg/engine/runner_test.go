package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type runnerFixture struct {
	runner    *TaskRunner
	store     *memStore
	tasks     *memTaskStore
	gateway   *fakeGateway
	config    *staticConfig
	scheduler *fakeScheduler
	registry  *Registry
}

func newRunnerFixture(gateway *fakeGateway, resources ...*ExternalResource) *runnerFixture {
	store := newMemStore()
	tasks := newMemTaskStore()
	config := newStaticConfig(resources...)
	scheduler := newFakeScheduler()
	registry := NewRegistry()
	cache := NewVirAttrCache(gateway, config, testLogger())
	resolver := NewMappingResolver(cache)
	matching := NewMatchingEngine(store, registry, testLogger())
	coordinator := NewPropagationCoordinator(gateway, config, store, tasks, resolver, nil, 0, testLogger())
	runner := NewTaskRunner(store, tasks, gateway, config, scheduler, registry, matching, coordinator, cache, testLogger())
	return &runnerFixture{
		runner:    runner,
		store:     store,
		tasks:     tasks,
		gateway:   gateway,
		config:    config,
		scheduler: scheduler,
		registry:  registry,
	}
}

func waitForTerminal(t *testing.T, tasks *memTaskStore, execID string) *TaskExecution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		exec, err := tasks.GetExecution(context.Background(), execID)
		if err == nil && exec.Status.IsTerminal() {
			return exec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Execution %s never reached a terminal status", execID)
	return nil
}

func TestCreateTaskValidation(t *testing.T) {
	f := newRunnerFixture(&fakeGateway{}, testResource("ldap"))

	valid := func() *ProvisioningTask {
		return &ProvisioningTask{
			Name:        "pull-ldap",
			Type:        TaskPull,
			ResourceKey: "ldap",
			Realm:       "/",
			Kind:        KindUser,
			Matching:    MatchUpdate,
			Unmatching:  UnmatchProvision,
		}
	}

	tests := []struct {
		name   string
		mutate func(*ProvisioningTask)
	}{
		{name: "missing name", mutate: func(task *ProvisioningTask) { task.Name = "" }},
		{name: "invalid type", mutate: func(task *ProvisioningTask) { task.Type = "sideways" }},
		{name: "invalid kind", mutate: func(task *ProvisioningTask) { task.Kind = "ROBOT" }},
		{name: "unknown resource", mutate: func(task *ProvisioningTask) { task.ResourceKey = "nope" }},
		{name: "invalid matching rule", mutate: func(task *ProvisioningTask) { task.Matching = "MAYBE" }},
		{name: "invalid unmatching rule", mutate: func(task *ProvisioningTask) { task.Unmatching = "MAYBE" }},
		{name: "assign without rule", mutate: func(task *ProvisioningTask) { task.Unmatching = UnmatchAssign }},
		{name: "unknown correlation rule", mutate: func(task *ProvisioningTask) { task.CorrelationRule = "nope" }},
		{name: "unknown action", mutate: func(task *ProvisioningTask) { task.Actions = []string{"nope"} }},
		{name: "negative page size", mutate: func(task *ProvisioningTask) { task.PageSize = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := valid()
			tt.mutate(task)
			err := f.runner.CreateTask(context.Background(), task)
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !HasCode(err, ErrCodeValidation) {
				t.Errorf("Expected code %s, got %v", ErrCodeValidation, err)
			}
		})
	}

	if err := f.runner.CreateTask(context.Background(), valid()); err != nil {
		t.Fatalf("Valid task rejected: %v", err)
	}
}

func TestCreateTaskValidatesPushRules(t *testing.T) {
	f := newRunnerFixture(&fakeGateway{}, testResource("ldap"))

	task := &ProvisioningTask{
		Name:        "push-ldap",
		Type:        TaskPush,
		ResourceKey: "ldap",
		Kind:        KindUser,
		Unmatching:  UnmatchProvision,
	}
	err := f.runner.CreateTask(context.Background(), task)
	if err == nil {
		t.Fatal("Expected validation error for missing matching rule")
	}
	if !HasCode(err, ErrCodeValidation) {
		t.Errorf("Expected code %s, got %v", ErrCodeValidation, err)
	}

	task.Matching = MatchUpdate
	// Push ASSIGN links the task resource itself, no assignment rule needed.
	task.Unmatching = UnmatchAssign
	if err := f.runner.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("Valid push task rejected: %v", err)
	}
}

func TestCreateTaskScheduleRollback(t *testing.T) {
	f := newRunnerFixture(&fakeGateway{}, testResource("ldap"))
	f.scheduler.registerErr = NewPermanentError("bad cron expression", nil).WithCode(ErrCodeScheduling)

	task := &ProvisioningTask{
		Name:        "pull-ldap",
		Type:        TaskPull,
		ResourceKey: "ldap",
		Kind:        KindUser,
		CronExpr:    "not a cron",
		Matching:    MatchUpdate,
		Unmatching:  UnmatchProvision,
	}
	err := f.runner.CreateTask(context.Background(), task)
	if err == nil {
		t.Fatal("Expected scheduling error")
	}
	if !HasCode(err, ErrCodeScheduling) {
		t.Errorf("Expected code %s, got %v", ErrCodeScheduling, err)
	}
	if _, err := f.tasks.GetTask(context.Background(), task.ID); err == nil {
		t.Error("Task must be rolled back after schedule registration failure")
	}
}

func TestCreateTaskRegistersSchedule(t *testing.T) {
	f := newRunnerFixture(&fakeGateway{}, testResource("ldap"))

	task := &ProvisioningTask{
		Name:        "pull-ldap",
		Type:        TaskPull,
		ResourceKey: "ldap",
		Kind:        KindUser,
		CronExpr:    "0 2 * * *",
		Matching:    MatchUpdate,
		Unmatching:  UnmatchProvision,
	}
	if err := f.runner.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if _, ok := f.scheduler.jobs[task.ID]; !ok {
		t.Error("Cron job not registered")
	}

	if err := f.runner.DeleteTask(context.Background(), task.ID); err != nil {
		t.Fatalf("DeleteTask failed: %v", err)
	}
	if _, ok := f.scheduler.jobs[task.ID]; ok {
		t.Error("Cron job not unregistered on delete")
	}
}

func TestExecuteBusyRejection(t *testing.T) {
	release := make(chan struct{})
	gateway := &fakeGateway{
		searchFn: func(_ string, _ EntityKind, _ string, _ int) (*Page, error) {
			<-release
			return &Page{}, nil
		},
	}
	f := newRunnerFixture(gateway, testResource("ldap"))

	task := &ProvisioningTask{
		Name:        "pull-ldap",
		Type:        TaskPull,
		ResourceKey: "ldap",
		Kind:        KindUser,
		Matching:    MatchUpdate,
		Unmatching:  UnmatchIgnore,
	}
	if err := f.runner.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	execID, err := f.runner.Execute(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	_, err = f.runner.Execute(context.Background(), task.ID)
	if err == nil {
		t.Fatal("Expected busy rejection")
	}
	if !HasCode(err, ErrCodeTaskBusy) {
		t.Errorf("Expected code %s, got %v", ErrCodeTaskBusy, err)
	}

	close(release)
	exec := waitForTerminal(t, f.tasks, execID)
	if exec.Status != ExecSuccess {
		t.Errorf("Expected SUCCESS, got %s (%s)", exec.Status, exec.Message)
	}

	// The task is triggerable again after the run finished.
	if _, err := f.runner.Execute(context.Background(), task.ID); err != nil {
		t.Errorf("Re-trigger after completion failed: %v", err)
	}
}

func TestExecutePullPartial(t *testing.T) {
	records := []ConnObject{
		{Class: "account", Key: "a@example.org", Attrs: map[string][]string{"uid": {"a@example.org"}, "mail": {"a@example.org"}}},
		{Class: "account", Key: "dup@example.org", Attrs: map[string][]string{"uid": {"dup@example.org"}, "mail": {"dup@example.org"}}},
		{Class: "account", Key: "b@example.org", Attrs: map[string][]string{"uid": {"b@example.org"}, "mail": {"b@example.org"}}},
	}
	gateway := &fakeGateway{
		searchFn: func(_ string, _ EntityKind, _ string, _ int) (*Page, error) {
			return &Page{Objects: records}, nil
		},
	}
	f := newRunnerFixture(gateway, testResource("ldap"))

	// Two entities share the duplicate userid, making that record ambiguous.
	for _, key := range []string{"x1", "x2"} {
		e := testUser(key)
		e.PlainAttrs["userid"] = []string{"dup@example.org"}
		if err := f.store.Save(context.Background(), e); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	task := &ProvisioningTask{
		Name:        "pull-ldap",
		Type:        TaskPull,
		ResourceKey: "ldap",
		Realm:       "/",
		Kind:        KindUser,
		Matching:    MatchUpdate,
		Unmatching:  UnmatchProvision,
	}
	if err := f.runner.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	execID, err := f.runner.Execute(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	exec := waitForTerminal(t, f.tasks, execID)
	if exec.Status != ExecPartial {
		t.Fatalf("Expected PARTIAL, got %s (%s)", exec.Status, exec.Message)
	}
	if exec.Succeeded != 2 || exec.Failed != 1 {
		t.Errorf("Expected 2 succeeded / 1 failed, got %d / %d", exec.Succeeded, exec.Failed)
	}
	if len(exec.Failures) != 1 || exec.Failures[0].Key != "dup@example.org" {
		t.Errorf("Unexpected failure detail: %+v", exec.Failures)
	}
}

func TestExecutePullEmptyResource(t *testing.T) {
	f := newRunnerFixture(&fakeGateway{}, testResource("ldap"))

	task := &ProvisioningTask{
		Name:        "pull-ldap",
		Type:        TaskPull,
		ResourceKey: "ldap",
		Kind:        KindUser,
		Matching:    MatchUpdate,
		Unmatching:  UnmatchProvision,
	}
	if err := f.runner.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	execID, err := f.runner.Execute(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	exec := waitForTerminal(t, f.tasks, execID)
	if exec.Status != ExecSuccess {
		t.Errorf("Expected SUCCESS for an empty resource, got %s", exec.Status)
	}
}

func TestExecutePullFatalSearchError(t *testing.T) {
	gateway := &fakeGateway{
		searchFn: func(_ string, _ EntityKind, _ string, _ int) (*Page, error) {
			return nil, NewTransientError("connection refused", nil).WithCode(ErrCodeConnector)
		},
	}
	f := newRunnerFixture(gateway, testResource("ldap"))

	task := &ProvisioningTask{
		Name:        "pull-ldap",
		Type:        TaskPull,
		ResourceKey: "ldap",
		Kind:        KindUser,
		Matching:    MatchUpdate,
		Unmatching:  UnmatchProvision,
	}
	if err := f.runner.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	execID, err := f.runner.Execute(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	exec := waitForTerminal(t, f.tasks, execID)
	if exec.Status != ExecFailure {
		t.Errorf("Expected FAILURE, got %s", exec.Status)
	}
}

func TestExecutePushUpdatesExistingRecords(t *testing.T) {
	gateway := &fakeGateway{
		getFn: func(_ string, _ EntityKind, connObjectKey string) (*ConnObject, error) {
			return &ConnObject{Class: "account", Key: connObjectKey}, nil
		},
		updateFn: func(_ string, _ EntityKind, obj *ConnObject) (string, error) {
			if obj.Key == "bad@example.org" {
				return "", NewPermanentError("rejected", nil).WithCode(ErrCodeConnector)
			}
			return obj.Key, nil
		},
	}
	f := newRunnerFixture(gateway, testResource("ldap"))

	for _, key := range []string{"u1", "u2", "bad"} {
		if err := f.store.Save(context.Background(), testUser(key)); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	task := &ProvisioningTask{
		Name:        "push-ldap",
		Type:        TaskPush,
		ResourceKey: "ldap",
		Realm:       "/",
		Kind:        KindUser,
		Matching:    MatchUpdate,
		Unmatching:  UnmatchProvision,
	}
	if err := f.runner.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	execID, err := f.runner.Execute(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	exec := waitForTerminal(t, f.tasks, execID)
	if exec.Status != ExecPartial {
		t.Fatalf("Expected PARTIAL, got %s (%s)", exec.Status, exec.Message)
	}
	if exec.Succeeded != 2 || exec.Failed != 1 {
		t.Errorf("Expected 2 succeeded / 1 failed, got %d / %d", exec.Succeeded, exec.Failed)
	}
	if gateway.createCalls != 0 {
		t.Errorf("Existing records must be updated, not created: %d creates", gateway.createCalls)
	}
}

func TestExecutePushProvisionsMissingRecords(t *testing.T) {
	// The default fakeGateway answers every GetObject with NOT_FOUND, so no
	// entity has an external record yet.
	gateway := &fakeGateway{}
	f := newRunnerFixture(gateway, testResource("ldap"))

	if err := f.store.Save(context.Background(), testUser("u1")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	task := &ProvisioningTask{
		Name:        "push-ldap",
		Type:        TaskPush,
		ResourceKey: "ldap",
		Realm:       "/",
		Kind:        KindUser,
		Matching:    MatchUpdate,
		Unmatching:  UnmatchProvision,
	}
	if err := f.runner.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	execID, err := f.runner.Execute(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	exec := waitForTerminal(t, f.tasks, execID)
	if exec.Status != ExecSuccess {
		t.Fatalf("Expected SUCCESS, got %s (%s)", exec.Status, exec.Message)
	}
	if gateway.createCalls != 1 {
		t.Errorf("Expected 1 create for the missing record, got %d", gateway.createCalls)
	}
	if gateway.updateCalls != 0 {
		t.Errorf("An absent record must not be updated, got %d updates", gateway.updateCalls)
	}
}

func TestExecutePushIgnoreRules(t *testing.T) {
	tests := []struct {
		name       string
		exists     bool
		matching   MatchingRule
		unmatching UnmatchingRule
	}{
		{name: "matched entity ignored", exists: true, matching: MatchIgnore, unmatching: UnmatchProvision},
		{name: "unmatched entity ignored", exists: false, matching: MatchUpdate, unmatching: UnmatchIgnore},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gateway := &fakeGateway{}
			if tt.exists {
				gateway.getFn = func(_ string, _ EntityKind, connObjectKey string) (*ConnObject, error) {
					return &ConnObject{Class: "account", Key: connObjectKey}, nil
				}
			}
			f := newRunnerFixture(gateway, testResource("ldap"))
			if err := f.store.Save(context.Background(), testUser("u1")); err != nil {
				t.Fatalf("Save failed: %v", err)
			}

			task := &ProvisioningTask{
				Name:        "push-ldap",
				Type:        TaskPush,
				ResourceKey: "ldap",
				Realm:       "/",
				Kind:        KindUser,
				Matching:    tt.matching,
				Unmatching:  tt.unmatching,
			}
			if err := f.runner.CreateTask(context.Background(), task); err != nil {
				t.Fatalf("CreateTask failed: %v", err)
			}
			execID, err := f.runner.Execute(context.Background(), task.ID)
			if err != nil {
				t.Fatalf("Execute failed: %v", err)
			}

			exec := waitForTerminal(t, f.tasks, execID)
			if exec.Status != ExecSuccess {
				t.Fatalf("Expected SUCCESS, got %s (%s)", exec.Status, exec.Message)
			}
			if gateway.createCalls != 0 || gateway.updateCalls != 0 {
				t.Errorf("Ignored entity must not be dispatched: create=%d update=%d",
					gateway.createCalls, gateway.updateCalls)
			}
		})
	}
}

func TestExecutePushAssignLinksResource(t *testing.T) {
	gateway := &fakeGateway{}
	f := newRunnerFixture(gateway, testResource("ldap"))

	if err := f.store.Save(context.Background(), testUser("u1")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	task := &ProvisioningTask{
		Name:        "push-ldap",
		Type:        TaskPush,
		ResourceKey: "ldap",
		Realm:       "/",
		Kind:        KindUser,
		Matching:    MatchUpdate,
		Unmatching:  UnmatchAssign,
	}
	if err := f.runner.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	execID, err := f.runner.Execute(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	exec := waitForTerminal(t, f.tasks, execID)
	if exec.Status != ExecSuccess {
		t.Fatalf("Expected SUCCESS, got %s (%s)", exec.Status, exec.Message)
	}
	if gateway.createCalls != 1 {
		t.Errorf("Expected 1 create, got %d", gateway.createCalls)
	}
	entity, err := f.store.Get(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !hasResource(entity, "ldap") {
		t.Errorf("Assigned entity must carry the task resource, got %v", entity.Resources)
	}
}

func TestCancelExecution(t *testing.T) {
	started := make(chan struct{})
	var once bool
	gateway := &fakeGateway{
		searchFn: func(_ string, _ EntityKind, _ string, _ int) (*Page, error) {
			if !once {
				once = true
				close(started)
			}
			time.Sleep(10 * time.Millisecond)
			return &Page{
				Objects:   []ConnObject{{Class: "account", Key: "k", Attrs: map[string][]string{"uid": {"k"}}}},
				NextToken: "more",
			}, nil
		},
	}
	f := newRunnerFixture(gateway, testResource("ldap"))

	task := &ProvisioningTask{
		Name:        "pull-ldap",
		Type:        TaskPull,
		ResourceKey: "ldap",
		Kind:        KindUser,
		Matching:    MatchIgnore,
		Unmatching:  UnmatchIgnore,
	}
	if err := f.runner.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	execID, err := f.runner.Execute(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	<-started
	if err := f.runner.CancelExecution(execID); err != nil {
		t.Fatalf("CancelExecution failed: %v", err)
	}

	exec := waitForTerminal(t, f.tasks, execID)
	if exec.Status != ExecPartial {
		t.Errorf("Expected PARTIAL after cancel, got %s", exec.Status)
	}
	if !strings.Contains(exec.Message, "cancelled") {
		t.Errorf("Message should mention cancellation: %s", exec.Message)
	}
}

func TestCancelDuringFirstSearch(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	gateway := &fakeGateway{
		searchFn: func(_ string, _ EntityKind, _ string, _ int) (*Page, error) {
			close(started)
			<-release
			// A connector notices the dead context and reports it as an error.
			return nil, NewTransientError("search interrupted", nil).WithCode(ErrCodeConnector)
		},
	}
	f := newRunnerFixture(gateway, testResource("ldap"))

	task := &ProvisioningTask{
		Name:        "pull-ldap",
		Type:        TaskPull,
		ResourceKey: "ldap",
		Kind:        KindUser,
		Matching:    MatchIgnore,
		Unmatching:  UnmatchIgnore,
	}
	if err := f.runner.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	execID, err := f.runner.Execute(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	<-started
	if err := f.runner.CancelExecution(execID); err != nil {
		t.Fatalf("CancelExecution failed: %v", err)
	}
	close(release)

	exec := waitForTerminal(t, f.tasks, execID)
	if exec.Status != ExecPartial {
		t.Errorf("Cancellation before the first record must end PARTIAL, got %s (%s)",
			exec.Status, exec.Message)
	}
	if !strings.Contains(exec.Message, "cancelled") {
		t.Errorf("Message should mention cancellation: %s", exec.Message)
	}
}

func TestCancelUnknownExecution(t *testing.T) {
	f := newRunnerFixture(&fakeGateway{}, testResource("ldap"))
	err := f.runner.CancelExecution("nope")
	if err == nil {
		t.Fatal("Expected not-found error")
	}
	if !HasCode(err, ErrCodeNotFound) {
		t.Errorf("Expected code %s, got %v", ErrCodeNotFound, err)
	}
}

func TestEntityLifecycleWithPropagation(t *testing.T) {
	gateway := &fakeGateway{}
	f := newRunnerFixture(gateway, testResource("ldap"))

	entity := testUser("u1")
	entity.Resources = []string{"ldap"}

	statuses, err := f.runner.CreateEntity(context.Background(), entity)
	if err != nil {
		t.Fatalf("CreateEntity failed: %v", err)
	}
	if len(statuses) != 1 || statuses[0].Status != PropSuccess {
		t.Fatalf("Unexpected create statuses: %+v", statuses)
	}

	statuses, err = f.runner.DeleteEntity(context.Background(), "u1")
	if err != nil {
		t.Fatalf("DeleteEntity failed: %v", err)
	}
	if len(statuses) != 1 || statuses[0].Status != PropSuccess {
		t.Fatalf("Unexpected delete statuses: %+v", statuses)
	}
	if _, err := f.store.Get(context.Background(), "u1"); !HasCode(err, ErrCodeNotFound) {
		t.Errorf("Entity should be gone, got %v", err)
	}
	if gateway.createCalls != 1 || gateway.deleteCalls != 1 {
		t.Errorf("Unexpected gateway calls: create=%d delete=%d", gateway.createCalls, gateway.deleteCalls)
	}
}

func TestVirtualAttributeFacade(t *testing.T) {
	gateway := &fakeGateway{}
	resource := testResource("ldap")
	f := newRunnerFixture(gateway, resource)
	f.config.bind(KindUser, "groups", &VirSchemaBinding{
		Schema:      &VirSchema{Name: "groups", Kind: KindUser},
		ResourceKey: "ldap",
		ExtAttrName: "memberOf",
		Provision:   &resource.Provisions[0],
	})

	entity := testUser("u1")
	entity.VirSchemas = []string{"groups"}
	if err := f.store.Save(context.Background(), entity); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	status, err := f.runner.WriteVirtualAttribute(context.Background(), "u1", "groups", []string{"ops"})
	if err != nil {
		t.Fatalf("WriteVirtualAttribute failed: %v", err)
	}
	if status.Status != PropSuccess {
		t.Fatalf("Expected SUCCESS, got %s", status.Status)
	}

	values, err := f.runner.ReadVirtualAttribute(context.Background(), "u1", "groups")
	if err != nil {
		t.Fatalf("ReadVirtualAttribute failed: %v", err)
	}
	if len(values) != 1 || values[0] != "ops" {
		t.Errorf("Expected written values back, got %v", values)
	}
	if gateway.getCalls != 0 {
		t.Errorf("Write-through value should be served from cache, got %d fetches", gateway.getCalls)
	}

	// Unknown schema on the entity.
	if _, err := f.runner.ReadVirtualAttribute(context.Background(), "u1", "nope"); err == nil {
		t.Error("Expected error for unattached schema")
	}
}

func TestUnknownTaskExecute(t *testing.T) {
	f := newRunnerFixture(&fakeGateway{}, testResource("ldap"))
	_, err := f.runner.Execute(context.Background(), "nope")
	if err == nil {
		t.Fatal("Expected not-found error")
	}
	var pe *ProvisioningError
	if !errors.As(err, &pe) || pe.Code != ErrCodeNotFound {
		t.Errorf("Expected code %s, got %v", ErrCodeNotFound, err)
	}
}

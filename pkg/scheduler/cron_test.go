package scheduler

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/openidsync/openidsync/pkg/engine"
)

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func TestRegisterJob(t *testing.T) {
	s := NewCronScheduler(testLogger())

	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{name: "daily", expr: "0 2 * * *", wantErr: false},
		{name: "every minute", expr: "* * * * *", wantErr: false},
		{name: "descriptor", expr: "@hourly", wantErr: false},
		{name: "garbage", expr: "not a cron", wantErr: true},
		{name: "too many fields", expr: "0 0 0 0 0 0 0", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.RegisterJob("task-"+tt.name, tt.expr, func() {})
			if (err != nil) != tt.wantErr {
				t.Fatalf("RegisterJob(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
			}
			if err != nil && !engine.HasCode(err, engine.ErrCodeScheduling) {
				t.Errorf("Expected code %s, got %v", engine.ErrCodeScheduling, err)
			}
		})
	}
}

func TestRegisterJobReplaces(t *testing.T) {
	s := NewCronScheduler(testLogger())

	if err := s.RegisterJob("t1", "0 2 * * *", func() {}); err != nil {
		t.Fatalf("RegisterJob failed: %v", err)
	}
	if err := s.RegisterJob("t1", "0 3 * * *", func() {}); err != nil {
		t.Fatalf("Re-registration failed: %v", err)
	}
	if got := len(s.Jobs()); got != 1 {
		t.Errorf("Expected 1 job after replacement, got %d", got)
	}
}

func TestUnregisterJob(t *testing.T) {
	s := NewCronScheduler(testLogger())

	if err := s.RegisterJob("t1", "0 2 * * *", func() {}); err != nil {
		t.Fatalf("RegisterJob failed: %v", err)
	}
	if err := s.UnregisterJob("t1"); err != nil {
		t.Fatalf("UnregisterJob failed: %v", err)
	}
	if got := len(s.Jobs()); got != 0 {
		t.Errorf("Expected 0 jobs, got %d", got)
	}

	// Unknown task is a no-op.
	if err := s.UnregisterJob("nope"); err != nil {
		t.Errorf("UnregisterJob for unknown task should not fail: %v", err)
	}
}

func TestTriggerNow(t *testing.T) {
	s := NewCronScheduler(testLogger())

	fired := false
	if err := s.RegisterJob("t1", "0 2 * * *", func() { fired = true }); err != nil {
		t.Fatalf("RegisterJob failed: %v", err)
	}

	if err := s.TriggerNow("t1"); err != nil {
		t.Fatalf("TriggerNow failed: %v", err)
	}
	if !fired {
		t.Error("Callback did not fire")
	}

	err := s.TriggerNow("nope")
	if err == nil {
		t.Fatal("Expected error for unknown task")
	}
	if !engine.HasCode(err, engine.ErrCodeNotFound) {
		t.Errorf("Expected code %s, got %v", engine.ErrCodeNotFound, err)
	}
}

package instrumentation

import (
	"context"
	"testing"
)

func TestNew_Defaults(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if inst.Metrics() == nil {
		t.Error("Metrics() = nil, want instruments even when disabled")
	}
	if inst.Meter("broker") == nil {
		t.Error("Meter() = nil")
	}
	if inst.Tracer("broker") == nil {
		t.Error("Tracer() = nil")
	}
}

func TestNew_DisabledIsNoop(t *testing.T) {
	inst, err := New(Config{Enabled: false})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// Recording against no-op instruments must not panic.
	inst.Metrics().AuthorizeRequests.Add(context.Background(), 1)
	inst.Metrics().StorageOperationDuration.Record(context.Background(), 1.5)
}

func TestRegisterCredentialCountCallback(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := inst.RegisterCredentialCountCallback(func() int64 { return 42 }); err != nil {
		t.Errorf("RegisterCredentialCountCallback() error = %v", err)
	}
	if err := inst.RegisterCredentialCountCallback(nil); err != nil {
		t.Errorf("RegisterCredentialCountCallback(nil) error = %v", err)
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := inst.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
	if err := inst.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}

package health

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/objectfs/blobfs/pkg/errors"
)

func TestTracker_RegisterComponent(t *testing.T) {
	tracker := NewTracker(DefaultConfig())

	tracker.RegisterComponent(ComponentStore)

	state := tracker.GetState(ComponentStore)
	if state != StateHealthy {
		t.Errorf("Expected initial state to be StateHealthy, got %s", state)
	}
	if got := tracker.GetState("unknown"); got != StateUnavailable {
		t.Errorf("Expected unregistered component to be unavailable, got %s", got)
	}
}

func TestTracker_RecordSuccess(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.RegisterComponent(ComponentStore)

	tracker.RecordError(ComponentStore, fmt.Errorf("test error"))
	tracker.RecordError(ComponentStore, fmt.Errorf("test error"))

	tracker.RecordSuccess(ComponentStore)
	tracker.RecordSuccess(ComponentStore)

	health, err := tracker.GetComponentHealth(ComponentStore)
	if err != nil {
		t.Fatalf("Failed to get component health: %v", err)
	}
	if health.ConsecutiveErrors != 0 {
		t.Errorf("Expected ConsecutiveErrors=0 after successes, got %d", health.ConsecutiveErrors)
	}
}

func TestTracker_RecordError_Degradation(t *testing.T) {
	config := DefaultConfig()
	config.ErrorThreshold = 3
	tracker := NewTracker(config)
	tracker.RegisterComponent(ComponentStore)

	for i := 0; i < 2; i++ {
		tracker.RecordError(ComponentStore, fmt.Errorf("error %d", i))
	}
	if state := tracker.GetState(ComponentStore); state != StateHealthy {
		t.Errorf("Expected StateHealthy before threshold, got %s", state)
	}

	tracker.RecordError(ComponentStore, fmt.Errorf("error 3"))
	if state := tracker.GetState(ComponentStore); state != StateDegraded {
		t.Errorf("Expected StateDegraded after threshold, got %s", state)
	}
}

func TestTracker_RecordError_Unavailable(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.RegisterComponent(ComponentStore)

	for i := 0; i < 10; i++ {
		tracker.RecordError(ComponentStore, fmt.Errorf("error %d", i))
	}

	if state := tracker.GetState(ComponentStore); state != StateUnavailable {
		t.Errorf("Expected StateUnavailable after unavailable threshold, got %s", state)
	}
}

func TestTracker_RecordError_ReadOnly(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.RegisterComponent(ComponentStore)

	denied := errors.NewError(errors.ErrCodeAccessDenied, "upload refused")
	for i := 0; i < 3; i++ {
		tracker.RecordError(ComponentStore, denied)
	}

	if state := tracker.GetState(ComponentStore); state != StateReadOnly {
		t.Errorf("Expected StateReadOnly for access denied, got %s", state)
	}
}

func TestTracker_GetOverallHealth(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.RegisterComponent(ComponentStore)
	tracker.RegisterComponent(ComponentCache)

	if overall := tracker.GetOverallHealth(); overall != StateHealthy {
		t.Errorf("Expected overall StateHealthy, got %s", overall)
	}

	for i := 0; i < 3; i++ {
		tracker.RecordError(ComponentCache, fmt.Errorf("disk error"))
	}
	if overall := tracker.GetOverallHealth(); overall != StateDegraded {
		t.Errorf("Expected overall StateDegraded, got %s", overall)
	}
}

func TestTracker_StateChangeCallback(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.RegisterComponent(ComponentStore)

	var changes []HealthState
	tracker.AddStateChangeCallback(func(component string, oldState, newState HealthState, err error) {
		if component != ComponentStore {
			t.Errorf("unexpected component %s", component)
		}
		changes = append(changes, newState)
	})

	for i := 0; i < 3; i++ {
		tracker.RecordError(ComponentStore, fmt.Errorf("error"))
	}
	for i := 0; i < 3; i++ {
		tracker.RecordSuccess(ComponentStore)
	}

	if len(changes) != 2 || changes[0] != StateDegraded || changes[1] != StateHealthy {
		t.Errorf("Expected [degraded healthy], got %v", changes)
	}
}

func TestTracker_GetAllComponents(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.RegisterComponent(ComponentStore)
	tracker.RegisterComponent(ComponentCache)

	all := tracker.GetAllComponents()
	if len(all) != 2 {
		t.Fatalf("Expected 2 components, got %d", len(all))
	}
	if all[ComponentStore].StateName != "healthy" {
		t.Errorf("Expected state name healthy, got %q", all[ComponentStore].StateName)
	}
}

func TestTracker_StartHealthChecks(t *testing.T) {
	config := DefaultConfig()
	config.ErrorThreshold = 1
	config.HealthCheckInterval = 5 * time.Millisecond
	tracker := NewTracker(config)
	tracker.RegisterComponent(ComponentStore)

	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		tracker.StartHealthChecks(ctx, func(ctx context.Context, component string) error {
			calls.Add(1)
			return fmt.Errorf("probe failed")
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for tracker.IsHealthy(ComponentStore) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	if calls.Load() == 0 {
		t.Fatal("Expected health check to run")
	}
	if tracker.IsHealthy(ComponentStore) {
		t.Error("Expected failing probe to degrade the component")
	}
}

func TestHealthState_String(t *testing.T) {
	tests := map[HealthState]string{
		StateHealthy:     "healthy",
		StateDegraded:    "degraded",
		StateReadOnly:    "read-only",
		StateUnavailable: "unavailable",
		HealthState(99):  "unknown",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("HealthState(%d).String() = %q, want %q", int(state), got, want)
		}
	}
}

func TestTracker_GetComponentHealth_NotRegistered(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	if _, err := tracker.GetComponentHealth("missing"); err == nil {
		t.Error("Expected error for unregistered component")
	}
}

package lifecycle_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/bottomsky/algoserve/lifecycle"
)

func newMachine() *lifecycle.Machine {
	return lifecycle.NewMachine(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func advance(t *testing.T, m *lifecycle.Machine, states ...lifecycle.State) {
	t.Helper()
	for _, s := range states {
		if err := m.To(context.Background(), s, "test"); err != nil {
			t.Fatalf("To(%s): %v", s, err)
		}
	}
}

func TestFullLifecyclePath(t *testing.T) {
	m := newMachine()
	if m.State() != lifecycle.StateInitialized {
		t.Fatalf("initial state = %s", m.State())
	}

	advance(t, m,
		lifecycle.StateProvisioning,
		lifecycle.StateReady,
		lifecycle.StateRunning,
		lifecycle.StateDraining,
		lifecycle.StateStopped,
	)
	if m.State() != lifecycle.StateStopped {
		t.Errorf("state = %s, want stopped", m.State())
	}
}

func TestIllegalTransitionsFailFast(t *testing.T) {
	tests := []struct {
		name   string
		setup  []lifecycle.State
		target lifecycle.State
	}{
		{"skip provisioning", nil, lifecycle.StateReady},
		{"running from initialized", nil, lifecycle.StateRunning},
		{"same state", []lifecycle.State{lifecycle.StateProvisioning}, lifecycle.StateProvisioning},
		{"backwards", []lifecycle.State{lifecycle.StateProvisioning, lifecycle.StateReady}, lifecycle.StateProvisioning},
		{"stopped is terminal", []lifecycle.State{
			lifecycle.StateProvisioning, lifecycle.StateReady,
			lifecycle.StateDraining, lifecycle.StateStopped,
		}, lifecycle.StateRunning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMachine()
			advance(t, m, tt.setup...)
			err := m.To(context.Background(), tt.target, "test")
			if !errors.Is(err, lifecycle.ErrInvalidTransition) {
				t.Fatalf("error = %v, want ErrInvalidTransition", err)
			}
		})
	}
}

func TestReadyForTraffic(t *testing.T) {
	m := newMachine()
	if m.ReadyForTraffic() {
		t.Error("initialized must not be ready")
	}

	advance(t, m, lifecycle.StateProvisioning)
	if m.ReadyForTraffic() {
		t.Error("provisioning must not be ready")
	}

	advance(t, m, lifecycle.StateReady)
	if !m.ReadyForTraffic() {
		t.Error("ready must accept traffic")
	}

	advance(t, m, lifecycle.StateRunning)
	if !m.ReadyForTraffic() {
		t.Error("running must accept traffic")
	}

	advance(t, m, lifecycle.StateDraining)
	if m.ReadyForTraffic() {
		t.Error("draining must not be ready")
	}
}

func TestHookOrderByPriority(t *testing.T) {
	m := newMachine()
	var order []string
	hook := func(name string, priority int) lifecycle.Hook {
		return lifecycle.Hook{
			Name:     name,
			Target:   lifecycle.StateReady,
			Priority: priority,
			Before: func(context.Context, lifecycle.Transition) error {
				order = append(order, "before:"+name)
				return nil
			},
			After: func(context.Context, lifecycle.Transition) error {
				order = append(order, "after:"+name)
				return nil
			},
		}
	}

	m.RegisterHook(hook("low", 0))
	m.RegisterHook(hook("high", 10))

	advance(t, m, lifecycle.StateProvisioning, lifecycle.StateReady)

	want := []string{"before:high", "before:low", "after:low", "after:high"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestBeforeHookFailureBlocksTransition(t *testing.T) {
	m := newMachine()
	m.RegisterHook(lifecycle.Hook{
		Name:   "blocker",
		Target: lifecycle.StateReady,
		Before: func(context.Context, lifecycle.Transition) error {
			return errors.New("refuse")
		},
	})

	advance(t, m, lifecycle.StateProvisioning)
	if err := m.To(context.Background(), lifecycle.StateReady, "test"); err == nil {
		t.Fatal("expected hook failure to block the transition")
	}
	if m.State() != lifecycle.StateFailed {
		t.Errorf("state = %s, want failed sink", m.State())
	}
}

func TestAfterHookFailureDoesNotBlock(t *testing.T) {
	m := newMachine()
	m.RegisterHook(lifecycle.Hook{
		Name:   "noisy",
		Target: lifecycle.StateReady,
		After: func(context.Context, lifecycle.Transition) error {
			return errors.New("logged only")
		},
	})

	advance(t, m, lifecycle.StateProvisioning)
	if err := m.To(context.Background(), lifecycle.StateReady, "test"); err != nil {
		t.Fatalf("after hook failure must not block: %v", err)
	}
	if m.State() != lifecycle.StateReady {
		t.Errorf("state = %s, want ready", m.State())
	}
}

func TestHooksOnlyFireForTheirTarget(t *testing.T) {
	m := newMachine()
	fired := 0
	m.RegisterHook(lifecycle.Hook{
		Name:   "draining-only",
		Target: lifecycle.StateDraining,
		Before: func(context.Context, lifecycle.Transition) error {
			fired++
			return nil
		},
	})

	advance(t, m, lifecycle.StateProvisioning, lifecycle.StateReady, lifecycle.StateRunning)
	if fired != 0 {
		t.Fatalf("hook fired %d times before its target state", fired)
	}

	advance(t, m, lifecycle.StateDraining)
	if fired != 1 {
		t.Errorf("hook fired %d times, want 1", fired)
	}
}

func TestAcceptsAdminLoads(t *testing.T) {
	m := newMachine()
	advance(t, m, lifecycle.StateProvisioning)
	if !m.AcceptsAdminLoads() {
		t.Error("provisioning must accept admin loads")
	}
	advance(t, m, lifecycle.StateReady)
	if !m.AcceptsAdminLoads() {
		t.Error("ready must accept admin loads")
	}
	advance(t, m, lifecycle.StateRunning)
	if m.AcceptsAdminLoads() {
		t.Error("running must not accept admin loads")
	}
}

// Package lifecycle implements the server-wide state machine gating
// readiness and shutdown. Transitions are explicit and illegal ones fail
// fast; registered hooks run before and after each transition.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// State is a lifecycle phase of the server.
type State string

// Lifecycle states. Stopped is terminal; Failed is the error sink.
const (
	StateInitialized  State = "initialized"
	StateProvisioning State = "provisioning"
	StateReady        State = "ready"
	StateRunning      State = "running"
	StateDraining     State = "draining"
	StateStopped      State = "stopped"
	StateFailed       State = "failed"
)

// ErrInvalidTransition reports an attempt to move between states the machine
// does not connect.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// allowedFrom maps each target state to the states it may be entered from.
var allowedFrom = map[State][]State{
	StateProvisioning: {StateInitialized},
	StateReady:        {StateProvisioning},
	StateRunning:      {StateReady},
	StateDraining:     {StateReady, StateRunning},
	StateStopped:      {StateDraining},
}

// Transition describes one state change, handed to hooks.
type Transition struct {
	From      State
	To        State
	Reason    string
	StartedAt time.Time
}

// Hook runs around a transition into its target state. Before hooks run in
// descending priority and a failure blocks the transition; After hooks run in
// reverse order and failures are logged, never blocking.
type Hook struct {
	Name     string
	Target   State
	Priority int
	Before   func(ctx context.Context, t Transition) error
	After    func(ctx context.Context, t Transition) error
}

// Machine is the lifecycle state machine.
type Machine struct {
	logger *slog.Logger

	mu    sync.Mutex
	state State
	hooks []Hook
	order int // registration order tiebreak
	seq   []int
}

// NewMachine creates a machine in the initialized state.
func NewMachine(logger *slog.Logger) *Machine {
	return &Machine{
		logger: logger,
		state:  StateInitialized,
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ReadyForTraffic reports whether the HTTP layer should accept execution
// requests: only in ready and running.
func (m *Machine) ReadyForTraffic() bool {
	s := m.State()
	return s == StateReady || s == StateRunning
}

// AcceptsAdminLoads reports whether administrative registry loads are
// permitted (provisioning and ready only).
func (m *Machine) AcceptsAdminLoads() bool {
	s := m.State()
	return s == StateProvisioning || s == StateReady
}

// RegisterHook attaches a hook. Registration order breaks priority ties.
func (m *Machine) RegisterHook(h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, h)
	m.seq = append(m.seq, m.order)
	m.order++
}

// To drives the machine into the target state, running its hooks.
func (m *Machine) To(ctx context.Context, target State, reason string) error {
	m.mu.Lock()
	from := m.state
	if from == target {
		m.mu.Unlock()
		return fmt.Errorf("%w: already %s", ErrInvalidTransition, target)
	}
	if !transitionAllowed(from, target) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, target)
	}
	before := m.eligibleHooks(target)
	m.mu.Unlock()

	t := Transition{From: from, To: target, Reason: reason, StartedAt: time.Now().UTC()}

	var ran []Hook
	for _, h := range before {
		if h.Before == nil {
			ran = append(ran, h)
			continue
		}
		if err := h.Before(ctx, t); err != nil {
			m.fail(fmt.Sprintf("hook %s blocked %s", h.Name, target))
			m.runAfterHooks(ctx, ran, t)
			return fmt.Errorf("lifecycle hook %s: %w", h.Name, err)
		}
		ran = append(ran, h)
	}

	m.mu.Lock()
	m.state = target
	m.mu.Unlock()

	m.logger.Info("lifecycle transition",
		"from", string(from), "to", string(target), "reason", reason)

	m.runAfterHooks(ctx, ran, t)
	return nil
}

// Fail moves the machine into the failed sink from any state.
func (m *Machine) Fail(reason string) {
	m.fail(reason)
}

func (m *Machine) fail(reason string) {
	m.mu.Lock()
	prev := m.state
	m.state = StateFailed
	m.mu.Unlock()
	m.logger.Error("lifecycle failed", "from", string(prev), "reason", reason)
}

func transitionAllowed(from, to State) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

// eligibleHooks returns the hooks for a target state ordered by descending
// priority, with registration order as the tiebreak.
func (m *Machine) eligibleHooks(target State) []Hook {
	type indexed struct {
		h   Hook
		seq int
	}
	var eligible []indexed
	for i, h := range m.hooks {
		if h.Target == target {
			eligible = append(eligible, indexed{h: h, seq: m.seq[i]})
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].h.Priority != eligible[j].h.Priority {
			return eligible[i].h.Priority > eligible[j].h.Priority
		}
		return eligible[i].seq < eligible[j].seq
	})
	hooks := make([]Hook, len(eligible))
	for i, e := range eligible {
		hooks[i] = e.h
	}
	return hooks
}

// runAfterHooks runs the after pass in reverse order; failures log only.
func (m *Machine) runAfterHooks(ctx context.Context, ran []Hook, t Transition) {
	for i := len(ran) - 1; i >= 0; i-- {
		h := ran[i]
		if h.After == nil {
			continue
		}
		if err := h.After(ctx, t); err != nil {
			m.logger.Error("lifecycle after hook failed",
				"hook", h.Name, "state", string(t.To), "error", err)
		}
	}
}

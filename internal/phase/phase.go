// Package phase implements the per-session lifecycle state machine.
package phase

import (
	"sync"
	"time"
)

// Phase is one session lifecycle state.
type Phase string

const (
	Idle               Phase = "idle"
	Processing         Phase = "processing"
	WaitingForInput    Phase = "waiting_for_input"
	WaitingForApproval Phase = "waiting_for_approval"
	Compacting         Phase = "compacting"
	Ended              Phase = "ended"
)

// ApprovalContext carries the tool details while a session waits on a
// permission decision. It exists only in WaitingForApproval.
type ApprovalContext struct {
	ToolUseID  string
	ToolName   string
	ToolInput  map[string]any
	ReceivedAt time.Time
}

// transitions is the allowed-edge table. Ended is terminal; every state
// may transition to Ended; a same-state transition is always a no-op
// success. WaitingForApproval re-enters itself when a second approval
// surfaces while one is already pending.
var transitions = map[Phase][]Phase{
	Idle:               {Processing, WaitingForApproval, Compacting, Ended},
	Processing:         {WaitingForInput, WaitingForApproval, Compacting, Idle, Ended},
	WaitingForInput:    {Processing, Idle, Compacting, Ended},
	WaitingForApproval: {Processing, Idle, WaitingForInput, WaitingForApproval, Ended},
	Compacting:         {Processing, Idle, WaitingForInput, Ended},
	Ended:              {},
}

// Allowed reports whether from->to is a legal edge.
func Allowed(from, to Phase) bool {
	if from == to && from != Ended {
		return true
	}
	if from == Ended && to == Ended {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Machine tracks the current phase of one session. A rejected
// transition is not an error; callers simply observe no change.
type Machine struct {
	mu       sync.Mutex
	phase    Phase
	approval *ApprovalContext
	changed  time.Time
}

func NewMachine() *Machine {
	return &Machine{phase: Idle, changed: time.Now()}
}

func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Approval returns the pending approval context, if any.
func (m *Machine) Approval() (ApprovalContext, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.approval == nil {
		return ApprovalContext{}, false
	}
	return *m.approval, true
}

func (m *Machine) ChangedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changed
}

// Transition attempts the edge to `to` and reports whether it was
// taken. Entering any phase other than WaitingForApproval clears the
// approval context.
func (m *Machine) Transition(to Phase) bool {
	return m.transition(to, nil)
}

// TransitionApproval enters WaitingForApproval carrying a fresh
// context. Re-entry with a new context is permitted while a decision
// is already pending.
func (m *Machine) TransitionApproval(ctx ApprovalContext) bool {
	return m.transition(WaitingForApproval, &ctx)
}

func (m *Machine) transition(to Phase, approval *ApprovalContext) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !Allowed(m.phase, to) {
		return false
	}
	if m.phase == to && approval == nil {
		return true
	}
	m.phase = to
	m.changed = time.Now()
	if to == WaitingForApproval {
		m.approval = approval
	} else {
		m.approval = nil
	}
	return true
}

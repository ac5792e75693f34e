package phase

import (
	"testing"
	"time"

	"github.com/danmuck/hookrelay/internal/testutil/testlog"
)

func TestLegalEdges(t *testing.T) {
	testlog.Start(t)

	cases := []struct {
		from, to Phase
		want     bool
	}{
		{Idle, Processing, true},
		{Idle, WaitingForApproval, true},
		{Idle, Compacting, true},
		{Idle, WaitingForInput, false},
		{Processing, WaitingForInput, true},
		{Processing, WaitingForApproval, true},
		{Processing, Compacting, true},
		{WaitingForInput, Processing, true},
		{WaitingForInput, WaitingForApproval, false},
		{WaitingForApproval, Processing, true},
		{WaitingForApproval, WaitingForApproval, true},
		{WaitingForApproval, Compacting, false},
		{Compacting, Processing, true},
		{Compacting, WaitingForApproval, false},
		{Ended, Processing, false},
		{Ended, Idle, false},
	}
	for _, tc := range cases {
		if got := Allowed(tc.from, tc.to); got != tc.want {
			t.Fatalf("Allowed(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestEveryPhaseMayEnd(t *testing.T) {
	testlog.Start(t)

	for _, from := range []Phase{Idle, Processing, WaitingForInput, WaitingForApproval, Compacting, Ended} {
		if !Allowed(from, Ended) {
			t.Fatalf("Allowed(%s, Ended) = false", from)
		}
	}
}

func TestSameStateIsNoOp(t *testing.T) {
	testlog.Start(t)

	m := NewMachine()
	if !m.Transition(Processing) {
		t.Fatalf("idle -> processing rejected")
	}
	changed := m.ChangedAt()
	time.Sleep(5 * time.Millisecond)
	if !m.Transition(Processing) {
		t.Fatalf("processing -> processing rejected")
	}
	if !m.ChangedAt().Equal(changed) {
		t.Fatalf("no-op transition touched the change timestamp")
	}
}

func TestRejectionLeavesStateUntouched(t *testing.T) {
	testlog.Start(t)

	m := NewMachine()
	if m.Transition(WaitingForInput) {
		t.Fatalf("idle -> waiting_for_input accepted")
	}
	if m.Phase() != Idle {
		t.Fatalf("rejected transition changed phase to %s", m.Phase())
	}
}

func TestEndedIsTerminal(t *testing.T) {
	testlog.Start(t)

	m := NewMachine()
	if !m.Transition(Ended) {
		t.Fatalf("idle -> ended rejected")
	}
	for _, to := range []Phase{Idle, Processing, WaitingForInput, WaitingForApproval, Compacting} {
		if m.Transition(to) {
			t.Fatalf("ended -> %s accepted", to)
		}
	}
	if !m.Transition(Ended) {
		t.Fatalf("ended -> ended should be a no-op success")
	}
}

func TestApprovalContextLifecycle(t *testing.T) {
	testlog.Start(t)

	m := NewMachine()
	if !m.Transition(Processing) {
		t.Fatalf("idle -> processing rejected")
	}
	first := ApprovalContext{ToolUseID: "tu-1", ToolName: "Bash", ReceivedAt: time.Now()}
	if !m.TransitionApproval(first) {
		t.Fatalf("processing -> waiting_for_approval rejected")
	}
	got, ok := m.Approval()
	if !ok || got.ToolUseID != "tu-1" {
		t.Fatalf("approval context = %+v, ok=%v", got, ok)
	}

	// A second request replaces the context while still waiting.
	second := ApprovalContext{ToolUseID: "tu-2", ToolName: "Write", ReceivedAt: time.Now()}
	if !m.TransitionApproval(second) {
		t.Fatalf("approval re-entry rejected")
	}
	got, ok = m.Approval()
	if !ok || got.ToolUseID != "tu-2" {
		t.Fatalf("approval context after re-entry = %+v, ok=%v", got, ok)
	}

	if !m.Transition(Processing) {
		t.Fatalf("waiting_for_approval -> processing rejected")
	}
	if _, ok := m.Approval(); ok {
		t.Fatalf("approval context survived leaving waiting_for_approval")
	}
}

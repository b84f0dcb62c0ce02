package runtime

import "testing"

func TestNewStateMachine_StartsUndeployed(t *testing.T) {
	sm := NewStateMachine()
	if sm.Current() != StateUndeployed {
		t.Fatalf("got %s, want %s", sm.Current(), StateUndeployed)
	}
}

func TestTransition_LegalLifecycle(t *testing.T) {
	sm := NewStateMachine()
	path := []State{StateStopped, StateStarting, StateStarted, StatePausing, StatePaused, StateResuming, StateStarted, StateStopping, StateStopped}
	for _, to := range path {
		if err := sm.Transition(to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
}

func TestTransition_IllegalMoveIsRejected(t *testing.T) {
	sm := NewStateMachine()
	if err := sm.Transition(StateStarted); err == nil {
		t.Fatal("expected error moving directly from UNDEPLOYED to STARTED")
	}
	if sm.Current() != StateUndeployed {
		t.Fatalf("state changed despite rejected transition: %s", sm.Current())
	}
}

func TestTransition_NoOpToCurrentStateSucceeds(t *testing.T) {
	sm := NewStateMachine()
	if err := sm.Transition(StateUndeployed); err != nil {
		t.Fatalf("no-op transition failed: %v", err)
	}
}

func TestCanTransition_MatchesTable(t *testing.T) {
	if !CanTransition(StateStopped, StateStarting) {
		t.Fatal("expected STOPPED -> STARTING to be legal")
	}
	if CanTransition(StateStopped, StatePaused) {
		t.Fatal("expected STOPPED -> PAUSED to be illegal")
	}
}

func TestErrIllegalTransition_MessageNamesBothStates(t *testing.T) {
	err := &ErrIllegalTransition{From: StateUndeployed, To: StateStarted}
	msg := err.Error()
	if msg == "" {
		t.Fatal("expected non-empty error message")
	}
}

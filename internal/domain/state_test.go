package domain

import "testing"

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to IssueState
		ok       bool
	}{
		{StateDraft, StateSpecReady, true},
		{StateSpecReady, StateQueued, true},
		{StateSpecReady, StateDraft, true},
		{StateQueued, StateInProgress, true},
		{StateInProgress, StateVerifying, true},
		{StateVerifying, StateReviewReady, true},
		{StateVerifying, StateInProgress, true},
		{StateReviewReady, StateDone, true},
		{StateReviewReady, StateInProgress, true},
		{StateReviewReady, StateFailed, true},
		{StateDraft, StateDone, false},
		{StateQueued, StateReviewReady, false},
		{StateInProgress, StateDone, false},
		{StateDone, StateInProgress, false},
		{StateFailed, StateDraft, false},
		{StateCanceled, StateQueued, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestSelfTransitionIsIdempotent(t *testing.T) {
	for _, s := range []IssueState{StateDraft, StateReviewReady, StateDone} {
		if !CanTransition(s, s) {
			t.Errorf("self transition on %s should be allowed", s)
		}
		got, err := Transition(s, s)
		if err != nil || got != s {
			t.Errorf("Transition(%s, %s) = %s, %v", s, s, got, err)
		}
	}
}

func TestTerminalStatesRejectMoves(t *testing.T) {
	for _, s := range []IssueState{StateDone, StateFailed, StateCanceled} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
		for _, to := range []IssueState{StateDraft, StateQueued, StateInProgress, StateReviewReady} {
			if _, err := Transition(s, to); err == nil {
				t.Errorf("expected InvalidTransitionError for %s -> %s", s, to)
			}
		}
	}
}

func TestTransitionRejectsUnknownState(t *testing.T) {
	if _, err := Transition(StateDraft, IssueState("shipped")); err == nil {
		t.Fatal("expected error for unknown target state")
	}
	var ite InvalidTransitionError
	_, err := Transition(StateDone, StateDraft)
	if err == nil {
		t.Fatal("expected error")
	}
	if e, ok := err.(InvalidTransitionError); ok {
		ite = e
	} else {
		t.Fatalf("expected InvalidTransitionError, got %T", err)
	}
	if ite.From != StateDone || ite.To != StateDraft {
		t.Fatalf("unexpected error contents: %+v", ite)
	}
}

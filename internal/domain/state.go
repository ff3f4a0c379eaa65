package domain

import "fmt"

// IssueState is the closed set of pipeline stages an issue moves through.
type IssueState string

const (
	StateDraft       IssueState = "draft"
	StateSpecReady   IssueState = "spec_ready"
	StateQueued      IssueState = "queued"
	StateInProgress  IssueState = "in_progress"
	StateVerifying   IssueState = "verifying"
	StateReviewReady IssueState = "review_ready"
	StateDone        IssueState = "done"
	StateFailed      IssueState = "failed"
	StateCanceled    IssueState = "canceled"
)

// transitions is the closed table of legal moves. Anything absent is illegal;
// terminal states have no entry.
var transitions = map[IssueState][]IssueState{
	StateDraft:       {StateSpecReady, StateCanceled},
	StateSpecReady:   {StateQueued, StateDraft, StateCanceled},
	StateQueued:      {StateInProgress, StateCanceled},
	StateInProgress:  {StateVerifying, StateFailed, StateCanceled},
	StateVerifying:   {StateReviewReady, StateInProgress, StateFailed},
	StateReviewReady: {StateDone, StateInProgress, StateFailed},
}

// AllStates returns the state set in pipeline order.
func AllStates() []IssueState {
	return []IssueState{
		StateDraft, StateSpecReady, StateQueued, StateInProgress,
		StateVerifying, StateReviewReady, StateDone, StateFailed, StateCanceled,
	}
}

// InvalidTransitionError reports a rejected state change. The issue exists but
// is in the wrong state, which callers must distinguish from not-found.
type InvalidTransitionError struct {
	From IssueState
	To   IssueState
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid issue transition %s -> %s", e.From, e.To)
}

// ValidState reports whether s is a member of the state set.
func ValidState(s IssueState) bool {
	if _, ok := transitions[s]; ok {
		return true
	}
	return s.Terminal()
}

// Terminal reports whether s never transitions further through normal flow.
func (s IssueState) Terminal() bool {
	switch s {
	case StateDone, StateFailed, StateCanceled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is in the transition table.
// A self-transition is allowed so retries stay idempotent; the caller is
// responsible for not re-emitting events in that case.
func CanTransition(from, to IssueState) bool {
	if from == to {
		return ValidState(from)
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition returns the new state or an InvalidTransitionError. Pure, no I/O.
func Transition(from, to IssueState) (IssueState, error) {
	if !ValidState(to) {
		return from, InvalidTransitionError{From: from, To: to}
	}
	if !CanTransition(from, to) {
		return from, InvalidTransitionError{From: from, To: to}
	}
	return to, nil
}

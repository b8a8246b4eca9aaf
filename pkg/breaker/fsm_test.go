package breaker

import (
	"errors"
	"testing"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to string
		ok       bool
	}{
		{StateClosed, StateOpen, true},
		{StateOpen, StateHalfOpen, true},
		{StateHalfOpen, StateClosed, true},
		{StateHalfOpen, StateOpen, true},
		// The circuit never skips backward from open to closed.
		{StateOpen, StateClosed, false},
		{StateClosed, StateHalfOpen, false},
		{StateClosed, StateClosed, false},
		{"BOGUS", StateOpen, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.ok {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestTransitionRejectsInvalid(t *testing.T) {
	state, err := Transition(StateOpen, StateClosed)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if state != StateOpen {
		t.Fatalf("state must hold on invalid transition, got %s", state)
	}
}

func TestSuppressing(t *testing.T) {
	if !Suppressing(StateOpen) {
		t.Fatal("open must suppress score impact")
	}
	if Suppressing(StateClosed) || Suppressing(StateHalfOpen) {
		t.Fatal("closed and half-open must allow score impact")
	}
}

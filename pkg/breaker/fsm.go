package breaker

import "errors"

// State of one target's circuit.
const (
	StateClosed   = "CLOSED"
	StateOpen     = "OPEN"
	StateHalfOpen = "HALF_OPEN"
)

var ErrInvalidTransition = errors.New("invalid circuit transition")

// CanTransition enforces the strict ordering closed→open→half-open→closed.
// An open circuit never returns to closed without passing through half-open.
func CanTransition(from, to string) bool {
	switch from {
	case StateClosed:
		return to == StateOpen
	case StateOpen:
		return to == StateHalfOpen
	case StateHalfOpen:
		return to == StateClosed || to == StateOpen
	default:
		return false
	}
}

func Transition(from, to string) (string, error) {
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

// Suppressing reports whether a state withholds score impact.
func Suppressing(state string) bool {
	return state == StateOpen
}

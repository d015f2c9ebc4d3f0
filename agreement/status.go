package agreement

import "fmt"

// isAllowedTransition lists every status edge. Anything absent is rejected.
func isAllowedTransition(from, to Status) bool {
	switch from {
	case StatusDraft:
		return to == StatusPending || to == StatusCancelled
	case StatusPending:
		return to == StatusActive || to == StatusCancelled
	case StatusActive:
		return to == StatusDisputed || to == StatusCompleted
	case StatusDisputed:
		return to == StatusActive || to == StatusTerminated
	default:
		return false
	}
}

// Transition moves a to the next status, failing with ErrInvalidState on an
// edge that does not exist. Every component that writes a status goes
// through here.
func Transition(a *Agreement, to Status) error {
	if !isAllowedTransition(a.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, a.Status, to)
	}
	a.Status = to
	return nil
}

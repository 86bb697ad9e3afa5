package build

// Status is a build's position in the PENDING → BUILDING → {SUCCESS, FAILED} machine.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusBuilding Status = "BUILDING"
	StatusSuccess  Status = "SUCCESS"
	StatusFailed   Status = "FAILED"
	// StatusCancelled is set by external collaborators only.
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal reports whether no further transitions may occur.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusBuilding, StatusSuccess, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is legal.
// PENDING may fail directly (source fetch fails before the build starts, or
// crash recovery of a build that never reached BUILDING).
func (s Status) CanTransition(next Status) bool {
	if s.IsTerminal() || !next.Valid() {
		return false
	}
	switch next {
	case StatusCancelled:
		return true
	case StatusBuilding:
		return s == StatusPending
	case StatusSuccess:
		return s == StatusBuilding
	case StatusFailed:
		return s == StatusPending || s == StatusBuilding
	default:
		return false
	}
}

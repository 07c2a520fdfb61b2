package models

// Status is the lifecycle state of a subscription.
type Status string

const (
	StatusPending Status = "Pending"
	StatusActive  Status = "Active"
	StatusDenied  Status = "Denied"
	StatusDeleted Status = "Deleted"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusDenied, StatusDeleted:
		return true
	}
	return false
}

func (s Status) String() string {
	return string(s)
}

// allowedTransitions maps a current status to the statuses it may move to.
//
// Pending -> Active, Denied
// Denied  -> Active
// Active  -> Deleted
// Deleted -> Active, Pending
var allowedTransitions = map[Status][]Status{
	StatusPending: {StatusActive, StatusDenied},
	StatusDenied:  {StatusActive},
	StatusActive:  {StatusDeleted},
	StatusDeleted: {StatusActive, StatusPending},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AllowedFrom returns the set of current statuses from which a record may move
// to the target status. The conditional write uses this as its precondition, so
// a transition is only accepted when the stored status still matches one of
// these at write time. An empty result means the target is unreachable.
func AllowedFrom(to Status) []Status {
	var from []Status
	for current, nexts := range allowedTransitions {
		for _, next := range nexts {
			if next == to {
				from = append(from, current)
			}
		}
	}
	return from
}

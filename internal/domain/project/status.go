package project

import "slices"

// Status is the lifecycle state of a project
type Status string

const (
	// StatusActive project is being worked on
	StatusActive Status = "active"
	// StatusOnHold project is paused
	StatusOnHold Status = "on_hold"
	// StatusCompleted project is done
	StatusCompleted Status = "completed"
	// StatusCancelled project was abandoned
	StatusCancelled Status = "cancelled"
	// StatusArchived terminal state
	StatusArchived Status = "archived"
)

// statusTransitions lists the declared outgoing transitions. Anything absent is illegal.
var statusTransitions = map[Status][]Status{
	StatusActive:    {StatusOnHold, StatusCompleted, StatusCancelled},
	StatusOnHold:    {StatusActive, StatusCancelled},
	StatusCompleted: {StatusArchived},
	StatusCancelled: {StatusArchived},
	StatusArchived:  nil,
}

// AllStatuses returns every status in declaration order
func AllStatuses() []Status {
	return []Status{StatusActive, StatusOnHold, StatusCompleted, StatusCancelled, StatusArchived}
}

// IsValid reports whether s is a known status
func (s Status) IsValid() bool {
	_, ok := statusTransitions[s]
	return ok
}

// CanTransitionTo reports whether s -> target is a declared transition
func (s Status) CanTransitionTo(target Status) bool {
	return slices.Contains(statusTransitions[s], target)
}

// IsTerminal reports whether no transition leaves s
func (s Status) IsTerminal() bool {
	return s.IsValid() && len(statusTransitions[s]) == 0
}

// Priority of a project
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// IsValid reports whether p is a known priority
func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	default:
		return false
	}
}

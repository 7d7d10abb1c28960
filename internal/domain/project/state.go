// Package project contains the project aggregate: its events, folded state and command decisions.
package project

import "fmt"

// StateSchemaVersion versions the JSON shape of State inside snapshots.
// Bump it whenever State changes; older snapshots are then ignored.
const StateSchemaVersion = 1

// State is the folded state of one project stream.
type State struct {
	ID            string   `json:"id"`
	Exists        bool     `json:"exists"`
	Name          string   `json:"name"`
	Owner         string   `json:"owner,omitempty"`
	Status        Status   `json:"status"`
	Priority      Priority `json:"priority"`
	StatusChanges int      `json:"status_changes"`
}

// Initial returns the state of a project with no events.
func Initial(id string) State {
	return State{ID: id}
}

// Apply folds one event into s. It is pure and total over Event.
func Apply(s State, e Event) State {
	switch ev := e.(type) {
	case Created:
		s.Exists = true
		s.Name = ev.Name
		s.Owner = ev.Owner
		s.Priority = ev.Priority
		s.Status = StatusActive
	case Renamed:
		s.Name = ev.Name
	case StatusChanged:
		s.Status = ev.To
		s.StatusChanges++
	case PriorityChanged:
		s.Priority = ev.To
	case OwnerAssigned:
		s.Owner = ev.Owner
	default:
		panic(fmt.Sprintf("project: unhandled event %T", e))
	}
	return s
}

// Fold applies events in order starting from s.
func Fold(s State, events ...Event) State {
	for _, e := range events {
		s = Apply(s, e)
	}
	return s
}

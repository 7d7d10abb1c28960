package project

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/lllypuk/eventflow/internal/domain/errs"
)

// NameMaxLength bounds project names
const NameMaxLength = 200

// Domain error codes
const (
	CodeAlreadyExists     = "project_already_exists"
	CodeNotFound          = "project_not_found"
	CodeArchived          = "project_archived"
	CodeIllegalTransition = "illegal_status_transition"
)

// CreateProject starts a new project stream
type CreateProject struct {
	Name     string   `json:"name"`
	Owner    string   `json:"owner,omitempty"`
	Priority Priority `json:"priority,omitempty"`
}

// RenameProject changes the display name
type RenameProject struct {
	Name string `json:"name"`
}

// ChangeStatus moves the project through its lifecycle
type ChangeStatus struct {
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// ChangePriority sets a new priority
type ChangePriority struct {
	Priority Priority `json:"priority"`
}

// AssignOwner hands the project to someone else
type AssignOwner struct {
	Owner string `json:"owner"`
}

// Decide validates the command against s and returns the resulting events.
func (c CreateProject) Decide(s State) ([]Event, error) {
	name, err := validateName(c.Name)
	if err != nil {
		return nil, err
	}
	priority := c.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	if !priority.IsValid() {
		return nil, errs.NewValidationError("priority", fmt.Sprintf("unknown priority %q", c.Priority))
	}
	if s.Exists {
		return nil, errs.NewDomainError(CodeAlreadyExists, "project "+s.ID+" already exists", nil)
	}

	return []Event{Created{Name: name, Owner: strings.TrimSpace(c.Owner), Priority: priority}}, nil
}

// Decide validates the command against s and returns the resulting events.
func (c RenameProject) Decide(s State) ([]Event, error) {
	name, err := validateName(c.Name)
	if err != nil {
		return nil, err
	}
	if err = requireMutable(s); err != nil {
		return nil, err
	}
	if s.Name == name {
		return nil, nil
	}

	return []Event{Renamed{Name: name}}, nil
}

// Decide validates the command against s and returns the resulting events.
// Only declared transitions are accepted, a self transition included.
func (c ChangeStatus) Decide(s State) ([]Event, error) {
	if !c.Status.IsValid() {
		return nil, errs.NewValidationError("status", fmt.Sprintf("unknown status %q", c.Status))
	}
	if !s.Exists {
		return nil, notFound(s)
	}
	if !s.Status.CanTransitionTo(c.Status) {
		return nil, errs.NewDomainError(
			CodeIllegalTransition,
			fmt.Sprintf("cannot move project %s from %s to %s", s.ID, s.Status, c.Status),
			errs.ErrInvalidTransition,
		)
	}

	return []Event{StatusChanged{From: s.Status, To: c.Status, Reason: strings.TrimSpace(c.Reason)}}, nil
}

// Decide validates the command against s and returns the resulting events.
func (c ChangePriority) Decide(s State) ([]Event, error) {
	if !c.Priority.IsValid() {
		return nil, errs.NewValidationError("priority", fmt.Sprintf("unknown priority %q", c.Priority))
	}
	if err := requireMutable(s); err != nil {
		return nil, err
	}
	if s.Priority == c.Priority {
		return nil, nil
	}

	return []Event{PriorityChanged{From: s.Priority, To: c.Priority}}, nil
}

// Decide validates the command against s and returns the resulting events.
func (c AssignOwner) Decide(s State) ([]Event, error) {
	owner := strings.TrimSpace(c.Owner)
	if owner == "" {
		return nil, errs.NewValidationError("owner", "must not be blank")
	}
	if err := requireMutable(s); err != nil {
		return nil, err
	}
	if s.Owner == owner {
		return nil, nil
	}

	return []Event{OwnerAssigned{Owner: owner}}, nil
}

func validateName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", errs.NewValidationError("name", "must not be blank")
	}
	if utf8.RuneCountInString(name) > NameMaxLength {
		return "", errs.NewValidationError("name", fmt.Sprintf("must be at most %d characters", NameMaxLength))
	}
	return name, nil
}

func requireMutable(s State) error {
	if !s.Exists {
		return notFound(s)
	}
	if s.Status == StatusArchived {
		return errs.NewDomainError(CodeArchived, "project "+s.ID+" is archived", nil)
	}
	return nil
}

func notFound(s State) error {
	return errs.NewDomainError(CodeNotFound, "project "+s.ID+" does not exist", errs.ErrNotFound)
}

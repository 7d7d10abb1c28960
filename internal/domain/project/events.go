package project

// AggregateType is the stream type of project aggregates
const AggregateType = "project"

// Event types
const (
	EventTypeCreated         = "project.created"
	EventTypeRenamed         = "project.renamed"
	EventTypeStatusChanged   = "project.status_changed"
	EventTypePriorityChanged = "project.priority_changed"
	EventTypeOwnerAssigned   = "project.owner_assigned"
)

// Current schema versions. Bump together with an upcaster in NewRegistry.
const (
	CreatedSchemaVersion         = 2 // v1 had no priority
	RenamedSchemaVersion         = 2 // v1 stored the name as "title"
	StatusChangedSchemaVersion   = 1
	PriorityChangedSchemaVersion = 1
	OwnerAssignedSchemaVersion   = 1
)

// Event is the closed set of project events. Only types in this package implement it.
type Event interface {
	EventType() string
	isProjectEvent()
}

// Created событие создания проекта
type Created struct {
	Name     string   `json:"name"`
	Owner    string   `json:"owner,omitempty"`
	Priority Priority `json:"priority"`
}

// Renamed событие переименования
type Renamed struct {
	Name string `json:"name"`
}

// StatusChanged событие смены статуса
type StatusChanged struct {
	From   Status `json:"from"`
	To     Status `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// PriorityChanged событие смены приоритета
type PriorityChanged struct {
	From Priority `json:"from"`
	To   Priority `json:"to"`
}

// OwnerAssigned событие назначения владельца
type OwnerAssigned struct {
	Owner string `json:"owner"`
}

func (Created) EventType() string         { return EventTypeCreated }
func (Renamed) EventType() string         { return EventTypeRenamed }
func (StatusChanged) EventType() string   { return EventTypeStatusChanged }
func (PriorityChanged) EventType() string { return EventTypePriorityChanged }
func (OwnerAssigned) EventType() string   { return EventTypeOwnerAssigned }

func (Created) isProjectEvent()         {}
func (Renamed) isProjectEvent()         {}
func (StatusChanged) isProjectEvent()   {}
func (PriorityChanged) isProjectEvent() {}
func (OwnerAssigned) isProjectEvent()   {}

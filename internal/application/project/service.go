// Package project exposes the command entry point for project aggregates.
package project

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lllypuk/eventflow/internal/application/aggregate"
	"github.com/lllypuk/eventflow/internal/application/appcore"
	"github.com/lllypuk/eventflow/internal/domain/errs"
	"github.com/lllypuk/eventflow/internal/domain/event"
	"github.com/lllypuk/eventflow/internal/domain/project"
	"github.com/lllypuk/eventflow/internal/domain/uuid"
)

// Command types accepted by Submit
const (
	CommandCreate         = "project.create"
	CommandRename         = "project.rename"
	CommandChangeStatus   = "project.change_status"
	CommandChangePriority = "project.change_priority"
	CommandAssignOwner    = "project.assign_owner"
)

// Submission is one command addressed to a project.
type Submission struct {
	CommandType string
	// AggregateID may be blank for project.create; a new id is generated then.
	AggregateID     string
	Payload         json.RawMessage
	ExpectedVersion *int
	IdempotencyKey  string
	Actor           string
	CorrelationID   string
}

// Result describes a handled submission.
type Result struct {
	AggregateID string
	NewVersion  int
	Events      []project.Event
	Duplicate   bool
}

// Runtime is the aggregate runtime specialised for projects.
type Runtime = aggregate.Runtime[project.State, project.Event]

// Definition returns the aggregate definition of projects backed by reg.
func Definition(reg *event.Registry) aggregate.Definition[project.State, project.Event] {
	return aggregate.Definition[project.State, project.Event]{
		AggregateType:      project.AggregateType,
		StateSchemaVersion: project.StateSchemaVersion,
		Initial:            project.Initial,
		Apply:              project.Apply,
		Codec:              project.NewCodec(reg),
	}
}

// Service handles project commands
type Service struct {
	runtime *Runtime
	logger  *slog.Logger
}

// NewService creates a new project service
func NewService(runtime *Runtime, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{runtime: runtime, logger: logger}
}

// Submit decodes the submission, runs it against the project and commits the result.
func (s *Service) Submit(ctx context.Context, sub Submission) (Result, error) {
	decide, err := decider(sub)
	if err != nil {
		return Result{}, err
	}

	id := strings.TrimSpace(sub.AggregateID)
	if id == "" {
		if sub.CommandType != CommandCreate {
			return Result{}, errs.NewValidationError("aggregate_id", "must not be blank")
		}
		id = uuid.NewOrdered().String()
		// A retried create must land on the same stream for its key to be found.
		if sub.IdempotencyKey != "" {
			id = uuid.FromName(project.AggregateType, sub.IdempotencyKey).String()
		}
	}

	res, err := s.runtime.Execute(ctx, id, decide, aggregate.ExecuteOptions{
		Command:         sub.CommandType,
		ExpectedVersion: sub.ExpectedVersion,
		Metadata:        s.metadata(ctx, sub),
	})
	if err != nil {
		s.logger.DebugContext(ctx, "project command rejected",
			slog.String("aggregate_id", id),
			slog.String("command", sub.CommandType),
			slog.String("error", err.Error()),
		)
		return Result{}, fmt.Errorf("%s: %w", sub.CommandType, err)
	}

	return Result{
		AggregateID: res.AggregateID,
		NewVersion:  res.Version,
		Events:      res.Events,
		Duplicate:   res.Duplicate,
	}, nil
}

// metadata fills actor and correlation id from the context when the submission leaves them blank.
func (s *Service) metadata(ctx context.Context, sub Submission) event.Metadata {
	actor := sub.Actor
	if actor == "" {
		actor, _ = appcore.GetActor(ctx)
	}
	correlationID := sub.CorrelationID
	if correlationID == "" {
		correlationID, _ = appcore.GetCorrelationID(ctx)
	}
	return event.Metadata{
		Actor:          actor,
		CorrelationID:  correlationID,
		IdempotencyKey: sub.IdempotencyKey,
	}
}

func decider(sub Submission) (aggregate.Decide[project.State, project.Event], error) {
	switch sub.CommandType {
	case CommandCreate:
		return decodeCommand[project.CreateProject](sub.Payload)
	case CommandRename:
		return decodeCommand[project.RenameProject](sub.Payload)
	case CommandChangeStatus:
		return decodeCommand[project.ChangeStatus](sub.Payload)
	case CommandChangePriority:
		return decodeCommand[project.ChangePriority](sub.Payload)
	case CommandAssignOwner:
		return decodeCommand[project.AssignOwner](sub.Payload)
	default:
		return nil, errs.NewValidationError("command_type", fmt.Sprintf("unknown command %q", sub.CommandType))
	}
}

type command interface {
	Decide(s project.State) ([]project.Event, error)
}

func decodeCommand[C command](payload json.RawMessage) (aggregate.Decide[project.State, project.Event], error) {
	var cmd C
	if len(bytes.TrimSpace(payload)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(payload))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cmd); err != nil {
			return nil, errs.NewValidationError("payload", err.Error())
		}
	}
	return cmd.Decide, nil
}

// Package projector materializes read models from the global event feed.
package projector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lllypuk/eventflow/internal/application/appcore"
	"github.com/lllypuk/eventflow/internal/domain/errs"
	"github.com/lllypuk/eventflow/internal/domain/event"
	"github.com/lllypuk/eventflow/internal/domain/project"
)

// ProjectSummaryName names the project summary projection and its checkpoint.
const ProjectSummaryName = "project_summaries"

// ProjectSummary is one row of the denormalized project list.
type ProjectSummary struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Status        project.Status   `json:"status"`
	Priority      project.Priority `json:"priority"`
	Owner         string           `json:"owner,omitempty"`
	Version       int              `json:"version"`
	LastSequence  uint64           `json:"last_sequence"`
	StatusChanges int              `json:"status_changes"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// SummaryFilter narrows List. Zero values mean no constraint.
type SummaryFilter struct {
	Status project.Status
	Owner  string
	Limit  int
	Offset int
}

// SummaryReader is the query side of the project summary read model.
type SummaryReader interface {
	// FindByID returns errs.ErrNotFound when the project was never projected.
	FindByID(ctx context.Context, id string) (ProjectSummary, error)

	// List returns summaries ordered by id.
	List(ctx context.Context, filter SummaryFilter) ([]ProjectSummary, error)

	// CountByStatus returns the number of projects per status. Absent statuses are omitted.
	CountByStatus(ctx context.Context) (map[project.Status]int64, error)
}

// SummaryRepository stores project summaries for the projection.
type SummaryRepository interface {
	SummaryReader

	// Upsert writes s only when the stored version is lower than s.Version.
	// A stored version at or above s.Version is left untouched and is not an error.
	Upsert(ctx context.Context, s ProjectSummary) error

	// DeleteAll drops every summary.
	DeleteAll(ctx context.Context) error
}

// ProjectSummaryProjection folds project events into ProjectSummary rows.
type ProjectSummaryProjection struct {
	repo   SummaryRepository
	codec  project.Codec
	logger *slog.Logger
}

// NewProjectSummaryProjection creates the projection.
func NewProjectSummaryProjection(
	repo SummaryRepository,
	codec project.Codec,
	logger *slog.Logger,
) *ProjectSummaryProjection {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProjectSummaryProjection{
		repo:   repo,
		codec:  codec,
		logger: logger,
	}
}

// Name implements appcore.Projection.
func (p *ProjectSummaryProjection) Name() string {
	return ProjectSummaryName
}

// Apply folds rec into the summary of its project. Records of other aggregate
// types are ignored and a record already reflected in the summary is a no-op.
func (p *ProjectSummaryProjection) Apply(ctx context.Context, rec event.Record) error {
	if rec.AggregateType != project.AggregateType {
		return nil
	}

	evt, err := p.codec.Decode(rec)
	if err != nil {
		return err
	}

	current, err := p.repo.FindByID(ctx, rec.AggregateID)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		if _, ok := evt.(project.Created); !ok {
			return fmt.Errorf("project %s has no summary before %s at version %d",
				rec.AggregateID, rec.EventType, rec.Version)
		}
		current = ProjectSummary{ID: rec.AggregateID}
	case err != nil:
		return fmt.Errorf("failed to load summary: %w", err)
	case current.Version >= rec.Version:
		p.logger.DebugContext(ctx, "summary already reflects event",
			slog.String("aggregate_id", rec.AggregateID),
			slog.Int("version", rec.Version),
			slog.Int("summary_version", current.Version),
		)
		return nil
	case current.Version+1 != rec.Version:
		p.logger.WarnContext(ctx, "summary skipped stream versions",
			slog.String("aggregate_id", rec.AggregateID),
			slog.Int("summary_version", current.Version),
			slog.Int("version", rec.Version),
		)
	}

	next := foldSummary(current, evt, rec)
	if err = p.repo.Upsert(ctx, next); err != nil {
		return fmt.Errorf("failed to upsert summary: %w", err)
	}
	return nil
}

// Reset drops every summary before a rebuild.
func (p *ProjectSummaryProjection) Reset(ctx context.Context) error {
	if err := p.repo.DeleteAll(ctx); err != nil {
		return fmt.Errorf("failed to reset summaries: %w", err)
	}
	p.logger.InfoContext(ctx, "project summaries reset")
	return nil
}

func foldSummary(s ProjectSummary, evt project.Event, rec event.Record) ProjectSummary {
	switch ev := evt.(type) {
	case project.Created:
		s.Name = ev.Name
		s.Owner = ev.Owner
		s.Priority = ev.Priority
		s.Status = project.StatusActive
		s.CreatedAt = rec.CommittedAt
	case project.Renamed:
		s.Name = ev.Name
	case project.StatusChanged:
		s.Status = ev.To
		s.StatusChanges++
	case project.PriorityChanged:
		s.Priority = ev.To
	case project.OwnerAssigned:
		s.Owner = ev.Owner
	}
	s.Version = rec.Version
	s.LastSequence = rec.GlobalSequence
	s.UpdatedAt = rec.CommittedAt
	return s
}

// VerifyConsistency checks if the summary of id matches a fresh fold of its stream.
func (p *ProjectSummaryProjection) VerifyConsistency(
	ctx context.Context,
	store appcore.EventStore,
	id string,
) (bool, error) {
	p.logger.InfoContext(ctx, "verifying project summary consistency", slog.String("project_id", id))

	records, err := store.Load(ctx, id)
	if err != nil {
		return false, fmt.Errorf("failed to load events: %w", err)
	}

	actual, err := p.repo.FindByID(ctx, id)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return false, fmt.Errorf("failed to load summary: %w", err)
	}
	if len(records) == 0 {
		// Both should not exist
		return errors.Is(err, errs.ErrNotFound), nil
	}
	if err != nil {
		p.logger.WarnContext(ctx, "summary missing for project with events",
			slog.String("project_id", id),
			slog.Int("events_count", len(records)),
		)
		return false, nil
	}

	state := project.Initial(id)
	for _, rec := range records {
		evt, errDecode := p.codec.Decode(rec)
		if errDecode != nil {
			return false, errDecode
		}
		state = project.Apply(state, evt)
	}
	last := records[len(records)-1]

	consistent := actual.Name == state.Name &&
		actual.Status == state.Status &&
		actual.Priority == state.Priority &&
		actual.Owner == state.Owner &&
		actual.StatusChanges == state.StatusChanges &&
		actual.Version == last.Version

	if !consistent {
		p.logger.WarnContext(ctx, "summary inconsistency detected",
			slog.String("project_id", id),
			slog.String("expected_status", string(state.Status)),
			slog.String("actual_status", string(actual.Status)),
			slog.Int("expected_version", last.Version),
			slog.Int("actual_version", actual.Version),
		)
	}
	return consistent, nil
}

var _ appcore.Projection = (*ProjectSummaryProjection)(nil)

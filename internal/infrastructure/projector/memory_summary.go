package projector

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/lllypuk/eventflow/internal/domain/errs"
	"github.com/lllypuk/eventflow/internal/domain/project"
)

// InMemorySummaryRepository keeps summaries in a map.
type InMemorySummaryRepository struct {
	mu   sync.RWMutex
	rows map[string]ProjectSummary
}

// NewInMemorySummaryRepository creates an empty repository.
func NewInMemorySummaryRepository() *InMemorySummaryRepository {
	return &InMemorySummaryRepository{rows: make(map[string]ProjectSummary)}
}

func (r *InMemorySummaryRepository) FindByID(_ context.Context, id string) (ProjectSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.rows[id]
	if !ok {
		return ProjectSummary{}, errs.ErrNotFound
	}
	return s, nil
}

func (r *InMemorySummaryRepository) List(_ context.Context, filter SummaryFilter) ([]ProjectSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ProjectSummary
	for _, s := range r.rows {
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		if filter.Owner != "" && s.Owner != filter.Owner {
			continue
		}
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b ProjectSummary) int { return strings.Compare(a.ID, b.ID) })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *InMemorySummaryRepository) CountByStatus(context.Context) (map[project.Status]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[project.Status]int64)
	for _, s := range r.rows {
		counts[s.Status]++
	}
	return counts, nil
}

func (r *InMemorySummaryRepository) Upsert(_ context.Context, s ProjectSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.rows[s.ID]; ok && current.Version >= s.Version {
		return nil
	}
	r.rows[s.ID] = s
	return nil
}

func (r *InMemorySummaryRepository) DeleteAll(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.rows)
	return nil
}

var _ SummaryRepository = (*InMemorySummaryRepository)(nil)

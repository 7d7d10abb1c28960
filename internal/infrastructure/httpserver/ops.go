package httpserver

import (
	"context"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/lllypuk/eventflow/internal/application/appcore"
	"github.com/lllypuk/eventflow/internal/domain/errs"
	"github.com/lllypuk/eventflow/internal/domain/project"
	"github.com/lllypuk/eventflow/internal/infrastructure/projector"
	"github.com/lllypuk/eventflow/internal/worker"
)

const defaultListLimit = 50

// ProjectionOperator is the dispatcher surface used by operators.
type ProjectionOperator interface {
	Status(ctx context.Context) ([]worker.ProjectionStatus, error)
	SkipDeadLetter(ctx context.Context, projection string, sequence uint64) error
	Rebuild(ctx context.Context, projection string) error
}

// OpsHandler serves projection status, dead letters and the project read model.
type OpsHandler struct {
	projections ProjectionOperator
	deadLetters appcore.DeadLetterStore
	summaries   projector.SummaryReader
}

// NewOpsHandler creates the handler. Any dependency may be nil, which leaves its routes out.
func NewOpsHandler(
	projections ProjectionOperator,
	deadLetters appcore.DeadLetterStore,
	summaries projector.SummaryReader,
) *OpsHandler {
	return &OpsHandler{projections: projections, deadLetters: deadLetters, summaries: summaries}
}

// Register adds the operator routes under /ops and the read model under /api/v1.
func (h *OpsHandler) Register(e *echo.Echo) {
	ops := e.Group("/ops")
	if h.projections != nil {
		ops.GET("/projections", h.listProjections)
		ops.POST("/projections/:name/rebuild", h.rebuildProjection)
		ops.POST("/dead-letters/:projection/:sequence/skip", h.skipDeadLetter)
	}
	if h.deadLetters != nil {
		ops.GET("/dead-letters", h.listDeadLetters)
	}

	if h.summaries != nil {
		api := e.Group("/api/v1")
		api.GET("/projects", h.listProjects)
		api.GET("/projects/stats", h.projectStats)
		api.GET("/projects/:id", h.getProject)
	}
}

func (h *OpsHandler) listProjections(c echo.Context) error {
	statuses, err := h.projections.Status(c.Request().Context())
	if err != nil {
		return RespondError(c, err)
	}
	return RespondOK(c, statuses)
}

func (h *OpsHandler) rebuildProjection(c echo.Context) error {
	name := c.Param("name")
	if err := h.projections.Rebuild(c.Request().Context(), name); err != nil {
		return RespondError(c, err)
	}
	return RespondOK(c, map[string]string{"projection": name, "status": "rebuilt"})
}

func (h *OpsHandler) skipDeadLetter(c echo.Context) error {
	sequence, err := strconv.ParseUint(c.Param("sequence"), 10, 64)
	if err != nil {
		return RespondError(c, errs.NewValidationError("sequence", "must be a positive integer"))
	}
	projection := c.Param("projection")
	if err = h.projections.SkipDeadLetter(c.Request().Context(), projection, sequence); err != nil {
		return RespondError(c, err)
	}
	return RespondOK(c, map[string]any{"projection": projection, "global_sequence": sequence, "status": "skipped"})
}

func (h *OpsHandler) listDeadLetters(c echo.Context) error {
	limit, err := queryInt(c, "limit", defaultListLimit)
	if err != nil {
		return RespondError(c, err)
	}
	letters, err := h.deadLetters.List(c.Request().Context(), c.QueryParam("projection"), limit)
	if err != nil {
		return RespondError(c, err)
	}
	return RespondOK(c, letters)
}

func (h *OpsHandler) listProjects(c echo.Context) error {
	limit, err := queryInt(c, "limit", defaultListLimit)
	if err != nil {
		return RespondError(c, err)
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		return RespondError(c, err)
	}

	summaries, err := h.summaries.List(c.Request().Context(), projector.SummaryFilter{
		Status: project.Status(c.QueryParam("status")),
		Owner:  c.QueryParam("owner"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return RespondError(c, err)
	}
	return RespondOK(c, summaries)
}

func (h *OpsHandler) projectStats(c echo.Context) error {
	counts, err := h.summaries.CountByStatus(c.Request().Context())
	if err != nil {
		return RespondError(c, err)
	}
	return RespondOK(c, counts)
}

func (h *OpsHandler) getProject(c echo.Context) error {
	summary, err := h.summaries.FindByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return RespondError(c, err)
	}
	return RespondOK(c, summary)
}

func queryInt(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errs.NewValidationError(name, "must be a non-negative integer")
	}
	return v, nil
}

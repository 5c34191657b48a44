package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/researcher/internal/store"
)

type projectStore interface {
	CreateProject(ctx context.Context, id, name, domain string, metadata map[string]interface{}) (store.Project, error)
	GetProject(ctx context.Context, id string) (store.Project, bool, error)
	ListProjects(ctx context.Context, status store.ProjectStatus) ([]store.Project, error)
	ArchiveProject(ctx context.Context, id string) error
	ListPapers(ctx context.Context, projectID string) ([]store.Paper, error)
	ListHypotheses(ctx context.Context, projectID string, status store.HypothesisStatus) ([]store.Hypothesis, error)
	ListDesigns(ctx context.Context, projectID string) ([]store.Design, error)
	ListRuns(ctx context.Context, projectID string) ([]store.Run, error)
	ListAnalyses(ctx context.Context, projectID string) ([]store.Analysis, error)
	ListStageRuns(ctx context.Context, projectID string) ([]store.StageRun, error)
}

var validate = validator.New()

type ProjectsHandler struct {
	store projectStore
}

func NewProjectsHandler(st projectStore) *ProjectsHandler {
	if st == nil {
		return nil
	}
	return &ProjectsHandler{store: st}
}

func (h *ProjectsHandler) Register(g *echo.Group, secret []byte) {
	if h == nil {
		return
	}
	auth := EchoAuthMiddleware(secret)
	write := RequireScopes(ScopeWrite)
	g.GET("", h.list, auth)
	g.POST("", h.create, auth, write)
	g.GET("/:id", h.get, auth)
	g.POST("/:id/archive", h.archive, auth, write)
	g.GET("/:id/papers", h.papers, auth)
	g.GET("/:id/hypotheses", h.hypotheses, auth)
	g.GET("/:id/designs", h.designs, auth)
	g.GET("/:id/runs", h.runs, auth)
	g.GET("/:id/analyses", h.analyses, auth)
	g.GET("/:id/stage-runs", h.stageRuns, auth)
}

type createProjectPayload struct {
	ID       string                 `json:"id" validate:"omitempty,max=64,excludesall=/"`
	Name     string                 `json:"name" validate:"required,max=200"`
	Domain   string                 `json:"domain" validate:"omitempty,max=100"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// projectDetail is a project with the size of each record collection.
type projectDetail struct {
	store.Project
	Counts map[string]int `json:"counts"`
}

func (h *ProjectsHandler) create(c echo.Context) error {
	var payload createProjectPayload
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	payload.ID = strings.TrimSpace(payload.ID)
	if err := validate.Struct(payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if payload.ID == "" {
		payload.ID = store.NewID("proj")
	}
	p, err := h.store.CreateProject(c.Request().Context(), payload.ID, payload.Name, payload.Domain, payload.Metadata)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateProject) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *ProjectsHandler) list(c echo.Context) error {
	status := store.ProjectStatus(c.QueryParam("status"))
	switch status {
	case "", store.ProjectActive, store.ProjectArchived:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "status must be active or archived")
	}
	projects, err := h.store.ListProjects(c.Request().Context(), status)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if projects == nil {
		projects = []store.Project{}
	}
	return c.JSON(http.StatusOK, projects)
}

func (h *ProjectsHandler) get(c echo.Context) error {
	ctx := c.Request().Context()
	p, err := h.project(c)
	if err != nil {
		return err
	}
	detail := projectDetail{Project: p, Counts: map[string]int{}}
	papers, err := h.store.ListPapers(ctx, p.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	hyps, err := h.store.ListHypotheses(ctx, p.ID, "")
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	designs, err := h.store.ListDesigns(ctx, p.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	runs, err := h.store.ListRuns(ctx, p.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	analyses, err := h.store.ListAnalyses(ctx, p.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	detail.Counts["papers"] = len(papers)
	detail.Counts["hypotheses"] = len(hyps)
	detail.Counts["designs"] = len(designs)
	detail.Counts["runs"] = len(runs)
	detail.Counts["analyses"] = len(analyses)
	return c.JSON(http.StatusOK, detail)
}

func (h *ProjectsHandler) archive(c echo.Context) error {
	id := c.Param("id")
	if err := h.store.ArchiveProject(c.Request().Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "project not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"id": id, "status": string(store.ProjectArchived)})
}

func (h *ProjectsHandler) papers(c echo.Context) error {
	return listFor(c, h, h.store.ListPapers)
}

func (h *ProjectsHandler) hypotheses(c echo.Context) error {
	status := store.HypothesisStatus(c.QueryParam("status"))
	return listFor(c, h, func(ctx context.Context, id string) ([]store.Hypothesis, error) {
		return h.store.ListHypotheses(ctx, id, status)
	})
}

func (h *ProjectsHandler) designs(c echo.Context) error {
	return listFor(c, h, h.store.ListDesigns)
}

func (h *ProjectsHandler) runs(c echo.Context) error {
	return listFor(c, h, h.store.ListRuns)
}

func (h *ProjectsHandler) analyses(c echo.Context) error {
	return listFor(c, h, h.store.ListAnalyses)
}

func (h *ProjectsHandler) stageRuns(c echo.Context) error {
	return listFor(c, h, h.store.ListStageRuns)
}

// project loads the project named in the path or returns a 404.
func (h *ProjectsHandler) project(c echo.Context) (store.Project, error) {
	id := c.Param("id")
	p, ok, err := h.store.GetProject(c.Request().Context(), id)
	if err != nil {
		return store.Project{}, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return store.Project{}, echo.NewHTTPError(http.StatusNotFound, "project not found")
	}
	return p, nil
}

func listFor[T any](c echo.Context, h *ProjectsHandler, fetch func(context.Context, string) ([]T, error)) error {
	p, err := h.project(c)
	if err != nil {
		return err
	}
	items, err := fetch(c.Request().Context(), p.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []T{}
	}
	return c.JSON(http.StatusOK, items)
}

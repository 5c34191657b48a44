package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/researcher/internal/stage"
	"github.com/mohammad-safakhou/researcher/internal/store"
	"github.com/mohammad-safakhou/researcher/internal/workflow"
)

type pipelineRunner interface {
	RunStage(ctx context.Context, projectID, domain string, name stage.Name, task string, opts stage.Options) (stage.Output, error)
	Run(ctx context.Context, projectID, domain string, steps []workflow.Step) (workflow.Result, error)
}

type projectGetter interface {
	GetProject(ctx context.Context, id string) (store.Project, bool, error)
}

type StagesHandler struct {
	projects      projectGetter
	runner        pipelineRunner
	defaultDomain string
}

func NewStagesHandler(projects projectGetter, runner pipelineRunner, defaultDomain string) *StagesHandler {
	if projects == nil || runner == nil {
		return nil
	}
	return &StagesHandler{projects: projects, runner: runner, defaultDomain: defaultDomain}
}

func (h *StagesHandler) Register(g *echo.Group, secret []byte) {
	if h == nil {
		return
	}
	auth := EchoAuthMiddleware(secret)
	run := RequireScopes(ScopeRun)
	g.POST("/:id/stages/:stage", h.runStage, auth, run)
	g.POST("/:id/workflow", h.runWorkflow, auth, run)
}

type stageRequest struct {
	Task    string          `json:"task" validate:"max=2000"`
	Domain  string          `json:"domain" validate:"max=100"`
	Options json.RawMessage `json:"options,omitempty"`
}

type workflowStep struct {
	Stage   string          `json:"stage"`
	Task    string          `json:"task"`
	Options json.RawMessage `json:"options,omitempty"`
}

type workflowRequest struct {
	Task   string         `json:"task" validate:"max=2000"`
	Domain string         `json:"domain" validate:"max=100"`
	Steps  []workflowStep `json:"steps,omitempty"`
}

type workflowResponse struct {
	workflow.Result
	Completed bool   `json:"completed"`
	Error     string `json:"error,omitempty"`
}

// runStage responds with the stage output. A failed output is still returned
// in full, under a status that reflects its cause.
func (h *StagesHandler) runStage(c echo.Context) error {
	name, err := stage.ParseName(c.Param("stage"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	var req stageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := validate.Struct(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	opts, err := stage.DecodeOptions(name, req.Options)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.project(c)
	if err != nil {
		return err
	}
	out, err := h.runner.RunStage(c.Request().Context(), p.ID, h.domain(req.Domain, p), name, req.Task, opts)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !out.Success {
		return c.JSON(failureStatus(out.Err), out)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *StagesHandler) runWorkflow(c echo.Context) error {
	var req workflowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := validate.Struct(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	steps, err := req.plan()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.project(c)
	if err != nil {
		return err
	}
	res, err := h.runner.Run(c.Request().Context(), p.ID, h.domain(req.Domain, p), steps)
	resp := workflowResponse{Result: res, Completed: err == nil && res.Completed(len(steps))}
	if err != nil {
		resp.Error = err.Error()
		var failed *workflow.StageFailedError
		if errors.As(err, &failed) {
			return c.JSON(failureStatus(failed.Err), resp)
		}
		return c.JSON(http.StatusInternalServerError, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

// plan turns the request into workflow steps. No steps means the full pipeline.
func (r workflowRequest) plan() ([]workflow.Step, error) {
	if len(r.Steps) == 0 {
		return workflow.FullPipeline(r.Task), nil
	}
	steps := make([]workflow.Step, 0, len(r.Steps))
	for i, s := range r.Steps {
		name, err := stage.ParseName(s.Stage)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		opts, err := stage.DecodeOptions(name, s.Options)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		task := s.Task
		if task == "" {
			task = r.Task
		}
		steps = append(steps, workflow.Step{Stage: name, Task: task, Options: opts})
	}
	return steps, nil
}

func (h *StagesHandler) project(c echo.Context) (store.Project, error) {
	p, ok, err := h.projects.GetProject(c.Request().Context(), c.Param("id"))
	if err != nil {
		return store.Project{}, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return store.Project{}, echo.NewHTTPError(http.StatusNotFound, "project not found")
	}
	if p.Status == store.ProjectArchived {
		return store.Project{}, echo.NewHTTPError(http.StatusConflict, "project is archived")
	}
	return p, nil
}

// domain prefers the request, then the project, then the configured default.
func (h *StagesHandler) domain(requested string, p store.Project) string {
	switch {
	case requested != "":
		return requested
	case p.Domain != "":
		return p.Domain
	default:
		return h.defaultDomain
	}
}

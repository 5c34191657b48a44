// Package server exposes projects, pipeline stages and the budget over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/mohammad-safakhou/researcher/internal/budget"
	"github.com/mohammad-safakhou/researcher/internal/stage"
	"github.com/mohammad-safakhou/researcher/internal/store"
)

// Deps are the collaborators the HTTP surface needs.
type Deps struct {
	Projects      projectStore
	Runner        pipelineRunner
	Budget        budgetReader
	Metrics       http.Handler
	MetricsPath   string
	Secret        []byte
	DefaultDomain string
	Logger        *log.Logger
}

// New builds the echo instance with every route registered.
func New(deps Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	logger := deps.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	}
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if deps.Metrics != nil {
		path := deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		e.GET(path, echo.WrapHandler(deps.Metrics))
	}

	api := e.Group("/api")
	if deps.Projects != nil {
		projects := api.Group("/projects")
		NewProjectsHandler(deps.Projects).Register(projects, deps.Secret)
		if deps.Runner != nil {
			NewStagesHandler(deps.Projects, deps.Runner, deps.DefaultDomain).Register(projects, deps.Secret)
		}
	}
	if deps.Budget != nil {
		NewBudgetHandler(deps.Budget).Register(api.Group("/budget"), deps.Secret)
	}
	return e
}

// Run serves e on addr until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, e *echo.Echo, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", addr)
		errCh <- e.Start(addr)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

// failureStatus maps the cause of a failed stage to an HTTP status. Causes
// outside the pipeline's own error types are treated as upstream failures.
func failureStatus(err error) int {
	var (
		missing   *stage.MissingInputError
		badOpts   *stage.OptionsError
		noPred    *stage.NoPredecessorError
		notFound  *stage.NotFoundError
		exceeded  budget.ErrExceeded
		parentErr store.ParentNotFoundError
		corrupt   *stage.DatabaseInconsistencyError
	)
	switch {
	case errors.As(err, &missing), errors.As(err, &badOpts):
		return http.StatusBadRequest
	case errors.As(err, &notFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &noPred), errors.Is(err, store.ErrDuplicateProject), errors.Is(err, store.ErrForeignID):
		return http.StatusConflict
	case errors.As(err, &exceeded):
		return http.StatusPaymentRequired
	case errors.As(err, &parentErr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &corrupt):
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

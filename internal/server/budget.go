package server

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/researcher/internal/budget"
)

type budgetReader interface {
	Status(ctx context.Context) (budget.Status, error)
	MonthlyReport(ctx context.Context) (budget.Report, error)
}

type BudgetHandler struct {
	guard budgetReader
}

func NewBudgetHandler(guard budgetReader) *BudgetHandler {
	if guard == nil {
		return nil
	}
	return &BudgetHandler{guard: guard}
}

func (h *BudgetHandler) Register(g *echo.Group, secret []byte) {
	if h == nil {
		return
	}
	auth := EchoAuthMiddleware(secret)
	g.GET("", h.status, auth)
	g.GET("/report", h.report, auth)
}

func (h *BudgetHandler) status(c echo.Context) error {
	st, err := h.guard.Status(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, st)
}

func (h *BudgetHandler) report(c echo.Context) error {
	rep, err := h.guard.MonthlyReport(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if rep.ByAgent == nil {
		rep.ByAgent = map[string]budget.AgentUsage{}
	}
	if rep.Agents == nil {
		rep.Agents = []string{}
	}
	return c.JSON(http.StatusOK, rep)
}

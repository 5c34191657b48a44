package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/researcher/internal/store"
)

func newProjectsHandler(t *testing.T) (*ProjectsHandler, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	if _, err := st.CreateProject(context.Background(), "P1", "Sparse attention", "nlp", nil); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	return NewProjectsHandler(st), st
}

func projectContext(method, target, body string, params ...string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	if len(params) > 0 {
		names := make([]string, 0, len(params)/2)
		values := make([]string, 0, len(params)/2)
		for i := 0; i+1 < len(params); i += 2 {
			names = append(names, params[i])
			values = append(values, params[i+1])
		}
		ctx.SetParamNames(names...)
		ctx.SetParamValues(values...)
	}
	ctx.Set("user_id", "user-1")
	return ctx, rec
}

func TestProjectsCreate(t *testing.T) {
	h, _ := newProjectsHandler(t)

	ctx, rec := projectContext(http.MethodPost, "/api/projects", `{"name":"Graph pruning","domain":"ml"}`)
	if err := h.create(ctx); err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var p store.Project
	decode(t, rec, &p)
	if !strings.HasPrefix(p.ID, "proj_") || p.Status != store.ProjectActive || p.Domain != "ml" {
		t.Fatalf("unexpected project %+v", p)
	}

	ctx, _ = projectContext(http.MethodPost, "/api/projects", `{"id":"P1","name":"Again"}`)
	if err := h.create(ctx); httpCode(err) != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate id, got %v", err)
	}

	ctx, _ = projectContext(http.MethodPost, "/api/projects", `{"id":"P2"}`)
	if err := h.create(ctx); httpCode(err) != http.StatusBadRequest {
		t.Fatalf("expected 400 without a name, got %v", err)
	}

	ctx, _ = projectContext(http.MethodPost, "/api/projects", `{"id":"a/b","name":"Slash"}`)
	if err := h.create(ctx); httpCode(err) != http.StatusBadRequest {
		t.Fatalf("expected 400 for id with slash, got %v", err)
	}
}

func TestProjectsGetCountsRecords(t *testing.T) {
	h, st := newProjectsHandler(t)
	ctx := context.Background()
	if err := st.AddPaper(ctx, store.Paper{ID: "arxiv:1", Title: "A", ProjectID: "P1", RelevanceScore: 8}); err != nil {
		t.Fatalf("AddPaper: %v", err)
	}
	if err := st.AddHypothesis(ctx, store.Hypothesis{ID: "hyp_1", ProjectID: "P1", Text: "X improves Y", Status: store.HypothesisPending}); err != nil {
		t.Fatalf("AddHypothesis: %v", err)
	}

	c, rec := projectContext(http.MethodGet, "/api/projects/P1", "", "id", "P1")
	if err := h.get(c); err != nil {
		t.Fatalf("get: %v", err)
	}
	var detail projectDetail
	decode(t, rec, &detail)
	if detail.ID != "P1" || detail.Counts["papers"] != 1 || detail.Counts["hypotheses"] != 1 || detail.Counts["runs"] != 0 {
		t.Fatalf("unexpected detail %+v", detail)
	}

	c, _ = projectContext(http.MethodGet, "/api/projects/nope", "", "id", "nope")
	if err := h.get(c); httpCode(err) != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestProjectsListAndArchive(t *testing.T) {
	h, st := newProjectsHandler(t)
	if _, err := st.CreateProject(context.Background(), "P2", "Other", "ml", nil); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	c, rec := projectContext(http.MethodPost, "/api/projects/P2/archive", "", "id", "P2")
	if err := h.archive(c); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	c, rec = projectContext(http.MethodGet, "/api/projects?status=active", "")
	if err := h.list(c); err != nil {
		t.Fatalf("list: %v", err)
	}
	var active []store.Project
	decode(t, rec, &active)
	if len(active) != 1 || active[0].ID != "P1" {
		t.Fatalf("expected only P1 active, got %+v", active)
	}

	c, _ = projectContext(http.MethodGet, "/api/projects?status=deleted", "")
	if err := h.list(c); httpCode(err) != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %v", err)
	}

	c, _ = projectContext(http.MethodPost, "/api/projects/nope/archive", "", "id", "nope")
	if err := h.archive(c); httpCode(err) != http.StatusNotFound {
		t.Fatalf("expected 404 archiving unknown project, got %v", err)
	}
}

func TestProjectsRecordListsAreNeverNull(t *testing.T) {
	h, _ := newProjectsHandler(t)
	for name, handler := range map[string]echo.HandlerFunc{
		"papers":     h.papers,
		"hypotheses": h.hypotheses,
		"designs":    h.designs,
		"runs":       h.runs,
		"analyses":   h.analyses,
		"stage-runs": h.stageRuns,
	} {
		c, rec := projectContext(http.MethodGet, "/api/projects/P1/"+name, "", "id", "P1")
		if err := handler(c); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
			t.Fatalf("%s: expected empty array, got %q", name, got)
		}
		c, _ = projectContext(http.MethodGet, "/api/projects/nope/"+name, "", "id", "nope")
		if err := handler(c); httpCode(err) != http.StatusNotFound {
			t.Fatalf("%s: expected 404 for unknown project, got %v", name, err)
		}
	}
}

package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestCreateProject(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO projects (id, name, domain, status, metadata)`)).
		WithArgs("proj-1", "Sparse attention", "nlp", "active", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	p, err := st.CreateProject(context.Background(), "proj-1", "Sparse attention", "nlp", nil)
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if p.Status != ProjectActive || !p.CreatedAt.Equal(now) {
		t.Fatalf("unexpected project: %+v", p)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateProjectDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO projects`)).
		WithArgs("proj-1", "proj-1", "", "active", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}))

	_, err = st.CreateProject(context.Background(), "proj-1", "", "", nil)
	if !errors.Is(err, ErrDuplicateProject) {
		t.Fatalf("expected ErrDuplicateProject, got %v", err)
	}
}

func TestAddPaperBumpsProject(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE projects SET updated_at=NOW() WHERE id=$1`)).
		WithArgs("proj-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO papers`)).
		WithArgs("ss-1", "proj-1", "Attention", sqlmock.AnyArg(), "abs", nil, "https://example.org/p", 8.0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = st.AddPaper(context.Background(), Paper{
		ID: "ss-1", ProjectID: "proj-1", Title: "Attention", Authors: []string{"A"}, Abstract: "abs",
		URL: "https://example.org/p", RelevanceScore: 8,
	})
	if err != nil {
		t.Fatalf("AddPaper: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAddPaperConflictIsScopedToProject(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE projects SET updated_at=NOW() WHERE id=$1`)).
		WithArgs("proj-2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`ON CONFLICT (project_id, id) DO UPDATE SET`)).
		WithArgs("ss-1", "proj-2", "Attention", sqlmock.AnyArg(), "", nil, nil, 6.0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := st.AddPaper(context.Background(), Paper{ID: "ss-1", ProjectID: "proj-2", Title: "Attention", RelevanceScore: 6}); err != nil {
		t.Fatalf("AddPaper: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpsertOfForeignIDIsRejected(t *testing.T) {
	cases := []struct {
		name    string
		table   string
		parents []string
		add     func(st *Store) error
	}{
		{
			name:  "hypothesis",
			table: "hypotheses",
			add: func(st *Store) error {
				return st.AddHypothesis(context.Background(), Hypothesis{ID: "hyp_1", ProjectID: "proj-2", Text: "h"})
			},
		},
		{
			name:    "design",
			table:   "experiment_designs",
			parents: []string{"hypotheses"},
			add: func(st *Store) error {
				return st.AddDesign(context.Background(), Design{ID: "exp_1", HypothesisID: "hyp_2", ProjectID: "proj-2"})
			},
		},
		{
			name:    "run",
			table:   "experiment_runs",
			parents: []string{"experiment_designs"},
			add: func(st *Store) error {
				return st.AddRun(context.Background(), Run{ID: "run_1", DesignID: "exp_2", ProjectID: "proj-2"})
			},
		},
		{
			name:    "analysis",
			table:   "analyses",
			parents: []string{"experiment_runs", "hypotheses"},
			add: func(st *Store) error {
				return st.AddAnalysis(context.Background(), Analysis{ID: "analysis_1", RunID: "run_2", HypothesisID: "hyp_2", ProjectID: "proj-2", Decision: "REJECT"})
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			if err != nil {
				t.Fatalf("sqlmock.New: %v", err)
			}
			defer db.Close()

			mock.ExpectBegin()
			mock.ExpectExec(regexp.QuoteMeta(`UPDATE projects SET updated_at=NOW() WHERE id=$1`)).
				WithArgs("proj-2").
				WillReturnResult(sqlmock.NewResult(0, 1))
			for _, parent := range tc.parents {
				mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS(SELECT 1 FROM ` + parent)).
					WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
			}
			mock.ExpectExec(regexp.QuoteMeta(`WHERE ` + tc.table + `.project_id = EXCLUDED.project_id`)).
				WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectRollback()

			if err := tc.add(&Store{DB: db}); !errors.Is(err, ErrForeignID) {
				t.Fatalf("expected ErrForeignID, got %v", err)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("expectations: %v", err)
			}
		})
	}
}

func TestAddPaperRejectsScoreOutOfRange(t *testing.T) {
	st := &Store{}
	if err := st.AddPaper(context.Background(), Paper{ID: "x", ProjectID: "p", RelevanceScore: 11}); err == nil {
		t.Fatalf("expected range error")
	}
}

func TestAddDesignRequiresHypothesisInProject(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE projects SET updated_at=NOW() WHERE id=$1`)).
		WithArgs("proj-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS(SELECT 1 FROM hypotheses WHERE id=$1 AND project_id=$2)`)).
		WithArgs("hyp_missing", "proj-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	err = st.AddDesign(context.Background(), Design{ID: "exp_1", HypothesisID: "hyp_missing", ProjectID: "proj-1"})
	var parentErr ParentNotFoundError
	if !errors.As(err, &parentErr) || parentErr.Kind != "hypothesis" {
		t.Fatalf("expected missing hypothesis error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAddHypothesisUnknownProject(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE projects SET updated_at=NOW() WHERE id=$1`)).
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = st.AddHypothesis(context.Background(), Hypothesis{ID: "hyp_1", ProjectID: "ghost", Text: "h"})
	var parentErr ParentNotFoundError
	if !errors.As(err, &parentErr) || parentErr.Kind != "project" {
		t.Fatalf("expected missing project error, got %v", err)
	}
}

func TestTransitionRunRejectsIllegalMove(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE projects SET updated_at=NOW() WHERE id=$1`)).
		WithArgs("proj-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE experiment_runs SET`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM experiment_runs WHERE id=$1 AND project_id=$2`)).
		WithArgs("run_1", "proj-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("completed"))
	mock.ExpectRollback()

	err = st.TransitionRun(context.Background(), "proj-1", "run_1", RunUpdate{Status: RunRunning})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if !strings.Contains(err.Error(), "completed -> running") {
		t.Fatalf("unexpected message: %v", err)
	}
}

func TestTransitionRunCompletedNeedsResults(t *testing.T) {
	st := &Store{}
	err := st.TransitionRun(context.Background(), "p", "run_1", RunUpdate{Status: RunCompleted})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestLatestStageRunDecodesResults(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM stage_runs WHERE project_id=$1 AND stage=$2 AND status=$3 ORDER BY started_at DESC, id DESC LIMIT 1`)).
		WithArgs("proj-1", "ideation", "completed").
		WillReturnRows(sqlmock.NewRows([]string{"id", "project_id", "stage", "started_at", "completed_at", "status", "tokens_used", "cost_usd", "results", "error"}).
			AddRow(int64(4), "proj-1", "ideation", now, now, "completed", int64(1200), 0.02, []byte(`{"ideas":[{"title":"Sparse routing"}]}`), nil))

	run, ok, err := st.LatestStageRun(context.Background(), "proj-1", "ideation", StageRunCompleted)
	if err != nil || !ok {
		t.Fatalf("LatestStageRun: ok=%v err=%v", ok, err)
	}
	var ideas []struct {
		Title string `json:"title"`
	}
	found, err := run.DecodeResult("ideas", &ideas)
	if err != nil || !found {
		t.Fatalf("DecodeResult: found=%v err=%v", found, err)
	}
	if len(ideas) != 1 || ideas[0].Title != "Sparse routing" {
		t.Fatalf("unexpected ideas: %+v", ideas)
	}
}

func TestGetHypothesisNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectQuery(regexp.QuoteMeta(`FROM hypotheses WHERE id=$1 AND project_id=$2`)).
		WithArgs("hyp_x", "proj-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, ok, err := st.GetHypothesis(context.Background(), "proj-1", "hyp_x")
	if err != nil || ok {
		t.Fatalf("expected not found, ok=%v err=%v", ok, err)
	}
}

func TestNewIDFormat(t *testing.T) {
	id := NewID("hyp")
	if !regexp.MustCompile(`^hyp_[0-9a-f]{12}$`).MatchString(id) {
		t.Fatalf("unexpected id %q", id)
	}
	if NewID("hyp") == id {
		t.Fatalf("ids should be unique")
	}
}

func TestRunStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to RunStatus
		ok       bool
	}{
		{RunQueued, RunRunning, true},
		{RunQueued, RunFailed, true},
		{RunQueued, RunCompleted, false},
		{RunRunning, RunCompleted, true},
		{RunRunning, RunFailed, true},
		{RunCompleted, RunRunning, false},
		{RunFailed, RunCompleted, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.ok {
			t.Fatalf("%s -> %s: got %v want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

package store_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mohammad-safakhou/researcher/internal/store"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestStoreAgainstPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	pgC, err := tcPostgres.RunContainer(ctx,
		tcPostgres.WithDatabase("researcher"),
		tcPostgres.WithUsername("researcher"),
		tcPostgres.WithPassword("researcher"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	defer func() { _ = pgC.Terminate(ctx) }()

	host, err := pgC.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	port, err := pgC.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://researcher:researcher@%s:%s/researcher?sslmode=disable", host, port.Port())
	if err := store.Migrate("", dsn, "up", 0); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer st.Close()

	if _, err := st.CreateProject(ctx, "p1", "Project", "nlp", nil); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if _, err := st.CreateProject(ctx, "p1", "Project", "nlp", nil); !errors.Is(err, store.ErrDuplicateProject) {
		t.Fatalf("expected duplicate, got %v", err)
	}

	for i, score := range []float64{4, 9} {
		p := store.Paper{ID: fmt.Sprintf("ss-%d", i), ProjectID: "p1", Title: "t", Authors: []string{"a"}, RelevanceScore: score}
		if err := st.AddPaper(ctx, p); err != nil {
			t.Fatalf("AddPaper: %v", err)
		}
	}
	papers, err := st.ListPapers(ctx, "p1")
	if err != nil || len(papers) != 2 || papers[0].RelevanceScore != 9 {
		t.Fatalf("ListPapers: %+v err=%v", papers, err)
	}

	h := store.Hypothesis{ID: store.NewID("hyp"), ProjectID: "p1", Text: "h", SuccessCriteria: store.SuccessCriteria{SignificanceLevel: 0.05}}
	if err := st.AddHypothesis(ctx, h); err != nil {
		t.Fatalf("AddHypothesis: %v", err)
	}
	d := store.Design{ID: store.NewID("exp"), HypothesisID: h.ID, ProjectID: "p1", DataRequirements: store.DataRequirements{MinSamples: 500}}
	if err := st.AddDesign(ctx, d); err != nil {
		t.Fatalf("AddDesign: %v", err)
	}
	r := store.Run{ID: store.NewID("run"), DesignID: d.ID, ProjectID: "p1"}
	if err := st.AddRun(ctx, r); err != nil {
		t.Fatalf("AddRun: %v", err)
	}
	if err := st.TransitionRun(ctx, "p1", r.ID, store.RunUpdate{Status: store.RunRunning}); err != nil {
		t.Fatalf("running: %v", err)
	}
	results := &store.RunResults{Status: "completed", Metrics: map[string]float64{"accuracy": 0.85}}
	if err := st.TransitionRun(ctx, "p1", r.ID, store.RunUpdate{Status: store.RunCompleted, ResultsData: results}); err != nil {
		t.Fatalf("completed: %v", err)
	}
	if err := st.TransitionRun(ctx, "p1", r.ID, store.RunUpdate{Status: store.RunRunning}); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	latest, ok, err := st.LatestRun(ctx, "p1")
	if err != nil || !ok || latest.ResultsData == nil || latest.CompletedAt == nil {
		t.Fatalf("LatestRun: %+v ok=%v err=%v", latest, ok, err)
	}

	// re-adding with the same id overwrites in place
	h.Text = "h revised"
	if err := st.AddHypothesis(ctx, h); err != nil {
		t.Fatalf("re-add hypothesis: %v", err)
	}
	hyps, err := st.ListHypotheses(ctx, "p1", "")
	if err != nil || len(hyps) != 1 || hyps[0].Text != "h revised" {
		t.Fatalf("ListHypotheses after re-add: %+v err=%v", hyps, err)
	}
	if err := st.AddPaper(ctx, store.Paper{ID: "ss-0", ProjectID: "p1", Title: "t2", RelevanceScore: 5}); err != nil {
		t.Fatalf("re-add paper: %v", err)
	}
	papers, _ = st.ListPapers(ctx, "p1")
	if len(papers) != 2 {
		t.Fatalf("re-add must not duplicate papers, got %d", len(papers))
	}

	// a second project can hold the same source paper but not p1's records
	if _, err := st.CreateProject(ctx, "p2", "Other", "nlp", nil); err != nil {
		t.Fatalf("CreateProject p2: %v", err)
	}
	if err := st.AddPaper(ctx, store.Paper{ID: "ss-0", ProjectID: "p2", Title: "t", RelevanceScore: 6}); err != nil {
		t.Fatalf("AddPaper p2: %v", err)
	}
	if papers, _ = st.ListPapers(ctx, "p1"); len(papers) != 2 {
		t.Fatalf("p1 lost papers to p2: %+v", papers)
	}
	foreign := h
	foreign.ProjectID = "p2"
	foreign.Text = "hijack"
	if err := st.AddHypothesis(ctx, foreign); !errors.Is(err, store.ErrForeignID) {
		t.Fatalf("expected ErrForeignID, got %v", err)
	}
	if got, _, _ := st.GetHypothesis(ctx, "p1", h.ID); got.Text != "h revised" {
		t.Fatalf("p1 hypothesis overwritten: %+v", got)
	}
}

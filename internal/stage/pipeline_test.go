package stage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mohammad-safakhou/researcher/internal/store"
	"github.com/mohammad-safakhou/researcher/internal/vault"
)

func TestPipelineEndToEnd(t *testing.T) {
	ctx := context.Background()
	ledger := store.NewMemoryStore()
	newProject(t, ledger, "P1")
	v, err := vault.New(t.TempDir())
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	completer := pipelineCompleter()
	search := &fakeSearcher{papers: twoPapers()}
	stages := All(Deps{Ledger: ledger, Completer: completer, Searcher: search, Sink: v})

	in := Input{Task: "sparse attention", ProjectID: "P1", Domain: "machine_learning"}

	// review
	out := stages[Review].Execute(ctx, in)
	if !out.Success {
		t.Fatalf("review failed: %s", out.Error())
	}
	if search.limit != 2*DefaultMaxPapers {
		t.Fatalf("expected over-fetch of %d, got %d", 2*DefaultMaxPapers, search.limit)
	}
	if out.Results["paper_count"] != 2 || out.Results["average_relevance"] != 8.0 {
		t.Fatalf("unexpected review results: %v", out.Results)
	}
	if len(out.Artifacts) != 2 {
		t.Fatalf("expected one note per paper, got %v", out.Artifacts)
	}
	if refs, _ := out.Results["references"].(string); strings.Count(refs, "\n- ") != 1 {
		t.Fatalf("expected two references, got %q", refs)
	}
	// two relevance scores plus concept extraction
	if out.TokensUsed != 45 {
		t.Fatalf("expected 45 tokens, got %d", out.TokensUsed)
	}
	logStage(t, ledger, "P1", Review, out)

	// ideation
	out = stages[Ideation].Execute(ctx, in)
	if !out.Success {
		t.Fatalf("ideation failed: %s", out.Error())
	}
	ideas := out.Results["ideas"].([]Idea)
	if out.Results["idea_count"] != 3 || len(ideas) != 3 {
		t.Fatalf("expected 3 ideas, got %v", out.Results["idea_count"])
	}
	for i := 1; i < len(ideas); i++ {
		if ideas[i-1].OverallScore() < ideas[i].OverallScore() {
			t.Fatalf("ideas not sorted descending: %+v", ideas)
		}
	}
	if ideas[0].Title != "Idea B" || ideas[2].Title != "Idea C" {
		t.Fatalf("unexpected order: %s, %s, %s", ideas[0].Title, ideas[1].Title, ideas[2].Title)
	}
	logStage(t, ledger, "P1", Ideation, out)

	// hypothesis, no explicit title
	out = stages[Hypothesis].Execute(ctx, in)
	if !out.Success {
		t.Fatalf("hypothesis failed: %s", out.Error())
	}
	if out.Results["idea_source"] != "Idea B" {
		t.Fatalf("expected top idea, got %v", out.Results["idea_source"])
	}
	hypID := out.Results["hypothesis_id"].(string)
	logStage(t, ledger, "P1", Hypothesis, out)

	// design
	out = stages[Design].Execute(ctx, in)
	if !out.Success {
		t.Fatalf("design failed: %s", out.Error())
	}
	if out.Results["hypothesis_id"] != hypID {
		t.Fatalf("design resolved the wrong hypothesis: %v", out.Results["hypothesis_id"])
	}
	res := out.Results["resource_estimates"].(store.ResourceEstimate)
	if res.EstimatedComputeTime != "< 5 minutes" {
		t.Fatalf("unexpected compute bucket %q", res.EstimatedComputeTime)
	}
	designID := out.Results["design_id"].(string)
	logStage(t, ledger, "P1", Design, out)

	// execution
	out = stages[Execution].Execute(ctx, in)
	if !out.Success {
		t.Fatalf("execution failed: %s", out.Error())
	}
	if out.TokensUsed != 0 || out.CostUSD != 0 {
		t.Fatalf("execution should be free, got %d tokens", out.TokensUsed)
	}
	if out.Results["status"] != "completed" || out.Results["samples_processed"] != 500 {
		t.Fatalf("unexpected execution results: %v", out.Results)
	}
	runID := out.Results["run_id"].(string)
	run, ok, _ := ledger.GetRun(ctx, "P1", runID)
	if !ok || run.Status != store.RunCompleted || run.DesignID != designID || run.ResultsData == nil {
		t.Fatalf("run not completed in ledger: %+v", run)
	}
	logStage(t, ledger, "P1", Execution, out)

	// analysis
	out = stages[Analysis].Execute(ctx, in)
	if !out.Success {
		t.Fatalf("analysis failed: %s", out.Error())
	}
	if out.Results["p_value"] != 0.03 || out.Results["decision"] != DecisionAccept {
		t.Fatalf("unexpected analysis: %v", out.Results)
	}
	hyp, _, _ := ledger.GetHypothesis(ctx, "P1", hypID)
	if hyp.Status != store.HypothesisPending {
		t.Fatalf("hypothesis status should be untouched, got %s", hyp.Status)
	}
	if _, err := os.Stat(filepath.Join(v.Root(), "p1", "analyses")); err != nil {
		t.Fatalf("expected analysis note: %v", err)
	}
}

func TestStagesWithoutPredecessorChargeNothing(t *testing.T) {
	ctx := context.Background()
	ledger := store.NewMemoryStore()
	newProject(t, ledger, "P1")
	completer := pipelineCompleter()
	stages := All(Deps{Ledger: ledger, Completer: completer, Searcher: &fakeSearcher{}})

	cases := []struct {
		name     Name
		requires Name
	}{
		{Ideation, Review},
		{Hypothesis, Ideation},
		{Design, Hypothesis},
		{Execution, Design},
		{Analysis, Execution},
	}
	for _, tc := range cases {
		t.Run(string(tc.name), func(t *testing.T) {
			out := stages[tc.name].Execute(ctx, Input{ProjectID: "P1", Domain: "ml"})
			if out.Success {
				t.Fatalf("expected failure")
			}
			var np *NoPredecessorError
			if !errors.As(out.Err, &np) || np.Requires != tc.requires {
				t.Fatalf("expected NoPredecessorError requiring %s, got %v", tc.requires, out.Err)
			}
			if out.TokensUsed != 0 || out.CostUSD != 0 {
				t.Fatalf("charged %d tokens without a predecessor", out.TokensUsed)
			}
		})
	}
	if completer.count() != 0 {
		t.Fatalf("no completion should have been requested, got %d", completer.count())
	}
}

func TestMissingProjectID(t *testing.T) {
	stages := All(Deps{Ledger: store.NewMemoryStore(), Completer: pipelineCompleter(), Searcher: &fakeSearcher{}})
	for _, name := range Order {
		out := stages[name].Execute(context.Background(), Input{Task: "q"})
		var mi *MissingInputError
		if out.Success || !errors.As(out.Err, &mi) {
			t.Fatalf("%s: expected MissingInputError, got %v", name, out.Err)
		}
	}
}

func TestReviewNoCandidates(t *testing.T) {
	ledger := store.NewMemoryStore()
	newProject(t, ledger, "P1")
	s := NewReview(Deps{Ledger: ledger, Completer: pipelineCompleter(), Searcher: &fakeSearcher{err: errors.New("429")}})
	out := s.Execute(context.Background(), Input{Task: "q", ProjectID: "P1"})
	if out.Success || out.Results["error"] != "no papers found" {
		t.Fatalf("unexpected output: %+v", out)
	}
}

func TestReviewScoresMissingAbstractWithoutCompletion(t *testing.T) {
	ledger := store.NewMemoryStore()
	newProject(t, ledger, "P1")
	completer := pipelineCompleter()
	papers := twoPapers()
	papers[1].Abstract = ""
	s := NewReview(Deps{Ledger: ledger, Completer: completer, Searcher: &fakeSearcher{papers: papers}})
	out := s.Execute(context.Background(), Input{Task: "q", ProjectID: "P1", Options: ReviewOptions{MaxPapers: 1}})
	if !out.Success {
		t.Fatalf("review failed: %s", out.Error())
	}
	top := out.Results["papers"].([]store.Paper)
	if len(top) != 1 || top[0].ID != "p1" {
		t.Fatalf("expected only the scored paper, got %+v", top)
	}
	// one relevance score and one concept extraction
	if completer.count() != 2 {
		t.Fatalf("expected 2 completions, got %d", completer.count())
	}
	stored, _ := ledger.ListPapers(context.Background(), "P1")
	if len(stored) != 1 {
		t.Fatalf("expected 1 persisted paper, got %d", len(stored))
	}
}

func TestReviewRejectsForeignOptions(t *testing.T) {
	ledger := store.NewMemoryStore()
	newProject(t, ledger, "P1")
	s := NewReview(Deps{Ledger: ledger, Completer: pipelineCompleter(), Searcher: &fakeSearcher{papers: twoPapers()}})
	out := s.Execute(context.Background(), Input{Task: "q", ProjectID: "P1", Options: DesignOptions{HypothesisID: "hyp_x"}})
	if out.Success {
		t.Fatalf("expected options mismatch to fail")
	}
	out = s.Execute(context.Background(), Input{Task: "q", ProjectID: "P1", Options: &ReviewOptions{MaxPapers: 500}})
	if out.Success {
		t.Fatalf("expected validation failure for max_papers=500")
	}
}

func TestSinkFailureDoesNotFailStage(t *testing.T) {
	ledger := store.NewMemoryStore()
	newProject(t, ledger, "P1")
	s := NewReview(Deps{Ledger: ledger, Completer: pipelineCompleter(), Searcher: &fakeSearcher{papers: twoPapers()}, Sink: failingSink{}})
	out := s.Execute(context.Background(), Input{Task: "q", ProjectID: "P1"})
	if !out.Success {
		t.Fatalf("sink failure must not fail the stage: %s", out.Error())
	}
	if len(out.Artifacts) != 0 {
		t.Fatalf("expected no artifacts, got %v", out.Artifacts)
	}
}

func TestIdeationMalformedBatchChargesPartially(t *testing.T) {
	ctx := context.Background()
	ledger := store.NewMemoryStore()
	newProject(t, ledger, "P1")
	if err := ledger.AddPaper(ctx, store.Paper{ID: "p1", Title: "T", Abstract: "A", RelevanceScore: 7, ProjectID: "P1"}); err != nil {
		t.Fatalf("AddPaper: %v", err)
	}
	completer := (&scriptedCompleter{}).
		on("identify research gaps", "gaps").
		on("novel research ideas", `[{"title":"only a title"}]`)
	out := NewIdeation(Deps{Ledger: ledger, Completer: completer}).Execute(ctx, Input{ProjectID: "P1"})
	if out.Success || out.Results["error"] != "failed to generate valid ideas" {
		t.Fatalf("unexpected output: %+v", out.Results)
	}
	if out.TokensUsed != 30 {
		t.Fatalf("expected the two spent completions to be charged, got %d", out.TokensUsed)
	}
}

func TestIdeationUnparsableScoresUseNeutral(t *testing.T) {
	ctx := context.Background()
	ledger := store.NewMemoryStore()
	newProject(t, ledger, "P1")
	_ = ledger.AddPaper(ctx, store.Paper{ID: "p1", Title: "T", Abstract: "A", RelevanceScore: 7, ProjectID: "P1"})
	completer := (&scriptedCompleter{}).
		on("identify research gaps", "gaps").
		on("novel research ideas", ideaBatch).
		on("Score this research idea", "very novel!")
	out := NewIdeation(Deps{Ledger: ledger, Completer: completer}).Execute(ctx, Input{ProjectID: "P1"})
	if !out.Success {
		t.Fatalf("ideation failed: %s", out.Error())
	}
	for _, idea := range out.Results["ideas"].([]Idea) {
		if idea.OverallScore() != 5.0 {
			t.Fatalf("expected neutral score, got %v", idea.OverallScore())
		}
	}
	if out.Results["top_idea"].(Idea).Title != "Idea A" {
		t.Fatalf("stable sort should keep batch order for ties")
	}
}

func TestHypothesisFallbacksAndTitleSelection(t *testing.T) {
	ctx := context.Background()
	ledger := store.NewMemoryStore()
	newProject(t, ledger, "P1")
	ideas := []Idea{
		{Title: "First", Description: "a description that is definitely longer than fifty characters in total"},
		{Title: "Second", Description: "second"},
	}
	logStage(t, ledger, "P1", Ideation, Output{Success: true, Results: map[string]interface{}{"ideas": ideas}})

	completer := (&scriptedCompleter{}).
		on("Convert this research idea", "not json").
		on("Identify the variables", "[]").
		on("Define success criteria", "{bad")
	s := NewHypothesis(Deps{Ledger: ledger, Completer: completer})

	out := s.Execute(ctx, Input{ProjectID: "P1", Options: HypothesisOptions{IdeaTitle: "Missing"}})
	var nf *NotFoundError
	if out.Success || !errors.As(out.Err, &nf) || out.TokensUsed != 0 {
		t.Fatalf("expected NotFoundError with zero charge, got %+v", out)
	}

	out = s.Execute(ctx, Input{ProjectID: "P1"})
	if !out.Success {
		t.Fatalf("hypothesis failed: %s", out.Error())
	}
	want := "Investigating First will reveal significant insights about a description that is definitely longer than fifty"
	if out.Results["hypothesis"] != want {
		t.Fatalf("unexpected fallback hypothesis %q", out.Results["hypothesis"])
	}
	h, ok, _ := ledger.GetHypothesis(ctx, "P1", out.Results["hypothesis_id"].(string))
	if !ok {
		t.Fatalf("hypothesis not persisted")
	}
	if len(h.IndependentVars) != 1 || h.IndependentVars[0] != "treatment_condition" {
		t.Fatalf("expected fallback variables, got %v", h.IndependentVars)
	}
	if h.SuccessCriteria.SignificanceLevel != 0.05 || h.SuccessCriteria.MinimumSampleSize != 100 ||
		h.SuccessCriteria.Metrics["primary_outcome"] != "measure_change" {
		t.Fatalf("expected fallback criteria, got %+v", h.SuccessCriteria)
	}

	out = s.Execute(ctx, Input{ProjectID: "P1", Options: HypothesisOptions{IdeaTitle: "Second"}})
	if !out.Success || out.Results["idea_source"] != "Second" {
		t.Fatalf("expected explicit idea selection, got %+v", out.Results)
	}
}

func TestDesignExplicitHypothesisNotFound(t *testing.T) {
	ledger := store.NewMemoryStore()
	newProject(t, ledger, "P1")
	out := NewDesign(Deps{Ledger: ledger, Completer: pipelineCompleter()}).
		Execute(context.Background(), Input{ProjectID: "P1", Options: DesignOptions{HypothesisID: "hyp_missing"}})
	var nf *NotFoundError
	if out.Success || !errors.As(out.Err, &nf) || nf.ID != "hyp_missing" {
		t.Fatalf("expected NotFoundError, got %v", out.Err)
	}
}

func seedDesign(t *testing.T, ledger *store.MemoryStore) store.Design {
	t.Helper()
	ctx := context.Background()
	h := store.Hypothesis{ID: "hyp_1", ProjectID: "P1", Text: "H1", SuccessCriteria: store.SuccessCriteria{SignificanceLevel: 0.05, MinimumEffectSize: 0.3}}
	if err := ledger.AddHypothesis(ctx, h); err != nil {
		t.Fatalf("AddHypothesis: %v", err)
	}
	d := store.Design{ID: "exp_1", HypothesisID: "hyp_1", ProjectID: "P1", DataRequirements: store.DataRequirements{MinSamples: 2000}}
	if err := ledger.AddDesign(ctx, d); err != nil {
		t.Fatalf("AddDesign: %v", err)
	}
	return d
}

func TestExecutionBackendFailureMarksRunFailed(t *testing.T) {
	ctx := context.Background()
	ledger := store.NewMemoryStore()
	newProject(t, ledger, "P1")
	seedDesign(t, ledger)

	out := NewExecution(Deps{Ledger: ledger, Backend: failingBackend{}}).Execute(ctx, Input{ProjectID: "P1"})
	if out.Success {
		t.Fatalf("expected failure")
	}
	runID, _ := out.Results["run_id"].(string)
	run, ok, _ := ledger.GetRun(ctx, "P1", runID)
	if !ok || run.Status != store.RunFailed || run.Error == "" || run.DurationSeconds == nil {
		t.Fatalf("expected failed run with error and duration, got %+v", run)
	}

	out = NewAnalysis(Deps{Ledger: ledger, Completer: pipelineCompleter()}).Execute(ctx, Input{ProjectID: "P1"})
	var np *NoPredecessorError
	if out.Success || !errors.As(out.Err, &np) {
		t.Fatalf("analysis of a failed run should report a missing predecessor, got %v", out.Err)
	}
}

func TestAnalysisDetectsMissingHypothesis(t *testing.T) {
	ctx := context.Background()
	ledger := &orphanLedger{MemoryStore: store.NewMemoryStore()}
	newProject(t, ledger.MemoryStore, "P1")
	seedDesign(t, ledger.MemoryStore)
	out := NewExecution(Deps{Ledger: ledger}).Execute(ctx, Input{ProjectID: "P1"})
	if !out.Success {
		t.Fatalf("execution failed: %s", out.Error())
	}

	out = NewAnalysis(Deps{Ledger: ledger, Completer: pipelineCompleter()}).Execute(ctx, Input{ProjectID: "P1"})
	var di *DatabaseInconsistencyError
	if out.Success || !errors.As(out.Err, &di) || di.Kind != "hypothesis" {
		t.Fatalf("expected DatabaseInconsistencyError, got %v", out.Err)
	}
}

// orphanLedger hides hypotheses to simulate a dangling design reference.
type orphanLedger struct {
	*store.MemoryStore
}

func (orphanLedger) GetHypothesis(context.Context, string, string) (store.Hypothesis, bool, error) {
	return store.Hypothesis{}, false, nil
}

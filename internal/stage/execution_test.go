package stage

import (
	"context"
	"errors"
	"testing"

	"github.com/mohammad-safakhou/researcher/internal/store"
)

// ctxLedger refuses run transitions once the caller's context is done, like a
// database driver would.
type ctxLedger struct {
	*store.MemoryStore
}

func (l ctxLedger) TransitionRun(ctx context.Context, projectID, id string, upd store.RunUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.MemoryStore.TransitionRun(ctx, projectID, id, upd)
}

// cancellingBackend cancels the stage context mid-run.
type cancellingBackend struct {
	cancel  context.CancelFunc
	results store.RunResults
	err     error
}

func (b cancellingBackend) Run(context.Context, store.Design) (store.RunResults, error) {
	b.cancel()
	return b.results, b.err
}

func TestExecutionMarksRunFailedAfterCancellation(t *testing.T) {
	ledger := store.NewMemoryStore()
	newProject(t, ledger, "P1")
	seedDesign(t, ledger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	backend := cancellingBackend{cancel: cancel, err: context.Canceled}
	out := NewExecution(Deps{Ledger: ctxLedger{ledger}, Backend: backend}).Execute(ctx, Input{ProjectID: "P1"})
	if out.Success || !errors.Is(out.Err, context.Canceled) {
		t.Fatalf("expected cancelled execution, got %+v", out)
	}
	runID, _ := out.Results["run_id"].(string)
	run, ok, _ := ledger.GetRun(context.Background(), "P1", runID)
	if !ok || run.Status != store.RunFailed || run.Error == "" || run.DurationSeconds == nil || run.CompletedAt == nil {
		t.Fatalf("expected failed run with error and duration, got %+v", run)
	}
}

func TestExecutionCompletesRunAfterCancellation(t *testing.T) {
	ledger := store.NewMemoryStore()
	newProject(t, ledger, "P1")
	seedDesign(t, ledger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	backend := cancellingBackend{cancel: cancel, results: store.RunResults{Status: "completed", SamplesProcessed: 10, Metrics: map[string]float64{"accuracy": 0.9}}}
	out := NewExecution(Deps{Ledger: ctxLedger{ledger}, Backend: backend}).Execute(ctx, Input{ProjectID: "P1"})
	if !out.Success {
		t.Fatalf("execution failed: %s", out.Error())
	}
	run, _, _ := ledger.GetRun(context.Background(), "P1", out.Results["run_id"].(string))
	if run.Status != store.RunCompleted || run.ResultsData == nil {
		t.Fatalf("expected completed run, got %+v", run)
	}
}

// rejectingLedger fails the completed transition but accepts every other one.
type rejectingLedger struct {
	*store.MemoryStore
}

func (l rejectingLedger) TransitionRun(ctx context.Context, projectID, id string, upd store.RunUpdate) error {
	if upd.Status == store.RunCompleted {
		return errors.New("results column too large")
	}
	return l.MemoryStore.TransitionRun(ctx, projectID, id, upd)
}

func TestExecutionMarksRunFailedWhenCompletionIsRejected(t *testing.T) {
	ledger := store.NewMemoryStore()
	newProject(t, ledger, "P1")
	seedDesign(t, ledger)

	out := NewExecution(Deps{Ledger: rejectingLedger{ledger}}).Execute(context.Background(), Input{ProjectID: "P1"})
	if out.Success {
		t.Fatalf("expected failure")
	}
	run, ok, _ := ledger.GetRun(context.Background(), "P1", out.Results["run_id"].(string))
	if !ok || run.Status != store.RunFailed || run.Error == "" {
		t.Fatalf("expected failed run, got %+v", run)
	}
}

func TestSimulatedBackendCopiesMinSamples(t *testing.T) {
	for _, n := range []int{0, 500} {
		res, err := SimulatedBackend{}.Run(context.Background(), store.Design{DataRequirements: store.DataRequirements{MinSamples: n}})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if res.SamplesProcessed != n {
			t.Fatalf("samples_processed = %d, want %d", res.SamplesProcessed, n)
		}
	}
}

func TestReviewOfSharedPapersKeepsProjectsApart(t *testing.T) {
	ctx := context.Background()
	ledger := store.NewMemoryStore()
	newProject(t, ledger, "A")
	newProject(t, ledger, "B")
	stages := All(Deps{Ledger: ledger, Completer: pipelineCompleter(), Searcher: &fakeSearcher{papers: twoPapers()}})

	for _, id := range []string{"A", "B"} {
		if out := stages[Review].Execute(ctx, Input{Task: "sparse attention", ProjectID: id}); !out.Success {
			t.Fatalf("review for %s failed: %s", id, out.Error())
		}
	}
	for _, id := range []string{"A", "B"} {
		papers, _ := ledger.ListPapers(ctx, id)
		if len(papers) != 2 {
			t.Fatalf("project %s should hold 2 papers, got %d", id, len(papers))
		}
	}
	if out := stages[Ideation].Execute(ctx, Input{ProjectID: "A", Domain: "ml"}); !out.Success {
		t.Fatalf("ideation for A failed: %s", out.Error())
	}
}

package stage

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/mohammad-safakhou/researcher/internal/store"
	"github.com/mohammad-safakhou/researcher/internal/vault"
)

// ExecutionBackend runs a design and reports its results.
type ExecutionBackend interface {
	Run(ctx context.Context, d store.Design) (store.RunResults, error)
}

// SimulatedBackend stands in for a real runner and returns a fixed metrics block.
type SimulatedBackend struct{}

func (SimulatedBackend) Run(ctx context.Context, d store.Design) (store.RunResults, error) {
	if err := ctx.Err(); err != nil {
		return store.RunResults{}, err
	}
	return store.RunResults{
		Status:           "completed",
		SamplesProcessed: d.DataRequirements.MinSamples,
		Metrics: map[string]float64{
			"accuracy":  0.85,
			"precision": 0.82,
			"recall":    0.88,
			"f1_score":  0.85,
		},
		ExecutionTimeSeconds: 45.3,
	}, nil
}

// ExecutionStage runs a design through the backend and tracks the run lifecycle.
type ExecutionStage struct {
	deps   Deps
	logger *log.Logger
	now    func() time.Time
}

func NewExecution(deps Deps) *ExecutionStage {
	if deps.Backend == nil {
		deps.Backend = SimulatedBackend{}
	}
	return &ExecutionStage{deps: deps, logger: stageLogger("[EXECUTION-STAGE] "), now: time.Now}
}

func (s *ExecutionStage) Name() Name { return Execution }

func (s *ExecutionStage) designs() Predecessor[store.Design] {
	return Predecessor[store.Design]{
		Stage:    Execution,
		Requires: Design,
		Kind:     "experiment design",
		Get:      s.deps.Ledger.GetDesign,
		Latest:   s.deps.Ledger.LatestDesign,
	}
}

func (s *ExecutionStage) Execute(ctx context.Context, in Input) Output {
	r := newRun(in, s.logger)
	if err := requireProject(in); err != nil {
		return r.fail(err, "Experiment execution needs a project to work with.")
	}
	opts, err := optionsFor[ExecutionOptions](in)
	if err != nil {
		return r.fail(err, "")
	}
	design, err := Resolve(ctx, in.ProjectID, opts.DesignID, s.designs())
	if err != nil {
		return r.fail(err, "Run the design stage first.")
	}

	start := s.now()
	rec := store.Run{
		ID:        store.NewID("run"),
		DesignID:  design.ID,
		ProjectID: in.ProjectID,
		Status:    store.RunQueued,
		Platform:  "local",
		StartedAt: start,
		Metadata:  map[string]interface{}{"automated": true},
	}
	if err := s.deps.Ledger.AddRun(ctx, rec); err != nil {
		return r.fail(fmt.Errorf("create run: %w", err), "")
	}
	// Terminal transitions use a context that outlives cancellation so a
	// run never stays queued or running after the stage returns.
	persistCtx := context.WithoutCancel(ctx)
	if err := s.deps.Ledger.TransitionRun(ctx, in.ProjectID, rec.ID, store.RunUpdate{Status: store.RunRunning}); err != nil {
		err = fmt.Errorf("start run %s: %w", rec.ID, err)
		s.markFailed(persistCtx, in.ProjectID, rec.ID, err, 0)
		return r.failRun(err, "", rec.ID)
	}
	s.logger.Printf("executing %s as %s", design.ID, rec.ID)

	results, runErr := s.deps.Backend.Run(ctx, design)
	if runErr == nil {
		if err := ValidateRunResults(results); err != nil {
			runErr = fmt.Errorf("invalid backend results: %w", err)
		}
	}
	duration := s.now().Sub(start).Seconds()
	if runErr != nil {
		s.markFailed(persistCtx, in.ProjectID, rec.ID, runErr, duration)
		return r.failRun(fmt.Errorf("execution failed: %w", runErr), "Execution failed: "+runErr.Error(), rec.ID)
	}

	logs := fmt.Sprintf("Execution log:\n- Started at %s\n- Completed successfully\n- Duration: %.2fs",
		start.UTC().Format("2006-01-02 15:04:05"), duration)
	upd := store.RunUpdate{Status: store.RunCompleted, ResultsData: &results, Logs: logs, DurationSeconds: &duration}
	if err := s.deps.Ledger.TransitionRun(persistCtx, in.ProjectID, rec.ID, upd); err != nil {
		err = fmt.Errorf("complete run %s: %w", rec.ID, err)
		s.markFailed(persistCtx, in.ProjectID, rec.ID, err, duration)
		return r.failRun(err, "", rec.ID)
	}

	artifacts := r.save(ctx, s.deps.sink(), vault.Document{
		ProjectID: in.ProjectID,
		Kind:      "results",
		Title:     rec.ID,
		FrontMatter: map[string]interface{}{
			"run_id":            rec.ID,
			"design_id":         design.ID,
			"status":            results.Status,
			"samples_processed": results.SamplesProcessed,
			"metrics":           results.Metrics,
		},
		Body: "## Metrics\n\n" + metricsList(results.Metrics) + "\n\n## Log\n\n" + logs,
	})

	return r.succeed(
		map[string]interface{}{
			"run_id":            rec.ID,
			"design_id":         design.ID,
			"status":            string(store.RunCompleted),
			"duration_seconds":  duration,
			"metrics":           results.Metrics,
			"samples_processed": results.SamplesProcessed,
		},
		map[string]interface{}{
			"project_id": in.ProjectID,
			"run_id":     rec.ID,
			"design_id":  design.ID,
			"platform":   rec.Platform,
			"automated":  true,
		},
		artifacts,
		executionNotes(results, duration),
		[]string{
			"Review experimental results in Obsidian",
			"Run the analysis stage on this run",
			"Validate data quality",
			"Compare with expected outcomes",
		},
	)
}

// markFailed records the error and the partial duration on the run.
func (s *ExecutionStage) markFailed(ctx context.Context, projectID, runID string, cause error, duration float64) {
	upd := store.RunUpdate{Status: store.RunFailed, Error: cause.Error(), DurationSeconds: &duration}
	if err := s.deps.Ledger.TransitionRun(ctx, projectID, runID, upd); err != nil {
		s.logger.Printf("mark run %s failed: %v", runID, err)
	}
}

func (r *run) failRun(err error, notes, runID string) Output {
	out := r.fail(err, notes)
	out.Results["run_id"] = runID
	return out
}

func metricsList(m map[string]float64) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("- %s: %v", k, m[k]))
	}
	return strings.Join(lines, "\n")
}

func executionNotes(res store.RunResults, duration float64) string {
	return fmt.Sprintf(`**What just happened:**

Executed the experiment design and collected its results.

**Results Summary:**
- **Status**: %s
- **Samples Processed**: %d
- **Execution Time**: %.2f seconds

**Metrics Collected:**
%s

**Note:** the default backend returns simulated metrics. The analysis stage judges the hypothesis against them next.`,
		res.Status, res.SamplesProcessed, duration, metricsList(res.Metrics))
}

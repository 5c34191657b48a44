package workflow

import (
	"context"
	"errors"

	"github.com/mohammad-safakhou/researcher/internal/stage"
)

// Step is one stage invocation in a workflow.
type Step struct {
	Stage   stage.Name    `json:"stage"`
	Task    string        `json:"task,omitempty"`
	Options stage.Options `json:"options,omitempty"`
}

// StepResult pairs a step with the output it produced.
type StepResult struct {
	Stage  stage.Name   `json:"stage"`
	Output stage.Output `json:"output"`
}

// Result summarises a workflow run.
type Result struct {
	ProjectID  string       `json:"project_id"`
	Steps      []StepResult `json:"steps"`
	TokensUsed int64        `json:"tokens_used"`
	CostUSD    float64      `json:"cost_usd"`
}

// Completed reports whether every step ran and succeeded.
func (r Result) Completed(planned int) bool {
	if len(r.Steps) != planned {
		return false
	}
	for _, s := range r.Steps {
		if !s.Output.Success {
			return false
		}
	}
	return true
}

// FullPipeline lists all six stages with default options.
func FullPipeline(task string) []Step {
	steps := make([]Step, 0, len(stage.Order))
	for _, name := range stage.Order {
		steps = append(steps, Step{Stage: name, Task: task})
	}
	return steps
}

// threaded carries the identifiers produced by earlier steps.
type threaded struct {
	hypothesisID string
	designID     string
	runID        string
}

func (t *threaded) observe(out stage.Output) {
	if id, ok := out.Results["hypothesis_id"].(string); ok && id != "" {
		t.hypothesisID = id
	}
	if id, ok := out.Results["design_id"].(string); ok && id != "" {
		t.designID = id
	}
	if id, ok := out.Results["run_id"].(string); ok && id != "" {
		t.runID = id
	}
}

// apply fills the step's predecessor id from earlier steps unless it was set
// explicitly. Options of the wrong type are passed through for the stage to reject.
func (t *threaded) apply(step Step) stage.Options {
	switch step.Stage {
	case stage.Design:
		var o stage.DesignOptions
		switch v := step.Options.(type) {
		case nil:
		case stage.DesignOptions:
			o = v
		case *stage.DesignOptions:
			if v != nil {
				o = *v
			}
		default:
			return step.Options
		}
		if o.HypothesisID == "" {
			o.HypothesisID = t.hypothesisID
		}
		return o
	case stage.Execution:
		var o stage.ExecutionOptions
		switch v := step.Options.(type) {
		case nil:
		case stage.ExecutionOptions:
			o = v
		case *stage.ExecutionOptions:
			if v != nil {
				o = *v
			}
		default:
			return step.Options
		}
		if o.DesignID == "" {
			o.DesignID = t.designID
		}
		return o
	case stage.Analysis:
		var o stage.AnalysisOptions
		switch v := step.Options.(type) {
		case nil:
		case stage.AnalysisOptions:
			o = v
		case *stage.AnalysisOptions:
			if v != nil {
				o = *v
			}
		default:
			return step.Options
		}
		if o.RunID == "" {
			o.RunID = t.runID
		}
		return o
	default:
		return step.Options
	}
}

// Run executes steps in order and stops at the first stage that fails.
// Identifiers produced by a step feed the next stage that consumes them.
func (r *Runner) Run(ctx context.Context, projectID, domain string, steps []Step) (Result, error) {
	res := Result{ProjectID: projectID, Steps: make([]StepResult, 0, len(steps))}
	var ids threaded
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		out, err := r.RunStage(ctx, projectID, domain, step.Stage, step.Task, ids.apply(step))
		res.Steps = append(res.Steps, StepResult{Stage: step.Stage, Output: out})
		res.TokensUsed += out.TokensUsed
		res.CostUSD += out.CostUSD
		if err != nil {
			return res, &StageFailedError{Stage: step.Stage, Err: err}
		}
		if !out.Success {
			cause := out.Err
			if cause == nil {
				cause = errors.New(out.Error())
			}
			return res, &StageFailedError{Stage: step.Stage, Err: cause}
		}
		ids.observe(out)
	}
	r.logger.Printf("workflow for %s finished: %d stages, %d tokens, $%.4f", projectID, len(res.Steps), res.TokensUsed, res.CostUSD)
	return res, nil
}

type estimate struct {
	prompt int64
	output int64
}

// estimates are rough per-stage token counts used only for budget enforcement.
var estimates = map[stage.Name]estimate{
	stage.Review:     {prompt: 4000, output: 600},
	stage.Ideation:   {prompt: 8000, output: 5000},
	stage.Hypothesis: {prompt: 1500, output: 1300},
	stage.Design:     {prompt: 1500, output: 1200},
	stage.Execution:  {},
	stage.Analysis:   {prompt: 600, output: 1000},
}

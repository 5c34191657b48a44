// Package workflow sequences pipeline stages for a project and keeps the
// stage-run log and the budget ledger in step with what each stage spent.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"time"

	"github.com/mohammad-safakhou/researcher/internal/budget"
	"github.com/mohammad-safakhou/researcher/internal/stage"
	"github.com/mohammad-safakhou/researcher/internal/store"
)

// Ledger is the stage ledger plus the stage-run log the runner writes.
type Ledger interface {
	stage.Ledger
	LogStageRun(ctx context.Context, r store.StageRun) (int64, error)
}

// Runner executes stages one at a time for a project.
type Runner struct {
	ledger Ledger
	guard  *budget.Guard
	stages map[stage.Name]stage.Stage
	logger *log.Logger
	now    func() time.Time
}

type Option func(*Runner)

func WithLogger(l *log.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

func NewRunner(ledger Ledger, guard *budget.Guard, stages map[stage.Name]stage.Stage, opts ...Option) (*Runner, error) {
	if ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if guard == nil {
		return nil, fmt.Errorf("budget guard is required")
	}
	r := &Runner{
		ledger: ledger,
		guard:  guard,
		stages: stages,
		logger: log.New(log.Writer(), "[WORKFLOW] ", log.LstdFlags),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// PanicError reports a stage that panicked instead of returning an output.
type PanicError struct {
	Stage stage.Name
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s stage panicked: %v", e.Stage, e.Value)
}

// StageFailedError halts a workflow at the first stage that did not succeed.
type StageFailedError struct {
	Stage stage.Name
	Err   error
}

func (e *StageFailedError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageFailedError) Unwrap() error { return e.Err }

// RunStage executes one stage, logs the stage run and records its spend.
// The returned error is reserved for faults outside the stage contract: a
// panic, or a ledger that could not record the run. Expected stage failures
// come back as an output with Success=false.
func (r *Runner) RunStage(ctx context.Context, projectID, domain string, name stage.Name, task string, opts stage.Options) (stage.Output, error) {
	s, ok := r.stages[name]
	if !ok {
		return stage.Output{}, fmt.Errorf("stage %q is not registered", name)
	}
	in := stage.Input{Task: task, ProjectID: projectID, Domain: domain, Options: opts}
	started := r.now()

	if refused := r.checkBudget(ctx, name); refused != nil {
		var exceeded budget.ErrExceeded
		if !errors.As(refused, &exceeded) {
			return stage.Output{}, refused
		}
		r.logger.Printf("%s refused for %s: %v", name, projectID, refused)
		out := stage.Output{
			Results:   map[string]interface{}{"error": refused.Error()},
			Artifacts: []string{},
			Metadata:  map[string]interface{}{"project_id": projectID},
			Err:       refused,
		}
		if err := r.logRun(ctx, projectID, name, started, out); err != nil {
			return out, err
		}
		recordStage(ctx, name, out, 0)
		return out, nil
	}

	r.logger.Printf("running %s for %s", name, projectID)
	out, perr := r.invoke(ctx, s, in)
	duration := r.now().Sub(started)
	if perr != nil {
		r.logger.Printf("%s panicked after %.2fs: %v", name, duration.Seconds(), perr)
		out = stage.Output{Results: map[string]interface{}{"error": perr.Error()}, Err: perr}
		if err := r.logRun(ctx, projectID, name, started, out); err != nil {
			return out, errors.Join(perr, err)
		}
		recordStage(ctx, name, out, duration)
		return out, perr
	}

	if err := r.logRun(ctx, projectID, name, started, out); err != nil {
		return out, err
	}
	meta := map[string]interface{}{"project_id": projectID, "duration": duration.Seconds()}
	if err := r.guard.RecordSpend(ctx, string(name), out.TokensUsed, out.CostUSD, meta); err != nil {
		return out, fmt.Errorf("record %s spend: %w", name, err)
	}
	recordStage(ctx, name, out, duration)

	if out.Success {
		r.logger.Printf("%s completed in %.2fs: %d tokens, $%.4f", name, duration.Seconds(), out.TokensUsed, out.CostUSD)
	} else {
		r.logger.Printf("%s failed after %.2fs: %s", name, duration.Seconds(), out.Error())
	}
	return out, nil
}

func (r *Runner) invoke(ctx context.Context, s stage.Stage, in stage.Input) (out stage.Output, err error) {
	defer func() {
		if v := recover(); v != nil {
			r.logger.Printf("panic in %s: %v\n%s", s.Name(), v, debug.Stack())
			err = &PanicError{Stage: s.Name(), Value: v}
		}
	}()
	return s.Execute(ctx, in), nil
}

// checkBudget returns budget.ErrExceeded when enforcement is on and the
// stage's estimated cost does not fit in what is left of the month.
func (r *Runner) checkBudget(ctx context.Context, name stage.Name) error {
	if !r.guard.Config().Enforce {
		return nil
	}
	est := estimates[name]
	err := r.guard.Check(ctx, r.guard.EstimateCost(est.prompt, est.output))
	var exceeded budget.ErrExceeded
	if err == nil || errors.As(err, &exceeded) {
		return err
	}
	return fmt.Errorf("check budget for %s: %w", name, err)
}

func (r *Runner) logRun(ctx context.Context, projectID string, name stage.Name, started time.Time, out stage.Output) error {
	done := r.now()
	rec := store.StageRun{
		ProjectID:   projectID,
		Stage:       string(name),
		StartedAt:   started,
		CompletedAt: &done,
		Status:      store.StageRunCompleted,
		TokensUsed:  out.TokensUsed,
		CostUSD:     out.CostUSD,
		Results:     out.Results,
	}
	if !out.Success {
		rec.Status = store.StageRunFailed
		rec.Error = out.Error()
	}
	if _, err := r.ledger.LogStageRun(ctx, rec); err != nil {
		return fmt.Errorf("log %s stage run: %w", name, err)
	}
	return nil
}

// Package stage implements the six research pipeline stages behind a common
// input/output contract.
package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/go-playground/validator/v10"
	"github.com/mohammad-safakhou/researcher/internal/budget"
	"github.com/mohammad-safakhou/researcher/internal/llm"
	"github.com/mohammad-safakhou/researcher/internal/scholar"
	"github.com/mohammad-safakhou/researcher/internal/store"
	"github.com/mohammad-safakhou/researcher/internal/vault"
)

// Name identifies a pipeline stage. It doubles as the stage-run log key and
// the budget agent name.
type Name string

const (
	Review     Name = "review"
	Ideation   Name = "ideation"
	Hypothesis Name = "hypothesis"
	Design     Name = "design"
	Execution  Name = "execution"
	Analysis   Name = "analysis"
)

// Order is the pipeline sequence.
var Order = []Name{Review, Ideation, Hypothesis, Design, Execution, Analysis}

// ParseName accepts a stage name as typed on the command line or in a URL.
func ParseName(s string) (Name, error) {
	for _, n := range Order {
		if string(n) == s {
			return n, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// Options is implemented by each stage's typed option record.
type Options interface {
	Stage() Name
}

type ReviewOptions struct {
	MaxPapers int `json:"max_papers,omitempty" validate:"omitempty,min=1,max=50"`
}

type IdeationOptions struct {
	NumIdeas int `json:"num_ideas,omitempty" validate:"omitempty,min=1,max=20"`
}

type HypothesisOptions struct {
	IdeaTitle string `json:"idea_title,omitempty" validate:"omitempty,max=500"`
}

type DesignOptions struct {
	HypothesisID string `json:"hypothesis_id,omitempty" validate:"omitempty,max=64"`
}

type ExecutionOptions struct {
	DesignID string `json:"design_id,omitempty" validate:"omitempty,max=64"`
}

type AnalysisOptions struct {
	RunID string `json:"run_id,omitempty" validate:"omitempty,max=64"`
}

func (ReviewOptions) Stage() Name     { return Review }
func (IdeationOptions) Stage() Name   { return Ideation }
func (HypothesisOptions) Stage() Name { return Hypothesis }
func (DesignOptions) Stage() Name     { return Design }
func (ExecutionOptions) Stage() Name  { return Execution }
func (AnalysisOptions) Stage() Name   { return Analysis }

// DecodeOptions parses a JSON option record for the named stage.
// Empty or null input yields nil options. Unknown fields are rejected.
func DecodeOptions(name Name, raw []byte) (Options, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	switch name {
	case Review:
		return decodeOptions[ReviewOptions](raw)
	case Ideation:
		return decodeOptions[IdeationOptions](raw)
	case Hypothesis:
		return decodeOptions[HypothesisOptions](raw)
	case Design:
		return decodeOptions[DesignOptions](raw)
	case Execution:
		return decodeOptions[ExecutionOptions](raw)
	case Analysis:
		return decodeOptions[AnalysisOptions](raw)
	default:
		return nil, fmt.Errorf("unknown stage %q", name)
	}
}

func decodeOptions[T Options](raw []byte) (Options, error) {
	var o T
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&o); err != nil {
		return nil, fmt.Errorf("decode %s options: %w", o.Stage(), err)
	}
	return o, nil
}

const (
	DefaultMaxPapers = 5
	DefaultNumIdeas  = 7
)

// Input is what every stage consumes.
type Input struct {
	Task      string  `json:"task"`
	ProjectID string  `json:"project_id"`
	Domain    string  `json:"domain"`
	Options   Options `json:"options,omitempty"`
}

// Output is what every stage produces. A failed stage sets Success=false,
// carries the cause in Results["error"] and only charges what it spent.
type Output struct {
	Success          bool                   `json:"success"`
	Results          map[string]interface{} `json:"results"`
	Artifacts        []string               `json:"artifacts"`
	Metadata         map[string]interface{} `json:"metadata"`
	EducationalNotes string                 `json:"educational_notes"`
	NextSteps        []string               `json:"next_steps"`
	TokensUsed       int64                  `json:"tokens_used"`
	CostUSD          float64                `json:"cost_usd"`
	// Err is the typed cause behind a failure.
	Err error `json:"-"`
}

// Error returns the failure message, or "" for a successful output.
func (o Output) Error() string {
	if o.Success {
		return ""
	}
	if msg, ok := o.Results["error"].(string); ok {
		return msg
	}
	if o.Err != nil {
		return o.Err.Error()
	}
	return "stage failed"
}

// Stage is a single pipeline step. Expected failures are reported through
// Output, never returned or panicked.
type Stage interface {
	Name() Name
	Execute(ctx context.Context, in Input) Output
}

// Ledger is the slice of the store the stages read and write.
type Ledger interface {
	AddPaper(ctx context.Context, p store.Paper) error
	ListPapers(ctx context.Context, projectID string) ([]store.Paper, error)
	AddHypothesis(ctx context.Context, h store.Hypothesis) error
	GetHypothesis(ctx context.Context, projectID, id string) (store.Hypothesis, bool, error)
	LatestHypothesis(ctx context.Context, projectID string) (store.Hypothesis, bool, error)
	AddDesign(ctx context.Context, d store.Design) error
	GetDesign(ctx context.Context, projectID, id string) (store.Design, bool, error)
	LatestDesign(ctx context.Context, projectID string) (store.Design, bool, error)
	AddRun(ctx context.Context, r store.Run) error
	TransitionRun(ctx context.Context, projectID, id string, upd store.RunUpdate) error
	GetRun(ctx context.Context, projectID, id string) (store.Run, bool, error)
	LatestRun(ctx context.Context, projectID string) (store.Run, bool, error)
	AddAnalysis(ctx context.Context, a store.Analysis) error
	LatestStageRun(ctx context.Context, projectID, stage string, status store.StageRunStatus) (store.StageRun, bool, error)
}

// Searcher finds candidate papers for a query.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]scholar.Paper, error)
}

// Sink receives a best-effort copy of stage output and returns a reference to it.
type Sink interface {
	Save(ctx context.Context, doc vault.Document) (string, error)
}

// Deps are the collaborators shared by all stages.
type Deps struct {
	Ledger    Ledger
	Completer llm.Completer
	Searcher  Searcher
	Sink      Sink
	Backend   ExecutionBackend
	// Parallelism bounds concurrent scoring completions. Zero means 4.
	Parallelism int
}

func (d Deps) parallelism() int {
	if d.Parallelism <= 0 {
		return 4
	}
	return d.Parallelism
}

func (d Deps) sink() Sink {
	if d.Sink == nil {
		return vault.Discard
	}
	return d.Sink
}

// All builds the full pipeline keyed by name.
func All(deps Deps) map[Name]Stage {
	return map[Name]Stage{
		Review:     NewReview(deps),
		Ideation:   NewIdeation(deps),
		Hypothesis: NewHypothesis(deps),
		Design:     NewDesign(deps),
		Execution:  NewExecution(deps),
		Analysis:   NewAnalysis(deps),
	}
}

var validate = validator.New()

// optionsFor extracts and validates the stage's own option record.
// A nil Options yields the zero record.
func optionsFor[T Options](in Input) (T, error) {
	var zero T
	if in.Options == nil {
		return zero, nil
	}
	if p, ok := in.Options.(interface{ deref() Options }); ok {
		if in.Options = p.deref(); in.Options == nil {
			return zero, nil
		}
	}
	opts, ok := in.Options.(T)
	if !ok {
		return zero, &OptionsError{Stage: zero.Stage(), Err: fmt.Errorf("options for %s stage cannot be applied", in.Options.Stage())}
	}
	if err := validate.Struct(opts); err != nil {
		return zero, &OptionsError{Stage: zero.Stage(), Err: err}
	}
	return opts, nil
}

func (o *ReviewOptions) deref() Options     { return derefOptions(o) }
func (o *IdeationOptions) deref() Options   { return derefOptions(o) }
func (o *HypothesisOptions) deref() Options { return derefOptions(o) }
func (o *DesignOptions) deref() Options     { return derefOptions(o) }
func (o *ExecutionOptions) deref() Options  { return derefOptions(o) }
func (o *AnalysisOptions) deref() Options   { return derefOptions(o) }

func derefOptions[T Options](o *T) Options {
	if o == nil {
		return nil
	}
	return *o
}

// run carries the per-execution state every stage needs.
type run struct {
	in     Input
	meter  *budget.Meter
	logger *log.Logger
}

func newRun(in Input, logger *log.Logger) *run {
	return &run{in: in, meter: budget.NewMeter(), logger: logger}
}

// complete calls the completer and charges the meter.
func (r *run) complete(ctx context.Context, c llm.Completer, prompt string, maxTokens int) (string, error) {
	res, err := c.Complete(ctx, prompt, maxTokens)
	if err != nil {
		return "", fmt.Errorf("completion failed: %w", err)
	}
	r.meter.Add(res.Tokens(), res.CostUSD)
	return res.Text, nil
}

func (r *run) fail(err error, notes string) Output {
	tokens, cost, _ := r.meter.Usage()
	return Output{
		Success:          false,
		Results:          map[string]interface{}{"error": err.Error()},
		Artifacts:        []string{},
		Metadata:         map[string]interface{}{},
		EducationalNotes: notes,
		NextSteps:        []string{},
		TokensUsed:       tokens,
		CostUSD:          cost,
		Err:              err,
	}
}

func (r *run) succeed(results, metadata map[string]interface{}, artifacts []string, notes string, next []string) Output {
	tokens, cost, _ := r.meter.Usage()
	if artifacts == nil {
		artifacts = []string{}
	}
	return Output{
		Success:          true,
		Results:          results,
		Artifacts:        artifacts,
		Metadata:         metadata,
		EducationalNotes: notes,
		NextSteps:        next,
		TokensUsed:       tokens,
		CostUSD:          cost,
	}
}

// save writes doc to the sink. Failures are logged and yield no artifact.
func (r *run) save(ctx context.Context, sink Sink, doc vault.Document) []string {
	path, err := sink.Save(ctx, doc)
	if err != nil {
		r.logger.Printf("warning: %v", &SinkWriteError{Title: doc.Title, Err: err})
		return nil
	}
	if path == "" {
		return nil
	}
	return []string{path}
}

func requireProject(in Input) error {
	if in.ProjectID == "" {
		return &MissingInputError{Field: "project_id"}
	}
	return nil
}

func stageLogger(prefix string) *log.Logger {
	return log.New(log.Writer(), prefix, log.LstdFlags)
}

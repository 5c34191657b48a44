package stage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/mohammad-safakhou/researcher/internal/store"
	"github.com/mohammad-safakhou/researcher/internal/vault"
)

const (
	defaultSignificance  = 0.05
	defaultMinEffectSize = 0.3
	defaultMinSampleSize = 100
)

var errNoIdeasInRun = errors.New("no ideas in ideation output")

// HypothesisStage converts one idea from the latest ideation run into a
// testable hypothesis.
type HypothesisStage struct {
	deps   Deps
	logger *log.Logger
}

func NewHypothesis(deps Deps) *HypothesisStage {
	return &HypothesisStage{deps: deps, logger: stageLogger("[HYPOTHESIS-STAGE] ")}
}

func (s *HypothesisStage) Name() Name { return Hypothesis }

// ideaSource resolves the idea list of the latest completed ideation run.
func (s *HypothesisStage) ideaSource() Predecessor[[]Idea] {
	return Predecessor[[]Idea]{
		Stage:    Hypothesis,
		Requires: Ideation,
		Kind:     "ideas",
		Latest: func(ctx context.Context, projectID string) ([]Idea, bool, error) {
			sr, ok, err := s.deps.Ledger.LatestStageRun(ctx, projectID, string(Ideation), store.StageRunCompleted)
			if err != nil || !ok {
				return nil, ok, err
			}
			var ideas []Idea
			if _, err := sr.DecodeResult("ideas", &ideas); err != nil {
				return nil, false, fmt.Errorf("decode ideas of stage run %d: %w", sr.ID, err)
			}
			return ideas, true, nil
		},
	}
}

type hypothesisPayload struct {
	Hypothesis     string `json:"hypothesis" validate:"required"`
	NullHypothesis string `json:"null_hypothesis"`
}

type variablesPayload struct {
	Independent stringList `json:"independent"`
	Dependent   stringList `json:"dependent"`
	Control     stringList `json:"control"`
}

type criteriaPayload struct {
	SignificanceLevel *float64               `json:"significance_level" validate:"omitempty,gt=0,lt=1"`
	MinimumEffectSize *float64               `json:"minimum_effect_size" validate:"omitempty,gte=0"`
	MinimumSampleSize *int                   `json:"minimum_sample_size" validate:"omitempty,gte=1"`
	Metrics           map[string]interface{} `json:"metrics"`
}

func (p criteriaPayload) criteria() store.SuccessCriteria {
	c := store.SuccessCriteria{
		SignificanceLevel: defaultSignificance,
		MinimumEffectSize: defaultMinEffectSize,
		MinimumSampleSize: defaultMinSampleSize,
		Metrics:           p.Metrics,
	}
	if p.SignificanceLevel != nil {
		c.SignificanceLevel = *p.SignificanceLevel
	}
	if p.MinimumEffectSize != nil {
		c.MinimumEffectSize = *p.MinimumEffectSize
	}
	if p.MinimumSampleSize != nil {
		c.MinimumSampleSize = *p.MinimumSampleSize
	}
	if c.Metrics == nil {
		c.Metrics = map[string]interface{}{}
	}
	return c
}

func (s *HypothesisStage) Execute(ctx context.Context, in Input) Output {
	r := newRun(in, s.logger)
	if err := requireProject(in); err != nil {
		return r.fail(err, "Hypothesis formation needs a project to work with.")
	}
	opts, err := optionsFor[HypothesisOptions](in)
	if err != nil {
		return r.fail(err, "")
	}

	ideas, err := Resolve(ctx, in.ProjectID, "", s.ideaSource())
	if err != nil {
		return r.fail(err, "Run the ideation stage first to generate ideas.")
	}
	if len(ideas) == 0 {
		return r.fail(errNoIdeasInRun, "The latest ideation run produced no ideas.")
	}
	idea := ideas[0]
	if opts.IdeaTitle != "" {
		found := false
		for _, candidate := range ideas {
			if candidate.Title == opts.IdeaTitle {
				idea, found = candidate, true
				break
			}
		}
		if !found {
			return r.fail(&NotFoundError{Kind: "idea", ID: opts.IdeaTitle}, "Specify a valid idea title from the ideation output.")
		}
	}
	s.logger.Printf("forming hypothesis from idea %q", idea.Title)

	hyp, err := s.generateHypothesis(ctx, r, idea, in.Domain)
	if err != nil {
		return r.fail(err, "")
	}
	vars, err := s.identifyVariables(ctx, r, hyp.Hypothesis, in.Domain)
	if err != nil {
		return r.fail(err, "")
	}
	criteria, err := s.defineCriteria(ctx, r, hyp.Hypothesis, vars.Dependent.values(), in.Domain)
	if err != nil {
		return r.fail(err, "")
	}

	ideaScores := map[string]interface{}{
		"novelty":     idea.NoveltyScore,
		"feasibility": idea.FeasibilityScore,
		"impact":      idea.ImpactScore,
	}
	rec := store.Hypothesis{
		ID:              store.NewID("hyp"),
		ProjectID:       in.ProjectID,
		SourceIdeaTitle: idea.Title,
		Text:            hyp.Hypothesis,
		NullHypothesis:  hyp.NullHypothesis,
		IndependentVars: vars.Independent.values(),
		DependentVars:   vars.Dependent.values(),
		ControlVars:     vars.Control.values(),
		SuccessCriteria: criteria,
		Status:          store.HypothesisPending,
		Metadata:        map[string]interface{}{"idea_scores": ideaScores},
	}
	if err := s.deps.Ledger.AddHypothesis(ctx, rec); err != nil {
		return r.fail(fmt.Errorf("save hypothesis: %w", err), "")
	}

	variables := map[string]interface{}{
		"independent": rec.IndependentVars,
		"dependent":   rec.DependentVars,
		"control":     rec.ControlVars,
	}
	artifacts := r.save(ctx, s.deps.sink(), vault.Document{
		ProjectID: in.ProjectID,
		Kind:      "hypotheses",
		Title:     rec.ID,
		FrontMatter: map[string]interface{}{
			"hypothesis_id": rec.ID,
			"idea":          idea.Title,
			"status":        string(rec.Status),
		},
		Body: hypothesisMarkdown(rec),
	})

	return r.succeed(
		map[string]interface{}{
			"hypothesis_id":    rec.ID,
			"hypothesis":       rec.Text,
			"null_hypothesis":  rec.NullHypothesis,
			"variables":        variables,
			"success_criteria": rec.SuccessCriteria,
			"idea_source":      idea.Title,
		},
		map[string]interface{}{
			"project_id":    in.ProjectID,
			"hypothesis_id": rec.ID,
			"idea_scores":   ideaScores,
		},
		artifacts,
		hypothesisNotes(rec),
		[]string{
			"Review the hypothesis in your Obsidian vault",
			"Validate that variables are measurable",
			"Run the design stage for this hypothesis",
			"Consider ethical implications",
		},
	)
}

func (s *HypothesisStage) generateHypothesis(ctx context.Context, r *run, idea Idea, domain string) (hypothesisPayload, error) {
	title := sanitize(idea.Title, 150)
	description := sanitize(idea.Description, 400)
	prompt := fmt.Sprintf(`Convert this research idea into a testable hypothesis.

Domain: %s

Research Idea:
**Title**: %s
**Description**: %s
**Proposed Approach**: %s

Generate:
1. **Hypothesis** (H1): A clear, testable statement predicting a specific relationship
2. **Null Hypothesis** (H0): The statement that there is no effect/relationship

Respond with JSON:
{"hypothesis": "If X, then Y because Z", "null_hypothesis": "X has no effect on Y"}

Respond with ONLY valid JSON, no other text.`, sanitize(domain, 50), title, description, sanitize(idea.Approach, 300))
	out, err := r.complete(ctx, s.deps.Completer, prompt, 500)
	if err != nil {
		return hypothesisPayload{}, err
	}
	fallback := hypothesisPayload{
		Hypothesis:     fmt.Sprintf("Investigating %s will reveal significant insights about %s", title, truncate(description, 50)),
		NullHypothesis: "No significant effect will be observed",
	}
	hyp, perr := parseStructured(out, fallback)
	if perr != nil {
		s.logger.Printf("warning: %v; using fallback hypothesis", perr)
	}
	return hyp, nil
}

func (s *HypothesisStage) identifyVariables(ctx context.Context, r *run, hypothesis, domain string) (variablesPayload, error) {
	prompt := fmt.Sprintf(`Identify the variables for this hypothesis.

Domain: %s
Hypothesis: %s

Identify:
1. **Independent Variables** (IV): What you manipulate/change
2. **Dependent Variables** (DV): What you measure as outcome
3. **Control Variables**: What you keep constant

Respond with JSON:
{"independent": ["variable 1"], "dependent": ["outcome 1"], "control": ["factor 1"]}

Respond with ONLY valid JSON, no other text.`, sanitize(domain, 50), sanitize(hypothesis, 300))
	out, err := r.complete(ctx, s.deps.Completer, prompt, 400)
	if err != nil {
		return variablesPayload{}, err
	}
	fallback := variablesPayload{
		Independent: stringList{"treatment_condition"},
		Dependent:   stringList{"outcome_metric"},
		Control:     stringList{"baseline_factors"},
	}
	vars, perr := parseStructured(out, fallback)
	if perr != nil {
		s.logger.Printf("warning: %v; using fallback variables", perr)
	}
	return vars, nil
}

func (s *HypothesisStage) defineCriteria(ctx context.Context, r *run, hypothesis string, dependent []string, domain string) (store.SuccessCriteria, error) {
	prompt := fmt.Sprintf(`Define success criteria for testing this hypothesis.

Domain: %s
Hypothesis: %s
Dependent Variables: %s

Define the p-value threshold, the minimum meaningful effect size, the minimum
sample size and how to measure each dependent variable quantitatively.

Respond with JSON:
{"significance_level": 0.05, "minimum_effect_size": 0.3, "minimum_sample_size": 100, "metrics": {"metric_name": "measurement_method"}}

Respond with ONLY valid JSON, no other text.`, sanitize(domain, 50), sanitize(hypothesis, 300), strings.Join(dependent, ", "))
	out, err := r.complete(ctx, s.deps.Completer, prompt, 400)
	if err != nil {
		return store.SuccessCriteria{}, err
	}
	parsed, perr := parseStructured(out, criteriaPayload{})
	if perr != nil {
		s.logger.Printf("warning: %v; using default criteria", perr)
		c := parsed.criteria()
		c.Metrics = map[string]interface{}{"primary_outcome": "measure_change"}
		return c, nil
	}
	return parsed.criteria(), nil
}

func hypothesisMarkdown(h store.Hypothesis) string {
	return fmt.Sprintf(`**Source idea**: %s

## H1
%s

## H0
%s

## Variables
- **Independent**: %s
- **Dependent**: %s
- **Control**: %s

## Success Criteria
- Significance level: %v
- Minimum effect size: %v
- Minimum sample size: %d
`, h.SourceIdeaTitle, h.Text, h.NullHypothesis,
		strings.Join(h.IndependentVars, ", "), strings.Join(h.DependentVars, ", "), strings.Join(h.ControlVars, ", "),
		h.SuccessCriteria.SignificanceLevel, h.SuccessCriteria.MinimumEffectSize, h.SuccessCriteria.MinimumSampleSize)
}

func hypothesisNotes(h store.Hypothesis) string {
	return fmt.Sprintf(`**What just happened:**

Converted the idea %q into a testable hypothesis with a null hypothesis, %d independent, %d dependent and %d control variable(s).

**The Hypothesis:**
%s

**Success Criteria:**
- Statistical significance: p < %v
- Minimum effect size: %v
- Minimum sample size: %d

**Next step:** the design stage turns this into a concrete experiment. Check that every variable can actually be measured with the resources you have.`,
		h.SourceIdeaTitle, len(h.IndependentVars), len(h.DependentVars), len(h.ControlVars), h.Text,
		h.SuccessCriteria.SignificanceLevel, h.SuccessCriteria.MinimumEffectSize, h.SuccessCriteria.MinimumSampleSize)
}

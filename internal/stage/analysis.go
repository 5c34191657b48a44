package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"strings"

	"github.com/mohammad-safakhou/researcher/internal/store"
	"github.com/mohammad-safakhou/researcher/internal/vault"
)

// Decision labels.
const (
	DecisionAccept       = "ACCEPT - Strong evidence supports hypothesis"
	DecisionAcceptWeak   = "ACCEPT (weak) - Statistically significant but small effect"
	DecisionInconclusive = "INCONCLUSIVE - Marginally significant, needs more data"
	DecisionReject       = "REJECT - Insufficient evidence to support hypothesis"
)

const marginalPValue = 0.1

// Decide maps test statistics to a decision label.
func Decide(pValue, significance, effectSize, minEffect float64) string {
	significant := pValue < significance
	switch {
	case significant && math.Abs(effectSize) >= minEffect:
		return DecisionAccept
	case significant:
		return DecisionAcceptWeak
	case pValue < marginalPValue:
		return DecisionInconclusive
	default:
		return DecisionReject
	}
}

// Statistics are the simulated test results derived from a run's metrics.
type Statistics struct {
	PValue                   float64                  `json:"p_value"`
	SignificanceLevel        float64                  `json:"significance_level"`
	EffectSize               float64                  `json:"effect_size"`
	ConfidenceInterval       store.ConfidenceInterval `json:"confidence_interval"`
	SampleSize               int                      `json:"sample_size"`
	StatisticallySignificant bool                     `json:"statistically_significant"`
}

// Summarize derives statistics from the mean of the metrics block. An empty
// block counts as a mean of 0.5.
func Summarize(res store.RunResults, criteria store.SuccessCriteria) Statistics {
	mean := 0.5
	if len(res.Metrics) > 0 {
		var sum float64
		for _, v := range res.Metrics {
			sum += v
		}
		mean = sum / float64(len(res.Metrics))
	}
	p := 0.15
	if mean > 0.7 {
		p = 0.03
	}
	sig := criteria.SignificanceLevel
	if sig <= 0 {
		sig = defaultSignificance
	}
	return Statistics{
		PValue:                   p,
		SignificanceLevel:        sig,
		EffectSize:               (mean - 0.5) * 2,
		ConfidenceInterval:       store.ConfidenceInterval{Lower: mean - 0.05, Upper: mean + 0.05},
		SampleSize:               res.SamplesProcessed,
		StatisticallySignificant: p < sig,
	}
}

// AnalysisStage judges a completed run against its hypothesis.
type AnalysisStage struct {
	deps   Deps
	logger *log.Logger
}

func NewAnalysis(deps Deps) *AnalysisStage {
	return &AnalysisStage{deps: deps, logger: stageLogger("[ANALYSIS-STAGE] ")}
}

func (s *AnalysisStage) Name() Name { return Analysis }

func (s *AnalysisStage) runs() Predecessor[store.Run] {
	return Predecessor[store.Run]{
		Stage:    Analysis,
		Requires: Execution,
		Kind:     "completed experiment run",
		Get:      s.deps.Ledger.GetRun,
		Latest:   s.deps.Ledger.LatestRun,
	}
}

func (s *AnalysisStage) Execute(ctx context.Context, in Input) Output {
	r := newRun(in, s.logger)
	if err := requireProject(in); err != nil {
		return r.fail(err, "Results analysis needs a project to work with.")
	}
	opts, err := optionsFor[AnalysisOptions](in)
	if err != nil {
		return r.fail(err, "")
	}
	exp, err := Resolve(ctx, in.ProjectID, opts.RunID, s.runs())
	if err != nil {
		return r.fail(err, "Run the execution stage first.")
	}
	if exp.Status != store.RunCompleted || exp.ResultsData == nil {
		return r.fail(&NoPredecessorError{Stage: Analysis, Requires: Execution, Kind: "completed experiment run"},
			fmt.Sprintf("Run %s is %s. Run the execution stage first.", exp.ID, exp.Status))
	}

	design, ok, err := s.deps.Ledger.GetDesign(ctx, in.ProjectID, exp.DesignID)
	if err != nil {
		return r.fail(fmt.Errorf("load design %s: %w", exp.DesignID, err), "")
	}
	if !ok {
		return r.fail(&DatabaseInconsistencyError{Kind: "design", ID: exp.DesignID, For: "run " + exp.ID}, "Database inconsistency detected.")
	}
	hyp, ok, err := s.deps.Ledger.GetHypothesis(ctx, in.ProjectID, design.HypothesisID)
	if err != nil {
		return r.fail(fmt.Errorf("load hypothesis %s: %w", design.HypothesisID, err), "")
	}
	if !ok {
		return r.fail(&DatabaseInconsistencyError{Kind: "hypothesis", ID: design.HypothesisID, For: "run " + exp.ID}, "Database inconsistency detected.")
	}

	stats := Summarize(*exp.ResultsData, hyp.SuccessCriteria)
	insights, err := s.generateInsights(ctx, r, hyp, *exp.ResultsData, stats, in.Domain)
	if err != nil {
		return r.fail(err, "")
	}
	decision := Decide(stats.PValue, stats.SignificanceLevel, stats.EffectSize, hyp.SuccessCriteria.MinimumEffectSize)
	s.logger.Printf("run %s: %s", exp.ID, decision)

	p, effect, ci := stats.PValue, stats.EffectSize, stats.ConfidenceInterval
	rec := store.Analysis{
		ID:                 store.NewID("analysis"),
		RunID:              exp.ID,
		ProjectID:          in.ProjectID,
		HypothesisID:       hyp.ID,
		Decision:           decision,
		PValue:             &p,
		EffectSize:         &effect,
		ConfidenceInterval: &ci,
		Insights:           insights,
		Visualizations:     []string{},
		Status:             "completed",
		Metadata:           map[string]interface{}{"domain": in.Domain},
	}
	if err := s.deps.Ledger.AddAnalysis(ctx, rec); err != nil {
		return r.fail(fmt.Errorf("save analysis: %w", err), "")
	}

	artifacts := r.save(ctx, s.deps.sink(), vault.Document{
		ProjectID: in.ProjectID,
		Kind:      "analyses",
		Title:     rec.ID,
		FrontMatter: map[string]interface{}{
			"analysis_id": rec.ID,
			"run_id":      exp.ID,
			"decision":    decision,
			"p_value":     p,
			"effect_size": effect,
		},
		Body: fmt.Sprintf("**Hypothesis**: %s\n\n## Decision\n\n%s\n\n## Metrics\n\n%s\n\n## Insights\n\n%s\n",
			hyp.Text, decision, metricsList(exp.ResultsData.Metrics), insights),
	})

	return r.succeed(
		map[string]interface{}{
			"analysis_id":               rec.ID,
			"run_id":                    exp.ID,
			"hypothesis_id":             hyp.ID,
			"decision":                  decision,
			"p_value":                   p,
			"effect_size":               effect,
			"confidence_interval":       ci,
			"statistically_significant": stats.StatisticallySignificant,
			"insights":                  insights,
		},
		map[string]interface{}{
			"project_id":  in.ProjectID,
			"analysis_id": rec.ID,
			"run_id":      exp.ID,
		},
		artifacts,
		analysisNotes(decision, stats),
		[]string{
			"Review analysis in Obsidian vault",
			"Interpret results in context of domain knowledge",
			"Consider limitations and future work",
			"Document findings and next research directions",
		},
	)
}

func (s *AnalysisStage) generateInsights(ctx context.Context, r *run, h store.Hypothesis, res store.RunResults, stats Statistics, domain string) (string, error) {
	metrics, err := json.Marshal(res.Metrics)
	if err != nil {
		return "", fmt.Errorf("encode metrics: %w", err)
	}
	prompt := fmt.Sprintf(`Analyze these experimental results and generate insights.

Domain: %s
Hypothesis: %s

Results:
- P-value: %.4f
- Effect Size: %.3f
- Metrics: %s

Provide:
1. **Interpretation**: What do these results mean?
2. **Implications**: What are the practical implications?
3. **Limitations**: What are the limitations of this study?
4. **Future Work**: What should be investigated next?

Write a comprehensive analysis (3-4 paragraphs).`,
		sanitize(domain, 50), sanitize(h.Text, 200), stats.PValue, stats.EffectSize, metrics)
	out, err := r.complete(ctx, s.deps.Completer, prompt, 1000)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func analysisNotes(decision string, st Statistics) string {
	size := "large"
	switch e := math.Abs(st.EffectSize); {
	case e < 0.3:
		size = "small"
	case e < 0.6:
		size = "medium"
	}
	significant := "No"
	if st.StatisticallySignificant {
		significant = "Yes"
	}
	return fmt.Sprintf(`**What just happened:**

Tested the experiment results against the hypothesis success criteria and asked for an interpretation.

**Statistical Results:**
- **P-value**: %.4f (significance threshold: %v)
- **Effect Size**: %.3f (%s)
- **Statistically Significant**: %s

**Decision: %s**

Statistical significance tells you whether an effect exists. Effect size tells you how strong it is. Both are needed for a meaningful conclusion.`,
		st.PValue, st.SignificanceLevel, st.EffectSize, size, significant, decision)
}

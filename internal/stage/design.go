package stage

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"strings"
	"text/template"

	"github.com/mohammad-safakhou/researcher/internal/store"
	"github.com/mohammad-safakhou/researcher/internal/vault"
)

const defaultMinSamples = 1000

// DesignStage plans an experiment for a hypothesis.
type DesignStage struct {
	deps   Deps
	logger *log.Logger
}

func NewDesign(deps Deps) *DesignStage {
	return &DesignStage{deps: deps, logger: stageLogger("[DESIGN-STAGE] ")}
}

func (s *DesignStage) Name() Name { return Design }

func (s *DesignStage) hypotheses() Predecessor[store.Hypothesis] {
	return Predecessor[store.Hypothesis]{
		Stage:    Design,
		Requires: Hypothesis,
		Kind:     "hypothesis",
		Get:      s.deps.Ledger.GetHypothesis,
		Latest:   s.deps.Ledger.LatestHypothesis,
	}
}

type dataRequirementsPayload struct {
	DatasetSource    string     `json:"dataset_source"`
	MinSamples       *int       `json:"min_samples" validate:"omitempty,gte=0"`
	RequiredFeatures stringList `json:"required_features"`
	DataFormat       string     `json:"data_format"`
}

func (p dataRequirementsPayload) requirements() store.DataRequirements {
	req := store.DataRequirements{
		DatasetSource:    p.DatasetSource,
		MinSamples:       defaultMinSamples,
		RequiredFeatures: p.RequiredFeatures.values(),
		DataFormat:       p.DataFormat,
	}
	if p.MinSamples != nil {
		req.MinSamples = *p.MinSamples
	}
	return req
}

var fallbackDataRequirements = dataRequirementsPayload{
	DatasetSource:    "synthetic_data",
	RequiredFeatures: stringList{"input", "output"},
	DataFormat:       "CSV",
}

func (s *DesignStage) Execute(ctx context.Context, in Input) Output {
	r := newRun(in, s.logger)
	if err := requireProject(in); err != nil {
		return r.fail(err, "Experiment design needs a project to work with.")
	}
	opts, err := optionsFor[DesignOptions](in)
	if err != nil {
		return r.fail(err, "")
	}
	hyp, err := Resolve(ctx, in.ProjectID, opts.HypothesisID, s.hypotheses())
	if err != nil {
		return r.fail(err, "Run the hypothesis stage first.")
	}
	s.logger.Printf("designing experiment for %s", hyp.ID)

	methodology, err := s.designMethodology(ctx, r, hyp, in.Domain)
	if err != nil {
		return r.fail(err, "")
	}
	dataReq, err := s.defineDataRequirements(ctx, r, hyp, methodology)
	if err != nil {
		return r.fail(err, "")
	}
	resources := EstimateResources(dataReq.MinSamples)
	code, err := RenderCodeTemplate(hyp, dataReq)
	if err != nil {
		return r.fail(fmt.Errorf("render code template: %w", err), "")
	}

	rec := store.Design{
		ID:               store.NewID("exp"),
		HypothesisID:     hyp.ID,
		ProjectID:        in.ProjectID,
		Methodology:      methodology,
		DataRequirements: dataReq,
		CodeTemplate:     code,
		ResourceEstimate: resources,
		Platform:         resources.Platform,
		Status:           store.DesignDraft,
		Metadata:         map[string]interface{}{"domain": in.Domain},
	}
	if err := s.deps.Ledger.AddDesign(ctx, rec); err != nil {
		return r.fail(fmt.Errorf("save design: %w", err), "")
	}

	artifacts := r.save(ctx, s.deps.sink(), vault.Document{
		ProjectID: in.ProjectID,
		Kind:      "experiments",
		Title:     rec.ID,
		FrontMatter: map[string]interface{}{
			"design_id":     rec.ID,
			"hypothesis_id": hyp.ID,
			"min_samples":   dataReq.MinSamples,
			"compute_time":  resources.EstimatedComputeTime,
		},
		Body: fmt.Sprintf("**Hypothesis**: %s\n\n## Methodology\n\n%s\n\n## Code\n\n```python\n%s```\n", hyp.Text, methodology, code),
	})

	return r.succeed(
		map[string]interface{}{
			"design_id":          rec.ID,
			"hypothesis_id":      hyp.ID,
			"methodology":        methodology,
			"data_requirements":  dataReq,
			"resource_estimates": resources,
			"code_ready":         true,
		},
		map[string]interface{}{
			"project_id":    in.ProjectID,
			"design_id":     rec.ID,
			"hypothesis_id": hyp.ID,
		},
		artifacts,
		designNotes(hyp, dataReq, resources),
		[]string{
			"Review experiment design in Obsidian",
			"Verify data requirements are feasible",
			"Run the execution stage for this design",
			"Ensure compute resources are available",
		},
	)
}

func (s *DesignStage) designMethodology(ctx context.Context, r *run, h store.Hypothesis, domain string) (string, error) {
	prompt := fmt.Sprintf(`Design an experimental methodology to test this hypothesis.

Domain: %s
Hypothesis: %s
Independent Variables: %s
Dependent Variables: %s

Describe:
1. **Experimental Design Type**: (e.g., A/B test, controlled experiment, observational study)
2. **Procedure**: Step-by-step process
3. **Controls**: How to isolate effects
4. **Measurements**: When and how to measure DVs

Write a clear, detailed methodology description (2-3 paragraphs).`,
		sanitize(domain, 50), sanitize(h.Text, 300), strings.Join(h.IndependentVars, ", "), strings.Join(h.DependentVars, ", "))
	out, err := r.complete(ctx, s.deps.Completer, prompt, 800)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (s *DesignStage) defineDataRequirements(ctx context.Context, r *run, h store.Hypothesis, methodology string) (store.DataRequirements, error) {
	prompt := fmt.Sprintf(`Define data requirements for this experiment.

Hypothesis: %s
Methodology: %s

Specify the dataset name or source, the minimum number of samples, the required
features and the data format.

Respond with JSON:
{"dataset_source": "name or URL", "min_samples": 1000, "required_features": ["feature1", "feature2"], "data_format": "CSV"}

Respond with ONLY valid JSON.`, sanitize(h.Text, 200), sanitize(methodology, 300))
	out, err := r.complete(ctx, s.deps.Completer, prompt, 400)
	if err != nil {
		return store.DataRequirements{}, err
	}
	parsed, perr := parseStructured(out, fallbackDataRequirements)
	if perr != nil {
		s.logger.Printf("warning: %v; using synthetic data requirements", perr)
	}
	return parsed.requirements(), nil
}

// EstimateResources buckets compute needs by sample count.
func EstimateResources(minSamples int) store.ResourceEstimate {
	est := store.ResourceEstimate{Platform: "local", MemoryGB: 4, StorageGB: 1}
	switch {
	case minSamples < 1000:
		est.EstimatedComputeTime = "< 5 minutes"
	case minSamples < 10000:
		est.EstimatedComputeTime = "5-30 minutes"
	default:
		est.EstimatedComputeTime = "30-120 minutes"
		est.EstimatedCostUSD = 0.1
	}
	return est
}

var codeTemplate = template.Must(template.New("experiment").Parse(`"""
Experiment: {{.Title}}...
"""

import json
from pathlib import Path

import numpy as np
import pandas as pd

DATA_SOURCE = "{{.DataSource}}"
SAMPLE_SIZE = {{.SampleSize}}

# Independent Variables: {{.Independent}}
# Dependent Variables: {{.Dependent}}


def load_data():
    """Load and prepare data."""
    data = pd.DataFrame()
    return data


def run_experiment():
    """Execute the experiment."""
    data = load_data()
    # 1. Manipulate independent variables
    # 2. Measure dependent variables
    # 3. Record results
    results = {
        "sample_size": len(data),
        "metrics": {},
    }
    return results


def save_results(results):
    """Save experimental results."""
    output_path = Path("results") / "experiment_results.json"
    output_path.parent.mkdir(exist_ok=True)
    with open(output_path, "w") as f:
        json.dump(results, f, indent=2)


if __name__ == "__main__":
    save_results(run_experiment())
`))

// RenderCodeTemplate produces the experiment scaffold. Output depends only on its inputs.
func RenderCodeTemplate(h store.Hypothesis, req store.DataRequirements) (string, error) {
	source := req.DatasetSource
	if source == "" {
		source = "data.csv"
	}
	var buf bytes.Buffer
	err := codeTemplate.Execute(&buf, map[string]interface{}{
		"Title":       strings.ReplaceAll(truncate(h.Text, 60), `"""`, `'''`),
		"DataSource":  strings.ReplaceAll(source, `"`, `\"`),
		"SampleSize":  req.MinSamples,
		"Independent": strings.Join(h.IndependentVars, ", "),
		"Dependent":   strings.Join(h.DependentVars, ", "),
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

func designNotes(h store.Hypothesis, req store.DataRequirements, res store.ResourceEstimate) string {
	return fmt.Sprintf(`**What just happened:**

Designed an experiment for %q: methodology, data requirements, a resource estimate and a Python scaffold.

**Data Requirements:**
- **Source**: %s
- **Samples**: %d minimum
- **Features**: %d required

**Resources Needed:**
- **Compute Time**: %s
- **Cost**: $%.2f
- **Platform**: %s

**Next step:** the execution stage runs this design. Adapt the code scaffold to your real data source first.`,
		truncate(h.Text, 80), req.DatasetSource, req.MinSamples, len(req.RequiredFeatures),
		res.EstimatedComputeTime, res.EstimatedCostUSD, res.Platform)
}

package stage

import (
	"strings"
	"testing"

	"github.com/mohammad-safakhou/researcher/internal/store"
)

func TestEstimateResources(t *testing.T) {
	cases := []struct {
		samples int
		time    string
		cost    float64
	}{
		{0, "< 5 minutes", 0},
		{999, "< 5 minutes", 0},
		{1000, "5-30 minutes", 0},
		{9999, "5-30 minutes", 0},
		{10000, "30-120 minutes", 0.1},
	}
	for _, tc := range cases {
		got := EstimateResources(tc.samples)
		if got.EstimatedComputeTime != tc.time || got.EstimatedCostUSD != tc.cost {
			t.Fatalf("EstimateResources(%d) = %+v", tc.samples, got)
		}
		if got.Platform != "local" || got.MemoryGB != 4 || got.StorageGB != 1 {
			t.Fatalf("unexpected fixed fields %+v", got)
		}
	}
}

func TestRenderCodeTemplate(t *testing.T) {
	h := store.Hypothesis{
		Text:            "Sparse attention keeps accuracy on long documents while cutting memory use in half",
		IndependentVars: []string{"sparsity"},
		DependentVars:   []string{"accuracy", "memory"},
	}
	req := store.DataRequirements{MinSamples: 500}
	first, err := RenderCodeTemplate(h, req)
	if err != nil {
		t.Fatalf("RenderCodeTemplate: %v", err)
	}
	second, _ := RenderCodeTemplate(h, req)
	if first != second {
		t.Fatalf("rendering must be deterministic")
	}
	for _, want := range []string{
		`DATA_SOURCE = "data.csv"`,
		"SAMPLE_SIZE = 500",
		"# Independent Variables: sparsity",
		"# Dependent Variables: accuracy, memory",
		"Experiment: " + truncate(h.Text, 60) + "...",
	} {
		if !strings.Contains(first, want) {
			t.Fatalf("template missing %q:\n%s", want, first)
		}
	}

	req.DatasetSource = `wiki"text`
	out, _ := RenderCodeTemplate(h, req)
	if !strings.Contains(out, `DATA_SOURCE = "wiki\"text"`) {
		t.Fatalf("data source not escaped:\n%s", out)
	}
}

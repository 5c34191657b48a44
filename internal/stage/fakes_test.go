package stage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/mohammad-safakhou/researcher/internal/llm"
	"github.com/mohammad-safakhou/researcher/internal/scholar"
	"github.com/mohammad-safakhou/researcher/internal/store"
	"github.com/mohammad-safakhou/researcher/internal/vault"
)

// scriptedCompleter answers by the first rule whose marker appears in the prompt.
type scriptedCompleter struct {
	mu    sync.Mutex
	rules []rule
	calls []string
}

type rule struct {
	marker string
	reply  func(prompt string) (string, error)
}

func (c *scriptedCompleter) on(marker, reply string) *scriptedCompleter {
	c.rules = append(c.rules, rule{marker: marker, reply: func(string) (string, error) { return reply, nil }})
	return c
}

func (c *scriptedCompleter) onFunc(marker string, fn func(prompt string) (string, error)) *scriptedCompleter {
	c.rules = append(c.rules, rule{marker: marker, reply: fn})
	return c
}

func (c *scriptedCompleter) Complete(_ context.Context, prompt string, _ int) (llm.Completion, error) {
	c.mu.Lock()
	c.calls = append(c.calls, prompt)
	c.mu.Unlock()
	for _, r := range c.rules {
		if strings.Contains(prompt, r.marker) {
			text, err := r.reply(prompt)
			if err != nil {
				return llm.Completion{}, err
			}
			return llm.Completion{Text: text, PromptTokens: 10, CompletionTokens: 5, CostUSD: 0.001}, nil
		}
	}
	return llm.Completion{}, errors.New("no scripted reply")
}

func (c *scriptedCompleter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

type fakeSearcher struct {
	papers []scholar.Paper
	err    error
	limit  int
}

func (s *fakeSearcher) Search(_ context.Context, _ string, limit int) ([]scholar.Paper, error) {
	s.limit = limit
	return s.papers, s.err
}

type failingSink struct{}

func (failingSink) Save(context.Context, vault.Document) (string, error) {
	return "", errors.New("disk full")
}

type failingBackend struct{}

func (failingBackend) Run(context.Context, store.Design) (store.RunResults, error) {
	return store.RunResults{}, errors.New("container exited 137")
}

const ideaBatch = `[
 {"title":"Idea A","description":"desc a","approach":"app a","why_novel":"n a","potential_impact":"i a","resources_needed":"r a","risks":"k a"},
 {"title":"Idea B","description":"desc b","approach":"app b","why_novel":"n b","potential_impact":"i b","resources_needed":"r b","risks":"k b"},
 {"title":"Idea C","description":"desc c","approach":"app c","why_novel":"n c","potential_impact":"i c","resources_needed":"r c","risks":"k c"}
]`

// pipelineCompleter scripts a full happy-path run.
func pipelineCompleter() *scriptedCompleter {
	c := &scriptedCompleter{}
	c.on("Rate the relevance", "8.0").
		on("key concepts", "- sparse attention\n- long context").
		on("identify research gaps", "Gap: quadratic cost.").
		on("novel research ideas", "```json\n"+ideaBatch+"\n```").
		onFunc("Score this research idea", func(prompt string) (string, error) {
			switch {
			case strings.Contains(prompt, "Idea B"):
				return "9,9,9", nil
			case strings.Contains(prompt, "Idea C"):
				return "3,3,3", nil
			default:
				return "6,6,6", nil
			}
		}).
		on("Convert this research idea", `{"hypothesis":"Sparse attention keeps accuracy","null_hypothesis":"No difference"}`).
		on("Identify the variables", `{"independent":["sparsity"],"dependent":["accuracy"],"control":["seed"]}`).
		on("Define success criteria", `{"significance_level":0.05,"minimum_effect_size":0.3,"minimum_sample_size":100,"metrics":{"accuracy":"held-out"}}`).
		on("experimental methodology", "A controlled experiment.").
		on("Define data requirements", `{"dataset_source":"wikitext","min_samples":500,"required_features":["text"],"data_format":"CSV"}`).
		on("Analyze these experimental results", "The results support the hypothesis.")
	return c
}

func twoPapers() []scholar.Paper {
	return []scholar.Paper{
		{PaperID: "p1", Title: "Sparse Transformers", Abstract: "We study sparse attention.", Authors: []scholar.Author{{Name: "R. Child"}}},
		{PaperID: "p2", Title: "Longformer", Abstract: "Long documents.", Authors: []scholar.Author{{Name: "I. Beltagy"}}},
	}
}

func newProject(t *testing.T, ledger *store.MemoryStore, id string) {
	t.Helper()
	if _, err := ledger.CreateProject(context.Background(), id, "Test", "machine_learning", nil); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
}

// logStage records out the way the workflow runner does.
func logStage(t *testing.T, ledger *store.MemoryStore, projectID string, name Name, out Output) {
	t.Helper()
	status := store.StageRunCompleted
	if !out.Success {
		status = store.StageRunFailed
	}
	if _, err := ledger.LogStageRun(context.Background(), store.StageRun{
		ProjectID: projectID, Stage: string(name), Status: status,
		TokensUsed: out.TokensUsed, CostUSD: out.CostUSD, Results: out.Results,
	}); err != nil {
		t.Fatalf("LogStageRun: %v", err)
	}
}

// fixedBackend reports canned results without error.
type fixedBackend struct {
	results store.RunResults
}

func (b fixedBackend) Run(context.Context, store.Design) (store.RunResults, error) {
	return b.results, nil
}

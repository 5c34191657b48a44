package stage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/mohammad-safakhou/researcher/internal/scholar"
	"github.com/mohammad-safakhou/researcher/internal/store"
	"github.com/mohammad-safakhou/researcher/internal/vault"
	"golang.org/x/sync/errgroup"
)

const (
	noAbstractScore    = 3.0
	conceptPaperCount  = 5
	conceptAbstractLen = 300
)

var errNoPapers = errors.New("no papers found")

// ReviewStage searches the literature, scores each candidate for relevance
// and keeps the best.
type ReviewStage struct {
	deps   Deps
	logger *log.Logger
}

func NewReview(deps Deps) *ReviewStage {
	return &ReviewStage{deps: deps, logger: stageLogger("[REVIEW-STAGE] ")}
}

func (s *ReviewStage) Name() Name { return Review }

func (s *ReviewStage) Execute(ctx context.Context, in Input) Output {
	r := newRun(in, s.logger)
	if err := requireProject(in); err != nil {
		return r.fail(err, "Literature review needs a project to store papers in.")
	}
	query := strings.TrimSpace(in.Task)
	if query == "" {
		return r.fail(&MissingInputError{Field: "task"}, "Provide a research query to search for.")
	}
	opts, err := optionsFor[ReviewOptions](in)
	if err != nil {
		return r.fail(err, "")
	}
	maxPapers := opts.MaxPapers
	if maxPapers == 0 {
		maxPapers = DefaultMaxPapers
	}

	s.logger.Printf("searching literature for %q", query)
	candidates, err := s.deps.Searcher.Search(ctx, query, maxPapers*2)
	if err != nil {
		s.logger.Printf("search failed: %v", err)
		candidates = nil
	}
	if len(candidates) > maxPapers*2 {
		candidates = candidates[:maxPapers*2]
	}
	if len(candidates) == 0 {
		return r.fail(errNoPapers, "Try a more specific or different query.")
	}

	scored := make([]store.Paper, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.deps.parallelism())
	for i, c := range candidates {
		i, c := i, c
		g.Go(func() error {
			score, err := s.scoreRelevance(gctx, r, c, query)
			if err != nil {
				return fmt.Errorf("score %q: %w", c.Title, err)
			}
			scored[i] = store.Paper{
				ID:             c.PaperID,
				Title:          c.Title,
				Authors:        c.AuthorNames(),
				Abstract:       c.Abstract,
				PublishedDate:  c.PublicationDate,
				URL:            c.URL,
				RelevanceScore: score,
				ProjectID:      in.ProjectID,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return r.fail(err, "Relevance scoring failed. Tokens already spent are still charged.")
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].RelevanceScore > scored[j].RelevanceScore })
	top := scored
	if len(top) > maxPapers {
		top = top[:maxPapers]
	}
	for _, p := range top {
		if err := s.deps.Ledger.AddPaper(ctx, p); err != nil {
			return r.fail(fmt.Errorf("save paper %s: %w", p.ID, err), "")
		}
	}

	concepts, err := s.extractConcepts(ctx, r, top, query)
	if err != nil {
		return r.fail(err, "")
	}

	var artifacts []string
	for _, p := range top {
		artifacts = append(artifacts, r.save(ctx, s.deps.sink(), vault.Document{
			ProjectID: in.ProjectID,
			Kind:      "papers",
			Title:     p.Title,
			FrontMatter: map[string]interface{}{
				"paper_id":        p.ID,
				"authors":         p.Authors,
				"relevance_score": p.RelevanceScore,
				"url":             p.URL,
				"published":       p.PublishedDate,
				"citation":        citation(p),
			},
			Body: p.Abstract,
		})...)
	}

	var total float64
	for _, p := range top {
		total += p.RelevanceScore
	}
	avg := total / float64(len(top))
	s.logger.Printf("selected %d of %d papers (avg relevance %.1f/10)", len(top), len(candidates), avg)

	return r.succeed(
		map[string]interface{}{
			"papers":            top,
			"paper_count":       len(top),
			"key_concepts":      concepts,
			"query":             query,
			"average_relevance": avg,
			"references":        bibliography(top),
		},
		map[string]interface{}{
			"search_query":     query,
			"total_candidates": len(candidates),
			"selected_count":   len(top),
		},
		artifacts,
		reviewNotes(query, len(candidates), len(top), concepts),
		[]string{
			"Review the papers in your Obsidian vault",
			"Run the ideation stage to identify research opportunities",
			"Explore key concepts in the knowledge graph",
		},
	)
}

// scoreRelevance rates one candidate. A paper without an abstract gets a low
// fixed score without spending a completion.
func (s *ReviewStage) scoreRelevance(ctx context.Context, r *run, p scholar.Paper, query string) (float64, error) {
	if strings.TrimSpace(p.Abstract) == "" {
		return noAbstractScore, nil
	}
	prompt := fmt.Sprintf(`Rate the relevance of this paper to the research query on a scale of 1-10.

Research Query: %q

Paper Title: %s

Abstract: %s

Consider:
- How directly does it address the query?
- Is it a seminal work in the field?
- Does it provide useful methods or insights?

Respond with ONLY a number from 1-10, nothing else.`, sanitize(query, 300), sanitize(p.Title, 300), sanitize(p.Abstract, 2000))
	out, err := r.complete(ctx, s.deps.Completer, prompt, 10)
	if err != nil {
		return 0, err
	}
	score, perr := parseScore(out)
	if perr != nil {
		s.logger.Printf("warning: %v; using %.1f", perr, score)
	}
	return score, nil
}

func (s *ReviewStage) extractConcepts(ctx context.Context, r *run, papers []store.Paper, query string) (string, error) {
	var b strings.Builder
	for i, p := range papers {
		if i == conceptPaperCount {
			break
		}
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "Paper %d: %s\n%s", i+1, sanitize(p.Title, 300), sanitize(p.Abstract, conceptAbstractLen))
	}
	prompt := fmt.Sprintf(`Analyze these research papers and identify 5-10 key concepts, methods, or themes.

Research Query: %q

Papers:
%s

List the key concepts as a bullet-point list. Be specific and use domain terminology.
Focus on concepts that connect multiple papers or are central to the research area.`, sanitize(query, 300), b.String())
	return r.complete(ctx, s.deps.Completer, prompt, 500)
}

func reviewNotes(query string, candidates, selected int, concepts string) string {
	return fmt.Sprintf(`**What just happened:**

Searched the literature for %q, retrieved %d candidate papers, scored each for relevance (1-10) and kept the top %d.

**Key Concepts Identified:**
%s

**Next step:** read the methodology, limitations and future work sections of the selected papers. They are where research gaps show up.`,
		query, candidates, selected, strings.TrimSpace(concepts))
}

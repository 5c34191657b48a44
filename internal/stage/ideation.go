package stage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/mohammad-safakhou/researcher/internal/store"
	"github.com/mohammad-safakhou/researcher/internal/vault"
	"golang.org/x/sync/errgroup"
)

const (
	gapPaperCount   = 10
	scorePaperCount = 5
)

var errNoValidIdeas = errors.New("failed to generate valid ideas")

// IdeationStage turns the project's papers into ranked research ideas.
type IdeationStage struct {
	deps   Deps
	logger *log.Logger
}

func NewIdeation(deps Deps) *IdeationStage {
	return &IdeationStage{deps: deps, logger: stageLogger("[IDEATION-STAGE] ")}
}

func (s *IdeationStage) Name() Name { return Ideation }

func (s *IdeationStage) Execute(ctx context.Context, in Input) Output {
	r := newRun(in, s.logger)
	if err := requireProject(in); err != nil {
		return r.fail(err, "Idea generation needs papers from the literature review.")
	}
	opts, err := optionsFor[IdeationOptions](in)
	if err != nil {
		return r.fail(err, "")
	}
	numIdeas := opts.NumIdeas
	if numIdeas == 0 {
		numIdeas = DefaultNumIdeas
	}

	papers, err := s.deps.Ledger.ListPapers(ctx, in.ProjectID)
	if err != nil {
		return r.fail(fmt.Errorf("load papers: %w", err), "")
	}
	if len(papers) == 0 {
		return r.fail(&NoPredecessorError{Stage: Ideation, Requires: Review, Kind: "papers"},
			"Run the literature review stage first to gather papers.")
	}
	s.logger.Printf("generating %d ideas from %d papers", numIdeas, len(papers))

	gaps, err := r.complete(ctx, s.deps.Completer, gapsPrompt(papers, in.Domain), 1500)
	if err != nil {
		return r.fail(err, "")
	}
	raw, err := r.complete(ctx, s.deps.Completer, ideasPrompt(gaps, in.Domain, numIdeas), 3000)
	if err != nil {
		return r.fail(err, "")
	}
	ideas, skipped, perr := parseIdeas(raw)
	if perr != nil {
		s.logger.Printf("warning: %v", perr)
	}
	for _, sk := range skipped {
		s.logger.Printf("warning: dropped idea %s", sk)
	}
	if len(ideas) == 0 {
		return r.fail(errNoValidIdeas, "The idea batch was malformed. Try again.")
	}

	titles := scoringContext(papers)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.deps.parallelism())
	for i := range ideas {
		i := i
		g.Go(func() error {
			out, err := r.complete(gctx, s.deps.Completer, scorePrompt(ideas[i], in.Domain, titles), 50)
			if err != nil {
				return fmt.Errorf("score idea %q: %w", ideas[i].Title, err)
			}
			scores, perr := parseScoreTriple(out)
			if perr != nil {
				s.logger.Printf("warning: %v; using neutral scores", perr)
			}
			ideas[i].SetScores(scores)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return r.fail(err, "")
	}
	sort.SliceStable(ideas, func(i, j int) bool { return ideas[i].OverallScore() > ideas[j].OverallScore() })

	artifacts := r.save(ctx, s.deps.sink(), vault.Document{
		ProjectID: in.ProjectID,
		Kind:      "ideas",
		Title:     "Research Ideas " + in.ProjectID,
		FrontMatter: map[string]interface{}{
			"domain":     in.Domain,
			"idea_count": len(ideas),
		},
		Body: ideasMarkdown(ideas, gaps),
	})

	var novelty, feasibility, impact float64
	for _, idea := range ideas {
		novelty += idea.NoveltyScore
		feasibility += idea.FeasibilityScore
		impact += idea.ImpactScore
	}
	n := float64(len(ideas))

	return r.succeed(
		map[string]interface{}{
			"ideas":               ideas,
			"idea_count":          len(ideas),
			"gaps_analysis":       gaps,
			"top_idea":            ideas[0],
			"average_novelty":     novelty / n,
			"average_feasibility": feasibility / n,
			"average_impact":      impact / n,
		},
		map[string]interface{}{
			"project_id":      in.ProjectID,
			"domain":          in.Domain,
			"papers_analyzed": len(papers),
			"ideas_generated": len(ideas),
			"ideas_discarded": len(skipped),
		},
		artifacts,
		ideationNotes(ideas, len(papers), novelty/n, feasibility/n),
		[]string{
			"Review the top 3 ideas in your Obsidian vault",
			"Select 1-2 ideas for the hypothesis stage",
			"Consider resource requirements before proceeding",
			"Discuss ideas with domain experts for validation",
		},
	)
}

func gapsPrompt(papers []store.Paper, domain string) string {
	var summaries []string
	for i, p := range papers {
		if i == gapPaperCount {
			break
		}
		authors := p.Authors
		if len(authors) > 3 {
			authors = authors[:3]
		}
		summaries = append(summaries, fmt.Sprintf("Title: %s\nAuthors: %s\nAbstract: %s\nRelevance: %.1f/10",
			sanitize(p.Title, 200), strings.Join(authors, ", "), sanitize(p.Abstract, 400), p.RelevanceScore))
	}
	return fmt.Sprintf(`Analyze these research papers from the %s domain and identify research gaps, limitations, and open problems.

Papers:
%s

Please identify:
1. **Explicit Limitations**: What do the papers say they couldn't solve or didn't address?
2. **Implicit Gaps**: What's missing from the current approaches?
3. **Contradictions**: Do papers disagree on any findings or methods?
4. **Scalability Issues**: What prevents these methods from scaling?
5. **Open Questions**: What questions do the papers raise for future work?

Format your response as a structured analysis with clear sections.
Be specific and cite which papers mentioned each limitation/gap.`, sanitize(domain, 50), strings.Join(summaries, "\n\n---\n\n"))
}

func ideasPrompt(gaps, domain string, n int) string {
	return fmt.Sprintf(`Based on the research gaps identified, generate %d novel research ideas for the %s domain.

Research Gaps Analysis:
%s

For each idea provide a concise title (max 100 chars), a 2-3 sentence description,
the high-level approach, why it is novel, its potential impact, the resources needed
(data, compute, expertise, time) and the main risks.

Format your response as a JSON array of objects with these exact keys:
title, description, approach, why_novel, potential_impact, resources_needed, risks

Respond with ONLY valid JSON, no other text.`, n, sanitize(domain, 50), sanitize(gaps, 6000))
}

func scoringContext(papers []store.Paper) string {
	var lines []string
	for i, p := range papers {
		if i == scorePaperCount {
			break
		}
		lines = append(lines, "- "+sanitize(p.Title, 100))
	}
	return strings.Join(lines, "\n")
}

func scorePrompt(idea Idea, domain, papers string) string {
	return fmt.Sprintf(`Score this research idea across three dimensions on a scale of 1-10.

Domain: %s

Idea:
**Title**: %s
**Description**: %s
**Approach**: %s
**Why Novel**: %s

Context - Existing Papers:
%s

Score the idea on:
1. **Novelty** (1-10): How original is this idea?
2. **Feasibility** (1-10): Can it be realistically accomplished?
3. **Impact** (1-10): How significant would success be?

Respond with ONLY three numbers separated by commas (novelty,feasibility,impact).
Example: 7.5,6.0,8.5`,
		sanitize(domain, 50), sanitize(idea.Title, 150), sanitize(idea.Description, 300),
		sanitize(idea.Approach, 300), sanitize(idea.WhyNovel, 300), papers)
}

func ideasMarkdown(ideas []Idea, gaps string) string {
	var b strings.Builder
	b.WriteString("## Research Gaps\n\n")
	b.WriteString(strings.TrimSpace(gaps))
	b.WriteString("\n\n## Ideas\n")
	for i, idea := range ideas {
		fmt.Fprintf(&b, "\n### %d. %s\n\n", i+1, idea.Title)
		fmt.Fprintf(&b, "**Overall**: %.2f (novelty %.1f, feasibility %.1f, impact %.1f)\n\n",
			idea.OverallScore(), idea.NoveltyScore, idea.FeasibilityScore, idea.ImpactScore)
		fmt.Fprintf(&b, "%s\n\n- **Approach**: %s\n- **Why novel**: %s\n- **Impact**: %s\n- **Resources**: %s\n- **Risks**: %s\n",
			idea.Description, idea.Approach, idea.WhyNovel, idea.PotentialImpact, idea.ResourcesNeeded, idea.Risks)
	}
	return b.String()
}

func ideationNotes(ideas []Idea, papers int, novelty, feasibility float64) string {
	var top []string
	for i, idea := range ideas {
		if i == 3 {
			break
		}
		top = append(top, fmt.Sprintf("%d. %s", i+1, idea.Title))
	}
	return fmt.Sprintf(`**What just happened:**

Analyzed %d papers for limitations and gaps, generated %d ideas and ranked them by a weighted score (%.0f%% novelty, %.0f%% feasibility, %.0f%% impact).

**Top Ideas:**
%s

**Quality Metrics:**
- Average Novelty: %.1f/10
- Average Feasibility: %.1f/10

**Tip:** a feasible idea with moderate novelty that you can finish beats a groundbreaking one you cannot.`,
		papers, len(ideas), NoveltyWeight*100, FeasibilityWeight*100, ImpactWeight*100,
		strings.Join(top, "\n"), novelty, feasibility)
}

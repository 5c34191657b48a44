package stage

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Idea scoring weights.
const (
	NoveltyWeight     = 0.35
	FeasibilityWeight = 0.35
	ImpactWeight      = 0.30
)

// IdeaScores are the three clamped component scores of an idea.
type IdeaScores struct {
	Novelty     float64 `json:"novelty"`
	Feasibility float64 `json:"feasibility"`
	Impact      float64 `json:"impact"`
}

// Overall is the weighted combination of the component scores.
func (s IdeaScores) Overall() float64 {
	return s.Novelty*NoveltyWeight + s.Feasibility*FeasibilityWeight + s.Impact*ImpactWeight
}

// Idea is one scored research idea. The overall score is derived on every
// encode and never read back, so it cannot go stale.
type Idea struct {
	Title            string  `json:"title"`
	Description      string  `json:"description"`
	Approach         string  `json:"approach"`
	WhyNovel         string  `json:"why_novel"`
	PotentialImpact  string  `json:"potential_impact"`
	ResourcesNeeded  string  `json:"resources_needed"`
	Risks            string  `json:"risks"`
	NoveltyScore     float64 `json:"novelty_score"`
	FeasibilityScore float64 `json:"feasibility_score"`
	ImpactScore      float64 `json:"impact_score"`
}

func (i Idea) Scores() IdeaScores {
	return IdeaScores{Novelty: i.NoveltyScore, Feasibility: i.FeasibilityScore, Impact: i.ImpactScore}
}

func (i Idea) OverallScore() float64 { return i.Scores().Overall() }

func (i *Idea) SetScores(s IdeaScores) {
	i.NoveltyScore, i.FeasibilityScore, i.ImpactScore = s.Novelty, s.Feasibility, s.Impact
}

func (i Idea) MarshalJSON() ([]byte, error) {
	type plain Idea
	return json.Marshal(struct {
		plain
		OverallScore float64 `json:"overall_score"`
	}{plain(i), i.OverallScore()})
}

// ideaPayload is one element of the idea batch completion. Every field is required.
type ideaPayload struct {
	Title           text `json:"title" validate:"required"`
	Description     text `json:"description" validate:"required"`
	Approach        text `json:"approach" validate:"required"`
	WhyNovel        text `json:"why_novel" validate:"required"`
	PotentialImpact text `json:"potential_impact" validate:"required"`
	ResourcesNeeded text `json:"resources_needed" validate:"required"`
	Risks           text `json:"risks" validate:"required"`
}

var errNotArray = errors.New("expected a JSON array of ideas")

// parseIdeas decodes the idea batch. Items missing a required field are
// dropped and reported in skipped.
func parseIdeas(raw string) (ideas []Idea, skipped []string, err error) {
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(stripFences(raw)), &items); err != nil {
		var probe interface{}
		if json.Unmarshal([]byte(stripFences(raw)), &probe) == nil {
			err = errNotArray
		}
		return nil, nil, &GenerativeParseError{Target: "ideas", Err: err}
	}
	for n, item := range items {
		var p ideaPayload
		if err := json.Unmarshal(item, &p); err != nil {
			skipped = append(skipped, fmt.Sprintf("item %d: %v", n+1, err))
			continue
		}
		if err := validate.Struct(p); err != nil {
			label := string(p.Title)
			if label == "" {
				label = fmt.Sprintf("item %d", n+1)
			}
			skipped = append(skipped, fmt.Sprintf("%s: missing fields", label))
			continue
		}
		ideas = append(ideas, Idea{
			Title:           string(p.Title),
			Description:     string(p.Description),
			Approach:        string(p.Approach),
			WhyNovel:        string(p.WhyNovel),
			PotentialImpact: string(p.PotentialImpact),
			ResourcesNeeded: string(p.ResourcesNeeded),
			Risks:           string(p.Risks),
		})
	}
	return ideas, skipped, nil
}

package store

import (
	"encoding/json"
	"time"
)

type ProjectStatus string

const (
	ProjectActive   ProjectStatus = "active"
	ProjectArchived ProjectStatus = "archived"
)

// Project is the grouping key for every downstream record.
type Project struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Domain    string                 `json:"domain"`
	Status    ProjectStatus          `json:"status"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Paper is a scored literature search hit. ID is the upstream source identifier.
type Paper struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Authors        []string  `json:"authors"`
	Abstract       string    `json:"abstract"`
	PublishedDate  string    `json:"published_date,omitempty"`
	URL            string    `json:"url,omitempty"`
	RelevanceScore float64   `json:"relevance_score"`
	ProjectID      string    `json:"project_id"`
	AddedAt        time.Time `json:"added_at"`
}

type HypothesisStatus string

const (
	HypothesisPending HypothesisStatus = "pending"
	HypothesisTested  HypothesisStatus = "tested"
)

// SuccessCriteria are the thresholds a hypothesis is judged against.
type SuccessCriteria struct {
	SignificanceLevel float64                `json:"significance_level"`
	MinimumEffectSize float64                `json:"minimum_effect_size"`
	MinimumSampleSize int                    `json:"minimum_sample_size"`
	Metrics           map[string]interface{} `json:"metrics"`
}

type Hypothesis struct {
	ID              string                 `json:"id"`
	ProjectID       string                 `json:"project_id"`
	SourceIdeaTitle string                 `json:"source_idea_title"`
	Text            string                 `json:"hypothesis"`
	NullHypothesis  string                 `json:"null_hypothesis,omitempty"`
	IndependentVars []string               `json:"independent_vars"`
	DependentVars   []string               `json:"dependent_vars"`
	ControlVars     []string               `json:"control_vars"`
	SuccessCriteria SuccessCriteria        `json:"success_criteria"`
	Status          HypothesisStatus       `json:"status"`
	CreatedAt       time.Time              `json:"created_at"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

type DesignStatus string

const (
	DesignDraft    DesignStatus = "draft"
	DesignApproved DesignStatus = "approved"
)

type DataRequirements struct {
	DatasetSource    string   `json:"dataset_source"`
	MinSamples       int      `json:"min_samples"`
	RequiredFeatures []string `json:"required_features"`
	DataFormat       string   `json:"data_format"`
}

type ResourceEstimate struct {
	EstimatedComputeTime string  `json:"estimated_compute_time"`
	EstimatedCostUSD     float64 `json:"estimated_cost_usd"`
	Platform             string  `json:"platform"`
	MemoryGB             int     `json:"memory_gb"`
	StorageGB            int     `json:"storage_gb"`
}

// Design is an experiment plan derived from a hypothesis.
type Design struct {
	ID               string                 `json:"id"`
	HypothesisID     string                 `json:"hypothesis_id"`
	ProjectID        string                 `json:"project_id"`
	Methodology      string                 `json:"methodology"`
	DataRequirements DataRequirements       `json:"data_requirements"`
	CodeTemplate     string                 `json:"code_template"`
	ResourceEstimate ResourceEstimate       `json:"resource_estimates"`
	Platform         string                 `json:"platform"`
	Status           DesignStatus           `json:"status"`
	CreatedAt        time.Time              `json:"created_at"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// CanTransitionTo encodes queued -> running -> completed|failed.
// A queued run may also fail before it starts.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	switch s {
	case RunQueued:
		return next == RunRunning || next == RunFailed
	case RunRunning:
		return next == RunCompleted || next == RunFailed
	default:
		return false
	}
}

// allowedFrom lists the statuses that may move into next.
func allowedFrom(next RunStatus) []string {
	var out []string
	for _, s := range []RunStatus{RunQueued, RunRunning, RunCompleted, RunFailed} {
		if s.CanTransitionTo(next) {
			out = append(out, string(s))
		}
	}
	return out
}

// RunResults is the payload an execution backend reports for a finished run.
type RunResults struct {
	Status               string             `json:"status"`
	SamplesProcessed     int                `json:"samples_processed"`
	Metrics              map[string]float64 `json:"metrics"`
	ExecutionTimeSeconds float64            `json:"execution_time_seconds"`
}

// Run is a single execution of a design.
type Run struct {
	ID              string                 `json:"id"`
	DesignID        string                 `json:"design_id"`
	ProjectID       string                 `json:"project_id"`
	Status          RunStatus              `json:"status"`
	Platform        string                 `json:"platform"`
	StartedAt       time.Time              `json:"started_at"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	DurationSeconds *float64               `json:"duration_seconds,omitempty"`
	ComputeCostUSD  float64                `json:"compute_cost_usd"`
	ResultsData     *RunResults            `json:"results_data,omitempty"`
	Logs            string                 `json:"logs,omitempty"`
	Error           string                 `json:"error,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// RunUpdate carries a status transition plus the fields it stamps.
type RunUpdate struct {
	Status          RunStatus
	ResultsData     *RunResults
	Logs            string
	Error           string
	DurationSeconds *float64
}

type ConfidenceInterval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// Analysis is the statistical verdict for a completed run.
type Analysis struct {
	ID                 string                 `json:"id"`
	RunID              string                 `json:"run_id"`
	ProjectID          string                 `json:"project_id"`
	HypothesisID       string                 `json:"hypothesis_id"`
	Decision           string                 `json:"decision"`
	PValue             *float64               `json:"p_value,omitempty"`
	EffectSize         *float64               `json:"effect_size,omitempty"`
	ConfidenceInterval *ConfidenceInterval    `json:"confidence_interval,omitempty"`
	Insights           string                 `json:"insights"`
	Visualizations     []string               `json:"visualizations"`
	Status             string                 `json:"status"`
	CreatedAt          time.Time              `json:"created_at"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
}

type StageRunStatus string

const (
	StageRunCompleted StageRunStatus = "completed"
	StageRunFailed    StageRunStatus = "failed"
)

// StageRun is one row of the stage execution log kept by the workflow runner.
type StageRun struct {
	ID          int64                  `json:"id"`
	ProjectID   string                 `json:"project_id"`
	Stage       string                 `json:"stage"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Status      StageRunStatus         `json:"status"`
	TokensUsed  int64                  `json:"tokens_used"`
	CostUSD     float64                `json:"cost_usd"`
	Results     map[string]interface{} `json:"results,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// DecodeResult re-decodes a single results entry into out.
func (r StageRun) DecodeResult(key string, out interface{}) (bool, error) {
	v, ok := r.Results[key]
	if !ok || v == nil {
		return false, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(b, out)
}

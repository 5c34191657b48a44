package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process ledger with the same contract as Store.
// Stored values are deep-copied through JSON so callers never share state with it.
type MemoryStore struct {
	mu          sync.RWMutex
	seq         int64
	projects    map[string]Project
	papers      map[string]memEntry[Paper]
	hypotheses  map[string]memEntry[Hypothesis]
	designs     map[string]memEntry[Design]
	runs        map[string]memEntry[Run]
	analyses    map[string]memEntry[Analysis]
	stageRuns   []memEntry[StageRun]
	stageRunSeq int64
}

type memEntry[T any] struct {
	seq   int64
	value T
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects:   map[string]Project{},
		papers:     map[string]memEntry[Paper]{},
		hypotheses: map[string]memEntry[Hypothesis]{},
		designs:    map[string]memEntry[Design]{},
		runs:       map[string]memEntry[Run]{},
		analyses:   map[string]memEntry[Analysis]{},
	}
}

func clone[T any](v T) T {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

func (m *MemoryStore) next() int64 {
	m.seq++
	return m.seq
}

// touch bumps the project's updated_at; callers hold the write lock.
func (m *MemoryStore) touch(projectID string) error {
	p, ok := m.projects[projectID]
	if !ok {
		return ParentNotFoundError{Kind: "project", ID: projectID, ProjectID: projectID}
	}
	p.UpdatedAt = time.Now().UTC()
	m.projects[projectID] = p
	return nil
}

// owned rejects an upsert of an id another project already holds.
func owned(exists bool, holder, kind, id, projectID string) error {
	if exists && holder != projectID {
		return fmt.Errorf("%w: %s %s is not in project %s", ErrForeignID, kind, id, projectID)
	}
	return nil
}

func newestFirst[T any](entries []memEntry[T], at func(T) time.Time) []T {
	sort.SliceStable(entries, func(i, j int) bool {
		ti, tj := at(entries[i].value), at(entries[j].value)
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return entries[i].seq > entries[j].seq
	})
	out := make([]T, 0, len(entries))
	for _, e := range entries {
		out = append(out, clone(e.value))
	}
	return out
}

func collect[T any](src map[string]memEntry[T], keep func(T) bool) []memEntry[T] {
	var out []memEntry[T]
	for _, e := range src {
		if keep(e.value) {
			out = append(out, e)
		}
	}
	return out
}

func (m *MemoryStore) CreateProject(_ context.Context, id, name, domain string, metadata map[string]interface{}) (Project, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Project{}, fmt.Errorf("project id must be provided")
	}
	if strings.TrimSpace(name) == "" {
		name = id
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[id]; ok {
		return Project{}, fmt.Errorf("%w: %s", ErrDuplicateProject, id)
	}
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	now := time.Now().UTC()
	p := Project{ID: id, Name: name, Domain: domain, Status: ProjectActive, CreatedAt: now, UpdatedAt: now, Metadata: clone(metadata)}
	m.projects[id] = p
	return clone(p), nil
}

func (m *MemoryStore) GetProject(_ context.Context, id string) (Project, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return Project{}, false, nil
	}
	return clone(p), true, nil
}

func (m *MemoryStore) ListProjects(_ context.Context, status ProjectStatus) ([]Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Project
	for _, p := range m.projects {
		if status == "" || p.Status == status {
			out = append(out, clone(p))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) ArchiveProject(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return fmt.Errorf("%w: project %s", ErrNotFound, id)
	}
	p.Status = ProjectArchived
	p.UpdatedAt = time.Now().UTC()
	m.projects[id] = p
	return nil
}

func (m *MemoryStore) AddPaper(_ context.Context, p Paper) error {
	if p.ID == "" {
		return fmt.Errorf("paper id must be provided")
	}
	if p.RelevanceScore < 1 || p.RelevanceScore > 10 {
		return fmt.Errorf("relevance score %.2f outside [1,10]", p.RelevanceScore)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.touch(p.ProjectID); err != nil {
		return err
	}
	p.AddedAt = stamp(p.AddedAt)
	m.papers[paperKey(p.ProjectID, p.ID)] = memEntry[Paper]{seq: m.next(), value: clone(p)}
	return nil
}

// paperKey scopes a source paper id to its project.
func paperKey(projectID, id string) string {
	return projectID + "\x00" + id
}

func (m *MemoryStore) ListPapers(_ context.Context, projectID string) ([]Paper, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := collect(m.papers, func(p Paper) bool { return p.ProjectID == projectID })
	out := newestFirst(entries, func(p Paper) time.Time { return p.AddedAt })
	sort.SliceStable(out, func(i, j int) bool { return out[i].RelevanceScore > out[j].RelevanceScore })
	return out, nil
}

func (m *MemoryStore) AddHypothesis(_ context.Context, h Hypothesis) error {
	if h.ID == "" {
		return fmt.Errorf("hypothesis id must be provided")
	}
	if h.Status == "" {
		h.Status = HypothesisPending
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, exists := m.hypotheses[h.ID]
	if err := owned(exists, prev.value.ProjectID, "hypothesis", h.ID, h.ProjectID); err != nil {
		return err
	}
	if err := m.touch(h.ProjectID); err != nil {
		return err
	}
	h.CreatedAt = stamp(h.CreatedAt)
	if exists {
		h.CreatedAt = prev.value.CreatedAt
	}
	m.hypotheses[h.ID] = memEntry[Hypothesis]{seq: m.next(), value: clone(h)}
	return nil
}

func (m *MemoryStore) GetHypothesis(_ context.Context, projectID, id string) (Hypothesis, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.hypotheses[id]
	if !ok || e.value.ProjectID != projectID {
		return Hypothesis{}, false, nil
	}
	return clone(e.value), true, nil
}

func (m *MemoryStore) LatestHypothesis(ctx context.Context, projectID string) (Hypothesis, bool, error) {
	all, _ := m.ListHypotheses(ctx, projectID, "")
	if len(all) == 0 {
		return Hypothesis{}, false, nil
	}
	return all[0], true, nil
}

func (m *MemoryStore) ListHypotheses(_ context.Context, projectID string, status HypothesisStatus) ([]Hypothesis, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := collect(m.hypotheses, func(h Hypothesis) bool {
		return h.ProjectID == projectID && (status == "" || h.Status == status)
	})
	return newestFirst(entries, func(h Hypothesis) time.Time { return h.CreatedAt }), nil
}

func (m *MemoryStore) AddDesign(_ context.Context, d Design) error {
	if d.ID == "" {
		return fmt.Errorf("design id must be provided")
	}
	if d.Status == "" {
		d.Status = DesignDraft
	}
	if d.Platform == "" {
		d.Platform = "local"
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[d.ProjectID]; !ok {
		return ParentNotFoundError{Kind: "project", ID: d.ProjectID, ProjectID: d.ProjectID}
	}
	if h, ok := m.hypotheses[d.HypothesisID]; !ok || h.value.ProjectID != d.ProjectID {
		return ParentNotFoundError{Kind: "hypothesis", ID: d.HypothesisID, ProjectID: d.ProjectID}
	}
	prev, exists := m.designs[d.ID]
	if err := owned(exists, prev.value.ProjectID, "design", d.ID, d.ProjectID); err != nil {
		return err
	}
	_ = m.touch(d.ProjectID)
	d.CreatedAt = stamp(d.CreatedAt)
	if exists {
		d.CreatedAt = prev.value.CreatedAt
	}
	m.designs[d.ID] = memEntry[Design]{seq: m.next(), value: clone(d)}
	return nil
}

func (m *MemoryStore) GetDesign(_ context.Context, projectID, id string) (Design, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.designs[id]
	if !ok || e.value.ProjectID != projectID {
		return Design{}, false, nil
	}
	return clone(e.value), true, nil
}

func (m *MemoryStore) LatestDesign(ctx context.Context, projectID string) (Design, bool, error) {
	all, _ := m.ListDesigns(ctx, projectID)
	if len(all) == 0 {
		return Design{}, false, nil
	}
	return all[0], true, nil
}

func (m *MemoryStore) ListDesigns(_ context.Context, projectID string) ([]Design, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := collect(m.designs, func(d Design) bool { return d.ProjectID == projectID })
	return newestFirst(entries, func(d Design) time.Time { return d.CreatedAt }), nil
}

func (m *MemoryStore) AddRun(_ context.Context, r Run) error {
	if r.ID == "" {
		return fmt.Errorf("run id must be provided")
	}
	if r.Status == "" {
		r.Status = RunQueued
	}
	if r.Platform == "" {
		r.Platform = "local"
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[r.ProjectID]; !ok {
		return ParentNotFoundError{Kind: "project", ID: r.ProjectID, ProjectID: r.ProjectID}
	}
	if d, ok := m.designs[r.DesignID]; !ok || d.value.ProjectID != r.ProjectID {
		return ParentNotFoundError{Kind: "design", ID: r.DesignID, ProjectID: r.ProjectID}
	}
	prev, exists := m.runs[r.ID]
	if err := owned(exists, prev.value.ProjectID, "run", r.ID, r.ProjectID); err != nil {
		return err
	}
	_ = m.touch(r.ProjectID)
	r.StartedAt = stamp(r.StartedAt)
	m.runs[r.ID] = memEntry[Run]{seq: m.next(), value: clone(r)}
	return nil
}

func (m *MemoryStore) TransitionRun(_ context.Context, projectID, id string, upd RunUpdate) error {
	if upd.Status == RunCompleted && upd.ResultsData == nil {
		return fmt.Errorf("%w: completed run %s requires results", ErrInvalidTransition, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.runs[id]
	if !ok || e.value.ProjectID != projectID {
		return fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	r := e.value
	if !r.Status.CanTransitionTo(upd.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, upd.Status)
	}
	r.Status = upd.Status
	if upd.ResultsData != nil {
		r.ResultsData = clone(upd.ResultsData)
	}
	if upd.Logs != "" {
		r.Logs = upd.Logs
	}
	if upd.Error != "" {
		r.Error = upd.Error
	}
	if upd.DurationSeconds != nil {
		d := *upd.DurationSeconds
		r.DurationSeconds = &d
	}
	if upd.Status.Terminal() {
		now := time.Now().UTC()
		r.CompletedAt = &now
	}
	_ = m.touch(projectID)
	e.value = r
	m.runs[id] = e
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, projectID, id string) (Run, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.runs[id]
	if !ok || e.value.ProjectID != projectID {
		return Run{}, false, nil
	}
	return clone(e.value), true, nil
}

func (m *MemoryStore) LatestRun(ctx context.Context, projectID string) (Run, bool, error) {
	all, _ := m.ListRuns(ctx, projectID)
	if len(all) == 0 {
		return Run{}, false, nil
	}
	return all[0], true, nil
}

func (m *MemoryStore) ListRuns(_ context.Context, projectID string) ([]Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := collect(m.runs, func(r Run) bool { return r.ProjectID == projectID })
	return newestFirst(entries, func(r Run) time.Time { return r.StartedAt }), nil
}

func (m *MemoryStore) AddAnalysis(_ context.Context, a Analysis) error {
	if a.ID == "" {
		return fmt.Errorf("analysis id must be provided")
	}
	if a.Status == "" {
		a.Status = "completed"
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[a.ProjectID]; !ok {
		return ParentNotFoundError{Kind: "project", ID: a.ProjectID, ProjectID: a.ProjectID}
	}
	if r, ok := m.runs[a.RunID]; !ok || r.value.ProjectID != a.ProjectID {
		return ParentNotFoundError{Kind: "run", ID: a.RunID, ProjectID: a.ProjectID}
	}
	if h, ok := m.hypotheses[a.HypothesisID]; !ok || h.value.ProjectID != a.ProjectID {
		return ParentNotFoundError{Kind: "hypothesis", ID: a.HypothesisID, ProjectID: a.ProjectID}
	}
	prev, exists := m.analyses[a.ID]
	if err := owned(exists, prev.value.ProjectID, "analysis", a.ID, a.ProjectID); err != nil {
		return err
	}
	_ = m.touch(a.ProjectID)
	a.CreatedAt = stamp(a.CreatedAt)
	m.analyses[a.ID] = memEntry[Analysis]{seq: m.next(), value: clone(a)}
	return nil
}

func (m *MemoryStore) GetAnalysis(_ context.Context, projectID, id string) (Analysis, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.analyses[id]
	if !ok || e.value.ProjectID != projectID {
		return Analysis{}, false, nil
	}
	return clone(e.value), true, nil
}

func (m *MemoryStore) ListAnalyses(_ context.Context, projectID string) ([]Analysis, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := collect(m.analyses, func(a Analysis) bool { return a.ProjectID == projectID })
	return newestFirst(entries, func(a Analysis) time.Time { return a.CreatedAt }), nil
}

func (m *MemoryStore) LogStageRun(_ context.Context, r StageRun) (int64, error) {
	if r.Stage == "" {
		return 0, fmt.Errorf("stage must be provided")
	}
	if r.Status == "" {
		r.Status = StageRunCompleted
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.touch(r.ProjectID); err != nil {
		return 0, err
	}
	m.stageRunSeq++
	r.ID = m.stageRunSeq
	r.StartedAt = stamp(r.StartedAt)
	if r.Results == nil {
		r.Results = map[string]interface{}{}
	}
	m.stageRuns = append(m.stageRuns, memEntry[StageRun]{seq: m.next(), value: clone(r)})
	return r.ID, nil
}

func (m *MemoryStore) LatestStageRun(ctx context.Context, projectID, stage string, status StageRunStatus) (StageRun, bool, error) {
	all, _ := m.ListStageRuns(ctx, projectID)
	for _, r := range all {
		if r.Stage == stage && (status == "" || r.Status == status) {
			return r, true, nil
		}
	}
	return StageRun{}, false, nil
}

func (m *MemoryStore) ListStageRuns(_ context.Context, projectID string) ([]StageRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var entries []memEntry[StageRun]
	for _, e := range m.stageRuns {
		if e.value.ProjectID == projectID {
			entries = append(entries, e)
		}
	}
	return newestFirst(entries, func(r StageRun) time.Time { return r.StartedAt }), nil
}

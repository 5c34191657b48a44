package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// AddHypothesis upserts a hypothesis under its project.
func (s *Store) AddHypothesis(ctx context.Context, h Hypothesis) error {
	if h.ID == "" {
		return fmt.Errorf("hypothesis id must be provided")
	}
	if h.Status == "" {
		h.Status = HypothesisPending
	}
	indep, err := marshalJSON(h.IndependentVars, "[]")
	if err != nil {
		return err
	}
	dep, err := marshalJSON(h.DependentVars, "[]")
	if err != nil {
		return err
	}
	ctrl, err := marshalJSON(h.ControlVars, "[]")
	if err != nil {
		return err
	}
	criteria, err := json.Marshal(h.SuccessCriteria)
	if err != nil {
		return fmt.Errorf("marshal success criteria: %w", err)
	}
	meta, err := metadataJSON(h.Metadata)
	if err != nil {
		return err
	}
	err = s.withProjectTx(ctx, h.ProjectID, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
INSERT INTO hypotheses (id, project_id, source_idea_title, hypothesis, null_hypothesis, independent_vars, dependent_vars, control_vars, success_criteria, status, created_at, metadata)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (id) DO UPDATE SET
  source_idea_title = EXCLUDED.source_idea_title,
  hypothesis = EXCLUDED.hypothesis,
  null_hypothesis = EXCLUDED.null_hypothesis,
  independent_vars = EXCLUDED.independent_vars,
  dependent_vars = EXCLUDED.dependent_vars,
  control_vars = EXCLUDED.control_vars,
  success_criteria = EXCLUDED.success_criteria,
  status = EXCLUDED.status,
  metadata = EXCLUDED.metadata
WHERE hypotheses.project_id = EXCLUDED.project_id
`, h.ID, h.ProjectID, h.SourceIdeaTitle, h.Text, nullableString(h.NullHypothesis), indep, dep, ctrl, criteria, string(h.Status), stamp(h.CreatedAt), meta)
		if err != nil {
			return err
		}
		return upserted(res, "hypothesis", h.ID, h.ProjectID)
	})
	if err != nil {
		return err
	}
	recordWrite(ctx, "hypothesis")
	return nil
}

const hypothesisColumns = `id, project_id, source_idea_title, hypothesis, null_hypothesis, independent_vars, dependent_vars, control_vars, success_criteria, status, created_at, metadata`

func scanHypothesis(row interface{ Scan(...interface{}) error }) (Hypothesis, error) {
	var (
		h                          Hypothesis
		nullHyp                    sql.NullString
		indep, dep, ctrl, criteria []byte
		status                     string
		meta                       []byte
	)
	if err := row.Scan(&h.ID, &h.ProjectID, &h.SourceIdeaTitle, &h.Text, &nullHyp, &indep, &dep, &ctrl, &criteria, &status, &h.CreatedAt, &meta); err != nil {
		return Hypothesis{}, err
	}
	h.NullHypothesis = nullHyp.String
	_ = json.Unmarshal(indep, &h.IndependentVars)
	_ = json.Unmarshal(dep, &h.DependentVars)
	_ = json.Unmarshal(ctrl, &h.ControlVars)
	if len(criteria) > 0 {
		_ = json.Unmarshal(criteria, &h.SuccessCriteria)
	}
	h.Status = HypothesisStatus(status)
	h.Metadata = decodeMetadata(meta)
	return h, nil
}

// GetHypothesis looks up a hypothesis by id within the project.
func (s *Store) GetHypothesis(ctx context.Context, projectID, id string) (Hypothesis, bool, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+hypothesisColumns+` FROM hypotheses WHERE id=$1 AND project_id=$2`, id, projectID)
	h, err := scanHypothesis(row)
	if err == sql.ErrNoRows {
		return Hypothesis{}, false, nil
	}
	if err != nil {
		return Hypothesis{}, false, err
	}
	return h, true, nil
}

// LatestHypothesis returns the most recently created hypothesis in the project.
func (s *Store) LatestHypothesis(ctx context.Context, projectID string) (Hypothesis, bool, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+hypothesisColumns+` FROM hypotheses WHERE project_id=$1 ORDER BY created_at DESC, id DESC LIMIT 1`, projectID)
	h, err := scanHypothesis(row)
	if err == sql.ErrNoRows {
		return Hypothesis{}, false, nil
	}
	if err != nil {
		return Hypothesis{}, false, err
	}
	return h, true, nil
}

// ListHypotheses returns hypotheses newest-first, optionally filtered by status.
func (s *Store) ListHypotheses(ctx context.Context, projectID string, status HypothesisStatus) ([]Hypothesis, error) {
	query := `SELECT ` + hypothesisColumns + ` FROM hypotheses WHERE project_id=$1`
	args := []interface{}{projectID}
	if status != "" {
		query += ` AND status=$2`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Hypothesis
	for rows.Next() {
		h, err := scanHypothesis(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// AddAnalysis upserts an analysis; both the run and the hypothesis must be in the project.
func (s *Store) AddAnalysis(ctx context.Context, a Analysis) error {
	if a.ID == "" {
		return fmt.Errorf("analysis id must be provided")
	}
	if a.Status == "" {
		a.Status = "completed"
	}
	var ci interface{}
	if a.ConfidenceInterval != nil {
		b, err := json.Marshal(a.ConfidenceInterval)
		if err != nil {
			return fmt.Errorf("marshal confidence interval: %w", err)
		}
		ci = b
	}
	vis, err := marshalJSON(a.Visualizations, "[]")
	if err != nil {
		return err
	}
	meta, err := metadataJSON(a.Metadata)
	if err != nil {
		return err
	}
	err = s.withProjectTx(ctx, a.ProjectID, func(tx *sql.Tx) error {
		if err := requireParent(ctx, tx, "experiment_runs", "run", a.RunID, a.ProjectID); err != nil {
			return err
		}
		if err := requireParent(ctx, tx, "hypotheses", "hypothesis", a.HypothesisID, a.ProjectID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
INSERT INTO analyses (id, run_id, project_id, hypothesis_id, decision, p_value, effect_size, confidence_interval, insights, visualizations, status, created_at, metadata)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (id) DO UPDATE SET
  decision = EXCLUDED.decision,
  p_value = EXCLUDED.p_value,
  effect_size = EXCLUDED.effect_size,
  confidence_interval = EXCLUDED.confidence_interval,
  insights = EXCLUDED.insights,
  visualizations = EXCLUDED.visualizations,
  status = EXCLUDED.status,
  metadata = EXCLUDED.metadata
WHERE analyses.project_id = EXCLUDED.project_id
`, a.ID, a.RunID, a.ProjectID, a.HypothesisID, a.Decision, nullableFloat(a.PValue), nullableFloat(a.EffectSize), ci, a.Insights, vis, a.Status, stamp(a.CreatedAt), meta)
		if err != nil {
			return err
		}
		return upserted(res, "analysis", a.ID, a.ProjectID)
	})
	if err != nil {
		return err
	}
	recordWrite(ctx, "analysis")
	return nil
}

const analysisColumns = `id, run_id, project_id, hypothesis_id, decision, p_value, effect_size, confidence_interval, insights, visualizations, status, created_at, metadata`

func scanAnalysis(row interface{ Scan(...interface{}) error }) (Analysis, error) {
	var (
		a             Analysis
		pValue        sql.NullFloat64
		effect        sql.NullFloat64
		ci, vis, meta []byte
	)
	if err := row.Scan(&a.ID, &a.RunID, &a.ProjectID, &a.HypothesisID, &a.Decision, &pValue, &effect, &ci, &a.Insights, &vis, &a.Status, &a.CreatedAt, &meta); err != nil {
		return Analysis{}, err
	}
	a.PValue = floatPtr(pValue)
	a.EffectSize = floatPtr(effect)
	if len(ci) > 0 {
		var interval ConfidenceInterval
		if err := json.Unmarshal(ci, &interval); err == nil {
			a.ConfidenceInterval = &interval
		}
	}
	_ = json.Unmarshal(vis, &a.Visualizations)
	a.Metadata = decodeMetadata(meta)
	return a, nil
}

func (s *Store) GetAnalysis(ctx context.Context, projectID, id string) (Analysis, bool, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+analysisColumns+` FROM analyses WHERE id=$1 AND project_id=$2`, id, projectID)
	a, err := scanAnalysis(row)
	if err == sql.ErrNoRows {
		return Analysis{}, false, nil
	}
	if err != nil {
		return Analysis{}, false, err
	}
	return a, true, nil
}

func (s *Store) ListAnalyses(ctx context.Context, projectID string) ([]Analysis, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+analysisColumns+` FROM analyses WHERE project_id=$1 ORDER BY created_at DESC, id DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

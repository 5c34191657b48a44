package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// AddDesign upserts a design. The referenced hypothesis must belong to the same project.
func (s *Store) AddDesign(ctx context.Context, d Design) error {
	if d.ID == "" {
		return fmt.Errorf("design id must be provided")
	}
	if d.Status == "" {
		d.Status = DesignDraft
	}
	if d.Platform == "" {
		d.Platform = "local"
	}
	reqs, err := json.Marshal(d.DataRequirements)
	if err != nil {
		return fmt.Errorf("marshal data requirements: %w", err)
	}
	est, err := json.Marshal(d.ResourceEstimate)
	if err != nil {
		return fmt.Errorf("marshal resource estimate: %w", err)
	}
	meta, err := metadataJSON(d.Metadata)
	if err != nil {
		return err
	}
	err = s.withProjectTx(ctx, d.ProjectID, func(tx *sql.Tx) error {
		if err := requireParent(ctx, tx, "hypotheses", "hypothesis", d.HypothesisID, d.ProjectID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
INSERT INTO experiment_designs (id, hypothesis_id, project_id, methodology, data_requirements, code_template, resource_estimate, platform, status, created_at, metadata)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO UPDATE SET
  methodology = EXCLUDED.methodology,
  data_requirements = EXCLUDED.data_requirements,
  code_template = EXCLUDED.code_template,
  resource_estimate = EXCLUDED.resource_estimate,
  platform = EXCLUDED.platform,
  status = EXCLUDED.status,
  metadata = EXCLUDED.metadata
WHERE experiment_designs.project_id = EXCLUDED.project_id
`, d.ID, d.HypothesisID, d.ProjectID, d.Methodology, reqs, d.CodeTemplate, est, d.Platform, string(d.Status), stamp(d.CreatedAt), meta)
		if err != nil {
			return err
		}
		return upserted(res, "design", d.ID, d.ProjectID)
	})
	if err != nil {
		return err
	}
	recordWrite(ctx, "design")
	return nil
}

const designColumns = `id, hypothesis_id, project_id, methodology, data_requirements, code_template, resource_estimate, platform, status, created_at, metadata`

func scanDesign(row interface{ Scan(...interface{}) error }) (Design, error) {
	var (
		d               Design
		reqs, est, meta []byte
		status          string
	)
	if err := row.Scan(&d.ID, &d.HypothesisID, &d.ProjectID, &d.Methodology, &reqs, &d.CodeTemplate, &est, &d.Platform, &status, &d.CreatedAt, &meta); err != nil {
		return Design{}, err
	}
	if len(reqs) > 0 {
		_ = json.Unmarshal(reqs, &d.DataRequirements)
	}
	if len(est) > 0 {
		_ = json.Unmarshal(est, &d.ResourceEstimate)
	}
	d.Status = DesignStatus(status)
	d.Metadata = decodeMetadata(meta)
	return d, nil
}

func (s *Store) GetDesign(ctx context.Context, projectID, id string) (Design, bool, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+designColumns+` FROM experiment_designs WHERE id=$1 AND project_id=$2`, id, projectID)
	d, err := scanDesign(row)
	if err == sql.ErrNoRows {
		return Design{}, false, nil
	}
	if err != nil {
		return Design{}, false, err
	}
	return d, true, nil
}

func (s *Store) LatestDesign(ctx context.Context, projectID string) (Design, bool, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+designColumns+` FROM experiment_designs WHERE project_id=$1 ORDER BY created_at DESC, id DESC LIMIT 1`, projectID)
	d, err := scanDesign(row)
	if err == sql.ErrNoRows {
		return Design{}, false, nil
	}
	if err != nil {
		return Design{}, false, err
	}
	return d, true, nil
}

func (s *Store) ListDesigns(ctx context.Context, projectID string) ([]Design, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+designColumns+` FROM experiment_designs WHERE project_id=$1 ORDER BY created_at DESC, id DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Design
	for rows.Next() {
		d, err := scanDesign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// AddRun inserts a run. New runs start queued; the design must belong to the project.
func (s *Store) AddRun(ctx context.Context, r Run) error {
	if r.ID == "" {
		return fmt.Errorf("run id must be provided")
	}
	if r.Status == "" {
		r.Status = RunQueued
	}
	if r.Platform == "" {
		r.Platform = "local"
	}
	results, err := marshalResults(r.ResultsData)
	if err != nil {
		return err
	}
	meta, err := metadataJSON(r.Metadata)
	if err != nil {
		return err
	}
	err = s.withProjectTx(ctx, r.ProjectID, func(tx *sql.Tx) error {
		if err := requireParent(ctx, tx, "experiment_designs", "design", r.DesignID, r.ProjectID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
INSERT INTO experiment_runs (id, design_id, project_id, status, platform, started_at, completed_at, duration_seconds, compute_cost_usd, results_data, logs, error, metadata)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (id) DO UPDATE SET
  status = EXCLUDED.status,
  platform = EXCLUDED.platform,
  completed_at = EXCLUDED.completed_at,
  duration_seconds = EXCLUDED.duration_seconds,
  compute_cost_usd = EXCLUDED.compute_cost_usd,
  results_data = EXCLUDED.results_data,
  logs = EXCLUDED.logs,
  error = EXCLUDED.error,
  metadata = EXCLUDED.metadata
WHERE experiment_runs.project_id = EXCLUDED.project_id
`, r.ID, r.DesignID, r.ProjectID, string(r.Status), r.Platform, stamp(r.StartedAt), nullableTime(r.CompletedAt),
			nullableFloat(r.DurationSeconds), r.ComputeCostUSD, results, nullableString(r.Logs), nullableString(r.Error), meta)
		if err != nil {
			return err
		}
		return upserted(res, "run", r.ID, r.ProjectID)
	})
	if err != nil {
		return err
	}
	recordWrite(ctx, "run")
	return nil
}

func marshalResults(r *RunResults) (interface{}, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal results data: %w", err)
	}
	return b, nil
}

// TransitionRun moves a run along its lifecycle. Completing requires results;
// terminal transitions stamp completed_at.
func (s *Store) TransitionRun(ctx context.Context, projectID, id string, upd RunUpdate) error {
	if upd.Status == RunCompleted && upd.ResultsData == nil {
		return fmt.Errorf("%w: completed run %s requires results", ErrInvalidTransition, id)
	}
	from := allowedFrom(upd.Status)
	if len(from) == 0 {
		return fmt.Errorf("%w: nothing may move to %s", ErrInvalidTransition, upd.Status)
	}
	results, err := marshalResults(upd.ResultsData)
	if err != nil {
		return err
	}
	var completedAt interface{}
	if upd.Status.Terminal() {
		completedAt = time.Now().UTC()
	}
	err = s.withProjectTx(ctx, projectID, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE experiment_runs SET
  status = $3,
  results_data = COALESCE($4, results_data),
  logs = COALESCE($5, logs),
  error = COALESCE($6, error),
  duration_seconds = COALESCE($7, duration_seconds),
  completed_at = COALESCE($8, completed_at)
WHERE id=$1 AND project_id=$2 AND status = ANY($9)
`, id, projectID, string(upd.Status), results, nullableString(upd.Logs), nullableString(upd.Error),
			nullableFloat(upd.DurationSeconds), completedAt, pq.Array(from))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		var current string
		err = tx.QueryRowContext(ctx, `SELECT status FROM experiment_runs WHERE id=$1 AND project_id=$2`, id, projectID).Scan(&current)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: run %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, upd.Status)
	})
	if err != nil {
		return err
	}
	recordWrite(ctx, "run")
	return nil
}

const runColumns = `id, design_id, project_id, status, platform, started_at, completed_at, duration_seconds, compute_cost_usd, results_data, logs, error, metadata`

func scanRun(row interface{ Scan(...interface{}) error }) (Run, error) {
	var (
		r             Run
		status        string
		completedAt   sql.NullTime
		duration      sql.NullFloat64
		results, meta []byte
		logs, errText sql.NullString
	)
	if err := row.Scan(&r.ID, &r.DesignID, &r.ProjectID, &status, &r.Platform, &r.StartedAt, &completedAt, &duration, &r.ComputeCostUSD, &results, &logs, &errText, &meta); err != nil {
		return Run{}, err
	}
	r.Status = RunStatus(status)
	r.CompletedAt = timePtr(completedAt)
	r.DurationSeconds = floatPtr(duration)
	if len(results) > 0 {
		var rd RunResults
		if err := json.Unmarshal(results, &rd); err == nil {
			r.ResultsData = &rd
		}
	}
	r.Logs = logs.String
	r.Error = errText.String
	r.Metadata = decodeMetadata(meta)
	return r, nil
}

func (s *Store) GetRun(ctx context.Context, projectID, id string) (Run, bool, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM experiment_runs WHERE id=$1 AND project_id=$2`, id, projectID)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return Run{}, false, nil
	}
	if err != nil {
		return Run{}, false, err
	}
	return r, true, nil
}

// LatestRun returns the most recently started run in the project regardless of status.
func (s *Store) LatestRun(ctx context.Context, projectID string) (Run, bool, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM experiment_runs WHERE project_id=$1 ORDER BY started_at DESC, id DESC LIMIT 1`, projectID)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return Run{}, false, nil
	}
	if err != nil {
		return Run{}, false, err
	}
	return r, true, nil
}

func (s *Store) ListRuns(ctx context.Context, projectID string) ([]Run, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+runColumns+` FROM experiment_runs WHERE project_id=$1 ORDER BY started_at DESC, id DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// LogStageRun appends a row to the stage execution log and returns its id.
func (s *Store) LogStageRun(ctx context.Context, r StageRun) (int64, error) {
	if r.Stage == "" {
		return 0, fmt.Errorf("stage must be provided")
	}
	if r.Status == "" {
		r.Status = StageRunCompleted
	}
	results, err := metadataJSON(r.Results)
	if err != nil {
		return 0, fmt.Errorf("stage results: %w", err)
	}
	var id int64
	err = s.withProjectTx(ctx, r.ProjectID, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `
INSERT INTO stage_runs (project_id, stage, started_at, completed_at, status, tokens_used, cost_usd, results, error)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
RETURNING id
`, r.ProjectID, r.Stage, stamp(r.StartedAt), nullableTime(r.CompletedAt), string(r.Status), r.TokensUsed, r.CostUSD, results, nullableString(r.Error)).Scan(&id)
	})
	if err != nil {
		return 0, err
	}
	recordWrite(ctx, "stage_run")
	return id, nil
}

const stageRunColumns = `id, project_id, stage, started_at, completed_at, status, tokens_used, cost_usd, results, error`

func scanStageRun(row interface{ Scan(...interface{}) error }) (StageRun, error) {
	var (
		r           StageRun
		completedAt sql.NullTime
		status      string
		results     []byte
		errText     sql.NullString
	)
	if err := row.Scan(&r.ID, &r.ProjectID, &r.Stage, &r.StartedAt, &completedAt, &status, &r.TokensUsed, &r.CostUSD, &results, &errText); err != nil {
		return StageRun{}, err
	}
	r.CompletedAt = timePtr(completedAt)
	r.Status = StageRunStatus(status)
	r.Results = decodeMetadata(results)
	r.Error = errText.String
	return r, nil
}

// LatestStageRun returns the newest log row for a stage, optionally filtered by status.
func (s *Store) LatestStageRun(ctx context.Context, projectID, stage string, status StageRunStatus) (StageRun, bool, error) {
	query := `SELECT ` + stageRunColumns + ` FROM stage_runs WHERE project_id=$1 AND stage=$2`
	args := []interface{}{projectID, stage}
	if status != "" {
		query += ` AND status=$3`
		args = append(args, string(status))
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT 1`
	r, err := scanStageRun(s.DB.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return StageRun{}, false, nil
	}
	if err != nil {
		return StageRun{}, false, err
	}
	return r, true, nil
}

func (s *Store) ListStageRuns(ctx context.Context, projectID string) ([]StageRun, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+stageRunColumns+` FROM stage_runs WHERE project_id=$1 ORDER BY started_at DESC, id DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StageRun
	for rows.Next() {
		r, err := scanStageRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

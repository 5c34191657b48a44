package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// AddPaper upserts a paper keyed by project and source id. The same source
// paper may be held by several projects.
func (s *Store) AddPaper(ctx context.Context, p Paper) error {
	if p.ID == "" {
		return fmt.Errorf("paper id must be provided")
	}
	if p.RelevanceScore < 1 || p.RelevanceScore > 10 {
		return fmt.Errorf("relevance score %.2f outside [1,10]", p.RelevanceScore)
	}
	authors, err := marshalJSON(p.Authors, "[]")
	if err != nil {
		return fmt.Errorf("marshal authors: %w", err)
	}
	err = s.withProjectTx(ctx, p.ProjectID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO papers (id, project_id, title, authors, abstract, published_date, url, relevance_score, added_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (project_id, id) DO UPDATE SET
  title = EXCLUDED.title,
  authors = EXCLUDED.authors,
  abstract = EXCLUDED.abstract,
  published_date = EXCLUDED.published_date,
  url = EXCLUDED.url,
  relevance_score = EXCLUDED.relevance_score,
  added_at = EXCLUDED.added_at
`, p.ID, p.ProjectID, p.Title, authors, p.Abstract, nullableString(p.PublishedDate), nullableString(p.URL), p.RelevanceScore, stamp(p.AddedAt))
		return err
	})
	if err != nil {
		return err
	}
	recordWrite(ctx, "paper")
	return nil
}

// ListPapers returns a project's papers, most relevant first.
func (s *Store) ListPapers(ctx context.Context, projectID string) ([]Paper, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, project_id, title, authors, abstract, published_date, url, relevance_score, added_at
FROM papers
WHERE project_id=$1
ORDER BY relevance_score DESC, added_at DESC, id
`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Paper
	for rows.Next() {
		var (
			p          Paper
			authorsRaw []byte
			published  sql.NullString
			url        sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.ProjectID, &p.Title, &authorsRaw, &p.Abstract, &published, &url, &p.RelevanceScore, &p.AddedAt); err != nil {
			return nil, err
		}
		if len(authorsRaw) > 0 {
			_ = json.Unmarshal(authorsRaw, &p.Authors)
		}
		p.PublishedDate = published.String
		p.URL = url.String
		out = append(out, p)
	}
	return out, rows.Err()
}

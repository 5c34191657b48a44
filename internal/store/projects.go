package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// CreateProject inserts a new active project. Re-using an id returns ErrDuplicateProject.
func (s *Store) CreateProject(ctx context.Context, id, name, domain string, metadata map[string]interface{}) (Project, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Project{}, fmt.Errorf("project id must be provided")
	}
	if strings.TrimSpace(name) == "" {
		name = id
	}
	metaBytes, err := metadataJSON(metadata)
	if err != nil {
		return Project{}, err
	}
	p := Project{ID: id, Name: name, Domain: domain, Status: ProjectActive, Metadata: decodeMetadata(metaBytes)}
	err = s.DB.QueryRowContext(ctx, `
INSERT INTO projects (id, name, domain, status, metadata)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (id) DO NOTHING
RETURNING created_at, updated_at
`, id, name, domain, string(ProjectActive), metaBytes).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows || isUniqueViolation(err) {
		return Project{}, fmt.Errorf("%w: %s", ErrDuplicateProject, id)
	}
	if err != nil {
		return Project{}, err
	}
	recordWrite(ctx, "project")
	return p, nil
}

const projectColumns = `id, name, domain, status, created_at, updated_at, metadata`

func scanProject(row interface{ Scan(...interface{}) error }) (Project, error) {
	var (
		p       Project
		status  string
		metaRaw []byte
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Domain, &status, &p.CreatedAt, &p.UpdatedAt, &metaRaw); err != nil {
		return Project{}, err
	}
	p.Status = ProjectStatus(status)
	p.Metadata = decodeMetadata(metaRaw)
	return p, nil
}

func (s *Store) GetProject(ctx context.Context, id string) (Project, bool, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=$1`, id)
	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return Project{}, false, nil
	}
	if err != nil {
		return Project{}, false, err
	}
	return p, true, nil
}

// ListProjects returns projects newest-first. An empty status lists all of them.
func (s *Store) ListProjects(ctx context.Context, status ProjectStatus) ([]Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects`
	var args []interface{}
	if status != "" {
		query += ` WHERE status=$1`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ArchiveProject moves a project to archived.
func (s *Store) ArchiveProject(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE projects SET status=$2, updated_at=$3 WHERE id=$1`, id, string(ProjectArchived), time.Now().UTC())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: project %s", ErrNotFound, id)
	}
	recordWrite(ctx, "project")
	return nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// Store is the Postgres-backed research ledger.
type Store struct {
	DB *sql.DB
}

var (
	// ErrDuplicateProject is returned when a project id is already taken.
	ErrDuplicateProject = errors.New("project already exists")
	// ErrNotFound is returned by mutations targeting a record that does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidTransition is returned when a run status change violates the run lifecycle.
	ErrInvalidTransition = errors.New("invalid run status transition")
	// ErrForeignID is returned when an upsert targets an id owned by another project.
	ErrForeignID = errors.New("id belongs to another project")
)

// ParentNotFoundError reports a child write whose parent is missing from the project.
type ParentNotFoundError struct {
	Kind      string
	ID        string
	ProjectID string
}

func (e ParentNotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found in project %q", e.Kind, e.ID, e.ProjectID)
}

var (
	metricsOnce    sync.Once
	writeCounter   otelmetric.Int64Counter
	metricsInitErr error
)

func initStoreMetrics() {
	meter := otel.Meter("store")
	var err error
	writeCounter, err = meter.Int64Counter("ledger_writes_total")
	if err != nil {
		metricsInitErr = err
	}
}

func recordWrite(ctx context.Context, entity string) {
	metricsOnce.Do(initStoreMetrics)
	if metricsInitErr != nil || writeCounter == nil {
		return
	}
	writeCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("entity", entity)))
}

// New builds a Store from DATABASE_URL or the POSTGRES_* environment.
func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = BuildDSN(
			getenvDefault("POSTGRES_HOST", "localhost"),
			getenvDefault("POSTGRES_PORT", "5432"),
			os.Getenv("POSTGRES_USER"),
			os.Getenv("POSTGRES_PASSWORD"),
			os.Getenv("POSTGRES_DB"),
			getenvDefault("POSTGRES_SSLMODE", "disable"),
		)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// BuildDSN renders a postgres:// connection string, filling the usual defaults.
func BuildDSN(host, port, user, pass, db, ssl string) string {
	if port == "" {
		port = "5432"
	}
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// NewID returns a prefixed identifier with a 12 character hex suffix, e.g. hyp_3f2a9c01b7de.
func NewID(prefix string) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "_" + hex[:12]
}

// withProjectTx runs fn inside a transaction and bumps the owning project's updated_at.
// A missing project aborts the transaction with ParentNotFoundError.
func (s *Store) withProjectTx(ctx context.Context, projectID string, fn func(tx *sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE projects SET updated_at=NOW() WHERE id=$1`, projectID)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_ = tx.Rollback()
		return ParentNotFoundError{Kind: "project", ID: projectID, ProjectID: projectID}
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// upserted turns an upsert that touched no row into ErrForeignID. The
// conflict clause only updates rows of the same project.
func upserted(res sql.Result, kind, id, projectID string) error {
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s %s is not in project %s", ErrForeignID, kind, id, projectID)
	}
	return nil
}

// requireParent checks that id exists in table under the given project.
func requireParent(ctx context.Context, tx *sql.Tx, table, kind, id, projectID string) error {
	var ok bool
	query := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE id=$1 AND project_id=$2)`, table)
	if err := tx.QueryRowContext(ctx, query, id, projectID).Scan(&ok); err != nil {
		return err
	}
	if !ok {
		return ParentNotFoundError{Kind: kind, ID: id, ProjectID: projectID}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func marshalJSON(v interface{}, empty string) ([]byte, error) {
	if v == nil {
		return []byte(empty), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return []byte(empty), nil
	}
	return b, nil
}

func metadataJSON(meta map[string]interface{}) ([]byte, error) {
	if meta == nil {
		meta = map[string]interface{}{}
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return b, nil
}

func decodeMetadata(raw []byte) map[string]interface{} {
	meta := map[string]interface{}{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &meta)
	}
	return meta
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

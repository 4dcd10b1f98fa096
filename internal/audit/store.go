// Package audit keeps a local SQLite log of anonymizer operations. Only
// sizes, counts and labels are stored; texts and originals never are.
package audit

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/gonkalabs/gonka-anonymizer/internal/anon"
	"github.com/gonkalabs/gonka-anonymizer/internal/audit/migrations"
)

// Operation names.
const (
	OpAnonymize   = "anonymize"
	OpDeanonymize = "deanonymize"
)

// Operation is one audited call. Kind is empty on success and the wire
// error kind otherwise.
type Operation struct {
	ID          string         `json:"id"`
	Op          string         `json:"op"`
	Kind        string         `json:"kind,omitempty"`
	InputBytes  int            `json:"input_bytes"`
	OutputBytes int            `json:"output_bytes"`
	Entities    int            `json:"entities"`
	Labels      map[string]int `json:"labels,omitempty"`
	Duration    time.Duration  `json:"duration_ns"`
	CreatedAt   time.Time      `json:"created_at"`
}

// OpSummary aggregates operations of one name.
type OpSummary struct {
	Op       string `json:"op"`
	Count    int    `json:"count"`
	Failed   int    `json:"failed"`
	Entities int    `json:"entities"`
}

// Recorder stores operations.
type Recorder interface {
	Record(ctx context.Context, op Operation) error
}

// Store is a SQLite-backed Recorder.
type Store struct {
	db   *sql.DB
	path string
}

var _ Recorder = (*Store)(nil)

// Open opens (creating if needed) the audit database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("creating audit directory: %w", err)
		}
	}

	// Open database with WAL mode for better concurrency
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// migrate runs all pending migrations.
func (s *Store) migrate(fsys embed.FS) error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var currentVersion int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	var upFiles []string
	for _, entry := range entries {
		if name := entry.Name(); strings.HasSuffix(name, ".up.sql") {
			upFiles = append(upFiles, name)
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		// "001_initial.up.sql" -> 1
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		if version <= currentVersion {
			continue
		}

		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
	}
	return nil
}

// Record stores op, filling ID and CreatedAt when unset.
func (s *Store) Record(ctx context.Context, op Operation) error {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now()
	}
	labels := op.Labels
	if labels == nil {
		labels = map[string]int{}
	}
	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		return fmt.Errorf("marshalling labels: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO operations (id, op, kind, input_bytes, output_bytes, entities, labels, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, op.ID, op.Op, op.Kind, op.InputBytes, op.OutputBytes, op.Entities, string(labelsJSON),
		op.Duration.Milliseconds(), op.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("recording operation: %w", err)
	}
	return nil
}

// List returns the most recent operations, newest first. limit <= 0 means 50.
func (s *Store) List(ctx context.Context, limit int) ([]Operation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, op, kind, input_bytes, output_bytes, entities, labels, duration_ms, created_at
		FROM operations
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		var (
			op         Operation
			labelsJSON string
			durationMS int64
			createdAt  string
		)
		if err := rows.Scan(&op.ID, &op.Op, &op.Kind, &op.InputBytes, &op.OutputBytes,
			&op.Entities, &labelsJSON, &durationMS, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}
		if err := json.Unmarshal([]byte(labelsJSON), &op.Labels); err != nil {
			return nil, fmt.Errorf("unmarshalling labels: %w", err)
		}
		op.Duration = time.Duration(durationMS) * time.Millisecond
		op.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// Summary returns per-operation totals ordered by operation name.
func (s *Store) Summary(ctx context.Context) ([]OpSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT op, COUNT(*), SUM(CASE WHEN kind != '' THEN 1 ELSE 0 END), COALESCE(SUM(entities), 0)
		FROM operations
		GROUP BY op
		ORDER BY op
	`)
	if err != nil {
		return nil, fmt.Errorf("summarising operations: %w", err)
	}
	defer rows.Close()

	var out []OpSummary
	for rows.Next() {
		var sum OpSummary
		if err := rows.Scan(&sum.Op, &sum.Count, &sum.Failed, &sum.Entities); err != nil {
			return nil, fmt.Errorf("scanning summary: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// CountEntities returns per-label counts of m and their total. Escaped
// literals are not entities and are left out.
func CountEntities(m anon.Mapping) (map[string]int, int) {
	labels := anon.LabelCounts(m)
	delete(labels, anon.LabelLiteral)
	total := 0
	for _, n := range labels {
		total += n
	}
	return labels, total
}

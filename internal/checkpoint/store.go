// Package checkpoint implements the L5 Checkpoint Store: durable
// per-component progress, backed by an embedded SQLite database so it
// survives process restart without a separate server.
package checkpoint

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/netresearch/j2o-core/internal/observability"
)

// Checkpoint is one component's durable progress record.
type Checkpoint struct {
	Component         string
	LastCompletedIdx  int
	ResumeToken       string
	UpdatedAt         time.Time
}

// Store is a key-value store keyed by component name, with atomic
// writes via SQLite's own transaction durability (the embedded-SQL
// alternative to tmp-file+rename the contract in spec.md §4.5 allows).
type Store struct {
	db      *sql.DB
	logger  *observability.Logger
	metrics *observability.Metrics
}

// Open opens (creating if absent) the checkpoint database at path.
func Open(path string, logger *observability.Logger, metrics *observability.Metrics) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open %s: %w", path, err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			component TEXT PRIMARY KEY,
			last_completed_idx INTEGER NOT NULL,
			resume_token TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: create schema: %w", err)
	}

	return &Store{db: db, logger: logger, metrics: metrics}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns component's checkpoint, or (nil, nil) if none exists.
func (s *Store) Get(component string) (*Checkpoint, error) {
	row := s.db.QueryRow(
		`SELECT last_completed_idx, resume_token, updated_at FROM checkpoints WHERE component = ?`,
		component,
	)

	var cp Checkpoint
	cp.Component = component
	var updatedAt string
	if err := row.Scan(&cp.LastCompletedIdx, &cp.ResumeToken, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("checkpoint: get %s: %w", component, err)
	}

	parsed, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: parse updated_at for %s: %w", component, err)
	}
	cp.UpdatedAt = parsed
	return &cp, nil
}

// Advance records component's progress as an atomic upsert; a single
// SQLite statement execution either commits in full or not at all,
// satisfying the "crash never leaves a torn record" contract without a
// separate tmp-file dance.
func (s *Store) Advance(component string, newIndex int, resumeToken string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err := s.db.Exec(`
		INSERT INTO checkpoints (component, last_completed_idx, resume_token, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(component) DO UPDATE SET
			last_completed_idx = excluded.last_completed_idx,
			resume_token = excluded.resume_token,
			updated_at = excluded.updated_at
	`, component, newIndex, resumeToken, now)
	if err != nil {
		return fmt.Errorf("checkpoint: advance %s: %w", component, err)
	}

	s.metrics.RecordCheckpointAdvance(component)
	return nil
}

// Reset deletes component's checkpoint, forcing a full replay on the
// next run. Requires an explicit operator flag upstream (the CLI's
// --reset-wp-checkpoints or equivalent); Reset itself performs no such
// gating, since it operates below the operator-facing surface.
func (s *Store) Reset(component string) error {
	if _, err := s.db.Exec(`DELETE FROM checkpoints WHERE component = ?`, component); err != nil {
		return fmt.Errorf("checkpoint: reset %s: %w", component, err)
	}
	return nil
}

// IsFresh reports whether component's checkpoint was updated within
// window, the fast-forward freshness test spec.md §4.5 describes.
func (s *Store) IsFresh(component string, window time.Duration) (bool, error) {
	cp, err := s.Get(component)
	if err != nil {
		return false, err
	}
	if cp == nil {
		return false, nil
	}
	return time.Since(cp.UpdatedAt) <= window, nil
}

// Package names persists the display names assigned to rooms and
// devices, and loads the legacy static id → name mapping.
//
// Names live outside the engine's tables: the engine forgets everything
// on restart, so stored names are re-applied through [Restore] each time
// the service starts.
package names

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Kind distinguishes room names from device names.
type Kind string

const (
	KindRoom   Kind = "room"
	KindDevice Kind = "device"
)

// Store is a name table backed by SQLite. All public methods are safe
// for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore opens or creates the name store at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entity_names (
		kind       TEXT NOT NULL,
		id         TEXT NOT NULL,
		name       TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (kind, id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get returns the stored name for an entity. ok is false if none is stored.
func (s *Store) Get(kind Kind, id string) (name string, ok bool, err error) {
	err = s.db.QueryRow(
		`SELECT name FROM entity_names WHERE kind = ? AND id = ?`,
		string(kind), id,
	).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s/%s: %w", kind, id, err)
	}
	return name, true, nil
}

// Set upserts a name. Existing names are overwritten and updated_at is
// refreshed.
func (s *Store) Set(kind Kind, id, name string) error {
	_, err := s.db.Exec(
		`INSERT INTO entity_names (kind, id, name, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (kind, id) DO UPDATE
		 SET name = excluded.name, updated_at = excluded.updated_at`,
		string(kind), id, name, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", kind, id, err)
	}
	return nil
}

// Delete removes a stored name. No error is returned if none exists.
func (s *Store) Delete(kind Kind, id string) error {
	_, err := s.db.Exec(
		`DELETE FROM entity_names WHERE kind = ? AND id = ?`,
		string(kind), id,
	)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", kind, id, err)
	}
	return nil
}

// List returns all id → name pairs of one kind. Returns an empty
// (non-nil) map if there are none.
func (s *Store) List(kind Kind) (map[string]string, error) {
	rows, err := s.db.Query(
		`SELECT id, name FROM entity_names WHERE kind = ? ORDER BY id`,
		string(kind),
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scan %s: %w", kind, err)
		}
		result[id] = name
	}
	return result, rows.Err()
}

// Import stores every entry of mapping under kind in one transaction.
// It returns the number of entries written.
func (s *Store) Import(kind Kind, mapping map[string]string) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin import: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO entity_names (kind, id, name, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (kind, id) DO UPDATE
		 SET name = excluded.name, updated_at = excluded.updated_at`,
	)
	if err != nil {
		return 0, fmt.Errorf("prepare import: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	n := 0
	for id, name := range mapping {
		if id == "" {
			continue
		}
		if _, err := stmt.Exec(string(kind), id, name, now); err != nil {
			return 0, fmt.Errorf("import %s/%s: %w", kind, id, err)
		}
		n++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit import: %w", err)
	}
	return n, nil
}

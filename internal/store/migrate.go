package store

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

type migration struct {
	version     int
	description string
	up          string
}

var migrationFilePattern = regexp.MustCompile(`^(\d+)_(.+)\.(up|down)\.sql$`)

func loadMigrations() ([]migration, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("store: read migrations: %w", err)
	}
	var out []migration
	for _, e := range entries {
		m := migrationFilePattern.FindStringSubmatch(e.Name())
		if m == nil || m[3] != "up" {
			continue
		}
		version, _ := strconv.Atoi(m[1])
		content, err := fs.ReadFile(migrationsFS, "migrations/"+e.Name())
		if err != nil {
			return nil, fmt.Errorf("store: read %s: %w", e.Name(), err)
		}
		out = append(out, migration{
			version:     version,
			description: strings.ReplaceAll(m[2], "_", " "),
			up:          string(content),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// MigrateUp applies pending migrations and returns how many ran.
func (s *Store) MigrateUp(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (datetime('now')),
			description TEXT
		)
	`); err != nil {
		return 0, fmt.Errorf("store: create schema_version: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return 0, err
	}
	current, err := s.schemaVersion(ctx)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		err := s.transaction(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.up); err != nil {
				return fmt.Errorf("execute migration SQL: %w", err)
			}
			_, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version, description) VALUES (?, ?)", m.version, m.description)
			return err
		})
		if err != nil {
			return applied, fmt.Errorf("store: migration %d failed: %w", m.version, err)
		}
		s.log.Info().Int("version", m.version).Str("description", m.description).Msg("applied migration")
		applied++
	}
	return applied, nil
}

// SchemaVersion returns the highest applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	return s.schemaVersion(ctx)
}

func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v)
	return v, err
}

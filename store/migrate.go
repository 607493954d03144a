package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// migrationLockID serializes concurrent migrators across replicas.
const migrationLockID = 7_240_311

// Migrate applies pending migrations in lexical order. Each migration runs
// in its own transaction and is recorded in mathupdater_schema_migrations.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS mathupdater_schema_migrations (
			version    text PRIMARY KEY,
			applied_at timestamptz NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("store: create migrations table: %w", err)
	}

	names, err := migrationNames()
	if err != nil {
		return err
	}

	applied := 0
	for _, name := range names {
		ran, err := s.applyMigration(ctx, name)
		if err != nil {
			return err
		}
		if ran {
			applied++
			s.logger.Info("Applied migration", map[string]interface{}{
				"operation": "migrate",
				"version":   name,
			})
		}
	}

	s.logger.Info("Database schema up to date", map[string]interface{}{
		"operation": "migrate",
		"applied":   applied,
		"total":     len(names),
	})
	return nil
}

func (s *Store) applyMigration(ctx context.Context, name string) (bool, error) {
	body, err := migrationFiles.ReadFile("migrations/" + name)
	if err != nil {
		return false, fmt.Errorf("store: read migration %s: %w", name, err)
	}

	ran := false
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockID); err != nil {
			return fmt.Errorf("store: migration lock: %w", err)
		}

		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM mathupdater_schema_migrations WHERE version = $1)`, name,
		).Scan(&exists); err != nil {
			return fmt.Errorf("store: check migration %s: %w", name, err)
		}
		if exists {
			return nil
		}

		if _, err := tx.Exec(ctx, string(body)); err != nil {
			return fmt.Errorf("store: apply migration %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO mathupdater_schema_migrations (version) VALUES ($1)`, name,
		); err != nil {
			return fmt.Errorf("store: record migration %s: %w", name, err)
		}
		ran = true
		return nil
	})
	return ran, err
}

func migrationNames() ([]string, error) {
	entries, err := fs.ReadDir(migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("store: list migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

package store

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strings"

	"video-download-service/internal/apperrors"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// RunMigrations executes the embedded SQL migrations in order. Every file is
// written to be re-runnable, so this is safe on each start.
func (s *Store) RunMigrations(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		content, err := migrationFiles.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		sql := strings.TrimSpace(string(content))
		if sql == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %s: %w", name, apperrors.MapDBError(err))
		}
		s.log.Debug().Str("migration", name).Msg("migration applied")
	}
	return nil
}

// Reset drops every table and recreates the schema.
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DROP TABLE IF EXISTS audit_logs, jobs, videos CASCADE`); err != nil {
		return fmt.Errorf("drop tables: %w", apperrors.MapDBError(err))
	}
	s.log.Warn().Msg("schema dropped")
	return s.RunMigrations(ctx)
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Migration is one numbered file pair under db/migrations.
type Migration struct {
	Version string
	Path    string
}

// ListMigrations returns the files in dir ending in suffix, ordered by name.
func ListMigrations(dir, suffix string) ([]Migration, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var out []Migration
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), suffix) {
			continue
		}
		out = append(out, Migration{
			Version: strings.TrimSuffix(de.Name(), suffix) + ".up.sql",
			Path:    filepath.Join(dir, de.Name()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// ApplyMigrations runs every pending *.up.sql file in its own transaction.
func ApplyMigrations(ctx context.Context, db *sql.DB, migrationsDir string) error {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return err
	}
	ups, err := ListMigrations(migrationsDir, ".up.sql")
	if err != nil {
		return err
	}
	for _, m := range ups {
		applied, err := isMigrated(ctx, db, m.Version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := runMigration(ctx, db, m, `INSERT INTO schema_migrations(version) VALUES($1)`); err != nil {
			return err
		}
	}
	return nil
}

// RollbackMigrations runs the *.down.sql file of every applied migration,
// newest first. It returns how many were rolled back.
func RollbackMigrations(ctx context.Context, db *sql.DB, migrationsDir string) (int, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return 0, err
	}
	downs, err := ListMigrations(migrationsDir, ".down.sql")
	if err != nil {
		return 0, err
	}
	rolled := 0
	for i := len(downs) - 1; i >= 0; i-- {
		m := downs[i]
		applied, err := isMigrated(ctx, db, m.Version)
		if err != nil {
			return rolled, err
		}
		if !applied {
			continue
		}
		if err := runMigration(ctx, db, m, `DELETE FROM schema_migrations WHERE version=$1`); err != nil {
			return rolled, err
		}
		rolled++
	}
	return rolled, nil
}

func runMigration(ctx context.Context, db *sql.DB, m Migration, record string) error {
	contents, err := os.ReadFile(m.Path)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", filepath.Base(m.Path), err)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx %s: %w", m.Version, err)
	}
	defer func() { _ = tx.Rollback() }()

	if body := strings.TrimSpace(string(contents)); body != "" {
		if _, err := tx.ExecContext(ctx, body); err != nil {
			return fmt.Errorf("execute migration %s: %w", filepath.Base(m.Path), err)
		}
	}
	if _, err := tx.ExecContext(ctx, record, m.Version); err != nil {
		return fmt.Errorf("record migration %s: %w", m.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", m.Version, err)
	}
	return nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func isMigrated(ctx context.Context, db *sql.DB, version string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return exists, nil
}

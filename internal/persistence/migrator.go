package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"LubaLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Migrator runs SQL migration files in order.
// Compatible with golang-migrate file naming: {version}_{name}.up.sql / .down.sql
type Migrator struct {
	db         *sql.DB
	migrations fs.FS
	logger     zerolog.Logger
}

// NewMigrator reads migrations from fsys, normally migrations.FS or
// os.DirFS for an override directory.
func NewMigrator(db *sql.DB, fsys fs.FS) *Migrator {
	return &Migrator{db: db, migrations: fsys, logger: observability.NewLogger("migrator")}
}

// Pending returns the up-migrations not yet applied, in order.
func (m *Migrator) Pending(ctx context.Context) ([]string, error) {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return nil, fmt.Errorf("ensure migration table: %w", err)
	}
	applied, err := m.getAppliedVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("get applied versions: %w", err)
	}
	files, err := m.listMigrationFiles(".up.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	var pending []string
	for _, f := range files {
		if !applied[extractVersion(f)] {
			pending = append(pending, f)
		}
	}
	return pending, nil
}

// Up applies all pending up-migrations in order.
func (m *Migrator) Up(ctx context.Context) error {
	pending, err := m.Pending(ctx)
	if err != nil {
		return err
	}

	for _, f := range pending {
		m.logger.Info().Str("file", f).Msg("applying migration")
		err := m.runFile(ctx, f,
			`INSERT INTO public.schema_migrations (version, filename) VALUES ($1, $2)`,
			extractVersion(f), f)
		if err != nil {
			return err
		}
	}
	return nil
}

// Down rolls back the last applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return err
	}

	var version, filename string
	err := m.db.QueryRowContext(ctx,
		`SELECT version, filename FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&version, &filename)
	if errors.Is(err, sql.ErrNoRows) {
		m.logger.Info().Msg("no migrations to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("get latest migration: %w", err)
	}

	downFile := strings.TrimSuffix(filename, ".up.sql") + ".down.sql"
	if err := m.runFile(ctx, downFile, `DELETE FROM public.schema_migrations WHERE version = $1`, version); err != nil {
		return err
	}
	m.logger.Info().Str("file", downFile).Msg("rolled back migration")
	return nil
}

// runFile executes one migration file and its bookkeeping statement in a
// single transaction.
func (m *Migrator) runFile(ctx context.Context, file, record string, args ...any) error {
	content, err := fs.ReadFile(m.migrations, file)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", file, err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx for %s: %w", file, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("exec migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", file, err)
	}
	return nil
}

func (m *Migrator) ensureMigrationTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (m *Migrator) getAppliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM public.schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (m *Migrator) listMigrationFiles(suffix string) ([]string, error) {
	entries, err := fs.ReadDir(m.migrations, ".")
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			files = append(files, e.Name())
		}
	}

	sort.Strings(files)
	return files, nil
}

// extractVersion returns the numeric prefix from a migration filename.
// e.g. "000001_event_log.up.sql" -> "000001"
func extractVersion(filename string) string {
	parts := strings.SplitN(filename, "_", 2)
	if len(parts) > 0 {
		return parts[0]
	}
	return filename
}

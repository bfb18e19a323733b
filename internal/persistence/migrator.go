package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Migrator applies the vault's SQL schema files in version order. Files
// follow the {version}_{name}.up.sql / .down.sql convention; each applied
// version is recorded in vault_schema_migrations so reruns are no-ops.
type Migrator struct {
	db  *sql.DB
	dir string
}

func NewMigrator(db *sql.DB, dir string) *Migrator {
	return &Migrator{db: db, dir: dir}
}

// Up applies every up-migration not yet recorded, each in its own
// transaction together with its ledger row.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.ensureLedger(ctx); err != nil {
		return fmt.Errorf("ensure migration ledger: %w", err)
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return fmt.Errorf("read applied versions: %w", err)
	}

	files, err := m.filesWithSuffix(".up.sql")
	if err != nil {
		return fmt.Errorf("scan migrations dir: %w", err)
	}

	for _, name := range files {
		version := versionOf(name)
		if applied[version] {
			continue
		}
		if err := m.applyInTx(ctx, name, version); err != nil {
			return err
		}
		log.Printf("INFO: schema migration %s applied", name)
	}
	return nil
}

func (m *Migrator) applyInTx(ctx context.Context, name, version string) error {
	sqlText, err := os.ReadFile(filepath.Join(m.dir, name))
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, string(sqlText)); err != nil {
		tx.Rollback()
		return fmt.Errorf("apply %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO public.vault_schema_migrations (version, filename) VALUES ($1, $2)`,
		version, name,
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("record %s: %w", name, err)
	}
	return tx.Commit()
}

// Down reverts the most recently applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureLedger(ctx); err != nil {
		return err
	}

	var version, filename string
	err := m.db.QueryRowContext(ctx,
		`SELECT version, filename FROM public.vault_schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&version, &filename)
	if err == sql.ErrNoRows {
		log.Println("INFO: schema already at baseline, nothing to revert")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read migration ledger: %w", err)
	}

	downName := strings.Replace(filename, ".up.sql", ".down.sql", 1)
	sqlText, err := os.ReadFile(filepath.Join(m.dir, downName))
	if err != nil {
		return fmt.Errorf("read %s: %w", downName, err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, string(sqlText)); err != nil {
		tx.Rollback()
		return fmt.Errorf("apply %s: %w", downName, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM public.vault_schema_migrations WHERE version = $1`, version,
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("unrecord %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	log.Printf("INFO: schema migration %s reverted", downName)
	return nil
}

func (m *Migrator) ensureLedger(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.vault_schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM public.vault_schema_migrations`)
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

// filesWithSuffix returns matching migration files sorted by name, which
// with zero-padded versions is version order.
func (m *Migrator) filesWithSuffix(suffix string) ([]string, error) {
	entries, err := os.ReadDir(m.dir)
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

// versionOf extracts the zero-padded numeric prefix, "000001" from
// "000001_vault_log.up.sql".
func versionOf(name string) string {
	if i := strings.Index(name, "_"); i > 0 {
		return name[:i]
	}
	return name
}

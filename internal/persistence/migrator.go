package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// migration pairs the up and down scripts sharing one version prefix,
// e.g. 000001_tx_log.up.sql / 000001_tx_log.down.sql. downFile is empty
// when no rollback script exists.
type migration struct {
	version  string
	name     string
	upFile   string
	downFile string
}

// Migrator applies versioned SQL files from a directory, recording progress
// in schema_migrations. File naming follows the golang-migrate convention.
type Migrator struct {
	db  *sql.DB
	dir string
	log zerolog.Logger
}

func NewMigrator(db *sql.DB, dir string, log zerolog.Logger) *Migrator {
	return &Migrator{db: db, dir: dir, log: log}
}

// Up applies every migration not yet recorded, oldest first. Each script
// runs in its own transaction together with its bookkeeping row, so a
// failing script leaves no half-applied version behind.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}
	migrations, err := m.discover()
	if err != nil {
		return err
	}
	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return err
	}

	for _, mig := range migrations {
		if applied[mig.version] {
			m.log.Debug().Str("version", mig.version).Msg("migration already applied")
			continue
		}
		err := m.execScript(ctx, mig.upFile, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO public.schema_migrations (version, filename) VALUES ($1, $2)`,
				mig.version, mig.upFile)
			return err
		})
		if err != nil {
			return err
		}
		m.log.Info().Str("version", mig.version).Str("name", mig.name).Msg("migration applied")
	}
	return nil
}

// Down rolls back the most recently recorded migration using its paired
// down script. A version without one cannot be rolled back.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}

	var version string
	err := m.db.QueryRowContext(ctx,
		`SELECT version FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		m.log.Info().Msg("no migrations to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("latest migration version: %w", err)
	}

	migrations, err := m.discover()
	if err != nil {
		return err
	}
	var target *migration
	for i := range migrations {
		if migrations[i].version == version {
			target = &migrations[i]
			break
		}
	}
	if target == nil || target.downFile == "" {
		return fmt.Errorf("version %s has no down script in %s", version, m.dir)
	}

	err = m.execScript(ctx, target.downFile, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM public.schema_migrations WHERE version = $1`, version)
		return err
	})
	if err != nil {
		return err
	}
	m.log.Info().Str("version", version).Str("name", target.name).Msg("migration rolled back")
	return nil
}

// execScript runs one SQL file and its bookkeeping statement in a single
// transaction.
func (m *Migrator) execScript(ctx context.Context, file string, record func(*sql.Tx) error) error {
	script, err := os.ReadFile(filepath.Join(m.dir, file))
	if err != nil {
		return fmt.Errorf("read %s: %w", file, err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, string(script)); err != nil {
		tx.Rollback()
		return fmt.Errorf("exec %s: %w", file, err)
	}
	if err := record(tx); err != nil {
		tx.Rollback()
		return fmt.Errorf("record %s: %w", file, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", file, err)
	}
	return nil
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM public.schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("applied versions: %w", err)
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

// discover scans the migrations directory and pairs up/down scripts by
// version, sorted ascending.
func (m *Migrator) discover() ([]migration, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", m.dir, err)
	}

	downs := make(map[string]string)
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".down.sql") {
			version, _ := splitMigrationName(e.Name(), ".down.sql")
			downs[version] = e.Name()
		}
	}

	var migrations []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".up.sql") {
			continue
		}
		version, name := splitMigrationName(e.Name(), ".up.sql")
		migrations = append(migrations, migration{
			version:  version,
			name:     name,
			upFile:   e.Name(),
			downFile: downs[version],
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].version < migrations[j].version
	})
	return migrations, nil
}

// splitMigrationName takes "000001_tx_log.up.sql" apart into version
// "000001" and name "tx_log".
func splitMigrationName(filename, suffix string) (version, name string) {
	base := strings.TrimSuffix(filename, suffix)
	if i := strings.Index(base, "_"); i >= 0 {
		return base[:i], base[i+1:]
	}
	return base, ""
}

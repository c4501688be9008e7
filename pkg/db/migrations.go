package db

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Migration is a single .sql migration file.
type Migration struct {
	Version string
	Name    string
}

// MigrationResult holds the result of a migration run.
type MigrationResult struct {
	Applied []string
	Skipped []string
}

// MigrationStatusEntry is a single migration in a status report.
type MigrationStatusEntry struct {
	Version   string     `json:"version" yaml:"version"`
	Name      string     `json:"name" yaml:"name"`
	AppliedAt *time.Time `json:"applied_at,omitempty" yaml:"applied_at,omitempty"`
}

// MigrationStatus groups migrations by state.
type MigrationStatus struct {
	Applied []MigrationStatusEntry `json:"applied" yaml:"applied"`
	Pending []MigrationStatusEntry `json:"pending" yaml:"pending"`
	// Drift lists versions recorded as applied with no matching file.
	Drift []MigrationStatusEntry `json:"drift" yaml:"drift"`
}

// Migrator applies .sql files from a filesystem in lexical order, recording each applied
// file in schema_migrations. Use numeric prefixes such as 001_ to order files.
type Migrator struct {
	pool   *pgxpool.Pool
	source fs.FS
}

// NewMigrator creates a Migrator reading migrations from source, usually an embed.FS.
func NewMigrator(pool *pgxpool.Pool, source fs.FS) *Migrator {
	return &Migrator{pool: pool, source: source}
}

// NewDirMigrator creates a Migrator reading migrations from a directory on disk.
func NewDirMigrator(pool *pgxpool.Pool, dir string) *Migrator {
	return NewMigrator(pool, os.DirFS(dir))
}

// Up applies every pending migration. It stops at the first failure.
func (m *Migrator) Up(ctx context.Context) (*MigrationResult, error) {
	return m.UpTo(ctx, "")
}

// UpTo applies pending migrations up to and including target. An empty target applies all.
func (m *Migrator) UpTo(ctx context.Context, target string) (*MigrationResult, error) {
	migrations, applied, err := m.load(ctx)
	if err != nil {
		return nil, err
	}

	last := len(migrations) - 1
	if target != "" {
		last = -1
		for i, mig := range migrations {
			if mig.Version == normalizeVersion(target) {
				last = i
				break
			}
		}
		if last < 0 {
			return nil, fmt.Errorf("target version %s not found in migrations", target)
		}
	}

	result := &MigrationResult{}
	for _, mig := range migrations[:last+1] {
		if _, ok := applied[mig.Version]; ok {
			result.Skipped = append(result.Skipped, mig.Version)
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return result, fmt.Errorf("migration %s failed: %w", mig.Version, err)
		}
		result.Applied = append(result.Applied, mig.Version)
	}
	return result, nil
}

// Status reports applied, pending and drifted migrations.
func (m *Migrator) Status(ctx context.Context) (*MigrationStatus, error) {
	migrations, applied, err := m.load(ctx)
	if err != nil {
		return nil, err
	}

	status := &MigrationStatus{
		Applied: []MigrationStatusEntry{},
		Pending: []MigrationStatusEntry{},
		Drift:   []MigrationStatusEntry{},
	}
	known := make(map[string]bool, len(migrations))
	for _, mig := range migrations {
		known[mig.Version] = true
		if at, ok := applied[mig.Version]; ok {
			status.Applied = append(status.Applied, MigrationStatusEntry{Version: mig.Version, Name: mig.Name, AppliedAt: &at})
		} else {
			status.Pending = append(status.Pending, MigrationStatusEntry{Version: mig.Version, Name: mig.Name})
		}
	}
	for version, at := range applied {
		if known[version] {
			continue
		}
		status.Drift = append(status.Drift, MigrationStatusEntry{Version: version, Name: version + ".sql", AppliedAt: &at})
	}
	sort.Slice(status.Drift, func(i, j int) bool { return status.Drift[i].Version < status.Drift[j].Version })
	return status, nil
}

func (m *Migrator) load(ctx context.Context) ([]Migration, map[string]time.Time, error) {
	if m.pool == nil {
		return nil, nil, fmt.Errorf("pool is nil")
	}
	if err := m.ensureTable(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to create migrations table: %w", err)
	}
	migrations, err := findMigrations(m.source)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find migrations: %w", err)
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}
	return migrations, applied, nil
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT NOW()
		)
	`)
	return err
}

func (m *Migrator) applied(ctx context.Context) (map[string]time.Time, error) {
	rows, err := m.pool.Query(ctx, "SELECT version, applied_at FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]time.Time)
	for rows.Next() {
		var version string
		var appliedAt time.Time
		if err := rows.Scan(&version, &appliedAt); err != nil {
			return nil, err
		}
		applied[normalizeVersion(version)] = appliedAt
	}
	return applied, rows.Err()
}

func (m *Migrator) apply(ctx context.Context, mig Migration) error {
	content, err := fs.ReadFile(m.source, mig.Name)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	sql := string(content)
	if strings.TrimSpace(sql) == "" {
		return fmt.Errorf("migration file is empty")
	}

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) // nolint: errcheck

	if _, err := tx.Exec(ctx, sql); err != nil {
		return fmt.Errorf("failed to execute SQL: %w", err)
	}
	if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", mig.Name); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit(ctx)
}

// findMigrations lists the .sql files at the root of source, sorted by version.
func findMigrations(source fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(source, ".")
	if err != nil {
		return nil, err
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(path.Ext(entry.Name()), ".sql") {
			continue
		}
		migrations = append(migrations, Migration{
			Version: normalizeVersion(entry.Name()),
			Name:    entry.Name(),
		})
	}
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// normalizeVersion strips a .sql suffix; schema_migrations stores full file names.
func normalizeVersion(v string) string {
	if len(v) > 4 && strings.EqualFold(v[len(v)-4:], ".sql") {
		return v[:len(v)-4]
	}
	return v
}

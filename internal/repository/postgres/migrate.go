package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Migration is one SQL file from the migrations directory. Version is the
// file name; files apply in lexical order.
type Migration struct {
	Version string
	SQL     string
}

// MigrationState is a migration and when it was applied. AppliedAt is zero
// for pending migrations.
type MigrationState struct {
	Version   string
	AppliedAt time.Time
}

// Pending reports whether the migration has not been applied.
func (m MigrationState) Pending() bool { return m.AppliedAt.IsZero() }

const createMigrationsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`

// LoadMigrations reads every non-empty *.sql file of dir.
func LoadMigrations(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir %s: %w", dir, err)
	}
	var out []Migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		if strings.TrimSpace(string(data)) == "" {
			continue
		}
		out = append(out, Migration{Version: e.Name(), SQL: string(data)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Migrator applies migrations once each, recording them in schema_migrations.
type Migrator struct {
	db *sql.DB
}

// NewMigrator creates a Migrator.
func NewMigrator(db *sql.DB) *Migrator { return &Migrator{db: db} }

func (m *Migrator) applied(ctx context.Context) (map[string]time.Time, error) {
	if _, err := m.db.ExecContext(ctx, createMigrationsTable); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}
	rows, err := m.db.QueryContext(ctx, `SELECT version, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()

	done := make(map[string]time.Time)
	for rows.Next() {
		var (
			version string
			at      time.Time
		)
		if err := rows.Scan(&version, &at); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		done[version] = at
	}
	return done, rows.Err()
}

// Status lists every migration with its applied time.
func (m *Migrator) Status(ctx context.Context, migrations []Migration) ([]MigrationState, error) {
	done, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]MigrationState, 0, len(migrations))
	for _, mig := range migrations {
		out = append(out, MigrationState{Version: mig.Version, AppliedAt: done[mig.Version]})
	}
	return out, nil
}

// Up applies the pending migrations in order, each in its own transaction,
// and stops at the first failure. It returns the versions it applied.
func (m *Migrator) Up(ctx context.Context, migrations []Migration) ([]string, error) {
	done, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}
	var applied []string
	for _, mig := range migrations {
		if _, ok := done[mig.Version]; ok {
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return applied, err
		}
		applied = append(applied, mig.Version)
	}
	return applied, nil
}

func (m *Migrator) apply(ctx context.Context, mig Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", mig.Version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, mig.SQL); err != nil {
		return fmt.Errorf("apply %s: %w", mig.Version, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, mig.Version); err != nil {
		return fmt.Errorf("record %s: %w", mig.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", mig.Version, err)
	}
	return nil
}

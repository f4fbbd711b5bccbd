package postgres

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// migrationLockID serializes migrators across processes.
const migrationLockID int64 = 0x6b687562

const ledgerDDL = `CREATE TABLE IF NOT EXISTS schema_migrations (
	name       TEXT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// RunMigrations applies the *.sql files in migrationsDir in name order.
// Each file runs once, in its own transaction, and is recorded in
// schema_migrations.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, migrationsDir string, logger zerolog.Logger) error {
	files, err := migrationFiles(migrationsDir)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, ledgerDDL); err != nil {
		return fmt.Errorf("create migration ledger: %w", err)
	}

	applied := 0
	for _, path := range files {
		ran, err := applyMigration(ctx, pool, path)
		if err != nil {
			return err
		}
		if ran {
			applied++
			logger.Info().Str("migration", filepath.Base(path)).Msg("migration applied")
		}
	}
	logger.Debug().Int("applied", applied).Int("total", len(files)).Msg("migrations up to date")
	return nil
}

func migrationFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func applyMigration(ctx context.Context, pool *pgxpool.Pool, path string) (bool, error) {
	name := filepath.Base(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("failed to read migration %s: %w", name, err)
	}

	ran := false
	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockID); err != nil {
			return err
		}
		var done bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)`, name).Scan(&done); err != nil {
			return err
		}
		if done {
			return nil
		}
		if sql := strings.TrimSpace(string(data)); sql != "" {
			if _, err := tx.Exec(ctx, sql); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, name); err != nil {
			return err
		}
		ran = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to execute migration %s: %w", name, err)
	}
	return ran, nil
}

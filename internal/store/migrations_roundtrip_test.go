package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestMigrationsRoundTripPostgres(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("STORYMAPPER_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("STORYMAPPER_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	defer db.Close()

	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}

	migrationsDir := filepath.Join("..", "..", "db", "migrations")

	firstPass, err := ApplyMigrations(ctx, db, migrationsDir)
	if err != nil {
		t.Fatalf("apply up migrations (pass 1): %v", err)
	}
	if again, err := ApplyMigrations(ctx, db, migrationsDir); err != nil || again != 0 {
		t.Fatalf("re-applying migrations should be a no-op, got %d, %v", again, err)
	}

	if err := applyDownMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("apply down migrations: %v", err)
	}

	if _, err := db.ExecContext(ctx, `DELETE FROM schema_migrations`); err != nil {
		t.Fatalf("clear schema_migrations: %v", err)
	}

	secondPass, err := ApplyMigrations(ctx, db, migrationsDir)
	if err != nil {
		t.Fatalf("apply up migrations (pass 2): %v", err)
	}
	if secondPass != firstPass {
		t.Fatalf("expected %d migrations on pass 2, got %d", firstPass, secondPass)
	}
	pending, err := PendingMigrations(ctx, db, migrationsDir)
	if err != nil || len(pending) != 0 {
		t.Fatalf("expected no pending migrations, got %v, %v", pending, err)
	}

	var ftsColumns int
	if err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM information_schema.columns
		WHERE table_name = 'feature_history' AND column_name = 'fts' AND is_generated = 'ALWAYS'
	`).Scan(&ftsColumns); err != nil {
		t.Fatalf("inspect feature_history: %v", err)
	}
	if ftsColumns != 1 {
		t.Fatalf("expected generated fts column on feature_history, got %d", ftsColumns)
	}
}

func resetPublicSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	return err
}

// applyDownMigrations reverts every up migration of dir, newest first,
// using the sibling .down.sql file.
func applyDownMigrations(ctx context.Context, db *sql.DB, dir string) error {
	migrations, err := LoadMigrations(dir)
	if err != nil {
		return err
	}
	for i := len(migrations) - 1; i >= 0; i-- {
		downPath := strings.TrimSuffix(migrations[i].Path, ".up.sql") + ".down.sql"
		contents, err := os.ReadFile(downPath)
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(contents)) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, string(contents)); err != nil {
			return err
		}
	}
	return nil
}

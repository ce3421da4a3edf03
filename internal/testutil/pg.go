// Package testutil holds helpers shared by Postgres-backed integration tests.
package testutil

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"supportcarr/internal/infra"
	"supportcarr/migrations"
)

// DSNEnv names the variable that enables database tests.
const DSNEnv = "RESCUE_TEST_DSN"

// PG connects to the test database, applies migrations and truncates tables.
// The test is skipped when RESCUE_TEST_DSN is unset.
func PG(t *testing.T, tables ...string) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv(DSNEnv)
	if dsn == "" {
		t.Skip(DSNEnv + " not set; skipping DB-backed test")
	}
	ctx := context.Background()
	db, err := infra.NewDB(ctx, dsn)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(db.Close)

	if err := infra.ApplyMigrations(ctx, db, migrations.FS); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	if len(tables) > 0 {
		if _, err := db.Exec(ctx, "TRUNCATE TABLE "+strings.Join(tables, ", ")+" CASCADE"); err != nil {
			t.Fatalf("truncate tables: %v", err)
		}
	}
	return db
}
